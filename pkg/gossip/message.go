package gossip

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

// Wire frame: a protobuf-compatible envelope naming the sending node so a
// node can drop its own frames when a broker echoes them back.
//
//	1: node id (string)
//	2: encoded message (bytes)
const (
	fieldNode protowire.Number = 1
	fieldBody protowire.Number = 2
)

type envelope struct {
	Node string
	Body []byte
}

func appendEnvelope(b []byte, e envelope) []byte {
	b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
	b = protowire.AppendString(b, e.Node)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Body)
	return b
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: envelope tag: %v", message.ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, fmt.Errorf("%w: envelope node: %v", message.ErrMalformed, protowire.ParseError(n))
			}
			e.Node = v
			b = b[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("%w: envelope body: %v", message.ErrMalformed, protowire.ParseError(n))
			}
			e.Body = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("%w: envelope field %d: %v", message.ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Node == "" {
		return e, fmt.Errorf("%w: envelope without node", message.ErrMalformed)
	}
	return e, nil
}
