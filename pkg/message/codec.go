package message

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("message: malformed encoding")

// Codec converts messages to and from bytes. Implementations must round-trip
// every field.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// Field numbers of the protobuf encoding. Unknown fields are skipped on
// decode so newer peers can add fields.
const (
	fieldIdentifier protowire.Number = 1
	fieldSource     protowire.Number = 2
	fieldType       protowire.Number = 3
	fieldSequence   protowire.Number = 4
	fieldTimestamp  protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldSelf       protowire.Number = 7
	fieldPeers      protowire.Number = 8

	nodeIdentifier    protowire.Number = 1
	nodeState         protowire.Number = 2
	nodeMaster        protowire.Number = 3
	nodeInitializedAt protowire.Number = 4
	nodeUpdatedAt     protowire.Number = 5
)

// ProtoCodec encodes messages in protobuf wire format.
type ProtoCodec struct{}

func (ProtoCodec) Encode(m Message) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldIdentifier, m.Identifier)
	b = appendString(b, fieldSource, m.Source)
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendTime(b, fieldTimestamp, m.Timestamp)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.Self != (NodeInfo{}) {
		b = protowire.AppendTag(b, fieldSelf, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNode(nil, m.Self))
	}
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, fieldPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNode(nil, p))
	}
	return b, nil
}

func encodeNode(b []byte, n NodeInfo) []byte {
	b = appendString(b, nodeIdentifier, n.Identifier)
	b = appendVarint(b, nodeState, uint64(n.State))
	b = appendString(b, nodeMaster, n.MasterIdentifier)
	b = appendTime(b, nodeInitializedAt, n.InitializedAt)
	b = appendTime(b, nodeUpdatedAt, n.UpdatedAt)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (ProtoCodec) Decode(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, malformed(n)
		}
		b = b[n:]
		switch {
		case num == fieldIdentifier && typ == protowire.BytesType:
			m.Identifier, n = protowire.ConsumeString(b)
		case num == fieldSource && typ == protowire.BytesType:
			m.Source, n = protowire.ConsumeString(b)
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Type = Type(v)
		case num == fieldSequence && typ == protowire.VarintType:
			m.Sequence, n = protowire.ConsumeVarint(b)
		case num == fieldTimestamp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Timestamp = timeFromWire(v)
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.Payload = slices.Clone(v)
		case (num == fieldSelf || num == fieldPeers) && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n < 0 {
				break
			}
			node, err := decodeNode(v)
			if err != nil {
				return Message{}, err
			}
			if num == fieldSelf {
				m.Self = node
			} else {
				m.Peers = append(m.Peers, node)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Message{}, malformed(n)
		}
		b = b[n:]
	}
	return m, nil
}

func decodeNode(b []byte) (NodeInfo, error) {
	var node NodeInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NodeInfo{}, malformed(n)
		}
		b = b[n:]
		var v uint64
		switch {
		case num == nodeIdentifier && typ == protowire.BytesType:
			node.Identifier, n = protowire.ConsumeString(b)
		case num == nodeMaster && typ == protowire.BytesType:
			node.MasterIdentifier, n = protowire.ConsumeString(b)
		case num == nodeState && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			node.State = NodeState(v)
		case num == nodeInitializedAt && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			node.InitializedAt = timeFromWire(v)
		case num == nodeUpdatedAt && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			node.UpdatedAt = timeFromWire(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return NodeInfo{}, malformed(n)
		}
		b = b[n:]
	}
	return node, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// appendTime writes t as zigzag Unix nanoseconds. The zero time is left out,
// so a present field always decodes to a non-zero time, the epoch included.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func timeFromWire(v uint64) time.Time {
	return time.Unix(0, protowire.DecodeZigZag(v))
}
