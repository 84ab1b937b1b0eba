package message

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type cborNode struct {
	Identifier    string `cbor:"1,keyasint,omitempty"`
	State         uint8  `cbor:"2,keyasint,omitempty"`
	Master        string `cbor:"3,keyasint,omitempty"`
	InitializedAt *int64 `cbor:"4,keyasint,omitempty"`
	UpdatedAt     *int64 `cbor:"5,keyasint,omitempty"`
}

type cborMessage struct {
	Identifier string     `cbor:"1,keyasint,omitempty"`
	Source     string     `cbor:"2,keyasint,omitempty"`
	Type       uint8      `cbor:"3,keyasint,omitempty"`
	Sequence   uint64     `cbor:"4,keyasint,omitempty"`
	Timestamp  *int64     `cbor:"5,keyasint,omitempty"`
	Payload    []byte     `cbor:"6,keyasint,omitempty"`
	Self       cborNode   `cbor:"7,keyasint"`
	Peers      []cborNode `cbor:"8,keyasint,omitempty"`
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CBORCodec encodes messages as deterministic CBOR maps with integer keys.
type CBORCodec struct{}

func (CBORCodec) Encode(m Message) ([]byte, error) {
	w := cborMessage{
		Identifier: m.Identifier,
		Source:     m.Source,
		Type:       uint8(m.Type),
		Sequence:   m.Sequence,
		Timestamp:  toCBORTime(m.Timestamp),
		Payload:    m.Payload,
		Self:       toCBORNode(m.Self),
	}
	for _, p := range m.Peers {
		w.Peers = append(w.Peers, toCBORNode(p))
	}
	b, err := cborEnc.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("message: cbor encode: %w", err)
	}
	return b, nil
}

func (CBORCodec) Decode(b []byte) (Message, error) {
	var w cborMessage
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{
		Identifier: w.Identifier,
		Source:     w.Source,
		Type:       Type(w.Type),
		Sequence:   w.Sequence,
		Timestamp:  fromCBORTime(w.Timestamp),
		Payload:    w.Payload,
		Self:       fromCBORNode(w.Self),
	}
	for _, p := range w.Peers {
		m.Peers = append(m.Peers, fromCBORNode(p))
	}
	return m, nil
}

func toCBORNode(n NodeInfo) cborNode {
	return cborNode{
		Identifier:    n.Identifier,
		State:         uint8(n.State),
		Master:        n.MasterIdentifier,
		InitializedAt: toCBORTime(n.InitializedAt),
		UpdatedAt:     toCBORTime(n.UpdatedAt),
	}
}

func fromCBORNode(n cborNode) NodeInfo {
	return NodeInfo{
		Identifier:       n.Identifier,
		State:            NodeState(n.State),
		MasterIdentifier: n.Master,
		InitializedAt:    fromCBORTime(n.InitializedAt),
		UpdatedAt:        fromCBORTime(n.UpdatedAt),
	}
}

// Times travel as Unix nanoseconds; nil stands for the zero time.
func toCBORTime(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ns := t.UnixNano()
	return &ns
}

func fromCBORTime(ns *int64) time.Time {
	if ns == nil {
		return time.Time{}
	}
	return time.Unix(0, *ns)
}
