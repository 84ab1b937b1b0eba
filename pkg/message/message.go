// Package message defines the values exchanged on the bus and their wire
// encodings.
package message

import (
	"slices"
	"strings"
	"time"
)

type Type uint8

const (
	TypeUser Type = iota
	TypeSystem
)

func (t Type) String() string {
	switch t {
	case TypeUser:
		return "user"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// NodeState is the election state a node reports in its heartbeats.
type NodeState uint8

const (
	NodeNew NodeState = iota
	NodeMasterPending
	NodeReady
	NodeDestroyed
)

func (s NodeState) String() string {
	switch s {
	case NodeNew:
		return "new"
	case NodeMasterPending:
		return "master_pending"
	case NodeReady:
		return "ready"
	case NodeDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type NodeInfo struct {
	Identifier       string
	State            NodeState
	MasterIdentifier string // empty when no master is known
	InitializedAt    time.Time
	UpdatedAt        time.Time
}

// Message is the unit published on the bus. User messages carry Payload;
// system messages carry Self and Peers.
type Message struct {
	Identifier string
	Source     string
	Type       Type
	Sequence   uint64
	Timestamp  time.Time

	Payload []byte

	Self  NodeInfo
	Peers []NodeInfo
}

const systemPrefix = "$sys/"

// SystemIdentifier is the reserved stream a node's system messages use.
func SystemIdentifier(node string) string {
	return systemPrefix + node
}

// IsSystemIdentifier reports whether id names a reserved system stream.
func IsSystemIdentifier(id string) bool {
	return strings.HasPrefix(id, systemPrefix)
}

func NewUser(identifier string, payload []byte) Message {
	return Message{
		Identifier: identifier,
		Type:       TypeUser,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
}

func NewSystem(identifier string, self NodeInfo, peers []NodeInfo) Message {
	return Message{
		Identifier: identifier,
		Type:       TypeSystem,
		Timestamp:  time.Now(),
		Self:       self,
		Peers:      peers,
	}
}

func (m Message) IsSystem() bool { return m.Type == TypeSystem }

// Clone returns a deep copy; listeners each get their own.
func (m Message) Clone() Message {
	m.Payload = slices.Clone(m.Payload)
	m.Peers = slices.Clone(m.Peers)
	return m
}
