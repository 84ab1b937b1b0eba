package gossip

import (
	"slices"
	"strings"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

// memberlist is this node's view of its live peers. It is owned by the
// NetworkBus executor.
type memberlist struct {
	nodes map[string]message.NodeInfo
	det   *detector
}

func newMemberlist(timeout time.Duration) *memberlist {
	return &memberlist{
		nodes: make(map[string]message.NodeInfo),
		det:   newDetector(timeout),
	}
}

type observation uint8

const (
	peerSeen observation = iota
	peerJoined
	peerRestarted
)

// observe records a heartbeat from info's node. A changed InitializedAt
// means the peer process restarted.
func (m *memberlist) observe(info message.NodeInfo, now time.Time) observation {
	prev, known := m.nodes[info.Identifier]
	m.nodes[info.Identifier] = info
	m.det.observe(info.Identifier, now)
	switch {
	case !known:
		return peerJoined
	case !prev.InitializedAt.Equal(info.InitializedAt):
		return peerRestarted
	default:
		return peerSeen
	}
}

func (m *memberlist) remove(id string) bool {
	if _, ok := m.nodes[id]; !ok {
		return false
	}
	delete(m.nodes, id)
	m.det.remove(id)
	return true
}

// expire drops and returns the peers that stopped sending heartbeats.
func (m *memberlist) expire(now time.Time) []string {
	gone := m.det.expired(now)
	for _, id := range gone {
		m.remove(id)
	}
	return gone
}

func (m *memberlist) len() int { return len(m.nodes) }

// list returns the peers sorted by identifier.
func (m *memberlist) list() []message.NodeInfo {
	out := make([]message.NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b message.NodeInfo) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})
	return out
}

// lowest returns the smallest identifier among self and the peers.
func (m *memberlist) lowest(self string) string {
	low := self
	for id := range m.nodes {
		if id < low {
			low = id
		}
	}
	return low
}
