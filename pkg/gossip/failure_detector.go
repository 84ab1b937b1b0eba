package gossip

import (
	"slices"
	"time"
)

// detector is a plain heartbeat-timeout failure detector: a peer not heard
// from within timeout is considered gone.
type detector struct {
	timeout  time.Duration
	lastSeen map[string]time.Time
}

func newDetector(timeout time.Duration) *detector {
	return &detector{timeout: timeout, lastSeen: make(map[string]time.Time)}
}

func (d *detector) observe(id string, t time.Time) {
	d.lastSeen[id] = t
}

func (d *detector) remove(id string) {
	delete(d.lastSeen, id)
}

// expired returns, sorted, the peers silent for longer than the timeout.
func (d *detector) expired(now time.Time) []string {
	var out []string
	for id, t := range d.lastSeen {
		if now.Sub(t) > d.timeout {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
