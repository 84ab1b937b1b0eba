package transport

import (
	"slices"
	"sync"

	"github.com/ryandielhenn/zephyrbus/pkg/queue"
)

// Hub is an in-process broadcast medium. A frame written by one endpoint is
// delivered to every joined endpoint, the writer included, the way a
// pub/sub broker echoes publishes.
type Hub struct {
	mu  sync.Mutex
	eps []*Mem
}

func NewHub() *Hub { return &Hub{} }

// Join attaches a new endpoint.
func (h *Hub) Join() *Mem {
	m := &Mem{hub: h, in: queue.NewFIFO[[]byte]()}
	h.mu.Lock()
	h.eps = append(h.eps, m)
	h.mu.Unlock()
	return m
}

func (h *Hub) deliver(frame []byte) {
	h.mu.Lock()
	eps := slices.Clone(h.eps)
	h.mu.Unlock()
	for _, ep := range eps {
		_ = ep.in.Push(slices.Clone(frame))
	}
}

func (h *Hub) leave(m *Mem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.Index(h.eps, m); i >= 0 {
		h.eps = slices.Delete(h.eps, i, i+1)
	}
}

// Endpoints returns the number of joined endpoints.
func (h *Hub) Endpoints() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.eps)
}

// Mem is one endpoint of a Hub.
type Mem struct {
	hub *Hub
	in  *queue.Queue[[]byte]
}

func (m *Mem) Read() ([]byte, bool) {
	return m.in.Pop()
}

func (m *Mem) Write(frame []byte) error {
	if m.in.Closed() {
		return ErrClosed
	}
	m.hub.deliver(frame)
	return nil
}

func (m *Mem) Close() error {
	m.hub.leave(m)
	m.in.Close()
	return nil
}
