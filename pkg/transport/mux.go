package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/queue"
	"github.com/ryandielhenn/zephyrbus/pkg/worker"
)

// Conn is the frame transport contract shared by every transport here.
type Conn interface {
	Read() ([]byte, bool)
	Write(frame []byte) error
	Close() error
}

var (
	_ Conn = (*Mem)(nil)
	_ Conn = (*Stream)(nil)
	_ Conn = (*WebSocket)(nil)
	_ Conn = (*Redis)(nil)
	_ Conn = (*Mux)(nil)
)

type member struct {
	conn   Conn
	thread *worker.Thread
}

// Mux joins several connections into one: frames read from any member are
// merged, writes go to every member. A member whose stream ends is dropped.
type Mux struct {
	in  *queue.Queue[[]byte]
	log *zap.Logger

	mu      sync.Mutex
	members []*member
	closed  bool
}

func NewMux(opts ...Option) *Mux {
	o := buildOptions(opts)
	return &Mux{
		in:  queue.NewFIFO[[]byte](),
		log: o.log.With(zap.String("transport", "mux")),
	}
}

// Add attaches c and starts reading from it.
func (m *Mux) Add(c Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	mb := &member{conn: c}
	th, err := worker.Go(func(ctx context.Context) error {
		return m.pump(ctx, mb)
	})
	if err != nil {
		return err
	}
	mb.thread = th
	m.members = append(m.members, mb)
	return nil
}

func (m *Mux) pump(ctx context.Context, mb *member) error {
	defer m.drop(mb)
	for {
		frame, ok := mb.conn.Read()
		if !ok || ctx.Err() != nil {
			return nil
		}
		if err := m.in.Push(frame); err != nil {
			return nil
		}
	}
}

func (m *Mux) drop(mb *member) {
	m.mu.Lock()
	i := slices.Index(m.members, mb)
	if i >= 0 {
		m.members = slices.Delete(m.members, i, i+1)
	}
	m.mu.Unlock()
	if i >= 0 {
		m.log.Debug("member stream ended")
		_ = mb.conn.Close()
	}
}

// Members returns the number of attached connections.
func (m *Mux) Members() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

func (m *Mux) Read() ([]byte, bool) {
	return m.in.Pop()
}

func (m *Mux) Write(frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conns := make([]Conn, 0, len(m.members))
	for _, mb := range m.members {
		conns = append(conns, mb.conn)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Write(frame); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member and ends Read once buffered frames are read.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	members := slices.Clone(m.members)
	m.mu.Unlock()

	var errs []error
	for _, mb := range members {
		if err := mb.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, mb := range members {
		if err := mb.thread.Join(); err != nil {
			m.log.Warn("member reader", zap.Error(err))
		}
		_ = mb.thread.Close()
	}
	m.in.Close()
	return errors.Join(errs...)
}
