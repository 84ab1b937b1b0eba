// Package bus implements the message bus: a broadcaster of messages with an
// authoritative per-identifier sequence ledger and per-writer conflict
// detection. Clients talk to the bus through Handles.
//
// All ledger and handle-table mutations run on the bus executor, so the bus
// holds no locks of its own.
package bus

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/broadcast"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
)

var (
	ErrClosed       = errors.New("bus: closed")
	ErrHandleExists = errors.New("bus: handle name already open")
	ErrHandleClosed = errors.New("bus: handle closed")
	// ErrConflict is returned for a write whose sequence is behind the ledger.
	ErrConflict = errors.New("bus: stale sequence")
	// ErrConflicted is returned by writes on a handle awaiting ResolveConflict.
	ErrConflicted = errors.New("bus: handle is conflicted")
	// ErrStale is returned by Inject for remote messages the ledger already passed.
	ErrStale = errors.New("bus: stale remote message")
)

const DefaultReplay = 128

type options struct {
	replay   int
	log      *zap.Logger
	forward  func(message.Message)
	nodeInfo func() (message.NodeInfo, []message.NodeInfo)
}

type Option func(*options)

// WithReplay sets how many recent messages new handles receive on open.
func WithReplay(n int) Option {
	return func(o *options) { o.replay = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithForwarder registers fn to be called for every message accepted from
// a local handle, after its sequence is assigned. fn runs on the bus
// executor and must not block or call back into the bus.
func WithForwarder(fn func(message.Message)) Option {
	return func(o *options) { o.forward = fn }
}

// WithNodeInfo sets the node description carried by join announcements.
// fn runs on the bus executor.
func WithNodeInfo(fn func() (message.NodeInfo, []message.NodeInfo)) Option {
	return func(o *options) { o.nodeInfo = fn }
}

type Bus struct {
	name     string
	log      *zap.Logger
	bc       *broadcast.Broadcaster[message.Message]
	exec     *pipe.Executor
	forward  func(message.Message)
	nodeInfo func() (message.NodeInfo, []message.NodeInfo)

	// executor-owned
	ledger  map[string]uint64
	handles map[string]*Handle
	closed  bool

	shutdownOnce sync.Once
}

// New returns a bus. name identifies the bus (the node) in system messages.
func New(name string, opts ...Option) *Bus {
	o := options{replay: DefaultReplay, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(zap.String("component", "bus"), zap.String("bus", name))
	b := &Bus{
		name:    name,
		log:     log,
		exec:    pipe.NewExecutor("bus", pipe.WithLogger(log)),
		forward: o.forward,
		ledger:  make(map[string]uint64),
		handles: make(map[string]*Handle),
	}
	b.bc = broadcast.New(o.replay,
		broadcast.WithClone(message.Message.Clone),
		broadcast.WithLogger[message.Message](log),
	)
	b.nodeInfo = o.nodeInfo
	if b.nodeInfo == nil {
		created := time.Now()
		b.nodeInfo = func() (message.NodeInfo, []message.NodeInfo) {
			return message.NodeInfo{
				Identifier:       name,
				State:            message.NodeReady,
				MasterIdentifier: name,
				InitializedAt:    created,
				UpdatedAt:        time.Now(),
			}, nil
		}
	}
	return b
}

func (b *Bus) Name() string { return b.name }

// Open creates a handle named name and subscribes it to the bus. The new
// handle first receives the replay history. A system message announcing the
// handle is published without waiting for it.
func (b *Bus) Open(name string, opts ...HandleOption) (*Handle, error) {
	h := newHandle(b, name, opts)
	var err error
	syncErr := b.exec.Sync(func() {
		if b.closed {
			err = ErrClosed
			return
		}
		if _, ok := b.handles[name]; ok {
			err = ErrHandleExists
			return
		}
		if rerr := b.bc.Register(h.listener); rerr != nil {
			err = ErrClosed
			return
		}
		b.handles[name] = h
		telemetry.HandlesOpen.Inc()
	})
	if syncErr != nil {
		err = ErrClosed
	}
	if err != nil {
		h.release()
		return nil, err
	}
	_ = b.exec.Submit(func() { b.announce(name) })
	b.log.Debug("handle opened", zap.String("handle", name))
	return h, nil
}

func (b *Bus) announce(source string) {
	if b.closed {
		return
	}
	self, peers := b.nodeInfo()
	m := message.NewSystem(message.SystemIdentifier(b.name), self, peers)
	m.Source = source
	m.Sequence = b.ledger[m.Identifier] + 1
	if _, err := b.accept(m); err != nil {
		b.log.Warn("announce rejected", zap.String("handle", source), zap.Error(err))
	}
}

// Publish publishes a system message authored by the bus itself, e.g. a
// heartbeat. It takes the next sequence for m.Identifier.
func (b *Bus) Publish(m message.Message) (uint64, error) {
	var (
		seq uint64
		err error
	)
	syncErr := b.exec.Sync(func() {
		if b.closed {
			err = ErrClosed
			return
		}
		if m.Source == "" {
			m.Source = b.name
		}
		m.Sequence = b.ledger[m.Identifier] + 1
		seq, err = b.accept(m)
	})
	if syncErr != nil {
		return 0, ErrClosed
	}
	return seq, err
}

// write is the handle write path. It runs the ledger check on the executor.
func (b *Bus) write(m message.Message) (uint64, error) {
	var (
		seq uint64
		err error
	)
	syncErr := b.exec.Sync(func() {
		if b.closed {
			err = ErrClosed
			return
		}
		seq, err = b.accept(m)
	})
	if syncErr != nil {
		return 0, ErrClosed
	}
	return seq, err
}

// accept checks m against the ledger, assigns the authoritative sequence
// and publishes. A stale sequence marks the authoring handle conflicted and
// leaves the ledger untouched. Executor only.
func (b *Bus) accept(m message.Message) (uint64, error) {
	next := b.ledger[m.Identifier] + 1
	if m.Sequence < next {
		telemetry.Conflicts.Inc()
		if h := b.handles[m.Source]; h != nil {
			h.markConflicted(m)
		}
		b.log.Debug("stale write",
			zap.String("identifier", m.Identifier),
			zap.String("source", m.Source),
			zap.Uint64("sequence", m.Sequence),
			zap.Uint64("expected", next),
		)
		return 0, ErrConflict
	}
	m.Sequence = next
	b.ledger[m.Identifier] = next
	if err := b.bc.Publish(m); err != nil {
		return 0, ErrClosed
	}
	telemetry.MessagesPublished.WithLabelValues(m.Type.String(), "local").Inc()
	if b.forward != nil {
		b.forward(m)
	}
	return next, nil
}

// Inject publishes a message that arrived from another node. Its sequence
// was assigned by the authoring node's bus; the local ledger adopts it when
// it is newer and drops the message otherwise. No local handle is marked
// conflicted by a stale remote message.
func (b *Bus) Inject(m message.Message) error {
	var err error
	syncErr := b.exec.Sync(func() {
		if b.closed {
			err = ErrClosed
			return
		}
		if m.Sequence <= b.ledger[m.Identifier] {
			telemetry.StaleRemote.Inc()
			err = ErrStale
			return
		}
		b.ledger[m.Identifier] = m.Sequence
		if perr := b.bc.Publish(m); perr != nil {
			err = ErrClosed
			return
		}
		telemetry.MessagesPublished.WithLabelValues(m.Type.String(), "remote").Inc()
	})
	if syncErr != nil {
		return ErrClosed
	}
	return err
}

// Ledger returns the last sequence assigned for identifier.
func (b *Bus) Ledger(identifier string) uint64 {
	var seq uint64
	_ = b.exec.Sync(func() { seq = b.ledger[identifier] })
	return seq
}

func (b *Bus) ledgerSnapshot() (map[string]uint64, error) {
	var snap map[string]uint64
	err := b.exec.Sync(func() {
		snap = make(map[string]uint64, len(b.ledger))
		for k, v := range b.ledger {
			snap[k] = v
		}
	})
	return snap, err
}

// Forget drops identifier from the ledger and from every handle's view, so
// a restarted writer can start again from sequence 1.
func (b *Bus) Forget(identifier string) {
	_ = b.exec.Sync(func() {
		delete(b.ledger, identifier)
		for _, h := range b.handles {
			h.forget(identifier)
		}
	})
}

// Handles returns the names of the open handles, sorted.
func (b *Bus) Handles() []string {
	var names []string
	_ = b.exec.Sync(func() {
		for name := range b.handles {
			names = append(names, name)
		}
	})
	slices.Sort(names)
	return names
}

// Flush waits until everything accepted so far has been delivered to every
// handle's callbacks or inbox.
func (b *Bus) Flush() {
	if err := b.exec.Sync(func() {}); err != nil {
		return
	}
	b.bc.Flush()
}

// CloseHandle unsubscribes h and detaches it from the bus. Notifications
// already queued for h still run; a blocked Read returns once the inbox is
// empty. It must not be called from one of h's own callbacks.
func (b *Bus) CloseHandle(h *Handle) error {
	if h.bus != b {
		return ErrHandleClosed
	}
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	_ = b.exec.Sync(func() {
		if b.handles[h.name] == h {
			delete(b.handles, h.name)
			telemetry.HandlesOpen.Dec()
		}
	})
	if err := b.bc.Unregister(h.listener); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		b.log.Warn("unregister handle", zap.String("handle", h.name), zap.Error(err))
	}
	h.release()
	b.log.Debug("handle closed", zap.String("handle", h.name))
	return nil
}

// Shutdown closes every handle still open and stops the bus. Handles should
// be closed by their owners first; leftovers are logged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		var left []*Handle
		_ = b.exec.Sync(func() {
			b.closed = true
			for _, h := range b.handles {
				left = append(left, h)
			}
		})
		for _, h := range left {
			b.log.Warn("closing handle left open at shutdown", zap.String("handle", h.name))
			_ = b.CloseHandle(h)
		}
		b.bc.Close()
		b.exec.Close()
	})
}
