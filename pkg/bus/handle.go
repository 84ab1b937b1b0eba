package bus

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/broadcast"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
)

// ErrReserved is returned when a handle writes to a system identifier.
var ErrReserved = errors.New("bus: identifier is reserved for system messages")

type Reader interface {
	Read() (message.Message, bool)
}

type Writer interface {
	Write(m message.Message) (uint64, error)
}

type ReadWriter interface {
	Reader
	Writer
}

var _ ReadWriter = (*Handle)(nil)

type HandleState uint8

const (
	HandleOpen HandleState = iota
	HandleConflicted
	HandleClosed
)

func (s HandleState) String() string {
	switch s {
	case HandleOpen:
		return "open"
	case HandleConflicted:
		return "conflicted"
	case HandleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type handleOptions struct {
	filter     func(message.Message) bool
	process    func(message.Message)
	onConflict func(*Handle, message.Message)
	onSystem   func(message.Message)
}

type HandleOption func(*handleOptions)

// WithFilter drops user messages for which keep returns false.
func WithFilter(keep func(message.Message) bool) HandleOption {
	return func(o *handleOptions) { o.filter = keep }
}

// WithProcessor delivers user messages to fn instead of the handle's inbox.
// Read always reports false on such a handle.
func WithProcessor(fn func(message.Message)) HandleOption {
	return func(o *handleOptions) { o.process = fn }
}

// WithConflictHandler is called, on the handle's own goroutine, with the
// rejected message when a write is found stale.
func WithConflictHandler(fn func(*Handle, message.Message)) HandleOption {
	return func(o *handleOptions) { o.onConflict = fn }
}

// WithSystemHandler is called for every system message the handle accepts.
func WithSystemHandler(fn func(message.Message)) HandleOption {
	return func(o *handleOptions) { o.onSystem = fn }
}

// Handle is a client endpoint on a Bus. Notifications arrive on the
// handle's own listener goroutine.
type Handle struct {
	name     string
	bus      *Bus
	opts     handleOptions
	listener *broadcast.Listener[message.Message]
	inbox    *pipe.Pipe[message.Message]
	log      *zap.Logger

	mu         sync.Mutex
	seen       map[string]uint64
	written    map[string]uint64
	conflicted bool
	nodes      map[string]message.NodeInfo

	closed atomic.Bool
}

func newHandle(b *Bus, name string, opts []HandleOption) *Handle {
	h := &Handle{
		name:    name,
		bus:     b,
		log:     b.log.With(zap.String("handle", name)),
		seen:    make(map[string]uint64),
		written: make(map[string]uint64),
		nodes:   make(map[string]message.NodeInfo),
	}
	for _, opt := range opts {
		opt(&h.opts)
	}
	if h.opts.process == nil {
		h.inbox = pipe.New[message.Message](nil, pipe.WithName("inbox:"+name), pipe.WithLogger(h.log))
	}
	h.listener = broadcast.NewListener(h.notify, pipe.WithName("handle:"+name), pipe.WithLogger(h.log))
	return h
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) notify(m message.Message) {
	h.mu.Lock()
	if m.Sequence <= h.seen[m.Identifier] {
		h.mu.Unlock()
		return
	}
	// Recorded before the self-drop: a same-named handle on another node
	// still advances this handle's next sequence.
	h.seen[m.Identifier] = m.Sequence
	if m.IsSystem() {
		h.cacheNodes(m)
	}
	h.mu.Unlock()

	if m.Source == h.name && !m.IsSystem() {
		return
	}
	if m.IsSystem() {
		if h.opts.onSystem != nil {
			h.opts.onSystem(m)
		}
		return
	}
	if h.opts.filter != nil && !h.opts.filter(m) {
		return
	}
	if h.opts.process != nil {
		h.opts.process(m)
		return
	}
	if err := h.inbox.Write(m); err != nil {
		h.log.Debug("inbox closed, dropping message", zap.String("identifier", m.Identifier))
	}
}

// cacheNodes records the node descriptions a system message carries. Called
// with h.mu held.
func (h *Handle) cacheNodes(m message.Message) {
	if id := m.Self.Identifier; id != "" {
		if m.Self.State == message.NodeDestroyed {
			delete(h.nodes, id)
		} else {
			h.nodes[id] = m.Self
		}
	}
	for _, p := range m.Peers {
		if p.Identifier == "" || p.State == message.NodeDestroyed {
			continue
		}
		if cur, ok := h.nodes[p.Identifier]; !ok || p.UpdatedAt.After(cur.UpdatedAt) {
			h.nodes[p.Identifier] = p
		}
	}
}

// Write publishes m as a user message authored by this handle and returns
// the sequence the bus assigned. A zero m.Sequence is stamped with the
// handle's next sequence for m.Identifier. A stale sequence returns
// ErrConflict and leaves the handle conflicted.
func (h *Handle) Write(m message.Message) (uint64, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}
	if message.IsSystemIdentifier(m.Identifier) {
		return 0, ErrReserved
	}
	m.Source = h.name
	m.Type = message.TypeUser
	m.Self = message.NodeInfo{}
	m.Peers = nil
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	h.mu.Lock()
	if h.conflicted {
		h.mu.Unlock()
		return 0, ErrConflicted
	}
	if m.Sequence == 0 {
		m.Sequence = max(h.seen[m.Identifier], h.written[m.Identifier]) + 1
	}
	h.mu.Unlock()

	seq, err := h.bus.write(m)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.written[m.Identifier] = max(h.written[m.Identifier], seq)
	h.mu.Unlock()
	return seq, nil
}

// Read blocks for the next user message. ok is false once the handle is
// closed and its inbox is empty, or if the handle has a processor.
func (h *Handle) Read() (message.Message, bool) {
	if h.inbox == nil {
		return message.Message{}, false
	}
	return h.inbox.Read()
}

// WaitForEmpty waits until everything the bus accepted so far has reached
// this handle and been read or processed. It returns the number of messages
// consumed.
func (h *Handle) WaitForEmpty() uint64 {
	h.bus.Flush()
	if h.inbox != nil {
		return h.inbox.WaitForDrain()
	}
	return h.listener.WaitForDrain()
}

func (h *Handle) markConflicted(m message.Message) {
	h.mu.Lock()
	h.conflicted = true
	h.mu.Unlock()
	h.log.Info("handle conflicted",
		zap.String("identifier", m.Identifier),
		zap.Uint64("sequence", m.Sequence),
	)
	if fn := h.opts.onConflict; fn != nil {
		if err := h.listener.Submit(func() { fn(h, m) }); err != nil {
			h.log.Debug("conflict handler not run, handle closed")
		}
	}
}

// Conflicted reports whether the handle is rejecting writes.
func (h *Handle) Conflicted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conflicted
}

// ResolveConflict adopts the bus ledger as the handle's sequence view and
// accepts writes again.
func (h *Handle) ResolveConflict() error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	snap, err := h.bus.ledgerSnapshot()
	if err != nil {
		return ErrClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, seq := range snap {
		h.written[id] = max(h.written[id], seq)
	}
	h.conflicted = false
	return nil
}

func (h *Handle) State() HandleState {
	if h.closed.Load() {
		return HandleClosed
	}
	if h.Conflicted() {
		return HandleConflicted
	}
	return HandleOpen
}

// Nodes returns the node descriptions learned from system messages, sorted
// by identifier.
func (h *Handle) Nodes() []message.NodeInfo {
	h.mu.Lock()
	out := make([]message.NodeInfo, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	h.mu.Unlock()
	slices.SortFunc(out, func(a, b message.NodeInfo) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})
	return out
}

// Close is shorthand for closing h on its bus.
func (h *Handle) Close() error {
	return h.bus.CloseHandle(h)
}

func (h *Handle) forget(identifier string) {
	h.mu.Lock()
	delete(h.seen, identifier)
	delete(h.written, identifier)
	h.mu.Unlock()
}

func (h *Handle) release() {
	h.listener.Close()
	if h.inbox != nil {
		h.inbox.Close()
	}
}
