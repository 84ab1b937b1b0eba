// Package broadcast fans published items out to listeners. The broadcaster
// and every listener each run on their own executor, so a slow listener
// delays only itself. A bounded replay history lets late listeners catch up.
package broadcast

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
	"github.com/ryandielhenn/zephyrbus/pkg/ring"
)

var ErrClosed = errors.New("broadcast: closed")

// Listener receives items through its own executor.
type Listener[T any] struct {
	exec   *pipe.Executor
	notify func(T)
}

func NewListener[T any](notify func(T), opts ...pipe.Option) *Listener[T] {
	return &Listener[T]{
		exec:   pipe.NewExecutor("listener", opts...),
		notify: notify,
	}
}

func (l *Listener[T]) deliver(v T) error {
	return l.exec.Submit(func() { l.notify(v) })
}

// Submit runs fn on the listener's executor, ordered with its notifications.
func (l *Listener[T]) Submit(fn func()) error {
	return l.exec.Submit(fn)
}

// WaitForDrain blocks until every notification queued so far has run.
func (l *Listener[T]) WaitForDrain() uint64 {
	return l.exec.WaitForDrain()
}

// Close runs queued notifications and stops the listener. Unregister it
// first; deliveries to a closed listener are dropped.
func (l *Listener[T]) Close() {
	l.exec.Close()
}

type options[T any] struct {
	clone func(T) T
	log   *zap.Logger
}

type Option[T any] func(*options[T])

// WithClone sets the copy made for each listener on publish.
func WithClone[T any](clone func(T) T) Option[T] {
	return func(o *options[T]) { o.clone = clone }
}

func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(o *options[T]) {
		if l != nil {
			o.log = l
		}
	}
}

// Broadcaster publishes items to registered listeners. All of its state is
// owned by its executor.
type Broadcaster[T any] struct {
	exec  *pipe.Executor
	clone func(T) T
	log   *zap.Logger

	// executor-owned
	replay    *ring.Buffer[T]
	listeners []*Listener[T]
}

// New returns a broadcaster that replays the last replay items to newly
// registered listeners.
func New[T any](replay int, opts ...Option[T]) *Broadcaster[T] {
	o := options[T]{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broadcaster[T]{
		exec:   pipe.NewExecutor("broadcaster", pipe.WithLogger(o.log)),
		clone:  o.clone,
		log:    o.log,
		replay: ring.New[T](replay),
	}
}

func (b *Broadcaster[T]) copyOf(v T) T {
	if b.clone == nil {
		return v
	}
	return b.clone(v)
}

// Publish records item in the replay history and queues it for every
// listener. It does not wait for delivery.
func (b *Broadcaster[T]) Publish(item T) error {
	err := b.exec.Submit(func() {
		b.replay.Push(item)
		for _, l := range b.listeners {
			if err := l.deliver(b.copyOf(item)); err != nil {
				b.log.Debug("dropping delivery to closed listener", zap.Error(err))
			}
		}
	})
	if err != nil {
		return ErrClosed
	}
	return nil
}

// Register replays the history to l, oldest first, then adds it. Items
// published after Register returns reach l after the replay.
func (b *Broadcaster[T]) Register(l *Listener[T]) error {
	err := b.exec.Submit(func() {
		if slices.Contains(b.listeners, l) {
			return
		}
		for _, v := range b.replay.Items() {
			if err := l.deliver(b.copyOf(v)); err != nil {
				b.log.Debug("dropping replay to closed listener", zap.Error(err))
				return
			}
		}
		b.listeners = append(b.listeners, l)
	})
	if err != nil {
		return ErrClosed
	}
	return nil
}

// Unregister removes l and waits until the removal is applied, so no
// notification is queued for l afterwards. Notifications already queued
// still run.
func (b *Broadcaster[T]) Unregister(l *Listener[T]) error {
	err := b.exec.Sync(func() {
		if i := slices.Index(b.listeners, l); i >= 0 {
			b.listeners = slices.Delete(b.listeners, i, i+1)
		}
	})
	if err != nil {
		return ErrClosed
	}
	return nil
}

// Listeners returns the number of registered listeners.
func (b *Broadcaster[T]) Listeners() int {
	var n int
	if err := b.exec.Sync(func() { n = len(b.listeners) }); err != nil {
		return 0
	}
	return n
}

// Flush waits until everything published so far has been handed to and
// processed by every registered listener.
func (b *Broadcaster[T]) Flush() {
	var ls []*Listener[T]
	if err := b.exec.Sync(func() { ls = slices.Clone(b.listeners) }); err != nil {
		return
	}
	for _, l := range ls {
		l.WaitForDrain()
	}
}

// Close stops the broadcaster after running queued publishes. Listeners
// are owned by their callers and are not closed.
func (b *Broadcaster[T]) Close() {
	b.exec.Close()
}
