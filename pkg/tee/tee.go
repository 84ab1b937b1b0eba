// Package tee merges several single-slot sources into one output pipe. The
// conveyor takes exactly one item from every live source per round,
// optionally reorders the round, and forwards it downstream.
package tee

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
	"github.com/ryandielhenn/zephyrbus/pkg/queue"
	"github.com/ryandielhenn/zephyrbus/pkg/worker"
)

var (
	ErrClosed        = errors.New("tee: closed")
	ErrUnknownSource = errors.New("tee: source not attached")
)

// Source is one input of a Tee. Write blocks while the previous item has
// not been taken by the conveyor.
type Source[T any] struct {
	tee      *Tee[T]
	slot     *queue.Queue[T]
	removing bool // guarded by tee.mu
}

func (s *Source[T]) Write(item T) error {
	if err := s.slot.Push(item); err != nil {
		return ErrClosed
	}
	s.tee.mu.Lock()
	s.tee.cond.Broadcast()
	s.tee.mu.Unlock()
	return nil
}

// Close detaches the source from its Tee once its pending item is taken.
func (s *Source[T]) Close() error {
	return s.tee.RemoveSource(s)
}

type Option func(*options)

type options struct {
	log *zap.Logger
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

type Tee[T any] struct {
	out     *pipe.Pipe[T]
	reorder func([]T)
	log     *zap.Logger
	thread  *worker.Thread

	mu      sync.Mutex
	cond    *sync.Cond
	sources []*Source[T]
	busy    bool // a round is taken but not yet written
	closed  bool
	rounds  uint64
}

// New starts a conveyor writing into out. reorder, if non-nil, is applied
// in place to each round before it is written. out is not closed by the Tee.
func New[T any](out *pipe.Pipe[T], reorder func([]T), opts ...Option) *Tee[T] {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Tee[T]{
		out:     out,
		reorder: reorder,
		log:     o.log.With(zap.String("component", "tee")),
	}
	t.cond = sync.NewCond(&t.mu)
	th, err := worker.Go(t.convey)
	if err != nil {
		panic(fmt.Sprintf("tee: start conveyor: %v", err))
	}
	t.thread = th
	return t
}

// AddSource attaches a new source. From the next round on, the conveyor
// waits for it as well.
func (t *Tee[T]) AddSource() (*Source[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &Source[T]{tee: t, slot: queue.NewBounded[T](1)}
	t.sources = append(t.sources, s)
	t.cond.Broadcast()
	return s, nil
}

// RemoveSource waits until the conveyor has taken the source's pending
// item, then detaches it.
func (t *Tee[T]) RemoveSource(s *Source[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.sources, s) {
		return ErrUnknownSource
	}
	s.removing = true
	t.cond.Broadcast()
	// A Write racing with the removal lands in the slot before it closes and
	// is carried by another round.
	for !t.closed && !s.slot.CloseIfEmpty() {
		t.cond.Wait()
	}
	if i := slices.Index(t.sources, s); i >= 0 {
		t.sources = slices.Delete(t.sources, i, i+1)
	}
	s.slot.Close()
	t.cond.Broadcast()
	return nil
}

// Sources returns the number of attached sources.
func (t *Tee[T]) Sources() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// ready reports whether a round can be taken: every source has an item,
// except sources being removed, which join the round only if they have one.
// Called with t.mu held.
func (t *Tee[T]) ready() bool {
	pending := 0
	for _, s := range t.sources {
		switch {
		case s.slot.Len() > 0:
			pending++
		case !s.removing:
			return false
		}
	}
	return pending > 0
}

func (t *Tee[T]) convey(ctx context.Context) error {
	for {
		t.mu.Lock()
		for !t.closed && !t.ready() {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return nil
		}
		batch := make([]T, 0, len(t.sources))
		for _, s := range t.sources {
			if item, ok := s.slot.TryPop(); ok {
				batch = append(batch, item)
			}
		}
		t.busy = true
		t.cond.Broadcast()
		t.mu.Unlock()

		if t.reorder != nil {
			t.reorder(batch)
		}
		for _, item := range batch {
			if err := t.out.Write(item); err != nil {
				t.log.Warn("output closed, dropping round", zap.Error(err))
				break
			}
		}

		t.mu.Lock()
		t.busy = false
		t.rounds++
		t.cond.Broadcast()
		t.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Rounds returns the number of rounds forwarded so far.
func (t *Tee[T]) Rounds() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rounds
}

// WaitForEmpty blocks until every source has been removed and the last
// round has reached the output pipe, then until the output has drained. It
// returns the number of items processed by the output.
func (t *Tee[T]) WaitForEmpty() uint64 {
	t.mu.Lock()
	for (len(t.sources) > 0 || t.busy) && !t.closed {
		t.cond.Wait()
	}
	t.mu.Unlock()
	return t.out.WaitForDrain()
}

// Close stops the conveyor and closes every remaining source. Pending items
// are dropped.
func (t *Tee[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, s := range t.sources {
		s.slot.Close()
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if err := t.thread.Join(); err != nil {
		t.log.Warn("conveyor exited with error", zap.Error(err))
	}
	_ = t.thread.Close()
}
