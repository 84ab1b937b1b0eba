// Package pipe couples a queue with a dedicated worker that feeds each item to
// a handler. Executor specializes a Pipe to closures: every closure submitted
// to one Executor runs on the same goroutine, in submission order, which lets
// higher layers keep mutable state without locks (actor style).
package pipe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/queue"
	"github.com/ryandielhenn/zephyrbus/pkg/worker"
)

type options struct {
	name     string
	log      *zap.Logger
	capacity int
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCapacity bounds the pipe; Write blocks while it is full.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

func buildOptions(opts []Option) options {
	o := options{name: "pipe", log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Pipe is a queue with an optional consumer goroutine. With a handler the
// pipe pushes items to it; without one callers pull with Read.
type Pipe[T any] struct {
	q       *queue.Queue[T]
	handler func(T)
	thread  *worker.Thread
	log     *zap.Logger

	mu        sync.Mutex
	drained   *sync.Cond
	written   uint64
	processed uint64

	closeOnce sync.Once
}

func New[T any](handler func(T), opts ...Option) *Pipe[T] {
	o := buildOptions(opts)
	p := &Pipe[T]{
		handler: handler,
		log:     o.log.With(zap.String("pipe", o.name)),
	}
	if o.capacity > 0 {
		p.q = queue.NewBounded[T](o.capacity)
	} else {
		p.q = queue.NewFIFO[T]()
	}
	p.drained = sync.NewCond(&p.mu)
	if handler != nil {
		th, err := worker.Go(p.run)
		if err != nil {
			// Go only fails for a nil task.
			panic(fmt.Sprintf("pipe: start worker: %v", err))
		}
		p.thread = th
	}
	return p
}

func (p *Pipe[T]) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		item, ok := p.q.Pop()
		if !ok {
			return nil
		}
		p.invoke(item)
		p.mu.Lock()
		p.processed++
		p.drained.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Pipe[T]) invoke(item T) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	p.handler(item)
}

// Write enqueues item. It fails with queue.ErrClosed after Close.
func (p *Pipe[T]) Write(item T) error {
	p.mu.Lock()
	p.written++
	p.mu.Unlock()
	if err := p.q.Push(item); err != nil {
		p.mu.Lock()
		p.written--
		p.drained.Broadcast()
		p.mu.Unlock()
		return err
	}
	return nil
}

// Read pops the next item for pipes built without a handler. ok is false
// once the pipe is closed and empty.
func (p *Pipe[T]) Read() (item T, ok bool) {
	if p.handler != nil {
		return item, false
	}
	item, ok = p.q.Pop()
	if ok {
		p.mu.Lock()
		p.processed++
		p.drained.Broadcast()
		p.mu.Unlock()
	}
	return item, ok
}

// WaitForDrain blocks until every written item has been handled (or read)
// and returns the number of items processed so far.
func (p *Pipe[T]) WaitForDrain() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.processed != p.written {
		p.drained.Wait()
	}
	return p.processed
}

// Len reports the number of queued items.
func (p *Pipe[T]) Len() int {
	return p.q.Len()
}

// Close stops accepting writes, lets the worker finish what is queued and
// waits for it to exit. Items left in a pull-mode pipe stay readable.
func (p *Pipe[T]) Close() {
	p.closeOnce.Do(func() {
		p.q.Close()
		if p.thread != nil {
			if err := p.thread.Join(); err != nil {
				p.log.Warn("pipe worker exited with error", zap.Error(err))
			}
			_ = p.thread.Close()
		}
	})
}
