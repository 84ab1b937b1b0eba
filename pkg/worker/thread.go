// Package worker provides Thread, a goroutine owner with an explicit
// lifecycle. Cancellation is cooperative: tasks receive a context that is
// canceled by Cancel and are expected to check it inside long loops.
package worker

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/tomb.v2"
)

type State int32

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	ErrBusy       = errors.New("worker: task already running")
	ErrNoTask     = errors.New("worker: no task assigned")
	ErrNotRunning = errors.New("worker: not running")
	ErrInvalid    = errors.New("worker: thread closed")
)

// Task is the unit of work run by a Thread.
type Task func(ctx context.Context) error

// Thread runs at most one Task at a time on its own goroutine.
//
//	New -> Ready -> Running -> Ready (Join) -> Invalid (Close)
type Thread struct {
	mu    sync.Mutex
	state State
	task  Task
	tomb  *tomb.Tomb
}

func New() *Thread {
	return &Thread{state: StateNew}
}

// Go is shorthand for New, Assign and Start.
func Go(task Task) (*Thread, error) {
	t := New()
	if err := t.Assign(task); err != nil {
		return nil, err
	}
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Assign sets the task run by the next Start.
func (t *Thread) Assign(task Task) error {
	if task == nil {
		return ErrNoTask
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateRunning:
		return ErrBusy
	case StateInvalid:
		return ErrInvalid
	}
	t.task = task
	t.state = StateReady
	return nil
}

func (t *Thread) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateRunning:
		return ErrBusy
	case StateInvalid:
		return ErrInvalid
	case StateNew:
		return ErrNoTask
	}
	tb, ctx := tomb.WithContext(context.Background())
	task := t.task
	tb.Go(func() error {
		return task(ctx)
	})
	t.tomb = tb
	t.state = StateRunning
	return nil
}

// Join blocks until the running task returns and reports its error.
// A task that stopped because of Cancel reports nil.
func (t *Thread) Join() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return ErrNotRunning
	}
	tb := t.tomb
	t.mu.Unlock()

	err := tb.Wait()

	t.mu.Lock()
	if t.tomb == tb {
		t.tomb = nil
		if t.state == StateRunning {
			t.state = StateReady
		}
	}
	t.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cancel asks the running task to stop. It does not wait.
func (t *Thread) Cancel() {
	t.mu.Lock()
	tb := t.tomb
	t.mu.Unlock()
	if tb != nil {
		tb.Kill(nil)
	}
}

// Done returns a channel closed when the current task has returned, or nil
// when nothing is running.
func (t *Thread) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tomb == nil {
		return nil
	}
	return t.tomb.Dead()
}

// Close cancels and joins a running task and invalidates the thread.
func (t *Thread) Close() error {
	var err error
	if t.State() == StateRunning {
		t.Cancel()
		if jerr := t.Join(); jerr != nil && !errors.Is(jerr, ErrNotRunning) {
			err = jerr
		}
	}
	t.mu.Lock()
	t.state = StateInvalid
	t.task = nil
	t.mu.Unlock()
	return err
}
