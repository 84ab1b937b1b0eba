package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLifecycle(t *testing.T) {
	th := New()
	if got := th.State(); got != StateNew {
		t.Fatalf("State = %v, want new", got)
	}
	if err := th.Start(); !errors.Is(err, ErrNoTask) {
		t.Fatalf("Start without task = %v, want ErrNoTask", err)
	}

	var runs atomic.Int32
	if err := th.Assign(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got := th.State(); got != StateReady {
		t.Fatalf("State = %v, want ready", got)
	}

	for i := 0; i < 3; i++ {
		if err := th.Start(); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if err := th.Join(); err != nil {
			t.Fatalf("Join #%d: %v", i, err)
		}
		if got := th.State(); got != StateReady {
			t.Fatalf("State after join = %v, want ready", got)
		}
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}

	if err := th.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := th.State(); got != StateInvalid {
		t.Fatalf("State after close = %v, want invalid", got)
	}
	if err := th.Start(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Start after close = %v, want ErrInvalid", err)
	}
}

func TestAssignWhileRunning(t *testing.T) {
	release := make(chan struct{})
	th, err := Go(func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if err := th.Assign(func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("Assign while running = %v, want ErrBusy", err)
	}
	if err := th.Start(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start while running = %v, want ErrBusy", err)
	}
	close(release)
	if err := th.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := th.Join(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Join = %v, want ErrNotRunning", err)
	}
}

func TestCancelIsCooperative(t *testing.T) {
	var iterations atomic.Int64
	th, err := Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	th.Cancel()
	if err := th.Join(); err != nil {
		t.Fatalf("Join after cancel = %v, want nil", err)
	}
	if iterations.Load() == 0 {
		t.Fatal("task never ran")
	}
}

func TestJoinReportsTaskError(t *testing.T) {
	boom := errors.New("boom")
	th, err := Go(func(context.Context) error { return boom })
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if err := th.Join(); !errors.Is(err, boom) {
		t.Fatalf("Join = %v, want boom", err)
	}
}

func TestCloseStopsRunningTask(t *testing.T) {
	th, err := Go(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	done := th.Done()
	if err := th.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("task still alive after Close")
	}
	// Idempotent.
	if err := th.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
