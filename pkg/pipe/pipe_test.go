package pipe

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ryandielhenn/zephyrbus/pkg/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPipeHandlerSeesItemsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	p := New(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	defer p.Close()

	for i := range 100 {
		require.NoError(t, p.Write(i))
	}
	require.Equal(t, uint64(100), p.WaitForDrain())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestPipePullMode(t *testing.T) {
	p := New[string](nil)
	require.NoError(t, p.Write("a"))
	require.NoError(t, p.Write("b"))

	v, ok := p.Read()
	require.True(t, ok)
	require.Equal(t, "a", v)

	p.Close()
	// Closing keeps queued items readable.
	v, ok = p.Read()
	require.True(t, ok)
	require.Equal(t, "b", v)

	_, ok = p.Read()
	require.False(t, ok)
	require.Equal(t, uint64(2), p.WaitForDrain())
}

func TestPipeCloseDrainsQueuedItems(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	count := 0
	p := New(func(int) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := range 5 {
		require.NoError(t, p.Write(i))
	}
	close(release)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, count)
	if err := p.Write(6); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Write after close = %v, want queue.ErrClosed", err)
	}
}

func TestPipeSurvivesHandlerPanic(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	p := New(func(v int) {
		if v == 1 {
			panic("bad item")
		}
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer p.Close()

	for i := range 3 {
		require.NoError(t, p.Write(i))
	}
	require.Equal(t, uint64(3), p.WaitForDrain())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 2}, seen)
}

func TestBoundedPipeBlocksWriter(t *testing.T) {
	release := make(chan struct{})
	p := New(func(int) { <-release }, WithCapacity(1))
	defer p.Close()

	require.NoError(t, p.Write(1)) // picked up by the worker
	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Write(2)) // fills the queue

	written := make(chan struct{})
	go func() {
		_ = p.Write(3)
		close(written)
	}()
	select {
	case <-written:
		t.Fatal("Write on a full pipe did not block")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("Write did not resume")
	}
	require.Equal(t, uint64(3), p.WaitForDrain())
}

func TestExecutorSerializesClosures(t *testing.T) {
	e := NewExecutor("counter")
	defer e.Close()

	// No lock: every closure runs on the executor goroutine.
	counter := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = e.Submit(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	e.WaitForDrain()

	var got int
	require.NoError(t, e.Sync(func() { got = counter }))
	require.Equal(t, 1000, got)
}

func TestExecutorSyncAfterClose(t *testing.T) {
	e := NewExecutor("closed")
	e.Close()
	err := e.Sync(func() {})
	require.ErrorIs(t, err, queue.ErrClosed)
}
