package broadcast

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) notify(v int) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) items() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

func seq(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestLateListenerReplay(t *testing.T) {
	const capacity = 4
	for _, k := range []int{0, 1, 3, 4, 5, 11} {
		b := New[int](capacity)

		for i := range k {
			require.NoError(t, b.Publish(i))
		}
		rec := &recorder{}
		l := NewListener(rec.notify)
		require.NoError(t, b.Register(l))
		for i := k; i < k+3; i++ {
			require.NoError(t, b.Publish(i))
		}
		b.Flush()

		replayed := min(k, capacity)
		want := seq(k-replayed, k+3)
		if got := rec.items(); !slices.Equal(got, want) {
			t.Fatalf("k=%d: got %v, want %v", k, got, want)
		}

		require.NoError(t, b.Unregister(l))
		l.Close()
		b.Close()
	}
}

func TestEveryListenerSeesPublishOrder(t *testing.T) {
	b := New[int](0)
	defer b.Close()

	recs := make([]*recorder, 5)
	for i := range recs {
		recs[i] = &recorder{}
		l := NewListener(recs[i].notify)
		defer l.Close()
		require.NoError(t, b.Register(l))
	}
	require.Equal(t, 5, b.Listeners())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = b.Publish(i)
			}
		}()
	}
	wg.Wait()
	b.Flush()

	first := recs[0].items()
	require.Len(t, first, 200)
	for _, r := range recs[1:] {
		require.Equal(t, first, r.items(), "listeners disagree on publish order")
	}
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	b := New[int](0)
	defer b.Close()

	release := make(chan struct{})
	slow := NewListener(func(int) { <-release })
	fast := &recorder{}
	fl := NewListener(fast.notify)
	defer fl.Close()

	require.NoError(t, b.Register(slow))
	require.NoError(t, b.Register(fl))

	for i := range 10 {
		require.NoError(t, b.Publish(i))
	}

	require.Eventually(t, func() bool { return len(fast.items()) == 10 },
		time.Second, time.Millisecond, "fast listener stalled behind slow one")

	close(release)
	slow.WaitForDrain()
	require.NoError(t, b.Unregister(slow))
	slow.Close()
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New[int](0)
	defer b.Close()

	rec := &recorder{}
	l := NewListener(rec.notify)
	defer l.Close()

	require.NoError(t, b.Register(l))
	require.NoError(t, b.Publish(1))
	require.NoError(t, b.Unregister(l))
	require.NoError(t, b.Publish(2))
	b.Flush()
	l.WaitForDrain()

	require.Equal(t, []int{1}, rec.items())
	require.Equal(t, 0, b.Listeners())
}

func TestRegisterTwiceReplaysOnce(t *testing.T) {
	b := New[int](8)
	defer b.Close()
	require.NoError(t, b.Publish(1))

	rec := &recorder{}
	l := NewListener(rec.notify)
	defer l.Close()
	require.NoError(t, b.Register(l))
	require.NoError(t, b.Register(l))
	b.Flush()

	require.Equal(t, []int{1}, rec.items())
}

func TestCloneOnPublish(t *testing.T) {
	b := New[[]int](0, WithClone(func(v []int) []int { return slices.Clone(v) }))
	defer b.Close()

	var mu sync.Mutex
	var got [][]int
	mutate := NewListener(func(v []int) {
		v[0] = -1
	})
	keep := NewListener(func(v []int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	defer mutate.Close()
	defer keep.Close()

	require.NoError(t, b.Register(mutate))
	require.NoError(t, b.Register(keep))
	require.NoError(t, b.Publish([]int{1, 2}))
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]int{{1, 2}}, got)
}

func TestPublishAfterClose(t *testing.T) {
	b := New[int](1)
	b.Close()
	require.ErrorIs(t, b.Publish(1), ErrClosed)
	require.ErrorIs(t, b.Register(closedListener[int]()), ErrClosed)
}

func closedListener[T any]() *Listener[T] {
	l := NewListener(func(T) {})
	l.Close()
	return l
}
