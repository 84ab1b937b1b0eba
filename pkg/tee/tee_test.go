package tee

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu  sync.Mutex
	got []int
}

func (c *collector) add(v int) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector) items() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.got)
}

func newTee(t *testing.T, reorder func([]int)) (*Tee[int], *collector) {
	t.Helper()
	c := &collector{}
	out := pipe.New(c.add)
	tee := New(out, reorder)
	t.Cleanup(func() {
		tee.Close()
		out.Close()
	})
	return tee, c
}

func TestConvergesSortedRounds(t *testing.T) {
	tee, c := newTee(t, func(b []int) { slices.Sort(b) })
	a, err := tee.AddSource()
	require.NoError(t, err)
	b, err := tee.AddSource()
	require.NoError(t, err)

	var wg sync.WaitGroup
	feed := func(s *Source[int], items ...int) {
		defer wg.Done()
		for _, v := range items {
			if err := s.Write(v); err != nil {
				t.Errorf("Write(%d): %v", v, err)
				return
			}
		}
		if err := tee.RemoveSource(s); err != nil {
			t.Errorf("RemoveSource: %v", err)
		}
	}
	wg.Add(2)
	go feed(a, 1, 3, 5)
	go feed(b, 2, 4, 6)
	wg.Wait()

	require.Equal(t, uint64(6), tee.WaitForEmpty())
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, c.items())
}

func TestRoundKeepsRegistrationOrderWithoutReorder(t *testing.T) {
	tee, c := newTee(t, nil)
	a, _ := tee.AddSource()
	b, _ := tee.AddSource()

	// b writes first but a was registered first.
	require.NoError(t, b.Write(20))
	require.NoError(t, a.Write(10))
	require.NoError(t, tee.RemoveSource(a))
	require.NoError(t, tee.RemoveSource(b))

	tee.WaitForEmpty()
	require.Equal(t, []int{10, 20}, c.items())
}

func TestRoundWaitsForEverySource(t *testing.T) {
	tee, c := newTee(t, nil)
	a, _ := tee.AddSource()
	b, _ := tee.AddSource()

	require.NoError(t, a.Write(1))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.items())
	require.Equal(t, uint64(0), tee.Rounds())

	require.NoError(t, b.Write(2))
	require.Eventually(t, func() bool { return len(c.items()) == 2 }, 2*time.Second, time.Millisecond)
	require.Equal(t, uint64(1), tee.Rounds())

	require.NoError(t, tee.RemoveSource(a))
	require.NoError(t, tee.RemoveSource(b))
	tee.WaitForEmpty()
}

func TestSourceWriteBlocksWhileSlotFull(t *testing.T) {
	tee, _ := newTee(t, nil)
	a, _ := tee.AddSource()
	b, _ := tee.AddSource()
	require.NoError(t, a.Write(1))

	second := make(chan struct{})
	go func() {
		_ = a.Write(2)
		close(second)
	}()
	select {
	case <-second:
		t.Fatal("second write did not block on a full slot")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Write(100))
	<-second

	require.NoError(t, b.Write(200))
	require.NoError(t, tee.RemoveSource(a))
	require.NoError(t, tee.RemoveSource(b))
	require.Equal(t, uint64(4), tee.WaitForEmpty())
}

func TestRemovedSourceLeavesRound(t *testing.T) {
	tee, c := newTee(t, nil)
	a, _ := tee.AddSource()
	b, _ := tee.AddSource()

	require.NoError(t, tee.RemoveSource(b))
	require.Equal(t, 1, tee.Sources())
	require.Error(t, b.Write(1))
	require.ErrorIs(t, tee.RemoveSource(b), ErrUnknownSource)

	require.NoError(t, a.Write(7))
	require.Eventually(t, func() bool { return len(c.items()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), ErrUnknownSource)
	tee.WaitForEmpty()
}

func TestWriteRacingRemoveSourceIsForwarded(t *testing.T) {
	for i := range 200 {
		c := &collector{}
		out := pipe.New(c.add)
		tee := New(out, nil)
		a, err := tee.AddSource()
		require.NoError(t, err)

		accepted := make(chan bool, 1)
		go func() { accepted <- a.Write(i) == nil }()
		require.NoError(t, tee.RemoveSource(a))
		ok := <-accepted
		tee.WaitForEmpty()

		if ok {
			require.Equal(t, []int{i}, c.items(), "accepted write %d was dropped", i)
		} else {
			require.Empty(t, c.items())
		}
		tee.Close()
		out.Close()
	}
}

func TestCloseUnblocksRemoveSource(t *testing.T) {
	out := pipe.New(func(int) {})
	tee := New(out, nil)
	a, _ := tee.AddSource()
	_, _ = tee.AddSource()
	require.NoError(t, a.Write(1))

	removed := make(chan error)
	go func() { removed <- tee.RemoveSource(a) }()
	time.Sleep(10 * time.Millisecond)

	tee.Close()
	tee.Close()
	require.NoError(t, <-removed)
	_, err := tee.AddSource()
	require.ErrorIs(t, err, ErrClosed)
	out.Close()
}
