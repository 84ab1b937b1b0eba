package kv

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

func msg(id string, seq uint64, payload []byte) message.Message {
	m := message.NewUser(id, payload)
	m.Sequence = seq
	return m
}

func TestPutGetDelete_NoTTL(t *testing.T) {
	s := NewStore(1<<20, 0) // 1MB

	type row struct {
		k string
		v []byte
	}
	data := []row{
		{"a", []byte("alpha")},
		{"b", []byte("beta")},
		{"c", []byte("gamma")},
	}

	for _, r := range data {
		s.Put(msg(r.k, 1, r.v))
	}

	if got := s.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}

	for _, r := range data {
		got, ok := s.Get(r.k)
		if !ok {
			t.Fatalf("Get(%q) !ok", r.k)
		}
		if !bytes.Equal(got.Payload, r.v) {
			t.Fatalf("Get(%q) = %q, want %q", r.k, got.Payload, r.v)
		}
	}

	if ok := s.Delete("b"); !ok {
		t.Fatalf("Delete(b) = false, want true")
	}
	if _, ok := s.Get("b"); ok {
		t.Fatalf("Get(b) ok after delete")
	}
	if ok := s.Delete("b"); ok {
		t.Fatalf("Delete(b) twice = true")
	}
}

func TestNewerSequenceWins(t *testing.T) {
	s := NewStore(1<<20, 0)
	s.Put(msg("x", 1, []byte("one")))
	if !s.Put(msg("x", 2, []byte("two"))) {
		t.Fatalf("Put(seq 2) rejected")
	}
	if s.Put(msg("x", 1, []byte("late"))) {
		t.Fatalf("Put(seq 1) accepted after seq 2")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len after overwrite = %d, want 1", got)
	}
	v, ok := s.Get("x")
	if !ok || string(v.Payload) != "two" || v.Sequence != 2 {
		t.Fatalf("Get(x) = %q/%d,%v want two/2,true", v.Payload, v.Sequence, ok)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(1<<20, 0)
	in := msg("x", 1, []byte("abc"))
	s.Put(in)
	in.Payload[0] = 'z'
	got, _ := s.Get("x")
	got.Payload[1] = 'z'
	again, _ := s.Get("x")
	if string(again.Payload) != "abc" {
		t.Fatalf("stored payload mutated: %q", again.Payload)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := NewStore(1<<20, 50*time.Millisecond)

	s.Put(msg("k", 1, []byte("v")))
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("fresh entry should be readable")
	}
	// Small buffer beyond TTL to avoid flakiness in CI
	time.Sleep(90 * time.Millisecond)

	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestExpiredEntryAcceptsOlderSequence(t *testing.T) {
	s := NewStore(1<<20, 30*time.Millisecond)
	s.Put(msg("k", 5, []byte("v5")))
	time.Sleep(60 * time.Millisecond)
	if !s.Put(msg("k", 1, []byte("v1"))) {
		t.Fatalf("Put over expired entry rejected")
	}
}

func TestEvictionByCapacity_LRU(t *testing.T) {
	// Small cap to force eviction: identifier + payload bytes.
	s := NewStore(12, 0)

	s.Put(msg("a", 1, []byte("1234"))) // 5
	s.Put(msg("b", 1, []byte("56")))   // 3  total 8

	// Touch "a" so it's the most-recent.
	if _, ok := s.Get("a"); !ok {
		t.Fatalf("precondition failed: expected to get a before eviction")
	}

	// Insert "c" → should evict least-recent ("b").
	s.Put(msg("c", 1, []byte("7890"))) // 5

	if _, ok := s.Get("a"); !ok {
		t.Fatalf("expected a to remain")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
	if _, ok := s.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	s := NewStore(8<<20, 0)

	var wg sync.WaitGroup
	const G = 32
	const N = 2000

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if stop.Load() {
					return
				}
				k := fmt.Sprintf("k-%d-%d", gid, i)
				v := fmt.Appendf(nil, "v-%d", i)

				s.Observe(msg(k, uint64(i+1), v))

				got, ok := s.Get(k)
				if !ok {
					errCh <- fmt.Errorf("missing key=%s right after Put", k)
					stop.Store(true)
					return
				}
				if !bytes.Equal(got.Payload, v) {
					errCh <- fmt.Errorf("mismatch for key=%s", k)
					stop.Store(true)
					return
				}

				if i%7 == 0 {
					s.Delete(k)
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
}

func TestOverwrite_SizeAndLen(t *testing.T) {
	s := NewStore(200, 0)

	orig := bytes.Repeat([]byte("x"), 50)
	big := bytes.Repeat([]byte("y"), 90)   // grows
	small := bytes.Repeat([]byte("z"), 10) // shrinks

	for i, v := range [][]byte{orig, big, small} {
		s.Put(msg("k", uint64(i+1), v))
		if got, ok := s.Get("k"); !ok || !bytes.Equal(got.Payload, v) {
			t.Fatalf("overwrite %d failed", i)
		}
		if s.Len() != 1 {
			t.Fatalf("Len after overwrite %d = %d, want 1", i, s.Len())
		}
	}
}
