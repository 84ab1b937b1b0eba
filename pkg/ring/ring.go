// Package ring provides the fixed-size replay history kept by a broadcaster.
package ring

// Buffer keeps the last Cap() pushed items, overwriting the oldest first.
// It is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	first int // index of the oldest item
	next  int // index of the next write
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v and reports whether the oldest item was overwritten.
// A zero-capacity buffer drops everything.
func (b *Buffer[T]) Push(v T) (evicted bool) {
	if len(b.items) == 0 {
		return false
	}
	b.items[b.next] = v
	b.next = (b.next + 1) % len(b.items)
	if b.size == len(b.items) {
		b.first = (b.first + 1) % len(b.items)
		return true
	}
	b.size++
	return false
}

// Items returns a copy of the buffered items, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.first+i)%len(b.items)])
	}
	return out
}

func (b *Buffer[T]) Len() int { return b.size }

func (b *Buffer[T]) Cap() int { return len(b.items) }

func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.first, b.next, b.size = 0, 0, 0
}
