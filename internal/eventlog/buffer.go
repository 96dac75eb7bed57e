// Package eventlog holds classified entries in capacity-limited,
// append-only ring buffers.
package eventlog

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a buffer is created with a non-positive capacity.
const DefaultCapacity = 200

// Entry wraps a value with its local arrival order and receipt time.
type Entry[T any] struct {
	Seq        uint64    `json:"seq" msgpack:"seq"`
	ReceivedAt time.Time `json:"receivedAt" msgpack:"receivedAt"`
	Value      T         `json:"value" msgpack:"value"`
}

// Clock renders the arrival time for display.
func (e Entry[T]) Clock() string { return e.ReceivedAt.Format(time.TimeOnly) }

// Buffer is a sliding window over the most recent appends. When full, the
// single oldest entry is evicted before the new one is stored.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []Entry[T]
	head  int // index of the oldest entry
	size  int
	next  uint64
	now   func() time.Time
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{items: make([]Entry[T], capacity), now: time.Now}
}

// Append stores v and returns the entry with its assigned sequence.
func (b *Buffer[T]) Append(v T) Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	e := Entry[T]{Seq: b.next, ReceivedAt: b.now(), Value: v}
	c := len(b.items)
	if b.size == c {
		b.items[b.head] = e
		b.head = (b.head + 1) % c
		return e
	}
	b.items[(b.head+b.size)%c] = e
	b.size++
	return e
}

// Latest returns up to n entries, newest first. The buffer is not modified.
func (b *Buffer[T]) Latest(n int) []Entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return []Entry[T]{}
	}
	out := make([]Entry[T], n)
	c := len(b.items)
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+b.size-1-i)%c]
	}
	return out
}

// Chronological returns every retained entry, oldest first.
func (b *Buffer[T]) Chronological() []Entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry[T], b.size)
	c := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%c]
	}
	return out
}

// Size is the current entry count.
func (b *Buffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap is the configured capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// LastSeq is the sequence of the most recent append, 0 when nothing was appended.
func (b *Buffer[T]) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}
