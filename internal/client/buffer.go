package client

import (
	"sync"

	"github.com/assessd/crewrelay/internal/event"
)

// DefaultBufferCap bounds the display buffer.
const DefaultBufferCap = 1000

// Buffer is the bounded display buffer: newest event first, oldest evicted
// when the cap is exceeded.
type Buffer struct {
	mu    sync.Mutex
	cap   int
	items []event.Event
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &Buffer{cap: capacity}
}

// PushFront prepends a live event, evicting the oldest entry past the cap.
func (b *Buffer) PushFront(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]event.Event{e}, b.items...)
	if len(b.items) > b.cap {
		b.items = b.items[:b.cap]
	}
}

// Replace swaps the contents wholesale, preserving the given order. Used by
// the historical fetch; the slice is truncated to the cap.
func (b *Buffer) Replace(items []event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(items) > b.cap {
		items = items[:b.cap]
	}
	b.items = append([]event.Event(nil), items...)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the buffer contents, newest first.
func (b *Buffer) Snapshot() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.items...)
}
