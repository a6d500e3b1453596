package recency

import (
	"sync"

	"github.com/nimdanitro/sensor-relay-go/pkg/reading"
)

const DefaultCapacity = 10

// Buffer keeps the most recent readings in arrival order. When full the
// oldest reading is evicted before the newest is appended.
type Buffer struct {
	mu       sync.Mutex
	items    []reading.Reading
	capacity int
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items:    make([]reading.Reading, 0, capacity),
		capacity: capacity,
	}
}

// Append adds r as the newest reading and reports whether the oldest one
// had to be evicted to make room.
func (b *Buffer) Append(r reading.Reading) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		evicted = true
	}
	b.items = append(b.items, r)
	return evicted
}

// Last returns the most recently appended reading, or false when empty.
func (b *Buffer) Last() (reading.Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return reading.Reading{}, false
	}
	return b.items[len(b.items)-1], true
}

// Snapshot returns a copy of the buffered readings, oldest first.
func (b *Buffer) Snapshot() []reading.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]reading.Reading, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Cap() int { return b.capacity }
