package batch

import (
	"sync"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// Buffer accumulates admitted entries in insertion order. It is safe for
// concurrent producers and never drops an entry.
type Buffer struct {
	mu       sync.Mutex
	entries  []logging.LogEntry
	capacity int
}

// NewBuffer returns a Buffer whose backing slice starts with room for
// capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		entries:  make([]logging.LogEntry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds entry and returns the buffer length after the append.
func (b *Buffer) Append(entry logging.LogEntry) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	return len(b.entries)
}

// Drain removes and returns everything buffered, or nil when empty.
// Appends racing with Drain land in the next batch.
func (b *Buffer) Drain() []logging.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	drained := b.entries
	b.entries = make([]logging.LogEntry, 0, b.capacity)
	return drained
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
