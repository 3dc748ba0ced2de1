package audio

import (
	"sync"
)

// Backlog is a thread-safe, bounded FIFO of audio chunks. It holds audio that
// arrives while the upstream connection is not writable. When a push would
// exceed the byte limit the oldest chunks are dropped, so the most recent
// speech is what gets flushed.
type Backlog struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	limit   int
	dropped int64
}

// NewBacklog creates a backlog holding at most limit bytes. A limit of zero
// disables buffering.
func NewBacklog(limit int) *Backlog {
	if limit < 0 {
		limit = 0
	}
	return &Backlog{limit: limit}
}

// Push copies chunk into the backlog. Returns the number of bytes dropped
// to make room, including chunk itself when it can never fit.
func (b *Backlog) Push(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > b.limit {
		b.dropped += int64(len(chunk))
		return len(chunk)
	}

	dropped := 0
	for b.size+len(chunk) > b.limit && len(b.chunks) > 0 {
		oldest := b.chunks[0]
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.size -= len(oldest)
		dropped += len(oldest)
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	b.size += len(c)
	b.dropped += int64(dropped)
	return dropped
}

// Drain removes and returns all buffered chunks in arrival order
func (b *Backlog) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// Len returns the number of buffered bytes
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total bytes discarded since creation
func (b *Backlog) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear discards all buffered chunks
func (b *Backlog) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}
