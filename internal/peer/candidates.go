package peer

import (
	"sync"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

// candidateBuffer holds remote ICE candidates that arrive before the remote
// description is set. Candidates received afterwards bypass the buffer. The
// buffer drains exactly once, preserving arrival order.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []protocol.Candidate
	drained bool
}

// Add buffers c unless the buffer has already drained. The return value
// reports whether the candidate was buffered; false means the caller should
// apply it directly.
func (b *candidateBuffer) Add(c protocol.Candidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Drain returns the buffered candidates in arrival order. Only the first
// call returns candidates; the buffer stays drained forever after.
func (b *candidateBuffer) Drain() []protocol.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return nil
	}
	b.drained = true
	out := b.pending
	b.pending = nil
	return out
}
