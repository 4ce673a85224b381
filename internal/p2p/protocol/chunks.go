package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWindowExceeded is returned when too many out-of-order chunks are pending.
var ErrWindowExceeded = errors.New("protocol: chunk reorder window exceeded")

// DefaultChunkWindow bounds the number of chunks buffered ahead of a gap.
const DefaultChunkWindow = 1024

// ChunkAssembler releases relayed chunk payloads in sequence order. Sequences
// start at zero. Duplicates and chunks already released are dropped.
type ChunkAssembler struct {
	mu      sync.Mutex
	next    uint64
	window  int
	pending map[uint64][]byte
}

func NewChunkAssembler(window int) *ChunkAssembler {
	if window <= 0 {
		window = DefaultChunkWindow
	}
	return &ChunkAssembler{window: window, pending: make(map[uint64][]byte)}
}

// Push buffers chunk and returns every payload that is now contiguous.
func (a *ChunkAssembler) Push(chunk BinaryChunk) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if chunk.Sequence < a.next {
		return nil, nil
	}
	if _, dup := a.pending[chunk.Sequence]; dup {
		return nil, nil
	}
	if chunk.Sequence != a.next && len(a.pending) >= a.window {
		return nil, fmt.Errorf("%w: waiting for %d, holding %d", ErrWindowExceeded, a.next, len(a.pending))
	}
	a.pending[chunk.Sequence] = chunk.Data

	var ready [][]byte
	for {
		data, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		ready = append(ready, data)
		a.next++
	}
	return ready, nil
}

// Next is the sequence the assembler is waiting for.
func (a *ChunkAssembler) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Pending counts buffered chunks ahead of the gap.
func (a *ChunkAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
