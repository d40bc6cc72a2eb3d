package bot

import (
	"sync"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

type queuedFill struct {
	venue string
	fill  types.Fill
}

// fillQueue hands venue fills to the loop. Venues may report a fill from
// inside SubmitOrder on the loop goroutine itself, so push never blocks.
type fillQueue struct {
	mu      sync.Mutex
	pending []queuedFill
	ready   chan struct{}
}

func newFillQueue() *fillQueue {
	return &fillQueue{ready: make(chan struct{}, 1)}
}

func (q *fillQueue) push(venue string, f types.Fill) {
	q.mu.Lock()
	q.pending = append(q.pending, queuedFill{venue: venue, fill: f})
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *fillQueue) drain() []queuedFill {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	select {
	case <-q.ready:
	default:
	}
	return out
}
