// Package queue holds capture events waiting for the upload worker.
package queue

import (
	"sync"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
)

// FrameQueue is an unbounded FIFO. Duplicates are kept and processed in
// arrival order.
type FrameQueue struct {
	mu     sync.Mutex
	events []capture.Event
}

func New() *FrameQueue { return &FrameQueue{} }

// Push appends ev.
func (q *FrameQueue) Push(ev capture.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// PopFront removes the oldest event. It reports false instead of blocking
// when the queue is empty.
func (q *FrameQueue) PopFront() (capture.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return capture.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = capture.Event{}
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = nil
	}
	return ev, true
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Snapshot copies the pending events in queue order.
func (q *FrameQueue) Snapshot() []capture.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]capture.Event, len(q.events))
	copy(out, q.events)
	return out
}
