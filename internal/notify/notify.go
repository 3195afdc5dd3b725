// Package notify carries log lines, counter snapshots and bulk progress from
// background goroutines to whichever presenter is attached.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Kind int

const (
	KindLog Kind = iota
	KindCounters
	KindProgress
	KindBulkDone
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindCounters:
		return "counters"
	case KindProgress:
		return "progress"
	case KindBulkDone:
		return "bulk_done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Counters is a point-in-time status snapshot.
type Counters struct {
	Success    uint64 `json:"success"`
	Failure    uint64 `json:"failure"`
	Queued     int    `json:"queued"`
	Processing bool   `json:"processing"`
}

// BulkSummary reports how a bulk upload ended.
type BulkSummary struct {
	Attempted int  `json:"attempted"`
	Total     int  `json:"total"`
	Cancelled bool `json:"cancelled"`
}

type Event struct {
	Kind        Kind         `json:"kind"`
	Time        time.Time    `json:"time"`
	Text        string       `json:"text,omitempty"`
	Timestamped bool         `json:"timestamped,omitempty"`
	Counters    *Counters    `json:"counters,omitempty"`
	Progress    float64      `json:"progress,omitempty"`
	Bulk        *BulkSummary `json:"bulk,omitempty"`
}

// Line renders a log event, prefixed with HH:MM:SS when timestamped.
func (e Event) Line() string {
	if e.Timestamped {
		return e.Time.Format("15:04:05") + ": " + e.Text
	}
	return e.Text
}

const defaultBuffer = 256

// Hub fans events out to subscribers. Publishing never blocks: an event is
// dropped for a subscriber whose buffer is full.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event), now: time.Now}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Log publishes a timestamped log line.
func (h *Hub) Log(format string, args ...any) {
	h.Publish(Event{Kind: KindLog, Text: fmt.Sprintf(format, args...), Timestamped: true})
}

// Message publishes a log line without a timestamp.
func (h *Hub) Message(text string) {
	h.Publish(Event{Kind: KindLog, Text: text})
}

func (h *Hub) Counters(c Counters) {
	h.Publish(Event{Kind: KindCounters, Counters: &c})
}

// Progress publishes a bulk progress fraction clamped to [0,1].
func (h *Hub) Progress(f float64) {
	h.Publish(Event{Kind: KindProgress, Progress: min(max(f, 0), 1)})
}

func (h *Hub) BulkDone(s BulkSummary) {
	h.Publish(Event{Kind: KindBulkDone, Bulk: &s})
}
