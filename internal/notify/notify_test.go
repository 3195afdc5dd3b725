package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLineFormatting(t *testing.T) {
	h := NewHub()
	h.now = func() time.Time { return time.Date(2024, 1, 1, 21, 4, 5, 0, time.Local) }
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Log("Queueing file %s", "a.fits")
	h.Message("Waiting for current file to finish")

	ev := <-ch
	assert.Equal(t, KindLog, ev.Kind)
	assert.Equal(t, "21:04:05: Queueing file a.fits", ev.Line())
	ev = <-ch
	assert.Equal(t, "Waiting for current file to finish", ev.Line())
}

func TestFanOutAndDrops(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(8)
	defer cancelA()
	b, cancelB := h.Subscribe(1)
	defer cancelB()

	h.Counters(Counters{Success: 1})
	h.Progress(1.7)
	h.BulkDone(BulkSummary{Attempted: 2, Total: 3, Cancelled: true})

	require.Len(t, a, 3)
	assert.Equal(t, uint64(1), (<-a).Counters.Success)
	assert.Equal(t, 1.0, (<-a).Progress)
	assert.Equal(t, &BulkSummary{Attempted: 2, Total: 3, Cancelled: true}, (<-a).Bulk)

	require.Len(t, b, 1)
	assert.Equal(t, uint64(2), h.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	// Publishing after unsubscribe must not panic.
	h.Log("late")
}
