package capture

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFieldsTyped(t *testing.T) {
	ev, err := FromFields(map[string]any{
		"filename":  "/data/M31_Light_001.fits",
		"type":      int32(0),
		"median":    int32(1520),
		"starCount": int32(412),
		"hfr":       2.31,
		"exposure":  30.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/M31_Light_001.fits", ev.FileName)
	assert.Equal(t, FrameLight, ev.Type)
	require.NotNil(t, ev.Median)
	assert.Equal(t, 1520, *ev.Median)
	assert.Equal(t, 412, ev.StarCount)
	require.NotNil(t, ev.HFR)
	assert.InDelta(t, 2.31, *ev.HFR, 1e-12)
}

func TestFromFieldsAbsentStatistics(t *testing.T) {
	ev, err := FromFields(map[string]any{"filename": "x.fits"})
	require.NoError(t, err)
	assert.Nil(t, ev.Median)
	assert.Nil(t, ev.HFR)
	assert.Zero(t, ev.StarCount)

	for _, hfr := range []any{-1.0, float32(-1), math.NaN()} {
		ev, err := FromFields(map[string]any{"filename": "x.fits", "hfr": hfr, "starCount": int32(0)})
		require.NoError(t, err)
		assert.Nil(t, ev.HFR, "hfr %v", hfr)
	}

	ev, err = FromFields(map[string]any{"filename": "x.fits", "hfr": 0.0})
	require.NoError(t, err)
	require.NotNil(t, ev.HFR)
	assert.Zero(t, *ev.HFR)
}

func TestNewDBusSourceUsesSessionBus(t *testing.T) {
	src := NewDBusSource(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotNil(t, src.connect)
}

func TestFromFieldsRejectsBadTypes(t *testing.T) {
	for name, fields := range map[string]map[string]any{
		"no filename":     {"type": int32(0)},
		"filename number": {"filename": 3},
		"median string":   {"filename": "x.fits", "median": "12"},
		"hfr bool":        {"filename": "x.fits", "hfr": true},
	} {
		_, err := FromFields(fields)
		assert.Error(t, err, name)
	}
}

func TestFilter(t *testing.T) {
	f := Filter{PreviewPaths: []string{DefaultPreviewPath}}

	ok, _ := f.Accept(Event{FileName: "/data/light.fits"})
	assert.True(t, ok)

	ok, reason := f.Accept(Event{FileName: "/tmp/image.fits"})
	assert.False(t, ok)
	assert.Equal(t, "preview exposure", reason)

	ok, reason = f.Accept(Event{FileName: "/data/dark.fits", Type: FrameDark})
	assert.False(t, ok)
	assert.Equal(t, "dark frame", reason)

	ok, _ = f.Accept(Event{FileName: "/data/odd.fits", Type: FrameType(9)})
	assert.False(t, ok)
}

func TestEventFromSignal(t *testing.T) {
	sig := &dbus.Signal{
		Path: ekosCapturePath,
		Name: "org.kde.kstars.Ekos.Capture.captureComplete",
		Body: []any{map[string]dbus.Variant{
			"filename":  dbus.MakeVariant("/data/NGC7000_Light_010.fits"),
			"type":      dbus.MakeVariant(int32(0)),
			"median":    dbus.MakeVariant(int32(800)),
			"starCount": dbus.MakeVariant(int32(57)),
			"hfr":       dbus.MakeVariant(1.9),
		}},
	}
	ev, err := eventFromSignal(sig)
	require.NoError(t, err)
	assert.Equal(t, "dbus", ev.Source)
	assert.Equal(t, 57, ev.StarCount)
	assert.Equal(t, 800, *ev.Median)

	_, err = eventFromSignal(&dbus.Signal{Name: "org.kde.kstars.Ekos.Capture.newLog", Body: []any{"x"}})
	assert.Error(t, err)
	_, err = eventFromSignal(&dbus.Signal{Name: sig.Name, Body: []any{"not a map"}})
	assert.Error(t, err)
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, filepath.Base(ev.FileName))
	}
	return out
}

func TestDirSourceEmitsSettledFrames(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := NewDirSource(logger, []string{dir}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, got.emit) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_001.fits"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(got.names()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"frame_001.fits"}, got.names())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dir source did not stop")
	}
}

func TestDirSourceMissingDir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := NewDirSource(logger, []string{filepath.Join(t.TempDir(), "nope")}, time.Second)
	err := src.Run(context.Background(), func(Event) {})
	assert.Error(t, err)
}
