// Package capture turns capture-complete notifications into typed events
// and decides which of them are worth uploading.
package capture

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
)

// FrameType mirrors the Ekos frame type codes.
type FrameType int

const (
	FrameLight FrameType = iota
	FrameBias
	FrameDark
	FrameFlat
)

func (t FrameType) String() string {
	switch t {
	case FrameLight:
		return "light"
	case FrameBias:
		return "bias"
	case FrameDark:
		return "dark"
	case FrameFlat:
		return "flat"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// DefaultPreviewPath is where Ekos writes preview exposures.
const DefaultPreviewPath = "/tmp/image.fits"

// Event is a completed exposure. Median and HFR are nil when the capture
// software did not report them.
type Event struct {
	FileName  string
	Type      FrameType
	Median    *int
	StarCount int
	HFR       *float64
	// Source names where the event came from (dbus, watch, rpc, bulk).
	Source string
}

// Source delivers events until ctx is cancelled or it fails.
type Source interface {
	Run(ctx context.Context, emit func(Event)) error
}

// FromFields builds an event from a name/value map as carried by the
// captureComplete signal. Unknown fields are ignored.
func FromFields(fields map[string]any) (Event, error) {
	var ev Event
	for name, raw := range fields {
		switch name {
		case "filename":
			s, ok := raw.(string)
			if !ok {
				return Event{}, fmt.Errorf("field filename: expected string, got %T", raw)
			}
			ev.FileName = s
		case "type":
			n, err := asInt(raw)
			if err != nil {
				return Event{}, fmt.Errorf("field type: %w", err)
			}
			ev.Type = FrameType(n)
		case "median":
			n, err := asInt(raw)
			if err != nil {
				return Event{}, fmt.Errorf("field median: %w", err)
			}
			ev.Median = &n
		case "starCount":
			n, err := asInt(raw)
			if err != nil {
				return Event{}, fmt.Errorf("field starCount: %w", err)
			}
			ev.StarCount = n
		case "hfr":
			f, err := asFloat(raw)
			if err != nil {
				return Event{}, fmt.Errorf("field hfr: %w", err)
			}
			// Ekos reports -1 when HFR was not measured.
			if !math.IsNaN(f) && f >= 0 {
				ev.HFR = &f
			}
		}
	}
	if ev.FileName == "" {
		return Event{}, fmt.Errorf("event has no filename")
	}
	return ev, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case int16:
		return int(n), nil
	case uint8:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	default:
		if n, err := asInt(v); err == nil {
			return float64(n), nil
		}
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Filter drops events that should never be uploaded.
type Filter struct {
	PreviewPaths []string
}

// Accept reports whether ev should be queued and, if not, why.
func (f Filter) Accept(ev Event) (bool, string) {
	clean := filepath.Clean(ev.FileName)
	for _, p := range f.PreviewPaths {
		if clean == filepath.Clean(p) {
			return false, "preview exposure"
		}
	}
	if ev.Type != FrameLight {
		return false, ev.Type.String() + " frame"
	}
	return true, ""
}
