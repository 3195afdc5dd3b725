package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/comptonizing/ekos-lightbucket/internal/fsutil"
)

// DirSource watches directories for new FITS files. A file is emitted once
// no create or write has been seen for Settle, so partially written frames
// are not picked up. Watched files carry no capture statistics.
type DirSource struct {
	Dirs   []string
	Settle time.Duration
	log    *slog.Logger
}

func NewDirSource(logger *slog.Logger, dirs []string, settle time.Duration) *DirSource {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &DirSource{Dirs: dirs, Settle: settle, log: logger}
}

func (s *DirSource) Run(ctx context.Context, emit func(Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range s.Dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		s.log.Info("watching directory", "dir", dir)
	}

	pending := make(map[string]time.Time)
	tick := time.NewTicker(max(s.Settle/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !fsutil.IsFrame(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("filesystem watcher error", "error", err)

		case now := <-tick.C:
			for path, seen := range pending {
				if now.Sub(seen) < s.Settle {
					continue
				}
				delete(pending, path)
				emit(Event{FileName: path, Type: FrameLight, Source: "watch"})
			}
		}
	}
}
