package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
)

// SourceBulk tags events created by bulk uploads.
const SourceBulk = "bulk"

// ErrBulkRunning is returned when a bulk job is already in progress.
var ErrBulkRunning = errors.New("a bulk upload is already running")

// BulkJob uploads a fixed list of files in order. Star count, median and HFR
// are unknown for past frames and are sent as defaults.
type BulkJob struct {
	proc      FrameProcessor
	hub       *notify.Hub
	log       *slog.Logger
	files     []string
	cancelled atomic.Bool
	done      chan struct{}
	summary   notify.BulkSummary
}

func NewBulkJob(proc FrameProcessor, hub *notify.Hub, logger *slog.Logger, files []string) *BulkJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkJob{
		proc:  proc,
		hub:   hub,
		log:   logger,
		files: append([]string(nil), files...),
		done:  make(chan struct{}),
	}
}

// Cancel stops the job before its next file. The file being processed is
// finished first.
func (j *BulkJob) Cancel() { j.cancelled.Store(true) }

// Done is closed when Run returns.
func (j *BulkJob) Done() <-chan struct{} { return j.done }

// Summary is valid once Done is closed.
func (j *BulkJob) Summary() notify.BulkSummary {
	<-j.done
	return j.summary
}

// Run processes every file unless cancelled, reporting progress after each.
// It must be called at most once.
func (j *BulkJob) Run(ctx context.Context) notify.BulkSummary {
	defer close(j.done)

	n := len(j.files)
	j.summary = notify.BulkSummary{Total: n}
	j.log.Info("bulk upload started", "files", n)
	if j.hub != nil {
		j.hub.Log("Processing %d images", n)
		j.hub.Progress(0)
	}

	for i, path := range j.files {
		if j.cancelled.Load() || ctx.Err() != nil {
			j.summary.Cancelled = true
			break
		}
		j.proc.Process(ctx, capture.Event{
			FileName:  path,
			Type:      capture.FrameLight,
			StarCount: 0,
			Source:    SourceBulk,
		})
		j.summary.Attempted++
		if j.hub != nil {
			j.hub.Progress(float64(i+1) / float64(n))
		}
	}

	j.log.Info("bulk upload finished",
		"attempted", j.summary.Attempted,
		"total", j.summary.Total,
		"cancelled", j.summary.Cancelled,
	)
	if j.hub != nil {
		j.hub.BulkDone(j.summary)
	}
	return j.summary
}

// BulkRunner allows one bulk job at a time.
type BulkRunner struct {
	proc FrameProcessor
	hub  *notify.Hub
	log  *slog.Logger

	mu      sync.Mutex
	current *BulkJob
}

func NewBulkRunner(proc FrameProcessor, hub *notify.Hub, logger *slog.Logger) *BulkRunner {
	return &BulkRunner{proc: proc, hub: hub, log: logger}
}

// Start runs a job over files on its own goroutine.
func (r *BulkRunner) Start(ctx context.Context, files []string) (*BulkJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		select {
		case <-r.current.Done():
		default:
			return nil, ErrBulkRunning
		}
	}
	job := NewBulkJob(r.proc, r.hub, r.log, files)
	r.current = job
	go job.Run(ctx)
	return job, nil
}

// Active reports whether a job is running.
func (r *BulkRunner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	select {
	case <-r.current.Done():
		return false
	default:
		return true
	}
}

// Cancel cancels the running job and returns it, or nil if none is running.
func (r *BulkRunner) Cancel() *BulkJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	r.current.Cancel()
	return r.current
}
