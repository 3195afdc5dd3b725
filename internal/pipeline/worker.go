package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/queue"
)

// DefaultPollInterval is the pause between queue polls.
const DefaultPollInterval = 100 * time.Millisecond

// ErrAlreadyRunning is returned by Start on a running worker.
var ErrAlreadyRunning = errors.New("worker already running")

// State is the worker lifecycle.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateShutdownRequested
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown_requested"
	default:
		return "stopped"
	}
}

// Worker drains the queue one frame at a time on a single goroutine.
type Worker struct {
	queue    *queue.FrameQueue
	proc     FrameProcessor
	status   *Status
	hub      *notify.Hub
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	state    atomic.Int32
	shutdown atomic.Bool
	done     chan struct{}
}

func NewWorker(q *queue.FrameQueue, proc FrameProcessor, status *Status, hub *notify.Hub, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if status == nil {
		status = NewStatus(q)
	}
	return &Worker{
		queue:    q,
		proc:     proc,
		status:   status,
		hub:      hub,
		interval: interval,
		log:      logger,
	}
}

// Start launches the worker goroutine. Cancelling ctx is a forced shutdown:
// the in-flight frame sees the cancellation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() != StateStopped {
		return ErrAlreadyRunning
	}
	w.shutdown.Store(false)
	w.done = make(chan struct{})
	w.state.Store(int32(StateRunning))
	go w.run(ctx, w.done)
	w.log.Info("worker started", "poll_interval", w.interval)
	return nil
}

// Stop requests a graceful shutdown and waits for the in-flight frame, if
// any, to finish. Frames still queued are left in the queue.
func (w *Worker) Stop() {
	w.mu.Lock()
	done := w.done
	if w.State() == StateRunning {
		w.shutdown.Store(true)
		w.state.Store(int32(StateShutdownRequested))
	}
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

func (w *Worker) State() State { return State(w.state.Load()) }

// Processing reports whether the worker has work in hand.
func (w *Worker) Processing() bool { return w.status.Processing() }

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.state.Store(int32(StateStopped))
		close(done)
		w.log.Info("worker stopped", "queued", w.queue.Len())
	}()

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		if w.shutdown.Load() {
			return
		}
		if ev, ok := w.queue.PopFront(); ok {
			w.status.processing.Store(true)
			w.publish()
			w.proc.Process(ctx, ev)
			// Stays set while more frames are pending so the status does not
			// flicker between consecutive frames.
			if w.queue.Len() == 0 {
				w.status.processing.Store(false)
				w.publish()
			}
		}

		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) publish() {
	if w.hub != nil {
		w.hub.Counters(w.status.Snapshot())
	}
}

// Intake filters capture events and queues the accepted ones.
type Intake struct {
	filter capture.Filter
	queue  *queue.FrameQueue
	status *Status
	hub    *notify.Hub
	log    *slog.Logger
}

func NewIntake(filter capture.Filter, q *queue.FrameQueue, status *Status, hub *notify.Hub, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{filter: filter, queue: q, status: status, hub: hub, log: logger}
}

// Emit is the callback handed to capture sources.
func (in *Intake) Emit(ev capture.Event) { in.Offer(ev) }

// Offer queues ev if the filter accepts it and otherwise reports why not.
func (in *Intake) Offer(ev capture.Event) (bool, string) {
	if ok, reason := in.filter.Accept(ev); !ok {
		in.log.Debug("ignoring capture event", "file", ev.FileName, "reason", reason)
		return false, reason
	}
	in.queue.Push(ev)
	in.log.Info("frame queued", "file", ev.FileName, "source", ev.Source, "queued", in.queue.Len())
	if in.hub != nil {
		in.hub.Log("Queueing file %s", ev.FileName)
		if in.status != nil {
			in.hub.Counters(in.status.Snapshot())
		}
	}
	return true, ""
}
