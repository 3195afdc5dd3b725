package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/fits"
	"github.com/comptonizing/ekos-lightbucket/internal/logging"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/preview"
	"github.com/comptonizing/ekos-lightbucket/internal/queue"
	"github.com/comptonizing/ekos-lightbucket/internal/storage"
	"github.com/comptonizing/ekos-lightbucket/internal/upload"
)

// Outcome classifies how processing of one frame ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSkipped
	OutcomeConfigError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeConfigError:
		return "config_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what Process reports for a frame. Message is the line shown to
// the user.
type Result struct {
	Event    capture.Event
	Outcome  Outcome
	Err      error
	Message  string
	Duration time.Duration
}

// Status holds the counters shared by the worker, bulk jobs and the
// presentation layer.
type Status struct {
	success    atomic.Uint64
	failure    atomic.Uint64
	processing atomic.Bool
	queue      *queue.FrameQueue
}

func NewStatus(q *queue.FrameQueue) *Status {
	return &Status{queue: q}
}

func (s *Status) Success() uint64  { return s.success.Load() }
func (s *Status) Failure() uint64  { return s.failure.Load() }
func (s *Status) Processing() bool { return s.processing.Load() }

// Snapshot reads every counter; the fields are not read atomically as a group.
func (s *Status) Snapshot() notify.Counters {
	c := notify.Counters{
		Success:    s.success.Load(),
		Failure:    s.failure.Load(),
		Processing: s.processing.Load(),
	}
	if s.queue != nil {
		c.Queued = s.queue.Len()
	}
	return c
}

// FrameProcessor processes one capture event to completion.
type FrameProcessor interface {
	Process(ctx context.Context, ev capture.Event) Result
}

// Normalizer turns decoded frame data into a thumbnail.
type Normalizer interface {
	Process(src preview.Source) (preview.Thumbnail, error)
}

// Deps wires a Processor. Store and Hub may be nil.
type Deps struct {
	Credentials credentials.Provider
	Normalizer  Normalizer
	Uploader    upload.Uploader
	Builder     upload.Builder
	Status      *Status
	Hub         *notify.Hub
	Store       *storage.Store
	Logger      *slog.Logger
}

// Processor runs the per-frame steps: credentials, decode, required
// metadata, thumbnail, payload, upload.
type Processor struct {
	creds      credentials.Provider
	normalizer Normalizer
	uploader   upload.Uploader
	builder    upload.Builder
	status     *Status
	hub        *notify.Hub
	store      *storage.Store
	log        *slog.Logger

	open func(path string) (*fits.Frame, error)
}

func NewProcessor(d Deps) *Processor {
	p := &Processor{
		creds:      d.Credentials,
		normalizer: d.Normalizer,
		uploader:   d.Uploader,
		builder:    d.Builder,
		status:     d.Status,
		hub:        d.Hub,
		store:      d.Store,
		log:        d.Logger,
		open:       fits.Open,
	}
	if p.status == nil {
		p.status = NewStatus(nil)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Process handles ev and never panics. Success and failure update the
// counters; skips and configuration errors do not.
func (p *Processor) Process(ctx context.Context, ev capture.Event) Result {
	start := time.Now()
	logging.LogFrameStart(p.log, ev.FileName, ev.Source)

	res := p.safeProcess(ctx, ev)
	res.Event = ev
	res.Duration = time.Since(start)
	p.finish(res)
	return res
}

func (p *Processor) safeProcess(ctx context.Context, ev capture.Event) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Outcome: OutcomeFailure,
				Err:     fmt.Errorf("panic: %v", r),
				Message: fmt.Sprintf("There was a serious but unknown error processing file %s", ev.FileName),
			}
		}
	}()
	return p.process(ctx, ev)
}

func (p *Processor) process(ctx context.Context, ev capture.Event) Result {
	creds, err := p.creds.Get(ctx)
	if err != nil {
		return Result{Outcome: OutcomeConfigError, Err: err,
			Message: fmt.Sprintf("Could not obtain credentials: %v", err)}
	}
	if !creds.Complete() {
		return Result{Outcome: OutcomeConfigError, Err: errors.New("missing credentials"),
			Message: "Error: user name and/or key are missing!"}
	}

	frame, err := p.open(ev.FileName)
	if err != nil {
		return failure(ev, err)
	}

	req, err := upload.ReadRequired(frame)
	switch {
	case errors.Is(err, upload.ErrNoTarget):
		return Result{Outcome: OutcomeSkipped, Err: err,
			Message: fmt.Sprintf("File %s lacks target information, ignoring", ev.FileName)}
	case errors.Is(err, upload.ErrNoExposure):
		return Result{Outcome: OutcomeSkipped, Err: err,
			Message: fmt.Sprintf("File %s lacks exposure information, ignoring", ev.FileName)}
	case err != nil:
		return failure(ev, err)
	}

	thumb, err := p.normalizer.Process(frame)
	if err != nil {
		return failure(ev, err)
	}

	payload, err := p.builder.Build(frame, req, ev, thumb, frame.Mean)
	if err != nil {
		return failure(ev, err)
	}

	if err := p.uploader.Send(ctx, payload, creds); err != nil {
		return failure(ev, err)
	}

	if err := p.store.RecordFrameMetadata(metadataFor(frame, payload)); err != nil {
		p.log.Warn("failed to record frame metadata", "file", ev.FileName, "error", err)
	}
	return Result{Outcome: OutcomeSuccess, Message: fmt.Sprintf("Uploaded file %s", ev.FileName)}
}

func failure(ev capture.Event, err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err,
		Message: fmt.Sprintf("Error processing file %s: %v", ev.FileName, err)}
}

func (p *Processor) finish(res Result) {
	path := res.Event.FileName
	switch res.Outcome {
	case OutcomeSuccess:
		p.status.success.Add(1)
		logging.LogFrameComplete(p.log, path, res.Outcome.String(), res.Duration)
	case OutcomeSkipped:
		logging.LogFrameComplete(p.log, path, res.Outcome.String(), res.Duration)
	case OutcomeFailure:
		p.status.failure.Add(1)
		logging.LogFrameError(p.log, path, res.Outcome.String(), res.Duration, res.Err)
	case OutcomeConfigError:
		logging.LogFrameError(p.log, path, res.Outcome.String(), res.Duration, res.Err)
	}

	if p.hub != nil {
		p.hub.Log("%s", res.Message)
		p.hub.Counters(p.status.Snapshot())
	}

	rec := storage.UploadRecord{
		FilePath: path,
		Source:   res.Event.Source,
		Outcome:  res.Outcome.String(),
	}
	if res.Err != nil {
		rec.Message = res.Err.Error()
	}
	if err := p.store.RecordUpload(rec); err != nil {
		p.log.Warn("failed to record upload", "file", path, "error", err)
	}
}

func metadataFor(f *fits.Frame, p *upload.Payload) storage.FrameMetadata {
	m := storage.FrameMetadata{
		FilePath:   f.Path,
		Exposure:   p.Image.Duration,
		Width:      f.Width,
		Height:     f.Height,
		CapturedAt: p.Image.CapturedAt,
	}
	if p.Target.Name != nil {
		m.Object = *p.Target.Name
	}
	if p.Image.FilterName != nil {
		m.Filter = *p.Image.FilterName
	}
	if p.Equipment != nil {
		if p.Equipment.CameraName != nil {
			m.Instrument = *p.Equipment.CameraName
		}
		if p.Equipment.TelescopeName != nil {
			m.Telescope = *p.Equipment.TelescopeName
		}
	}
	return m
}
