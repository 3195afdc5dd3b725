package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
	"github.com/comptonizing/ekos-lightbucket/internal/queue"
	"github.com/comptonizing/ekos-lightbucket/internal/rpcserver"
	"github.com/comptonizing/ekos-lightbucket/internal/server"
)

type runOptions struct {
	DBus      bool
	WatchDirs []string
	HTTPAddr  string
	GRPCAddr  string
}

// app is the long-running uploader: capture sources feed the queue, one
// worker drains it and a presenter owns the credentials.
type app struct {
	root    *Root
	opts    runOptions
	queue   *queue.FrameQueue
	status  *pipeline.Status
	hub     *notify.Hub
	holder  *credentials.Holder
	broker  *credentials.Broker
	intake  *pipeline.Intake
	worker  *pipeline.Worker
	bulk    *pipeline.BulkRunner
	sources []capture.Source

	wg sync.WaitGroup
}

func (r *Root) newApp(opts runOptions) (*app, error) {
	a := &app{
		root:   r,
		opts:   opts,
		queue:  queue.New(),
		hub:    notify.NewHub(),
		holder: credentials.NewHolder(r.loadCredentials()),
		broker: credentials.NewBroker(),
	}
	a.status = pipeline.NewStatus(a.queue)

	proc, err := r.newProcessor(a.broker, a.status, a.hub)
	if err != nil {
		return nil, err
	}
	a.intake = pipeline.NewIntake(capture.Filter{PreviewPaths: r.cfg.Capture.PreviewPaths}, a.queue, a.status, a.hub, r.log)
	a.worker = pipeline.NewWorker(a.queue, proc, a.status, a.hub, r.cfg.Worker.PollInterval, r.log)
	a.bulk = pipeline.NewBulkRunner(proc, a.hub, r.log)

	if opts.DBus {
		a.sources = append(a.sources, capture.NewDBusSource(r.log))
	}
	if len(opts.WatchDirs) > 0 {
		a.sources = append(a.sources, capture.NewDirSource(r.log, opts.WatchDirs, r.cfg.Capture.SettleDelay))
	}
	return a, nil
}

func (a *app) saveCredentials(c credentials.Credentials) error {
	return a.root.credentialStore().Save(c)
}

// start launches the worker with workerCtx and everything else with ctx.
// Cancelling workerCtx aborts the frame in flight.
func (a *app) start(ctx, workerCtx context.Context) error {
	if err := a.worker.Start(workerCtx); err != nil {
		return err
	}
	log := a.root.log

	for _, src := range a.sources {
		a.wg.Add(1)
		go func(src capture.Source) {
			defer a.wg.Done()
			if err := src.Run(ctx, a.intake.Emit); err != nil {
				log.Error("capture source stopped", "source", fmt.Sprintf("%T", src), "error", err)
				a.hub.Log("Capture source stopped: %v", err)
			}
		}(src)
	}

	if a.opts.HTTPAddr != "" {
		srv := server.New(server.Options{
			Addr:            a.opts.HTTPAddr,
			Status:          a.status,
			Queue:           a.queue,
			Store:           a.root.store,
			Hub:             a.hub,
			Credentials:     a.holder,
			SaveCredentials: a.saveCredentials,
			Bulk:            a.bulk,
			Logger:          log,
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.Error("HTTP server failed", "error", err)
				a.hub.Log("HTTP server failed: %v", err)
			}
		}()
	}

	if a.opts.GRPCAddr != "" {
		svc := rpcserver.NewService(a.status, a.intake, log)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := rpcserver.Serve(ctx, a.opts.GRPCAddr, svc, log); err != nil {
				log.Error("gRPC server failed", "error", err)
				a.hub.Log("gRPC server failed: %v", err)
			}
		}()
	}

	a.hub.Counters(a.status.Snapshot())
	return nil
}

// shutdown stops the worker gracefully. The presenter is gone by now, so
// credential requests from the last frame are answered here.
func (a *app) shutdown(out io.Writer) {
	if n := a.queue.Len(); n > 0 {
		fmt.Fprintf(out, "There are still %d files in the queue, they will not be uploaded\n", n)
		a.root.log.Warn("shutting down with queued frames", "queued", n)
	}
	if a.worker.Processing() {
		fmt.Fprintln(out, "Waiting for current file to finish")
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	go a.broker.Serve(serveCtx, a.holder.Current)
	if job := a.bulk.Cancel(); job != nil {
		<-job.Done()
	}
	a.worker.Stop()
	stopServing()
	a.wg.Wait()
}

// runConsole prints notifications as plain lines and answers credential
// requests until ctx is cancelled.
func runConsole(ctx context.Context, out io.Writer, events <-chan notify.Event, broker *credentials.Broker, holder *credentials.Holder) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-broker.Requests():
			reply <- holder.Current()
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case notify.KindLog:
				fmt.Fprintln(out, ev.Line())
			case notify.KindBulkDone:
				fmt.Fprintf(out, "Bulk upload done: %d of %d files (cancelled: %t)\n",
					ev.Bulk.Attempted, ev.Bulk.Total, ev.Bulk.Cancelled)
			}
		}
	}
}
