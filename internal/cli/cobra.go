package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/fits"
	"github.com/comptonizing/ekos-lightbucket/internal/fsutil"
	"github.com/comptonizing/ekos-lightbucket/internal/logging"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
	"github.com/comptonizing/ekos-lightbucket/internal/rpcserver"
	"github.com/comptonizing/ekos-lightbucket/internal/tui"
	"github.com/comptonizing/ekos-lightbucket/internal/upload"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ekos-lightbucket",
		Short: "Upload Ekos captures to Lightbucket",
		Long: `ekos-lightbucket listens for completed exposures from the KStars/Ekos capture
module and submits their metadata and a small preview to Lightbucket.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)
	rootCmd.SetErr(root.errOut)

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newBulkCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newEnqueueCmd(root))
	rootCmd.AddCommand(newCredentialsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		headless bool
		noDBus   bool
		watch    []string
		httpAddr string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for captures and upload them",
		Long: `Listen for captureComplete signals from Ekos on the session bus (and/or watch
directories for new FITS files) and upload every light frame.

Examples:
  # Interactive status screen
  ekos-lightbucket run

  # Plain log output, watching a directory instead of D-Bus
  ekos-lightbucket run --headless --no-dbus --watch ~/Pictures/Lights

  # Expose status over HTTP and gRPC
  ekos-lightbucket run --http :8085 --grpc 127.0.0.1:8086`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{
				DBus:      root.cfg.Capture.DBus && !noDBus,
				WatchDirs: append(append([]string{}, root.cfg.Capture.WatchDirs...), watch...),
				HTTPAddr:  firstNonEmpty(httpAddr, root.cfg.Server.HTTPAddr),
				GRPCAddr:  firstNonEmpty(grpcAddr, root.cfg.Server.GRPCAddr),
			}
			if !opts.DBus && len(opts.WatchDirs) == 0 && opts.GRPCAddr == "" && opts.HTTPAddr == "" {
				return errors.New("no capture source enabled: enable D-Bus, add --watch directories or serve --grpc/--http")
			}

			if !headless {
				// The status screen owns the terminal; logs go to the file only.
				if logger, err := logging.Setup(root.cfg, nil); err == nil {
					root.log = logger
				}
			}

			a, err := root.newApp(opts)
			if err != nil {
				return err
			}
			root.log.Info("starting uploader",
				"dbus", opts.DBus,
				"watch_dirs", opts.WatchDirs,
				"http", opts.HTTPAddr,
				"grpc", opts.GRPCAddr,
			)

			sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stopSignals()
			ctx, cancel := context.WithCancel(sigCtx)
			defer cancel()
			workerCtx, forceStop := context.WithCancel(context.Background())
			defer forceStop()

			if err := a.start(ctx, workerCtx); err != nil {
				return err
			}

			events, unsubscribe := a.hub.Subscribe(0)
			var presentErr error
			if headless {
				runConsole(ctx, root.out, events, a.broker, a.holder)
			} else {
				presentErr = tui.Run(ctx, tui.Options{
					Events:     events,
					Requests:   a.broker.Requests(),
					Holder:     a.holder,
					Save:       a.saveCredentials,
					CancelBulk: func() bool { return a.bulk.Cancel() != nil },
				})
			}
			unsubscribe()
			cancel()
			stopSignals()

			// A second interrupt aborts the frame in flight.
			forceCtx, stopForce := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			go func() {
				<-forceCtx.Done()
				forceStop()
			}()
			a.shutdown(root.out)
			stopForce()
			root.log.Info("uploader stopped",
				"success", a.status.Success(),
				"failure", a.status.Failure(),
			)
			return presentErr
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "print log lines instead of the status screen")
	cmd.Flags().BoolVar(&noDBus, "no-dbus", false, "do not listen on the session bus")
	cmd.Flags().StringArrayVar(&watch, "watch", nil, "directory to watch for new FITS files (repeatable)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP status listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newBulkCmd(root *Root) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "bulk <file|dir>...",
		Short: "Upload frames captured in the past",
		Long: `Upload existing FITS files in the given order. Directories are searched for
.fits and .fit files. Star count and HFR are not known for past frames.
Interrupting stops after the file being uploaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runBulk(cmd.Context(), args, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (r *Root) runBulk(ctx context.Context, args []string, yes bool) error {
	files, err := fsutil.ExpandFrames(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no FITS files found")
	}
	creds := r.loadCredentials()
	if !creds.Complete() {
		return errors.New("user name and/or key are missing, run `ekos-lightbucket credentials set`")
	}
	if !yes {
		ok, err := r.prompt.Confirm(fmt.Sprintf(
			"When you bulk-upload images taken in the past the information about HFR and star count is unavailable. Upload %d files?",
			len(files)), true)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("bulk upload cancelled")
		}
	}

	hub := notify.NewHub()
	events, unsubscribe := hub.Subscribe(0)
	status := pipeline.NewStatus(nil)
	proc, err := r.newProcessor(credentials.Static(creds), status, hub)
	if err != nil {
		unsubscribe()
		return err
	}
	job := pipeline.NewBulkJob(proc, hub, r.log, files)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWriter(r.errOut),
		progressbar.OptionShowCount(),
	)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			switch ev.Kind {
			case notify.KindLog:
				bar.Clear()
				fmt.Fprintln(r.out, ev.Line())
			case notify.KindProgress:
				bar.Set(int(math.Round(ev.Progress * float64(len(files)))))
			}
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			job.Cancel()
		case <-job.Done():
		}
	}()

	summary := job.Run(context.WithoutCancel(ctx))
	unsubscribe()
	<-printed
	bar.Finish()
	fmt.Fprintln(r.errOut)

	fmt.Fprintf(r.out, "Uploaded %d, failed %d, skipped %d of %d files\n",
		status.Success(), status.Failure(), summary.Attempted-int(status.Success()+status.Failure()), summary.Total)
	if summary.Cancelled {
		fmt.Fprintf(r.out, "Cancelled after %d files\n", summary.Attempted)
	}
	return nil
}

func newInspectCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the metadata and payload that would be uploaded for a FITS file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.inspect(args[0])
		},
	}
}

func show[T any](o fits.Optional[T], err error) string {
	switch {
	case err != nil:
		return "error: " + err.Error()
	case !o.Present:
		return "-"
	default:
		return fmt.Sprint(o.Value)
	}
}

func (r *Root) inspect(path string) error {
	frame, err := fits.Open(path)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "File\t%s\n", frame.Path)
	fmt.Fprintf(tw, "Size\t%dx%d (BITPIX %d)\n", frame.Width, frame.Height, frame.BitPix)
	fmt.Fprintf(tw, "Mean\t%.2f\n", frame.Mean)
	fmt.Fprintf(tw, "Object\t%s\n", show(frame.Object()))
	fmt.Fprintf(tw, "RA / DEC\t%s / %s\n", show(frame.RA()), show(frame.Dec()))
	fmt.Fprintf(tw, "Exposure\t%s\n", show(frame.Exposure()))
	fmt.Fprintf(tw, "Time\t%s\n", show(frame.Time()))
	fmt.Fprintf(tw, "Telescope\t%s\n", show(frame.Telescope()))
	fmt.Fprintf(tw, "Instrument\t%s\n", show(frame.Instrument()))
	fmt.Fprintf(tw, "Filter\t%s\n", show(frame.Filter()))
	fmt.Fprintf(tw, "Focal length\t%s\n", show(frame.FocalLength()))
	fmt.Fprintf(tw, "Aperture\t%s\n", show(frame.Aperture()))
	fmt.Fprintf(tw, "Pixel size\t%s\n", show(frame.PixelSize()))
	fmt.Fprintf(tw, "Scale\t%s\n", show(frame.Scale()))
	fmt.Fprintf(tw, "Rotation\t%s\n", show(frame.Rotation()))
	fmt.Fprintf(tw, "Gain / Offset\t%s / %s\n", show(frame.Gain()), show(frame.Offset()))
	fmt.Fprintf(tw, "Binning\t%s\n", show(frame.Binning()))
	fmt.Fprintf(tw, "Bayer pattern\t%s\n", show(frame.BayerPattern()))
	tw.Flush()

	req, err := upload.ReadRequired(frame)
	if err != nil {
		fmt.Fprintf(r.out, "\nNot uploadable: %v\n", err)
		return nil
	}
	norm, err := r.normalizer()
	if err != nil {
		return err
	}
	thumb, err := norm.Process(frame)
	if err != nil {
		return err
	}
	payload, err := r.builder().Build(frame, req, capture.Event{FileName: path}, thumb, frame.Mean)
	if err != nil {
		return err
	}
	payload.Image.Thumbnail = fmt.Sprintf("[%dx%d JPEG, %d base64 bytes]", thumb.Width, thumb.Height, len(thumb.Data))
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "\nPayload:\n%s\n", data)
	return nil
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("upload history is unavailable")
			}
			recs, err := root.store.RecentUploads(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOUTCOME\tSOURCE\tFILE\tMESSAGE")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rec.CreatedAt.Local().Format(time.DateTime), rec.Outcome, rec.Source, rec.FilePath, rec.Message)
			}
			tw.Flush()

			totals, err := root.store.Totals()
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "\nTotal: %d uploaded, %d failed, %d skipped\n",
				totals[pipeline.OutcomeSuccess.String()], totals[pipeline.OutcomeFailure.String()], totals[pipeline.OutcomeSkipped.String()])
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}

func (r *Root) dialRemote(addr string) (*rpcserver.Client, error) {
	addr = firstNonEmpty(addr, r.cfg.Server.GRPCAddr)
	if addr == "" {
		return nil, errors.New("no remote address: pass --remote or set server.grpc_addr")
	}
	return rpcserver.Dial(addr)
}

func newStatusCmd(root *Root) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the counters of a running uploader",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dialRemote(remote)
			if err != nil {
				return err
			}
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			c, err := client.Status(ctx)
			if err != nil {
				return err
			}
			state := "Idle"
			if c.Processing {
				state = "Processing"
			}
			fmt.Fprintf(root.out, "Queue: %d  Success: %d  Failure: %d  %s\n", c.Queued, c.Success, c.Failure, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of the running uploader")
	return cmd
}

func newEnqueueCmd(root *Root) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "enqueue <file>...",
		Short: "Queue light frames on a running uploader",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dialRemote(remote)
			if err != nil {
				return err
			}
			defer client.Close()
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				err = client.Enqueue(ctx, capture.Event{FileName: path, Type: capture.FrameLight})
				cancel()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(root.out, "Queued %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of the running uploader")
	return cmd
}

func newCredentialsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the Lightbucket user name and API key",
	}

	var username, apiKey string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store credentials (prompts for missing values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := credentials.Credentials{Username: username, APIKey: apiKey}
			if !c.Complete() {
				current := root.loadCredentials()
				if c.Username != "" {
					current.Username = c.Username
				}
				var err error
				if c, err = root.prompt.Credentials(current); err != nil {
					return err
				}
			}
			c.Username = strings.TrimSpace(c.Username)
			c.APIKey = strings.TrimSpace(c.APIKey)
			if !c.Complete() {
				return errors.New("both user name and API key are required")
			}
			if err := root.credentialStore().Save(c); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "Credentials saved to %s\n", root.cfg.Paths.CredentialsFile)
			return nil
		},
	}
	setCmd.Flags().StringVar(&username, "username", "", "Lightbucket user name")
	setCmd.Flags().StringVar(&apiKey, "api-key", "", "Lightbucket API key")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored user name",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.credentialStore().Load()
			if err != nil {
				return err
			}
			if !c.Complete() {
				fmt.Fprintln(root.out, "No credentials configured")
				return nil
			}
			fmt.Fprintf(root.out, "User name: %s\nAPI key:   %s\n", c.Username, mask(c.APIKey))
			return nil
		},
	}

	cmd.AddCommand(setCmd, showCmd)
	return cmd
}

func mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "ekos-lightbucket %s (%s)\n", Version, runtime.Version())
		},
	}
}
