package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/castlebay/blkmirror/internal/blockdev"
	"github.com/castlebay/blkmirror/internal/config"
	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/jobs"
	"github.com/castlebay/blkmirror/internal/mirror"
	"github.com/castlebay/blkmirror/internal/stats"
	"github.com/castlebay/blkmirror/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		speedStr    string
		chunkStr    string
		backingPath string
		full        bool
		follow      bool
		noJournal   bool
		journalPath string
		verbose     bool
		quiet       bool
		noProgress  bool
		logFile     string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "blkmirror [flags] <source> <target>",
		Short: "Mirror a live block device to a target while it keeps serving writes",
		Long: `blkmirror copies a source block device or disk image to a target while
the source keeps taking writes, converges via dirty-chunk tracking, and
stops at a point where the target is an exact copy. By default it exits
once the devices are in sync; with --follow it keeps mirroring new
writes until interrupted, and a Ctrl-C after sync is still a clean stop.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "blkmirror %s\n", version)
				return nil
			}

			sourcePath, targetPath := args[0], args[1]

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, &speedStr, &chunkStr, &noJournal, &follow)

			var speed int64
			if speedStr != "" {
				speed, err = config.ParseSize(speedStr)
				if err != nil {
					return fmt.Errorf("invalid --speed: %w", err)
				}
			}
			chunkSize := int64(mirror.DefaultChunkSize)
			if chunkStr != "" {
				chunkSize, err = config.ParseSize(chunkStr)
				if err != nil {
					return fmt.Errorf("invalid --chunk-size: %w", err)
				}
			}

			// Configure logging.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			}
			textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if logFile != "" {
				lf, lfErr := os.Create(logFile)
				if lfErr != nil {
					return fmt.Errorf("open log file: %w", lfErr)
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
			}
			logger := slog.New(logHandler)
			slog.SetDefault(logger)

			// Open the source, stacked over a backing image when given.
			dev, err := openSource(sourcePath, backingPath)
			if err != nil {
				return err
			}
			defer dev.Close()
			src := blockdev.NewSource(dev, chunkSize)

			var journal *jobs.Journal
			if !noJournal {
				path := journalPath
				if path == "" {
					path = jobs.DefaultJournalPath()
				}
				journal, err = jobs.OpenJournal(path)
				if err != nil {
					slog.Warn("journal unavailable", "error", err)
				} else {
					defer journal.Close()
				}
			}

			collector := stats.NewCollector()
			events := make(chan event.Event, 256)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := mirror.Start(ctx, mirror.Options{
				Source:     src,
				TargetPath: targetPath,
				Speed:      speed,
				Full:       full,
				Events:     events,
				Stats:      collector,
				Journal:    journal,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			isTTY := ui.IsTTY(os.Stderr.Fd())
			presenter := ui.NewPresenter(ui.Config{
				Writer:     os.Stdout,
				ErrWriter:  os.Stderr,
				Stats:      collector,
				IsTTY:      isTTY,
				Quiet:      quiet,
				NoProgress: noProgress,
			})

			// Tee engine events to the presenter. Without --follow a sync
			// means the job is done: request the clean stop. Lifecycle
			// events are delivered reliably, so the tee always observes
			// SyncReached and the terminal event it exits on; the raw
			// channel is never closed because the engine may still be
			// emitting.
			teed := make(chan event.Event, 256)
			go func() {
				defer close(teed)
				for ev := range events {
					if logFile != "" {
						logEvent(ev)
					}
					if ev.Type == event.SyncReached && !follow {
						job.Cancel()
					}
					teed <- ev
					switch ev.Type {
					case event.JobCompleted, event.JobCancelled, event.JobFailed:
						return
					}
				}
			}()

			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				if perr := presenter.Run(teed); perr != nil {
					fmt.Fprintf(os.Stderr, "presenter: %v\n", perr)
				}
			}()

			waitErr := job.Wait(context.Background())
			stop()
			presenterWg.Wait()

			if !quiet && waitErr == nil {
				if summary := presenter.Summary(); summary != "" {
					fmt.Fprintln(os.Stderr, summary)
				}
			}

			switch {
			case waitErr == nil:
				return nil
			case errors.Is(waitErr, jobs.ErrCancelled):
				fmt.Fprintln(os.Stderr, "cancelled before sync; target is incomplete")
				return &exitError{code: 1}
			default:
				slog.Error("mirror failed", "error", waitErr)
				return &exitError{code: 2}
			}
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().StringVar(&speedStr, "speed", "", "rate limit in bytes/sec (e.g. 100M; default unlimited)")
	rootCmd.Flags().StringVar(&chunkStr, "chunk-size", "", "dirty tracking granularity (power of two, default 1M)")
	rootCmd.Flags().StringVar(&backingPath, "backing", "", "treat source as an overlay on this backing image")
	rootCmd.Flags().BoolVar(&full, "full", false, "copy all allocated data, ignoring the backing chain")
	rootCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep mirroring after sync until interrupted")
	rootCmd.Flags().BoolVar(&noJournal, "no-journal", false, "don't record this job in the journal")
	rootCmd.Flags().StringVar(&journalPath, "journal", "", "journal database path (default: XDG state dir)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress display")
	rootCmd.Flags().StringVar(&logFile, "log", "", "write structured JSON log to FILE")

	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// openSource opens the mirror source: a raw device, or an overlay whose
// holes read through to a backing image.
func openSource(path, backing string) (blockdev.Device, error) {
	top, err := blockdev.Open(path, blockdev.OpenOptions{})
	if err != nil {
		return nil, err
	}
	if backing == "" {
		return top, nil
	}
	base, err := blockdev.Open(backing, blockdev.OpenOptions{ReadOnly: true})
	if err != nil {
		top.Close()
		return nil, err
	}
	overlay, err := blockdev.NewOverlay(top, base)
	if err != nil {
		top.Close()
		base.Close()
		return nil, err
	}
	return &ownedOverlay{Overlay: overlay, base: base}, nil
}

// ownedOverlay closes the backing image along with the overlay. Overlay
// itself treats the backing device as caller-owned.
type ownedOverlay struct {
	*blockdev.Overlay
	base blockdev.Device
}

func (o *ownedOverlay) Close() error {
	err := o.Overlay.Close()
	if cerr := o.base.Close(); err == nil {
		err = cerr
	}
	return err
}

func logEvent(ev event.Event) {
	attrs := []slog.Attr{
		slog.String("type", ev.Type.String()),
		slog.String("job", ev.JobID),
		slog.Int64("offset", ev.Offset),
		slog.Int64("bytes", ev.Bytes),
	}
	if ev.Error != nil {
		attrs = append(attrs, slog.String("error", ev.Error.Error()))
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "blkmirror.event", attrs...)
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	speedStr *string,
	chunkStr *string,
	noJournal *bool,
	follow *bool,
) {
	if !cmd.Flags().Changed("speed") && defaults.Speed != nil {
		*speedStr = *defaults.Speed
	}
	if !cmd.Flags().Changed("chunk-size") && defaults.ChunkSize != nil {
		*chunkStr = *defaults.ChunkSize
	}
	if !cmd.Flags().Changed("no-journal") && defaults.Journal != nil {
		*noJournal = !*defaults.Journal
	}
	if !cmd.Flags().Changed("follow") && defaults.Follow != nil {
		*follow = *defaults.Follow
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
