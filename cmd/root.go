// Package cmd implements the deterministic-screenshots command line
// interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rustyconover/deterministic-screenshots-chromium/capture"
	"github.com/rustyconover/deterministic-screenshots-chromium/chromium"
	"github.com/rustyconover/deterministic-screenshots-chromium/common"
	"github.com/rustyconover/deterministic-screenshots-chromium/log"
	"github.com/rustyconover/deterministic-screenshots-chromium/storage"
	"github.com/rustyconover/deterministic-screenshots-chromium/video"
)

const launchTimeout = time.Minute

var stderrTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

type rootCommand struct {
	cmd    *cobra.Command
	cfg    Config
	logger *log.Logger
}

func newRootCommand() *rootCommand {
	c := &rootCommand{cfg: newConfig()}

	c.cmd = &cobra.Command{
		Use:   "deterministic-screenshots [flags] <url>",
		Short: "Capture deterministic frames from a web page and assemble them into a video",
		Long: "deterministic-screenshots drives a headless Chromium through a virtual clock,\n" +
			"capturing exactly one frame per configured interval at reproducible simulated\n" +
			"timestamps regardless of how fast the machine renders.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.cfg.URL = args[0]
			if err := c.cfg.consolidate(cmd.Flags()); err != nil {
				return err
			}
			if c.cfg.Verbose && !cmd.Flags().Changed("log-level") {
				c.cfg.LogLevel = "debug"
			}
			if err := c.cfg.validate(); err != nil {
				return err
			}

			var err error
			if c.logger, err = setupLogger(c.cfg); err != nil {
				return err
			}
			return c.run(cmd.Context())
		},
	}

	flags := c.cmd.Flags()
	flags.SortFlags = false
	flags.Int64VarP(&c.cfg.Width, "width", "W", c.cfg.Width, "viewport width in pixels")
	flags.Int64VarP(&c.cfg.Height, "height", "H", c.cfg.Height, "viewport height in pixels")
	flags.Float64VarP(&c.cfg.FrameIntervalMs, "interval", "i", c.cfg.FrameIntervalMs, "virtual time between frames (ms)")
	flags.IntVarP(&c.cfg.FrameCount, "frames", "n", c.cfg.FrameCount, "number of frames to capture")
	flags.StringVarP(&c.cfg.Output, "output", "o", c.cfg.Output, "output video filename")
	flags.StringVar(&c.cfg.FramesDir, "frames-dir", c.cfg.FramesDir, "directory for frame files (default: temporary)")
	flags.StringVarP(&c.cfg.Format, "format", "f", c.cfg.Format, "frame pixel format: jpg or png")
	flags.Int64VarP(&c.cfg.Quality, "quality", "q", c.cfg.Quality, "jpeg quality (0-100)")
	flags.BoolVar(&c.cfg.NoVideo, "no-video", c.cfg.NoVideo, "skip video encoding, keep frame files")
	flags.BoolVar(&c.cfg.KeepFrames, "keep-frames", c.cfg.KeepFrames, "keep frame files after encoding")
	flags.StringVar(&c.cfg.ChromePath, "chrome-path", c.cfg.ChromePath, "path to the Chromium executable")
	flags.StringVar(&c.cfg.FfmpegPath, "ffmpeg-path", c.cfg.FfmpegPath, "path to the ffmpeg executable")
	flags.Float64Var(&c.cfg.AnimationIntervalMs, "animation-interval", c.cfg.AnimationIntervalMs,
		"animation-frame cadence of the renderer (ms)")
	flags.Int64Var(&c.cfg.MaxTaskStarvation, "max-task-starvation", c.cfg.MaxTaskStarvation,
		"task starvation ceiling per virtual time grant")
	flags.Float64Var(&c.cfg.TimestampNudgeMs, "timestamp-nudge", c.cfg.TimestampNudgeMs,
		"epsilon added to the time base after each capture (ms)")
	flags.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: trace, debug, info, warn, error")
	flags.StringVar(&c.cfg.LogCategoryFilter, "log-category-filter", c.cfg.LogCategoryFilter,
		"regex restricting log output to matching categories")
	flags.BoolVarP(&c.cfg.Verbose, "verbose", "v", c.cfg.Verbose, "shorthand for --log-level=debug")

	return c
}

func setupLogger(cfg Config) (*log.Logger, error) {
	ll := logrus.New()
	ll.SetOutput(colorable.NewColorableStderr())
	ll.SetFormatter(&logrus.TextFormatter{
		ForceColors:   stderrTTY,
		DisableColors: !stderrTTY,
	})

	logger := log.New(ll, nil)
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := logger.SetCategoryFilter(cfg.LogCategoryFilter); err != nil {
		return nil, err
	}
	return logger, nil
}

// run launches the browser, records the session, and assembles the video.
func (c *rootCommand) run(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	format, _ := capture.ParseImageFormat(cfg.Format)

	// Resolve external executables before creating any session state.
	var encoder *video.Encoder
	if !cfg.NoVideo {
		var err error
		if encoder, err = video.NewEncoder(cfg.FfmpegPath, logger); err != nil {
			return err
		}
	}
	allocator, err := chromium.NewAllocator(
		cfg.ChromePath, chromium.PrepareFlags(cfg.Width, cfg.Height, nil), nil, logger)
	if err != nil {
		return err
	}

	framesDir, framesDirIsTemp, err := cfg.framesDir()
	if err != nil {
		return err
	}

	proc, err := allocator.Allocate(ctx, launchTimeout)
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	defer proc.Terminate()
	logger.Debugf("main", "browser PID %d, DevTools %s", proc.Pid(), proc.WsURL())

	conn, err := common.NewConnection(ctx, proc.WsURL(), logger)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}

	session, err := capture.AttachSession(ctx, conn)
	if err != nil {
		return err
	}

	engine := capture.NewCDPTimeEngine(ctx, session, logger)
	clock := capture.NewVirtualClock(engine, logger,
		capture.WithAnimationFrameInterval(cfg.AnimationIntervalMs),
		capture.WithMaxTaskStarvation(cfg.MaxTaskStarvation),
		capture.WithTimestampNudge(cfg.TimestampNudgeMs),
	)
	page := capture.NewCDPPage(session, logger)
	store := storage.NewFrameStore(afero.NewOsFs(), framesDir, format.Ext())

	recorder := capture.NewRecorder(clock, page, store, logger, capture.RecorderOptions{
		TargetURL:       cfg.URL,
		Width:           cfg.Width,
		Height:          cfg.Height,
		FrameIntervalMs: cfg.FrameIntervalMs,
		FrameCount:      cfg.FrameCount,
		Format:          format,
		Quality:         cfg.Quality,
	})

	result, err := recorder.Record(ctx)

	// Release the browser before encoding; the frames are on disk.
	proc.GracefulClose()
	proc.DidLoseConnection()
	conn.Close()

	if err != nil {
		return fmt.Errorf("capture session failed: %w", err)
	}
	logger.Infof("main", "captured %d frames from %s", len(result.Frames), result.TargetURL)

	if !cfg.NoVideo {
		if err := encoder.Encode(ctx, framesDir, store.Pattern(), result.FrameRate(), cfg.Output); err != nil {
			// Keep the frame files regardless of configuration so the
			// user can re-encode manually.
			logger.Warnf("main", "frame files preserved in %s", framesDir)
			return err
		}
	}

	if !cfg.KeepFrames && !cfg.NoVideo {
		if err := store.Remove(result.Paths()); err != nil {
			return err
		}
		if framesDirIsTemp {
			if err := os.RemoveAll(framesDir); err != nil {
				return fmt.Errorf("removing temporary frame directory: %w", err)
			}
		}
	} else {
		logger.Infof("main", "frame files in %s", framesDir)
	}

	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newRootCommand()
	if err := c.cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "deterministic-screenshots: %v\n", err)
		stop()
		os.Exit(1)
	}
}
