package capture

import (
	"context"
	"fmt"

	"github.com/rustyconover/deterministic-screenshots-chromium/log"
	"github.com/rustyconover/deterministic-screenshots-chromium/storage"
)

const (
	// DefaultInstallBudgetMs is the minimal budget granted at clock
	// installation, before navigation. It only exists to pause the clock;
	// no meaningful animation time should pass under it.
	DefaultInstallBudgetMs = 1.0

	// DefaultInitialVirtualTimeMs establishes a non-zero virtual epoch so
	// frame timestamps are never near zero.
	DefaultInitialVirtualTimeMs = 100000.0
)

// RecorderOptions configures a capture session.
type RecorderOptions struct {
	TargetURL       string
	Width, Height   int64
	FrameIntervalMs float64
	FrameCount      int
	Format          ImageFormat
	Quality         int64

	// InstallBudgetMs and InitialVirtualTimeMs default to the package
	// constants when zero.
	InstallBudgetMs      float64
	InitialVirtualTimeMs float64
}

// CapturedFrame is one captured frame artifact. Immutable once created.
type CapturedFrame struct {
	// SequenceNumber is 1-based and gap-free across a session.
	SequenceNumber int
	// SimulatedTimestamp is the virtual clock value the frame was
	// rendered at, in milliseconds. Strictly increasing across frames.
	SimulatedTimestamp float64
	// Path of the persisted frame file.
	Path string
	// Format of the pixel data.
	Format ImageFormat
}

// SessionResult is the ordered, gap-free artifact list of a completed
// capture session.
type SessionResult struct {
	TargetURL       string
	FrameIntervalMs float64
	FramesRequested int
	Frames          []CapturedFrame
}

// FrameRate returns the video frame rate derived from the configured
// inter-frame interval.
func (r *SessionResult) FrameRate() float64 {
	return 1000 / r.FrameIntervalMs
}

// Paths returns the persisted frame file paths in sequence order.
func (r *SessionResult) Paths() []string {
	paths := make([]string, len(r.Frames))
	for i, f := range r.Frames {
		paths[i] = f.Path
	}
	return paths
}

// Recorder drives an end-to-end capture session: clock installation,
// navigation, and the repeated capture-then-advance loop.
type Recorder struct {
	clock  *VirtualClock
	page   PageController
	store  *storage.FrameStore
	logger *log.Logger
	opts   RecorderOptions
}

// NewRecorder creates a recorder. Zero-valued install options are filled
// with package defaults.
func NewRecorder(
	clock *VirtualClock, page PageController, store *storage.FrameStore,
	logger *log.Logger, opts RecorderOptions,
) *Recorder {
	if opts.InstallBudgetMs <= 0 {
		opts.InstallBudgetMs = DefaultInstallBudgetMs
	}
	if opts.InitialVirtualTimeMs <= 0 {
		opts.InitialVirtualTimeMs = DefaultInitialVirtualTimeMs
	}
	return &Recorder{
		clock:  clock,
		page:   page,
		store:  store,
		logger: logger,
		opts:   opts,
	}
}

// Record runs the session to completion and returns the ordered frame
// artifact list. Page load happens under the paused install budget, so no
// animation time elapses before the first frame.
func (r *Recorder) Record(ctx context.Context) (*SessionResult, error) {
	if r.opts.FrameCount <= 0 {
		return nil, fmt.Errorf("frame count must be positive, got %d", r.opts.FrameCount)
	}
	if r.opts.FrameIntervalMs <= 0 {
		return nil, fmt.Errorf("frame interval must be positive, got %f ms", r.opts.FrameIntervalMs)
	}

	if err := r.page.Setup(ctx, r.opts.Width, r.opts.Height); err != nil {
		return nil, err
	}
	if err := r.clock.Install(ctx, r.opts.InstallBudgetMs, r.opts.InitialVirtualTimeMs); err != nil {
		return nil, err
	}

	if err := r.page.Navigate(ctx, r.opts.TargetURL); err != nil {
		return nil, err
	}
	if err := r.page.AwaitLoad(ctx); err != nil {
		return nil, err
	}
	r.logger.Debugf("recorder", "page %s loaded", r.opts.TargetURL)

	if _, err := r.clock.AwaitExpiry(ctx); err != nil {
		return nil, err
	}

	result := &SessionResult{
		TargetURL:       r.opts.TargetURL,
		FrameIntervalMs: r.opts.FrameIntervalMs,
		FramesRequested: r.opts.FrameCount,
		Frames:          make([]CapturedFrame, 0, r.opts.FrameCount),
	}
	shot := ScreenshotOptions{Format: r.opts.Format, Quality: r.opts.Quality}

	for seq := 1; seq <= r.opts.FrameCount; seq++ {
		if seq > 1 {
			if _, err := r.clock.Advance(ctx, r.opts.FrameIntervalMs); err != nil {
				return nil, err
			}
		}

		timestamp := r.clock.CurrentFrameTime()
		data, err := r.clock.CaptureFrame(ctx, shot)
		if err != nil {
			return nil, err
		}

		path, err := r.store.Save(ctx, seq, data)
		if err != nil {
			return nil, err
		}

		result.Frames = append(result.Frames, CapturedFrame{
			SequenceNumber:     seq,
			SimulatedTimestamp: timestamp,
			Path:               path,
			Format:             r.opts.Format,
		})
		r.logger.Infof("recorder", "captured frame %d/%d at %f ms",
			seq, r.opts.FrameCount, timestamp)
	}

	r.clock.StopGracefully()

	return result, nil
}
