package capture

import (
	"context"
	"errors"
	"math"

	"github.com/rustyconover/deterministic-screenshots-chromium/log"
)

const (
	// DefaultAnimationFrameIntervalMs is the cadence at which the renderer
	// expects an animation tick.
	DefaultAnimationFrameIntervalMs = 16.0

	// DefaultMaxTaskStarvationCount bounds back-to-back task execution per
	// grant so pages that repost work cannot stall virtual time forever.
	DefaultMaxTaskStarvationCount = 1000

	// DefaultTimestampNudgeMs is added to the time base after every
	// capture so no two captures ever present the same timestamp to the
	// renderer. Its only contract is being greater than zero and far
	// smaller than any meaningful frame interval.
	DefaultTimestampNudgeMs = 0.01
)

// boundaryTolerance absorbs float drift when checking whether the elapsed
// time sits exactly on an animation-frame boundary.
const boundaryTolerance = 1e-9

var (
	// ErrClockNotInstalled is returned when time is granted or captured
	// before Install.
	ErrClockNotInstalled = errors.New("virtual clock is not installed")

	// ErrClockInstalled is returned when Install is called twice.
	ErrClockInstalled = errors.New("virtual clock is already installed")

	// ErrBudgetOutstanding is returned when a new budget is granted while a
	// previous grant has not yet expired. Composing grants would corrupt
	// the remaining-budget bookkeeping, so the call is rejected outright.
	ErrBudgetOutstanding = errors.New("a budget grant is already outstanding")

	// ErrNoBudgetOutstanding is returned by AwaitExpiry when there is no
	// grant to wait for.
	ErrNoBudgetOutstanding = errors.New("no budget grant is outstanding")

	// ErrClockStopped is returned when time is granted after a graceful stop.
	ErrClockStopped = errors.New("virtual clock is stopped")
)

type clockState int

const (
	clockUninstalled clockState = iota
	clockChunking               // a grant is outstanding, chunks in flight
	clockIdle                   // installed, no outstanding grant
	clockStopped
)

// VirtualClock owns the simulated time base and all budget bookkeeping.
// It translates "advance by N milliseconds" into one or more protocol
// budget grants chunked at animation-frame boundaries, and tags every
// frame render with the exact simulated timestamp it belongs to.
//
// The clock is single-flight: at most one budget grant is outstanding at
// any time, and all methods must be called from the session's driving
// goroutine.
type VirtualClock struct {
	engine TimeEngine
	logger *log.Logger

	intervalMs    float64 // animation-frame interval
	nudgeMs       float64 // time-base nudge applied after each capture
	maxStarvation int64

	timeBase  float64 // simulated time origin, acknowledged by the engine
	elapsed   float64 // simulated milliseconds consumed since installation
	remaining float64 // milliseconds left in the outstanding grant
	lastChunk float64 // size of the most recent sub-grant

	state    clockState
	stopping bool
}

// ClockOption configures a VirtualClock.
type ClockOption func(*VirtualClock)

// WithAnimationFrameInterval sets the animation-frame cadence in
// milliseconds. Chunks never cross a multiple of this interval.
func WithAnimationFrameInterval(ms float64) ClockOption {
	return func(c *VirtualClock) { c.intervalMs = ms }
}

// WithTimestampNudge sets the epsilon added to the time base after each
// capture. Must be greater than zero and smaller than the frame interval.
func WithTimestampNudge(ms float64) ClockOption {
	return func(c *VirtualClock) { c.nudgeMs = ms }
}

// WithMaxTaskStarvation sets the task starvation ceiling passed to the
// engine with every chunk.
func WithMaxTaskStarvation(count int64) ClockOption {
	return func(c *VirtualClock) { c.maxStarvation = count }
}

// NewVirtualClock creates an uninstalled virtual clock driving the engine.
func NewVirtualClock(engine TimeEngine, logger *log.Logger, opts ...ClockOption) *VirtualClock {
	c := &VirtualClock{
		engine:        engine,
		logger:        logger,
		intervalMs:    DefaultAnimationFrameIntervalMs,
		nudgeMs:       DefaultTimestampNudgeMs,
		maxStarvation: DefaultMaxTaskStarvationCount,
		state:         clockUninstalled,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install pauses the engine's clock at initialVirtualTimeMs, records the
// acknowledged time base, forces one full frame render so the first
// visible frame is complete, and issues the first chunk of the initial
// budget. It returns before that budget expires: the caller is expected
// to start navigation now and call AwaitExpiry afterwards, so page load
// happens under the paused minimal budget with no animation time elapsing.
func (c *VirtualClock) Install(ctx context.Context, budgetMs, initialVirtualTimeMs float64) error {
	if c.state != clockUninstalled {
		return ErrClockInstalled
	}

	base, err := c.engine.PauseClock(ctx, initialVirtualTimeMs)
	if err != nil {
		return err
	}
	c.timeBase = base
	c.logger.Debugf("clock", "installed, time base %f ms", base)

	// Force a full, non-elided render so the first captured frame never
	// starts from a partially rasterized page.
	if _, err := c.engine.RenderFrame(ctx, FrameRequest{
		FrameTimeMs: c.timeBase,
		IntervalMs:  c.intervalMs,
	}); err != nil {
		return err
	}

	c.remaining = budgetMs
	c.state = clockChunking
	return c.issueChunk(ctx)
}

// Advance grants a budget of budgetMs and blocks until the engine has
// consumed it fully, returning the cumulative elapsed simulated time.
func (c *VirtualClock) Advance(ctx context.Context, budgetMs float64) (float64, error) {
	switch c.state {
	case clockUninstalled:
		return 0, ErrClockNotInstalled
	case clockChunking:
		return 0, ErrBudgetOutstanding
	case clockStopped:
		return 0, ErrClockStopped
	}
	if budgetMs <= 0 {
		return c.elapsed, nil
	}

	c.remaining = budgetMs
	c.state = clockChunking
	if err := c.issueChunk(ctx); err != nil {
		return 0, err
	}
	return c.AwaitExpiry(ctx)
}

// AwaitExpiry drives the outstanding grant's chunking loop to completion
// and returns the cumulative elapsed simulated time. Expiry signals are
// processed strictly in chunk-issue order; the protocol guarantees at
// most one expiry per outstanding chunk.
func (c *VirtualClock) AwaitExpiry(ctx context.Context) (float64, error) {
	if c.state != clockChunking {
		return 0, ErrNoBudgetOutstanding
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.engine.Expired():
		}

		c.elapsed += c.lastChunk
		c.remaining -= c.lastChunk
		c.logger.Tracef("clock", "chunk of %f ms expired, elapsed %f ms, remaining %f ms",
			c.lastChunk, c.elapsed, c.remaining)

		if c.stopping {
			c.remaining = 0
		}
		if c.remaining <= boundaryTolerance {
			c.remaining = 0
			if c.stopping {
				c.state = clockStopped
			} else {
				c.state = clockIdle
			}
			return c.elapsed, nil
		}

		// An intermediate chunk always ends on an animation-frame
		// boundary. Tick the renderer's animation clock there without
		// producing an observable frame. The very first tick after
		// installation is skipped: installation already rendered it.
		if c.onBoundary() && c.elapsed != c.lastChunk {
			if _, err := c.engine.RenderFrame(ctx, FrameRequest{
				FrameTimeMs:      c.CurrentFrameTime(),
				IntervalMs:       c.intervalMs,
				NoDisplayUpdates: true,
			}); err != nil {
				return 0, err
			}
		}

		if err := c.issueChunk(ctx); err != nil {
			return 0, err
		}
	}
}

// issueChunk submits the next sub-grant; its size is the distance to the
// next animation-frame boundary, capped by the remaining budget, so no
// chunk ever crosses a boundary.
func (c *VirtualClock) issueChunk(ctx context.Context) error {
	distance := c.intervalMs - math.Mod(c.elapsed, c.intervalMs)
	chunk := math.Min(distance, c.remaining)
	c.lastChunk = chunk

	return c.engine.GrantBudget(ctx, BudgetRequest{
		BudgetMs:               chunk,
		MaxTaskStarvationCount: c.maxStarvation,
		WaitForNavigation:      c.elapsed == 0,
	})
}

func (c *VirtualClock) onBoundary() bool {
	m := math.Mod(c.elapsed, c.intervalMs)
	return m < boundaryTolerance || c.intervalMs-m < boundaryTolerance
}

// CaptureFrame renders a frame at the clock's current simulated timestamp
// with an embedded pixel capture and returns the raw pixel bytes. After
// the render, the time base is nudged by a small epsilon so the next
// capture never presents the same timestamp to the engine; the nudge is
// not part of the semantic budget and is excluded from ElapsedTime.
func (c *VirtualClock) CaptureFrame(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if c.state == clockUninstalled {
		return nil, ErrClockNotInstalled
	}

	data, err := c.engine.RenderFrame(ctx, FrameRequest{
		FrameTimeMs: c.CurrentFrameTime(),
		IntervalMs:  c.intervalMs,
		Screenshot:  &opts,
	})
	if err != nil {
		return nil, err
	}
	c.timeBase += c.nudgeMs

	return data, nil
}

// CurrentFrameTime returns the simulated timestamp the next frame render
// will carry, in milliseconds.
func (c *VirtualClock) CurrentFrameTime() float64 {
	return c.timeBase + c.elapsed
}

// ElapsedTime returns the simulated milliseconds consumed since
// installation.
func (c *VirtualClock) ElapsedTime() float64 {
	return c.elapsed
}

// StopGracefully prevents any further chunk from being scheduled. An
// in-flight chunk still completes and AwaitExpiry returns with whatever
// time had already elapsed. Calling it when no grant is outstanding, or
// repeatedly, has no further effect.
func (c *VirtualClock) StopGracefully() {
	switch c.state {
	case clockChunking:
		c.stopping = true
		c.remaining = 0
	case clockIdle:
		c.state = clockStopped
	}
	c.logger.Debugf("clock", "graceful stop requested at %f ms elapsed", c.elapsed)
}
