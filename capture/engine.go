// Package capture implements deterministic, virtual-time-driven frame
// capture from a remote rendering engine.
//
// The virtual clock owns a simulated time base that advances only through
// explicit budget grants, so every captured frame corresponds to an exact,
// reproducible point on the simulated timeline no matter how fast or slow
// the real machine renders.
package capture

import "context"

// ImageFormat is the pixel format of captured frames.
type ImageFormat string

const (
	// ImageFormatJPEG captures frames as JPEG.
	ImageFormatJPEG ImageFormat = "jpeg"
	// ImageFormatPNG captures frames as PNG.
	ImageFormatPNG ImageFormat = "png"
)

// Ext returns the file extension used for frame files of this format.
func (f ImageFormat) Ext() string {
	if f == ImageFormatJPEG {
		return "jpg"
	}
	return "png"
}

// ParseImageFormat maps user-facing format names to an ImageFormat.
func ParseImageFormat(s string) (ImageFormat, bool) {
	switch s {
	case "jpeg", "jpg":
		return ImageFormatJPEG, true
	case "png":
		return ImageFormatPNG, true
	}
	return "", false
}

// ScreenshotOptions describes the pixel capture embedded in a frame render.
type ScreenshotOptions struct {
	Format  ImageFormat
	Quality int64 // JPEG only, 0-100
}

// FrameRequest is a single render request to the engine, tagged with the
// simulated timestamp the frame belongs to.
type FrameRequest struct {
	// FrameTimeMs is the simulated timestamp of the frame in milliseconds.
	FrameTimeMs float64
	// IntervalMs is the display interval reported to the renderer.
	IntervalMs float64
	// NoDisplayUpdates suppresses the visible display update; used for
	// animation ticks at frame boundaries between captures.
	NoDisplayUpdates bool
	// Screenshot, when non-nil, requests pixel data for this frame.
	Screenshot *ScreenshotOptions
}

// BudgetRequest asks the engine to advance virtual time by BudgetMs and
// then pause and signal exhaustion.
type BudgetRequest struct {
	BudgetMs float64
	// MaxTaskStarvationCount bounds the number of tasks the engine may run
	// back-to-back before virtual time is forced forward, guaranteeing
	// progress on pages that schedule unbounded pending work.
	MaxTaskStarvationCount int64
	// WaitForNavigation defers the budget countdown until the pending
	// navigation commits. Set only on the very first chunk.
	WaitForNavigation bool
}

// TimeEngine is the protocol boundary the virtual clock drives. The CDP
// implementation lives in cdp.go; tests substitute a fake.
type TimeEngine interface {
	// PauseClock pauses the engine's virtual time at the given initial
	// value and returns the engine's acknowledged time base in
	// milliseconds. Called exactly once, before any budget grant.
	PauseClock(ctx context.Context, initialVirtualTimeMs float64) (timeBaseMs float64, err error)

	// GrantBudget issues one budget grant. The engine signals exhaustion
	// asynchronously on the Expired channel, at most once per grant.
	GrantBudget(ctx context.Context, req BudgetRequest) error

	// RenderFrame renders one frame at the requested simulated timestamp
	// and returns pixel data when a screenshot was requested.
	RenderFrame(ctx context.Context, req FrameRequest) ([]byte, error)

	// Expired delivers one signal per granted budget, in grant order.
	Expired() <-chan struct{}
}

// PageController is the page-level protocol boundary the recorder drives.
type PageController interface {
	// Setup enables the needed protocol domains, applies the viewport and
	// starts routing page script errors to the log.
	Setup(ctx context.Context, width, height int64) error

	// Navigate starts navigation to the url. The load signal is delivered
	// through AwaitLoad.
	Navigate(ctx context.Context, url string) error

	// AwaitLoad blocks until the page's load event has fired.
	AwaitLoad(ctx context.Context) error
}
