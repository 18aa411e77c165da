package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/headlessexperimental"
	"github.com/chromedp/cdproto/inspector"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson/jwriter"

	"github.com/rustyconover/deterministic-screenshots-chromium/common"
	"github.com/rustyconover/deterministic-screenshots-chromium/log"
)

// ErrNoScreenshotData is returned when the engine acknowledges a frame
// render but carries no pixel data for the embedded capture request.
var ErrNoScreenshotData = errors.New("render reply carried no screenshot data")

// setVirtualTimePolicyParams is marshaled by hand instead of going through
// the generated cdproto params: the waitForNavigation flag was dropped from
// the modern protocol definition, but headless builds still accept it, and
// unknown optional params are ignored otherwise.
type setVirtualTimePolicyParams struct {
	policy            emulation.VirtualTimePolicy
	budgetMs          float64
	maxStarvation     int64
	initialTimeMs     float64
	waitForNavigation bool
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (p setVirtualTimePolicyParams) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	w.RawString(`"policy":`)
	w.String(string(p.policy))
	if p.budgetMs > 0 {
		w.RawString(`,"budget":`)
		w.Float64(p.budgetMs)
	}
	if p.maxStarvation > 0 {
		w.RawString(`,"maxVirtualTimeTaskStarvationCount":`)
		w.Int64(p.maxStarvation)
	}
	if p.initialTimeMs > 0 {
		// TimeSinceEpoch is in seconds on the wire.
		w.RawString(`,"initialVirtualTime":`)
		w.Float64(p.initialTimeMs / 1000)
	}
	if p.waitForNavigation {
		w.RawString(`,"waitForNavigation":true`)
	}
	w.RawByte('}')
}

// MarshalJSON satisfies json.Marshaler.
func (p setVirtualTimePolicyParams) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	p.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// Ensure the CDP adapters satisfy the engine seams.
var _ TimeEngine = &CDPTimeEngine{}
var _ PageController = &CDPPage{}

// cdpSession is the slice of common.Session the adapters use. Tests
// substitute a fake.
type cdpSession interface {
	cdp.Executor
	On(ctx context.Context, events []string, ch chan common.Event)
	MarkAsCrashed()
}

var _ cdpSession = &common.Session{}

// CDPTimeEngine implements TimeEngine on a CDP session using the
// Emulation and HeadlessExperimental domains.
type CDPTimeEngine struct {
	session cdpSession
	logger  *log.Logger
	expired chan struct{}
}

// NewCDPTimeEngine creates the engine and subscribes to budget expiry
// events before any grant can be issued.
func NewCDPTimeEngine(ctx context.Context, session cdpSession, logger *log.Logger) *CDPTimeEngine {
	e := &CDPTimeEngine{
		session: session,
		logger:  logger,
		expired: make(chan struct{}, 1),
	}

	evCh := make(chan common.Event)
	session.On(ctx, []string{cdproto.EventEmulationVirtualTimeBudgetExpired}, evCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-evCh:
				select {
				case e.expired <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return e
}

// PauseClock pauses virtual time at the given initial value and returns
// the renderer's acknowledged virtual time ticks base in milliseconds.
func (e *CDPTimeEngine) PauseClock(ctx context.Context, initialVirtualTimeMs float64) (float64, error) {
	params := setVirtualTimePolicyParams{
		policy:        emulation.VirtualTimePolicyPause,
		initialTimeMs: initialVirtualTimeMs,
	}
	res := new(emulation.SetVirtualTimePolicyReturns)
	if err := e.session.Execute(ctx, emulation.CommandSetVirtualTimePolicy, params, res); err != nil {
		return 0, fmt.Errorf("pausing virtual time: %w", err)
	}
	return res.VirtualTimeTicksBase, nil
}

// GrantBudget issues one chunk-sized budget grant.
func (e *CDPTimeEngine) GrantBudget(ctx context.Context, req BudgetRequest) error {
	params := setVirtualTimePolicyParams{
		policy:            emulation.VirtualTimePolicyPauseIfNetworkFetchesPending,
		budgetMs:          req.BudgetMs,
		maxStarvation:     req.MaxTaskStarvationCount,
		waitForNavigation: req.WaitForNavigation,
	}
	e.logger.Tracef("cdp:vtime", "granting %f ms (waitForNavigation=%t)", req.BudgetMs, req.WaitForNavigation)
	if err := e.session.Execute(ctx, emulation.CommandSetVirtualTimePolicy, params, nil); err != nil {
		return fmt.Errorf("granting virtual time budget: %w", err)
	}
	return nil
}

// RenderFrame issues a BeginFrame at the requested simulated timestamp,
// optionally with an embedded screenshot.
func (e *CDPTimeEngine) RenderFrame(ctx context.Context, req FrameRequest) ([]byte, error) {
	action := headlessexperimental.BeginFrame().
		WithFrameTimeTicks(req.FrameTimeMs).
		WithInterval(req.IntervalMs)
	if req.NoDisplayUpdates {
		action = action.WithNoDisplayUpdates(true)
	}
	if req.Screenshot != nil {
		shot := &headlessexperimental.ScreenshotParams{
			Format: headlessexperimental.ScreenshotParamsFormatPng,
		}
		if req.Screenshot.Format == ImageFormatJPEG {
			shot.Format = headlessexperimental.ScreenshotParamsFormatJpeg
			shot.Quality = req.Screenshot.Quality
		}
		action = action.WithScreenshot(shot)
	}

	hasDamage, data, err := action.Do(cdp.WithExecutor(ctx, e.session))
	if err != nil {
		return nil, fmt.Errorf("rendering frame at %f ms: %w", req.FrameTimeMs, err)
	}
	e.logger.Tracef("cdp:frame", "rendered frame at %f ms (damage=%t, %d bytes)",
		req.FrameTimeMs, hasDamage, len(data))

	if req.Screenshot != nil && len(data) == 0 {
		return nil, ErrNoScreenshotData
	}
	return data, nil
}

// Expired delivers one signal per granted budget, in grant order.
func (e *CDPTimeEngine) Expired() <-chan struct{} {
	return e.expired
}

// CDPPage implements PageController on a CDP session.
type CDPPage struct {
	session cdpSession
	logger  *log.Logger
	loadCh  chan common.Event
}

// NewCDPPage creates a page controller for the session.
func NewCDPPage(session cdpSession, logger *log.Logger) *CDPPage {
	return &CDPPage{session: session, logger: logger}
}

// AttachSession creates a blank page target and attaches a session to it.
func AttachSession(ctx context.Context, conn *common.Connection) (*common.Session, error) {
	tid, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, conn))
	if err != nil {
		return nil, fmt.Errorf("creating page target: %w", err)
	}
	session, err := conn.CreateSession(tid)
	if err != nil {
		return nil, fmt.Errorf("attaching to page target: %w", err)
	}
	if session == nil {
		return nil, errors.New("no session created for page target")
	}
	return session, nil
}

// Setup enables the Page and Runtime domains, applies the viewport, and
// starts routing page script errors to the log. Must be called before
// Navigate.
func (p *CDPPage) Setup(ctx context.Context, width, height int64) error {
	executor := cdp.WithExecutor(ctx, p.session)

	if err := cdppage.Enable().Do(executor); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}
	if err := cdpruntime.Enable().Do(executor); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(executor); err != nil {
		return fmt.Errorf("overriding device metrics: %w", err)
	}

	p.loadCh = make(chan common.Event, 1)
	p.session.On(ctx, []string{cdproto.EventPageLoadEventFired}, p.loadCh)

	evCh := make(chan common.Event)
	p.session.On(ctx, []string{
		cdproto.EventRuntimeExceptionThrown,
		cdproto.EventInspectorTargetCrashed,
	}, evCh)
	go p.handlePageEvents(ctx, evCh)

	return nil
}

// handlePageEvents logs page script failures. Capture is best-effort
// resilient to them: the goal is visual fidelity, not page correctness.
func (p *CDPPage) handlePageEvents(ctx context.Context, evCh chan common.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evCh:
			switch data := ev.Data.(type) {
			case *cdpruntime.EventExceptionThrown:
				d := data.ExceptionDetails
				desc := d.Text
				if d.Exception != nil && d.Exception.Description != "" {
					desc = d.Exception.Description
				}
				p.logger.Warnf("page", "uncaught exception at %s:%d: %s", d.URL, d.LineNumber, desc)
			case *inspector.EventTargetCrashed:
				p.logger.Errorf("page", "page target crashed")
				p.session.MarkAsCrashed()
			}
		}
	}
}

// Navigate starts navigation to the url.
func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	_, _, errorText, err := cdppage.Navigate(url).Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigating to %q: %s", url, errorText)
	}
	return nil
}

// AwaitLoad blocks until the page's load event has fired.
func (p *CDPPage) AwaitLoad(ctx context.Context) error {
	select {
	case <-p.loadCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for page load: %w", ctx.Err())
	}
}
