package capture

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyconover/deterministic-screenshots-chromium/common"
	"github.com/rustyconover/deterministic-screenshots-chromium/log"
	"github.com/rustyconover/deterministic-screenshots-chromium/storage"
)

// fakeSession implements cdpSession. Commands succeed with zero-valued
// results; subscriptions are recorded so tests can inject page events.
type fakeSession struct {
	mu       sync.Mutex
	executed []string
	handlers map[string]chan common.Event
	crashed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]chan common.Event)}
}

func (s *fakeSession) Execute(_ context.Context, method string, _ easyjson.Marshaler, _ easyjson.Unmarshaler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, method)
	return nil
}

func (s *fakeSession) On(_ context.Context, events []string, ch chan common.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.handlers[ev] = ch
	}
}

func (s *fakeSession) MarkAsCrashed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashed = true
}

func (s *fakeSession) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// handler returns the channel subscribed to the event, or nil.
func (s *fakeSession) handler(event string) chan common.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[event]
}

func (s *fakeSession) executedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func TestSetVirtualTimePolicyParamsMarshal(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		params setVirtualTimePolicyParams
		want   string
	}{
		{
			name: "pause with initial time",
			params: setVirtualTimePolicyParams{
				policy:        emulation.VirtualTimePolicyPause,
				initialTimeMs: 100000,
			},
			want: `{"policy":"pause","initialVirtualTime":100}`,
		},
		{
			name: "first grant waits for navigation",
			params: setVirtualTimePolicyParams{
				policy:            emulation.VirtualTimePolicyPauseIfNetworkFetchesPending,
				budgetMs:          16,
				maxStarvation:     1000,
				waitForNavigation: true,
			},
			want: `{"policy":"pauseIfNetworkFetchesPending","budget":16,` +
				`"maxVirtualTimeTaskStarvationCount":1000,"waitForNavigation":true}`,
		},
		{
			name: "subsequent grant",
			params: setVirtualTimePolicyParams{
				policy:        emulation.VirtualTimePolicyPauseIfNetworkFetchesPending,
				budgetMs:      8.5,
				maxStarvation: 1000,
			},
			want: `{"policy":"pauseIfNetworkFetchesPending","budget":8.5,` +
				`"maxVirtualTimeTaskStarvationCount":1000}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := tc.params.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestParseImageFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ImageFormat{
		"jpeg": ImageFormatJPEG,
		"jpg":  ImageFormatJPEG,
		"png":  ImageFormatPNG,
	} {
		got, ok := ParseImageFormat(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}

	_, ok := ParseImageFormat("webp")
	assert.False(t, ok)

	assert.Equal(t, "jpg", ImageFormatJPEG.Ext())
	assert.Equal(t, "png", ImageFormatPNG.Ext())
}

func TestRecorderSurvivesPageException(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ll := logrus.New()
	ll.SetOutput(io.Discard)
	hook := logrustest.NewLocal(ll)

	engine := newFakeEngine()
	sess := newFakeSession()
	page := NewCDPPage(sess, log.New(ll, nil))
	store := storage.NewFrameStore(afero.NewMemMapFs(), "/frames", "png")
	clock := NewVirtualClock(engine, log.NewNullLogger())
	rec := NewRecorder(clock, page, store, log.NewNullLogger(), RecorderOptions{
		TargetURL:       "https://example.com/anim.html",
		Width:           800,
		Height:          600,
		FrameIntervalMs: 1000,
		FrameCount:      3,
		Format:          ImageFormatPNG,
	})

	type recorded struct {
		result *SessionResult
		err    error
	}
	resCh := make(chan recorded, 1)
	go func() {
		result, err := rec.Record(ctx)
		resCh <- recorded{result, err}
	}()

	// Deliver the load event once the page has subscribed, then an
	// uncaught script exception while the capture loop runs.
	require.Eventually(t, func() bool {
		return sess.handler(cdproto.EventPageLoadEventFired) != nil
	}, time.Second, time.Millisecond)
	sess.handler(cdproto.EventPageLoadEventFired) <- common.Event{
		Typ: cdproto.EventPageLoadEventFired,
	}
	sess.handler(cdproto.EventRuntimeExceptionThrown) <- common.Event{
		Typ: cdproto.EventRuntimeExceptionThrown,
		Data: &cdpruntime.EventExceptionThrown{
			ExceptionDetails: &cdpruntime.ExceptionDetails{
				Text:       "Uncaught",
				URL:        "https://example.com/anim.html",
				LineNumber: 13,
				Exception: &cdpruntime.RemoteObject{
					Description: "ReferenceError: tick is not defined",
				},
			},
		},
	}

	var res recorded
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("capture session did not finish")
	}

	// The exception is logged; the capture loop still delivers every
	// requested frame.
	require.NoError(t, res.err)
	require.Len(t, res.result.Frames, 3)
	for i, f := range res.result.Frames {
		assert.Equal(t, i+1, f.SequenceNumber)
	}

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel &&
				strings.Contains(e.Message, "ReferenceError: tick is not defined") {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.False(t, sess.Crashed())
}

func TestPageTargetCrashMarksSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := newFakeSession()
	page := NewCDPPage(sess, log.NewNullLogger())
	require.NoError(t, page.Setup(ctx, 800, 600))
	assert.Contains(t, sess.executedMethods(), emulation.CommandSetDeviceMetricsOverride)

	sess.handler(cdproto.EventInspectorTargetCrashed) <- common.Event{
		Typ:  cdproto.EventInspectorTargetCrashed,
		Data: &inspector.EventTargetCrashed{},
	}

	require.Eventually(t, sess.Crashed, time.Second, time.Millisecond)
}
