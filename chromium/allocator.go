// Package chromium finds, launches and supervises a Chromium browser
// process whose DevTools endpoint drives the capture session.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rustyconover/deterministic-screenshots-chromium/log"
	"github.com/rustyconover/deterministic-screenshots-chromium/storage"
)

// ErrBrowserNotFound is returned when no Chromium executable can be
// located. This is surfaced before any session state is created.
var ErrBrowserNotFound = errors.New("no chromium executable found in PATH, set --chrome-path")

// Allocator provides facilities for finding, running, and interacting with a Chromium browser.
type Allocator struct {
	execPath  string         // path to the Chromium executable
	initFlags map[string]any // CLI flags to pass to the Chromium executable
	initEnv   []string       // environment variables to pass to the Chromium executable
	storage   *storage.Dir   // stores the browser's user data

	logger *log.Logger
}

// NewAllocator returns a new Allocator. An explicit execPath overrides
// PATH discovery; an empty one triggers the lookup.
func NewAllocator(execPath string, flags map[string]any, env []string, logger *log.Logger) (*Allocator, error) {
	if execPath == "" {
		execPath = findExecPath()
	}
	if execPath == "" {
		return nil, ErrBrowserNotFound
	}
	if _, err := exec.LookPath(execPath); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBrowserNotFound, execPath)
	}
	return &Allocator{
		execPath:  execPath,
		initFlags: flags,
		initEnv:   env,
		storage:   &storage.Dir{},
		logger:    logger,
	}, nil
}

// Allocate starts a new Chromium browser process and returns it.
func (a *Allocator) Allocate(ctx context.Context, timeout time.Duration) (_ *BrowserProcess, rerr error) {
	args, err := a.prepareArgs()
	if err != nil {
		return nil, fmt.Errorf("cannot prepare args: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if rerr != nil {
			cancel()
			if err := a.storage.Cleanup(); err != nil {
				a.logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
		}
	}()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	return newBrowserProcess(ctx, ctxTimeout, a.execPath, args, a.initEnv, a.storage, cancel, a.logger)
}

// prepareArgs finalizes the user data directory and renders the flag map
// into command-line arguments.
func (a *Allocator) prepareArgs() ([]string, error) {
	userDataDir, _ := a.initFlags["user-data-dir"].(string)
	if err := a.storage.Make("", userDataDir); err != nil {
		return nil, fmt.Errorf("cannot make user data directory: %w", err)
	}
	a.initFlags["user-data-dir"] = a.storage.Dir

	return a.parseArgs()
}

// parseArgs parses command-line arguments and returns them.
func (a *Allocator) parseArgs() ([]string, error) {
	var args []string
	for name, value := range a.initFlags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, errors.New("invalid browser command line flag")
		}
	}
	if _, ok := a.initFlags["no-sandbox"]; !ok && os.Getuid() == 0 {
		// Running as root, for example in a Linux container. Chromium
		// needs --no-sandbox when running as root, so make that the
		// default, unless the user set "no-sandbox": false.
		args = append(args, "--no-sandbox")
	}
	if _, ok := a.initFlags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	args = append(args, "about:blank")
	return args, nil
}

// PrepareFlags returns the Chromium flag set for a deterministic capture
// session. The base table follows Puppeteer's and Playwright's defaults;
// the capture extras keep the compositor from short-cutting frame
// production, which BeginFrame-driven screenshots rely on.
func PrepareFlags(width, height int64, extra map[string]any) map[string]any {
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,
		"no-default-browser-check":        true,

		"headless":        true,
		"hide-scrollbars": true,
		"mute-audio":      true,
		"window-size":     fmt.Sprintf("%d,%d", width, height),

		// Deterministic rendering under virtual time.
		"run-all-compositor-stages-before-draw": true,
		"disable-new-content-rendering-timeout": true,
		"disable-threaded-animation":            true,
		"disable-threaded-scrolling":            true,
		"disable-checker-imaging":               true,
	}
	for name, value := range extra {
		f[name] = value
	}
	return f
}

// findExecPath finds the path to the Chromium executable and returns it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}
