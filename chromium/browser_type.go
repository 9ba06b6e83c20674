// Package chromium launches and attaches to Chromium-family browsers.
package chromium

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ProfFahad/stealthwright/common"
	"github.com/ProfFahad/stealthwright/log"
	"github.com/ProfFahad/stealthwright/storage"
)

// BrowserType launches a Chromium browser instance or connects to an
// existing one. It's the entry point for interacting with the browser.
type BrowserType struct {
	execPath string // path to the Chromium executable
}

// NewBrowserType returns a new Chromium browser type.
func NewBrowserType() *BrowserType {
	return &BrowserType{}
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

func (b *BrowserType) init(opts *common.LaunchOptions) (*common.LaunchOptions, *log.Logger, error) {
	if opts == nil {
		opts = common.NewLaunchOptions()
	}
	if err := opts.FromEnv(); err != nil {
		return nil, nil, err
	}

	logger, err := makeLogger(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logger: %w", err)
	}

	return opts, logger, nil
}

// Launch starts a new browser process and attaches to it through the HTTP
// discovery endpoint. A nil opts uses the defaults. On any failure after
// the process started, the process is torn down best effort.
func (b *BrowserType) Launch(ctx context.Context, opts *common.LaunchOptions) (*common.Browser, error) {
	opts, logger, err := b.init(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrLaunchFailed, err)
	}

	port, err := pickFreePort()
	if err != nil {
		return nil, fmt.Errorf("%w: picking a debugging port: %w", common.ErrLaunchFailed, err)
	}

	flags := prepareFlags(opts, port)

	dataDir := &storage.Dir{}
	if err := dataDir.Make("", flags["user-data-dir"]); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrLaunchFailed, err)
	}
	flags["user-data-dir"] = dataDir.Dir

	args, err := parseArgs(flags, opts.InitialURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrLaunchFailed, err)
	}

	path := opts.ExecutablePath
	if path == "" {
		path = b.ExecutablePath()
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no browser executable found in PATH", common.ErrLaunchFailed)
	}

	procCtx, procCancel := context.WithCancel(ctx)
	browserProc, err := common.NewBrowserProcess(procCtx, path, args, dataDir, procCancel, logger)
	if err != nil {
		procCancel()
		return nil, err
	}

	// No readiness handshake with the process; give it a fixed grace period
	// before the endpoint is polled.
	select {
	case <-time.After(opts.GracePeriod):
	case <-ctx.Done():
		browserProc.Terminate()
		return nil, ctx.Err()
	}

	wsURL, err := b.attach(ctx, port, opts, logger)
	if err != nil {
		browserProc.Terminate()
		if cerr := browserProc.Cleanup(); cerr != nil {
			logger.Errorf("BrowserType:Launch", "cleaning up after failed attach: %v", cerr)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrLaunchFailed, err)
	}

	browserCtx, browserCtxCancel := context.WithCancel(ctx)
	browser, err := common.NewBrowser(browserCtx, browserCtxCancel, browserProc, wsURL, opts, logger)
	if err != nil {
		browserProc.Terminate()
		browserCtxCancel()
		return nil, fmt.Errorf("%w: %w", common.ErrLaunchFailed, err)
	}

	return browser, nil
}

// Connect attaches to an already running browser over its DevTools
// WebSocket URL.
func (b *BrowserType) Connect(ctx context.Context, wsURL string, opts *common.LaunchOptions) (*common.Browser, error) {
	opts, logger, err := b.init(opts)
	if err != nil {
		return nil, err
	}

	browserCtx, browserCtxCancel := context.WithCancel(ctx)
	browser, err := common.NewBrowser(browserCtx, browserCtxCancel, nil, wsURL, opts, logger)
	if err != nil {
		browserCtxCancel()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return browser, nil
}

// attach polls the discovery endpoint until it lists a page target and
// returns that target's WebSocket URL. The retry budget is bounded; when it
// is exhausted the browser is considered unreachable.
func (b *BrowserType) attach(ctx context.Context, port int, opts *common.LaunchOptions, logger *log.Logger) (string, error) {
	discoveryURL := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)

	var lastErr error
	for attempt := 0; attempt < opts.AttachAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(opts.AttachInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		wsURL, err := queryDiscovery(ctx, discoveryURL)
		if err != nil {
			logger.Debugf("BrowserType:attach", "attempt %d: %v", attempt+1, err)
			lastErr = err
			continue
		}
		return wsURL, nil
	}

	return "", fmt.Errorf("%w: no page target at %s after %d attempts: %v",
		common.ErrConnectionFailed, discoveryURL, opts.AttachAttempts, lastErr)
}

// queryDiscovery fetches the target list once and picks the first page
// target.
func queryDiscovery(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("querying %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	targets := gjson.ParseBytes(body)
	if !targets.IsArray() {
		return "", fmt.Errorf("querying %s: malformed target list", url)
	}

	var wsURL string
	targets.ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "page" {
			return true
		}
		wsURL = t.Get("webSocketDebuggerUrl").String()
		return false
	})
	if wsURL == "" {
		return "", fmt.Errorf("no page target listed at %s", url)
	}
	return wsURL, nil
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close() //nolint:errcheck
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %q", l.Addr())
	}
	return addr.Port, nil
}

// ExecutablePath returns the path where we expect to find the browser
// executable.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

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

// parseArgs builds the command line argument list from the flag map. The
// initial URL goes last as the positional argument; empty means a blank page.
func parseArgs(flags map[string]any, initialURL string) ([]string, error) {
	var args []string
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	if initialURL == "" {
		// Force the first page to be blank instead of the welcome page;
		// --no-first-run doesn't enforce that.
		initialURL = common.BlankPage
	}
	args = append(args, initialURL)

	return args, nil
}

// prepareFlags computes the browser flags from the launch options.
func prepareFlags(lopts *common.LaunchOptions, debugPort int) map[string]any {
	// After Puppeteer's and Playwright's default behavior.
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

		"no-default-browser-check":    true,
		"headless":                    lopts.Headless,
		"auto-open-devtools-for-tabs": lopts.Devtools,
		"window-size":                 fmt.Sprintf("%d,%d", 800, 600),
		"remote-debugging-port":       strconv.Itoa(debugPort),
		"user-data-dir":               lopts.DataDir,
	}
	if lopts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	if lopts.IgnoreTLSErrors {
		f["ignore-certificate-errors"] = true
	}
	if lopts.Proxy.Server != "" {
		f["proxy-server"] = lopts.Proxy.Server
		if lopts.Proxy.Bypass != "" {
			f["proxy-bypass-list"] = lopts.Proxy.Bypass
		}
	}
	ignoreDefaultArgsFlags(f, lopts.IgnoreDefaultArgs)
	setFlagsFromArgs(f, lopts.Args)

	return f
}

// ignoreDefaultArgsFlags drops any flags named in toIgnore.
func ignoreDefaultArgsFlags(flags map[string]any, toIgnore []string) {
	for _, name := range toIgnore {
		delete(flags, strings.TrimPrefix(name, "--"))
	}
}

// setFlagsFromArgs fills flags by parsing the "arg=value" pairs given in
// the launch options.
func setFlagsFromArgs(flags map[string]any, args []string) {
	var argname, argval string
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		argname, argval = strings.TrimSpace(strings.TrimPrefix(pair[0], "--")), ""
		if len(pair) > 1 {
			argval = common.TrimQuotes(strings.TrimSpace(pair[1]))
		}
		flags[argname] = argval
	}
}

// makeLogger builds the module wide logger from the launch options and the
// environment.
func makeLogger(opts *common.LaunchOptions) (*log.Logger, error) {
	logger := log.New(logrus.New(), nil)

	if err := logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
		return nil, err
	}
	if opts.Debug {
		_ = logger.SetLevel("debug")
	}
	if el, ok := os.LookupEnv("STEALTHWRIGHT_LOG"); ok {
		if logger.SetLevel(el) != nil {
			return nil, fmt.Errorf(
				"invalid log level %q, should be one of: panic, fatal, error, warn, warning, info, debug, trace", el)
		}
	}
	if _, ok := os.LookupEnv("STEALTHWRIGHT_CALLER"); ok {
		logger.ReportCaller()
	}

	return logger, nil
}
