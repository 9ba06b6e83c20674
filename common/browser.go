package common

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/ProfFahad/stealthwright/log"
)

// Ensure Browser implements the EventEmitter interface.
var _ EventEmitter = &Browser{}

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

/*
Browser is the root handle on a running browser: it owns the channel, the
context registry and the page registry.

The browser starts with one blank page target. That target is consumed by
the first page created on the default context instead of opening a fresh
tab; every later page creation spawns a new target. Closing a context closes
the pages it owns first, then disposes the context; closing the browser
closes the contexts, then the channel, then the process.
*/
type Browser struct {
	BaseEventEmitter

	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	browserProc *BrowserProcess
	launchOpts  *LaunchOptions

	conn      *Connection
	connMu    sync.RWMutex
	connected bool

	contextsMu     sync.RWMutex
	contexts       map[cdp.BrowserContextID]*BrowserContext
	defaultContext *BrowserContext

	// The pre-existing blank target, consumed by the first page created on
	// the default context. Guarded by initialTargetMu; nil once used.
	initialTargetMu sync.Mutex
	initialTarget   *target.Info

	evCancelFn context.CancelFunc

	pagesMu sync.RWMutex
	pages   map[target.ID]*Page

	timeouts *TimeoutSettings
	logger   *log.Logger
}

// NewBrowser attaches to the browser behind wsURL and initializes the
// default context and the target registry. browserProc may be nil when
// attaching to a browser this process did not launch.
func NewBrowser(
	ctx context.Context, cancelFn context.CancelFunc, browserProc *BrowserProcess,
	wsURL string, launchOpts *LaunchOptions, logger *log.Logger,
) (*Browser, error) {
	ts := NewTimeoutSettings(nil)
	if launchOpts.Timeout > 0 {
		ts.setDefaultTimeout(launchOpts.Timeout)
	}

	b := Browser{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cancelFn:         cancelFn,
		state:            BrowserStateOpen,
		browserProc:      browserProc,
		launchOpts:       launchOpts,
		contexts:         make(map[cdp.BrowserContextID]*BrowserContext),
		pages:            make(map[target.ID]*Page),
		timeouts:         ts,
		logger:           logger,
	}

	var err error
	if b.conn, err = NewConnection(ctx, wsURL, logger, ts); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	b.connected = true
	b.defaultContext = NewBrowserContext(ctx, &b, "", logger)

	if err := b.initEvents(); err != nil {
		return nil, err
	}
	if err := b.findInitialTarget(); err != nil {
		return nil, err
	}

	return &b, nil
}

// findInitialTarget records the blank page target the browser opened on
// startup so the first created page can reuse it.
func (b *Browser) findInitialTarget() error {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return fmt.Errorf("listing initial targets: %w", err)
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if info.URL == BlankPage || info.URL == "" {
			b.initialTargetMu.Lock()
			b.initialTarget = info
			b.initialTargetMu.Unlock()
			return nil
		}
	}
	return nil
}

func (b *Browser) initEvents() error {
	var cancelCtx context.Context
	cancelCtx, b.evCancelFn = context.WithCancel(b.ctx)
	chHandler := make(chan Event)

	b.conn.on(cancelCtx, []string{
		cdproto.EventTargetDetachedFromTarget,
		EventConnectionClose,
	}, chHandler)

	go func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case event := <-chHandler:
				if ev, ok := event.data.(*target.EventDetachedFromTarget); ok {
					b.onDetachedFromTarget(ev)
				} else if event.typ == EventConnectionClose {
					b.connMu.Lock()
					b.connected = false
					b.connMu.Unlock()
					if b.browserProc != nil {
						b.browserProc.didLoseConnection()
					}
					b.emit(EventBrowserDisconnected, nil)
				}
			}
		}
	}()

	return nil
}

func (b *Browser) onDetachedFromTarget(ev *target.EventDetachedFromTarget) {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	for tid, p := range b.pages {
		if p.session.ID() == ev.SessionID {
			delete(b.pages, tid)
			p.didClose()
			return
		}
	}
}

// newPageInContext creates a page in the given context. The first page on
// the default context adopts the browser's startup blank target; all other
// calls create a fresh target.
func (b *Browser) newPageInContext(bctx *BrowserContext) (*Page, error) {
	info := b.takeInitialTarget(bctx)

	var tid target.ID
	if info != nil {
		tid = info.TargetID
	} else {
		action := target.CreateTarget(BlankPage).WithBrowserContextID(bctx.id)
		var err error
		if tid, err = action.Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
			return nil, fmt.Errorf("creating page target: %w", err)
		}
	}

	sess, err := b.conn.createSession(&target.Info{TargetID: tid})
	if err != nil {
		return nil, err
	}

	p, err := NewPage(b.ctx, sess, bctx, tid, b.logger)
	if err != nil {
		return nil, err
	}

	// Pages behind an authenticating proxy negotiate challenges from the
	// start; without credentials the first challenge would stall the page.
	if creds := b.launchOpts.Proxy.Credentials(); !creds.IsEmpty() {
		if err := p.Authenticate(creds); err != nil {
			return nil, fmt.Errorf("activating proxy authentication: %w", err)
		}
	}

	b.pagesMu.Lock()
	b.pages[tid] = p
	b.pagesMu.Unlock()
	bctx.addPage(p)

	return p, nil
}

// takeInitialTarget returns the startup blank target exactly once, and only
// for the default context.
func (b *Browser) takeInitialTarget(bctx *BrowserContext) *target.Info {
	if bctx != b.defaultContext {
		return nil
	}
	b.initialTargetMu.Lock()
	defer b.initialTargetMu.Unlock()
	info := b.initialTarget
	b.initialTarget = nil
	return info
}

func (b *Browser) closePageTarget(p *Page) error {
	action := target.CloseTarget(p.targetID)
	if err := action.Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("closing target %s: %w", p.targetID, err)
	}
	b.pagesMu.Lock()
	delete(b.pages, p.targetID)
	b.pagesMu.Unlock()
	return nil
}

func (b *Browser) disposeContext(id cdp.BrowserContextID) error {
	b.logger.Debugf("Browser:disposeContext", "bctxid:%v", id)
	action := target.DisposeBrowserContext(id)
	if err := action.Do(cdp.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("disposing browser context %s: %w", id, err)
	}
	b.contextsMu.Lock()
	delete(b.contexts, id)
	b.contextsMu.Unlock()
	return nil
}

// NewContext creates a new incognito-like browser context.
func (b *Browser) NewContext() (*BrowserContext, error) {
	if !b.IsConnected() {
		return nil, fmt.Errorf("creating context: %w", ErrClosed)
	}
	action := target.CreateBrowserContext().WithDisposeOnDetach(true)
	id, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	bctx := NewBrowserContext(b.ctx, b, id, b.logger)
	b.contextsMu.Lock()
	b.contexts[id] = bctx
	b.contextsMu.Unlock()

	return bctx, nil
}

// NewPage creates a page on the default context.
func (b *Browser) NewPage() (*Page, error) {
	if !b.IsConnected() {
		return nil, fmt.Errorf("creating page: %w", ErrClosed)
	}
	return b.newPageInContext(b.defaultContext)
}

// DefaultContext returns the context the browser starts with.
func (b *Browser) DefaultContext() *BrowserContext {
	return b.defaultContext
}

// Contexts returns the explicitly created browser contexts.
func (b *Browser) Contexts() []*BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()
	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, bctx := range b.contexts {
		contexts = append(contexts, bctx)
	}
	return contexts
}

// IsConnected reports whether the channel to the browser is open.
func (b *Browser) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected
}

// Close shuts the browser down: contexts first, then the browser itself,
// then the channel. Teardown past the first failure is best effort.
func (b *Browser) Close() {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:Close", "already closing")
		return
	}
	b.logger.Debugf("Browser:Close", "")

	if b.browserProc != nil {
		b.browserProc.GracefulClose()
		defer b.browserProc.Terminate()
	}

	for _, bctx := range b.Contexts() {
		if err := bctx.Close(); err != nil {
			b.logger.Debugf("Browser:Close", "closing context: %v", err)
		}
	}
	if err := b.defaultContext.closePages(); err != nil {
		b.logger.Debugf("Browser:Close", "closing default context pages: %v", err)
	}

	var evCh chan any
	if b.IsConnected() {
		var evCancel context.CancelFunc
		evCh, evCancel = createWaitForEventHandler(b.ctx, b, []string{EventBrowserDisconnected}, nil)
		defer evCancel()
	}

	// The browser may exit before the reply makes it back, so do not wait
	// for one.
	if err := b.conn.ExecuteWithoutExpectationOnReply(b.ctx, cdproto.CommandBrowserClose, nil, nil); err != nil {
		b.logger.Debugf("Browser:Close", "closing browser: %v", err)
	}

	// Give the browser a chance to drop the channel itself before forcing
	// it shut.
	if evCh != nil {
		select {
		case <-evCh:
		case <-time.After(browserCloseTimeout):
			b.logger.Debugf("Browser:Close", "timed out waiting for the browser to disconnect")
		}
	}
	b.conn.Close()

	atomic.StoreInt64(&b.state, BrowserStateClosed)
}

// UserAgent returns the controlled browser's user agent string.
func (b *Browser) UserAgent() (string, error) {
	action := cdpbrowser.GetVersion()
	_, _, _, ua, _, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting user agent: %w", err)
	}
	return ua, nil
}

// Version returns the controlled browser's version.
func (b *Browser) Version() (string, error) {
	action := cdpbrowser.GetVersion()
	_, product, _, _, _, err := action.Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting version: %w", err)
	}
	if i := strings.Index(product, "/"); i != -1 {
		return product[i+1:], nil
	}
	return product, nil
}
