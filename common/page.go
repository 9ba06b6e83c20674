package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/ProfFahad/stealthwright/log"
	"github.com/ProfFahad/stealthwright/storage"
)

// Ensure Page implements the EventEmitter interface.
var _ EventEmitter = &Page{}

// BindingFunc handles a call made from the page to an exposed binding. The
// payload is the string argument the page passed.
type BindingFunc func(payload string)

// Page drives one page target over its own session. It holds only what its
// operations need: the session handle, its timeout chain and its binding
// table. The owning context and browser are reached through explicit
// fields, not embedding.
type Page struct {
	BaseEventEmitter

	ctx            context.Context
	session        *Session
	browserContext *BrowserContext
	targetID       target.ID

	timeouts  *TimeoutSettings
	logger    *log.Logger
	persister storage.FilePersister

	auth *AuthNegotiator

	// Exposed bindings, owned by this page and torn down on close.
	bindingsMu sync.Mutex
	bindings   map[string]BindingFunc

	closedMu sync.Mutex
	closed   bool
}

// NewPage attaches page-level domains on the session and returns the page.
func NewPage(
	ctx context.Context, sess *Session, bctx *BrowserContext,
	tid target.ID, logger *log.Logger,
) (*Page, error) {
	p := Page{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          sess,
		browserContext:   bctx,
		targetID:         tid,
		timeouts:         NewTimeoutSettings(bctx.timeouts),
		logger:           logger,
		persister:        &storage.LocalFilePersister{},
		bindings:         make(map[string]BindingFunc),
	}

	actions := []Action{cdppage.Enable(), runtime.Enable()}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return nil, fmt.Errorf("initializing page %T: %w", action, err)
		}
	}

	p.initEvents()

	return &p, nil
}

func (p *Page) initEvents() {
	ch := make(chan Event)
	p.session.on(p.ctx, []string{
		cdproto.EventRuntimeBindingCalled,
	}, ch)
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-p.session.Done():
				return
			case event := <-ch:
				if ev, ok := event.data.(*runtime.EventBindingCalled); ok {
					p.onBindingCalled(ev)
				}
			}
		}
	}()
}

// TargetID returns the page's target identifier.
func (p *Page) TargetID() target.ID { return p.targetID }

// Context returns the browser context owning this page.
func (p *Page) Context() *BrowserContext { return p.browserContext }

// SetDefaultTimeout sets the page's default operation timeout in
// milliseconds.
func (p *Page) SetDefaultTimeout(timeout int64) {
	p.timeouts.setDefaultTimeout(msToDuration(timeout))
}

// SetDefaultNavigationTimeout sets the page's default navigation timeout in
// milliseconds.
func (p *Page) SetDefaultNavigationTimeout(timeout int64) {
	p.timeouts.setDefaultNavigationTimeout(msToDuration(timeout))
}

// Navigate loads the URL and waits for the requested lifecycle mode.
func (p *Page) Navigate(url string, waitMode LifecycleEvent) error {
	if p.isClosed() {
		return fmt.Errorf("navigating to %q: %w", url, ErrClosed)
	}
	p.logger.Debugf("Page:Navigate", "url:%q mode:%s", url, waitMode)

	action := cdppage.Navigate(url)
	_, _, errorText, err := action.Do(cdp.WithExecutor(p.ctx, p.session))
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return p.WaitForNavigation(waitMode)
}

// WaitForNavigation waits until the document satisfies the lifecycle mode,
// bounded by the navigation timeout.
func (p *Page) WaitForNavigation(waitMode LifecycleEvent) error {
	if p.isClosed() {
		return fmt.Errorf("waiting for navigation: %w", ErrClosed)
	}
	return waitForLifecycle(p.ctx, p.session, waitMode, p.timeouts.navigationTimeout(), DefaultPollInterval)
}

// WaitForSelector waits until the selector satisfies the element state,
// bounded by the default timeout.
func (p *Page) WaitForSelector(selector string, state ElementState) error {
	if p.isClosed() {
		return fmt.Errorf("waiting for %q: %w", selector, ErrClosed)
	}
	return waitForElementState(p.ctx, p.session, selector, state, p.timeouts.timeout(), DefaultPollInterval)
}

// Evaluate runs the expression in the page and returns its JSON result
// decoded into a Go value. A thrown exception surfaces as an error.
func (p *Page) Evaluate(expr string) (any, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("evaluating: %w", ErrClosed)
	}
	action := runtime.Evaluate(expr).WithReturnByValue(true)
	result, exc, err := action.Do(cdp.WithExecutor(p.ctx, p.session))
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	if exc != nil {
		return nil, fmt.Errorf("evaluating: exception %q", exc.Text)
	}
	if result.Value == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(result.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding evaluation result: %w", err)
	}
	return v, nil
}

// ExposeBinding registers fn under name on the page's window object. Calls
// made from page script arrive asynchronously on fn with the string payload.
func (p *Page) ExposeBinding(name string, fn BindingFunc) error {
	if p.isClosed() {
		return fmt.Errorf("exposing %q: %w", name, ErrClosed)
	}

	p.bindingsMu.Lock()
	if _, ok := p.bindings[name]; ok {
		p.bindingsMu.Unlock()
		return fmt.Errorf("binding %q is already registered", name)
	}
	p.bindings[name] = fn
	p.bindingsMu.Unlock()

	action := runtime.AddBinding(name)
	if err := action.Do(cdp.WithExecutor(p.ctx, p.session)); err != nil {
		p.bindingsMu.Lock()
		delete(p.bindings, name)
		p.bindingsMu.Unlock()
		return fmt.Errorf("exposing %q: %w", name, err)
	}
	return nil
}

func (p *Page) onBindingCalled(ev *runtime.EventBindingCalled) {
	p.bindingsMu.Lock()
	fn := p.bindings[ev.Name]
	p.bindingsMu.Unlock()
	if fn == nil {
		p.logger.Debugf("Page:onBindingCalled", "no handler for %q", ev.Name)
		return
	}
	fn(ev.Payload)
}

// Authenticate stores proxy credentials for this page and activates the
// challenge negotiator, including its probe and settle phase.
func (p *Page) Authenticate(credentials Credentials) error {
	if p.isClosed() {
		return fmt.Errorf("authenticating: %w", ErrClosed)
	}
	if p.auth != nil {
		p.auth.Deactivate(p.ctx)
	}
	p.auth = NewAuthNegotiator(p.ctx, p.session, credentials, p.logger)
	return p.auth.Activate(p.ctx)
}

// Screenshot captures the page as PNG. When path is non-empty the image is
// also persisted there.
func (p *Page) Screenshot(path string) ([]byte, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("capturing screenshot: %w", ErrClosed)
	}
	action := cdppage.CaptureScreenshot().
		WithFormat(cdppage.CaptureScreenshotFormatPng)
	buf, err := action.Do(cdp.WithExecutor(p.ctx, p.session))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	if path != "" {
		if err := p.persister.Persist(p.ctx, path, bytes.NewReader(buf)); err != nil {
			return nil, fmt.Errorf("persisting screenshot to %q: %w", path, err)
		}
	}
	return buf, nil
}

// Close closes the page's target. Further operations on the page fail with
// the closed error.
func (p *Page) Close() error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return fmt.Errorf("closing page: %w", ErrClosed)
	}
	p.closed = true
	p.closedMu.Unlock()

	p.logger.Debugf("Page:Close", "tid:%v", p.targetID)

	if p.auth != nil {
		p.auth.Deactivate(p.ctx)
		p.auth = nil
	}
	p.bindingsMu.Lock()
	p.bindings = make(map[string]BindingFunc)
	p.bindingsMu.Unlock()

	if err := p.browserContext.browser.closePageTarget(p); err != nil {
		return err
	}
	p.emit(EventPageClose, p)
	return nil
}

// didClose marks the page closed after a browser-initiated target
// detachment.
func (p *Page) didClose() {
	p.closedMu.Lock()
	already := p.closed
	p.closed = true
	p.closedMu.Unlock()
	if !already {
		p.emit(EventPageClose, p)
	}
}

func (p *Page) isClosed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	return p.closed
}
