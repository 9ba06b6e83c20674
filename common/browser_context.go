package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"

	"github.com/ProfFahad/stealthwright/log"
)

// Ensure BrowserContext implements the EventEmitter interface.
var _ EventEmitter = &BrowserContext{}

// BrowserContext groups pages with isolated storage. The zero id is the
// default context every browser starts with; it cannot be disposed, only
// emptied.
type BrowserContext struct {
	BaseEventEmitter

	ctx     context.Context
	browser *Browser
	id      cdp.BrowserContextID

	timeouts *TimeoutSettings
	logger   *log.Logger

	pagesMu sync.Mutex
	pages   []*Page // creation order, preserved for close ordering

	closedMu sync.Mutex
	closed   bool
}

// NewBrowserContext creates a new browser context.
func NewBrowserContext(ctx context.Context, browser *Browser, id cdp.BrowserContextID, logger *log.Logger) *BrowserContext {
	return &BrowserContext{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		browser:          browser,
		id:               id,
		timeouts:         NewTimeoutSettings(browser.timeouts),
		logger:           logger,
	}
}

// ID returns the browser context identifier, empty for the default context.
func (c *BrowserContext) ID() cdp.BrowserContextID { return c.id }

// NewPage creates a new page in this context.
func (c *BrowserContext) NewPage() (*Page, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("creating page: %w", ErrClosed)
	}
	return c.browser.newPageInContext(c)
}

// Pages returns the open pages of this context in creation order.
func (c *BrowserContext) Pages() []*Page {
	c.pagesMu.Lock()
	defer c.pagesMu.Unlock()
	pages := make([]*Page, 0, len(c.pages))
	for _, p := range c.pages {
		if !p.isClosed() {
			pages = append(pages, p)
		}
	}
	return pages
}

func (c *BrowserContext) addPage(p *Page) {
	c.pagesMu.Lock()
	c.pages = append(c.pages, p)
	c.pagesMu.Unlock()
}

// SetDefaultTimeout sets the default timeout for operations on this
// context's pages.
func (c *BrowserContext) SetDefaultTimeout(timeout int64) {
	c.timeouts.setDefaultTimeout(msToDuration(timeout))
}

// SetDefaultNavigationTimeout sets the default navigation timeout for this
// context's pages.
func (c *BrowserContext) SetDefaultNavigationTimeout(timeout int64) {
	c.timeouts.setDefaultNavigationTimeout(msToDuration(timeout))
}

// closePages closes the context's pages in creation order. The first error
// is returned but every page is attempted.
func (c *BrowserContext) closePages() error {
	var firstErr error
	for _, p := range c.Pages() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes the pages this context owns, in creation order, then
// disposes the context itself. The default context cannot be disposed.
func (c *BrowserContext) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return fmt.Errorf("closing context: %w", ErrClosed)
	}
	c.closed = true
	c.closedMu.Unlock()

	c.logger.Debugf("BrowserContext:Close", "bctxid:%v", c.id)

	err := c.closePages()

	if c.id != "" {
		if derr := c.browser.disposeContext(c.id); derr != nil && err == nil {
			err = derr
		}
	}
	c.emit(EventBrowserContextClose, c)
	return err
}

func (c *BrowserContext) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}
