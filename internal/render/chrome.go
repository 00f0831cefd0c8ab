// Package render runs listing pages in headless Chrome for sites that only
// produce their markup client-side.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("renderer closed")

type Options struct {
	// ExecPath overrides the Chrome binary lookup.
	ExecPath  string
	UserAgent string
	// Settle is waited after navigation and again after scrolling so lazy
	// galleries get a chance to load.
	Settle time.Duration
}

// Chrome renders pages in headless Chrome. The allocator options are built
// once; every Render launches its own browser process from them, so no
// cookies or storage carry over between renders or accounts.
type Chrome struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	closed      bool
}

func NewChrome(opts Options, logger *zap.Logger) *Chrome {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chrome{opts: opts, logger: logger}
}

func (c *Chrome) allocator() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.allocCtx != nil {
		return c.allocCtx, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(1366, 900),
	)
	if c.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.opts.UserAgent))
	}
	if c.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.ExecPath))
	}
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.logger.Info("headless browser allocator ready")
	return c.allocCtx, nil
}

// Render starts a fresh browser, loads url, waits for it to settle, scrolls
// to the bottom and returns the outer HTML of the document. The browser
// exits when Render returns.
func (c *Chrome) Render(ctx context.Context, url string) (string, error) {
	alloc, err := c.allocator()
	if err != nil {
		return "", err
	}
	browserCtx, cancelBrowser := chromedp.NewContext(alloc)
	defer cancelBrowser()

	// Tie the browser to the caller's deadline.
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()

	var html string
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(c.opts.Settle),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(c.opts.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("render %s: %w", url, ctx.Err())
		}
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}

// Close releases the allocator and stops any browser still running. Later
// Render calls fail with ErrClosed.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCtx, c.allocCancel = nil, nil
	}
}
