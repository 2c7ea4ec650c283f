package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/strongdm/conduit/internal/config"
)

// ChromeLayer drives a headless Chromium over the DevTools protocol.
type ChromeLayer struct {
	cfg config.BrowserConfig

	pageLoadTimeout    time.Duration
	interactionTimeout time.Duration

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChromeLayer builds an unstarted driver from the run config.
func NewChromeLayer(cfg *config.Config) *ChromeLayer {
	return &ChromeLayer{
		cfg:                cfg.Browser,
		pageLoadTimeout:    time.Duration(cfg.Timeouts.PageLoadTimeoutS) * time.Second,
		interactionTimeout: time.Duration(cfg.Timeouts.InteractionTimeoutS) * time.Second,
	}
}

func (c *ChromeLayer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	headless := c.cfg.Headless == nil || *c.cfg.Headless
	if !headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.WindowSize(c.cfg.ViewportWidth, c.cfg.ViewportHeight),
		chromedp.Flag("lang", c.cfg.Locale),
	)
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	return opts
}

// Start launches the browser process and opens one tab.
func (c *ChromeLayer) Start(ctx context.Context) error {
	if c.tabCtx != nil {
		return errors.New("browser already started")
	}
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx)
	// Force the browser to actually launch so startup failures surface here.
	if err := chromedp.Run(c.tabCtx); err != nil {
		c.teardown()
		return fmt.Errorf("browser start: %w", err)
	}
	return nil
}

// Stop releases the tab and the browser process.
func (c *ChromeLayer) Stop(ctx context.Context) error {
	c.teardown()
	return nil
}

func (c *ChromeLayer) teardown() {
	if c.tabCancel != nil {
		c.tabCancel()
		c.tabCancel = nil
		c.tabCtx = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
}

func (c *ChromeLayer) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.tabCtx == nil {
		return errors.New("browser not started")
	}
	runCtx, cancel := context.WithTimeout(c.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func toResult(err error, okDetail string) ActionResult {
	if err == nil {
		return success(okDetail)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionResult{Status: StatusTimeout, Detail: err.Error()}
	}
	return failure(err.Error())
}

func (c *ChromeLayer) Navigate(ctx context.Context, url string) ActionResult {
	err := c.run(ctx, c.pageLoadTimeout, chromedp.Navigate(url))
	if err != nil {
		return failure(err.Error())
	}
	return success("Navigated to " + url)
}

func (c *ChromeLayer) Click(ctx context.Context, selector string) ActionResult {
	err := c.run(ctx, c.interactionTimeout,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	)
	return toResult(err, "Clicked "+selector)
}

func (c *ChromeLayer) Scroll(ctx context.Context, direction, amount string) ActionResult {
	var script string
	switch amount {
	case "end":
		script = "window.scrollTo(0, document.body.scrollHeight)"
	case "page", "":
		delta := c.cfg.ViewportHeight
		if direction == "up" {
			delta = -delta
		}
		script = fmt.Sprintf("window.scrollBy(0, %d)", delta)
	default:
		pixels, err := strconv.Atoi(amount)
		if err != nil {
			return failure(fmt.Sprintf("invalid scroll amount %q", amount))
		}
		if direction == "up" {
			pixels = -pixels
		}
		script = fmt.Sprintf("window.scrollBy(0, %d)", pixels)
	}
	err := c.run(ctx, c.interactionTimeout,
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(500*time.Millisecond),
	)
	return toResult(err, fmt.Sprintf("Scrolled %s %s", direction, amount))
}

func (c *ChromeLayer) FillForm(ctx context.Context, selector, value string) ActionResult {
	err := c.run(ctx, c.interactionTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	return toResult(err, "Filled "+selector)
}

func (c *ChromeLayer) Hover(ctx context.Context, selector string) ActionResult {
	// chromedp has no first-class hover; dispatch mouseover from the page.
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.dispatchEvent(new MouseEvent("mouseover", {bubbles: true})); return true; })()`,
		selector,
	)
	var ok bool
	err := c.run(ctx, c.interactionTimeout, chromedp.Evaluate(script, &ok))
	if err == nil && !ok {
		return failure("no element matches " + selector)
	}
	return toResult(err, "Hovered "+selector)
}

func (c *ChromeLayer) PressKey(ctx context.Context, key string) ActionResult {
	err := c.run(ctx, c.interactionTimeout, chromedp.KeyEvent(key))
	return toResult(err, "Pressed "+key)
}

func (c *ChromeLayer) WaitFor(ctx context.Context, selector string) ActionResult {
	err := c.run(ctx, c.interactionTimeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err != nil {
		// Missing elements surface as timeouts, matching the wait contract.
		return ActionResult{Status: StatusTimeout, Detail: err.Error()}
	}
	return success("Element " + selector + " appeared")
}

func (c *ChromeLayer) CaptureDOM(ctx context.Context) (*Snapshot, error) {
	var rawHTML, url, title string
	err := c.run(ctx, c.interactionTimeout,
		chromedp.OuterHTML("html", &rawHTML, chromedp.ByQuery),
		chromedp.Location(&url),
		chromedp.Title(&title),
	)
	if err != nil {
		return nil, fmt.Errorf("capture dom: %w", err)
	}
	return NewSnapshot(rawHTML, url, title)
}

func (c *ChromeLayer) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, c.interactionTimeout, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (c *ChromeLayer) RestartContext(ctx context.Context) ActionResult {
	if c.allocCtx == nil {
		return failure("no browser to restart context on")
	}
	if c.tabCancel != nil {
		c.tabCancel()
	}
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx)
	if err := chromedp.Run(c.tabCtx); err != nil {
		return failure(err.Error())
	}
	return success("Context restarted")
}
