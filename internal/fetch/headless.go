package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/guard"
)

// ErrRendererDisabled indicates headless rendering is off via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// RendererConfig controls the headless renderer.
type RendererConfig struct {
	Enabled    bool
	NavTimeout time.Duration
	MaxScrolls int
	UserAgent  string
}

// Renderer renders a page with headless Chrome, scrolling (and clicking
// "load more" triggers) to force scripted pagination to materialize.
// Used by category-page discovery when the static fetch yields nothing.
type Renderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	guard           *guard.Guard
	cfg             RendererConfig
	logger          *zap.Logger
}

// NewRenderer starts a shared browser process. Returns ErrRendererDisabled
// when the config has headless off.
func NewRenderer(cfg RendererConfig, g *guard.Guard, logger *zap.Logger) (*Renderer, error) {
	if !cfg.Enabled {
		return nil, ErrRendererDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 25 * time.Second
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = 5
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		guard:           g,
		cfg:             cfg,
		logger:          logger,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (r *Renderer) Close() {
	if r == nil {
		return
	}
	r.browserCancel()
	r.allocatorCancel()
}

const loadMoreClickJS = `(() => {
	const texts = ['load more', 'show more', 'more articles', 'more stories'];
	const nodes = document.querySelectorAll('button, a');
	for (const n of nodes) {
		const t = (n.textContent || '').trim().toLowerCase();
		if (texts.some(x => t.includes(x))) { n.click(); return true; }
	}
	return false;
})()`

// RenderScrolled navigates to the URL, then alternates scroll-to-bottom
// with clicking any visible "load more" trigger, returning the final DOM.
func (r *Renderer) RenderScrolled(ctx context.Context, rawURL string) (string, error) {
	if r == nil {
		return "", ErrRendererDisabled
	}
	if r.guard != nil {
		if err := r.guard.Wait(ctx, rawURL); err != nil {
			return "", err
		}
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.NavTimeout)
	defer cancelTask()

	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	var html string
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(1366, 900, 1.0, false),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
	}
	for range r.cfg.MaxScrolls {
		tasks = append(tasks,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Evaluate(loadMoreClickJS, nil),
			chromedp.Sleep(500*time.Millisecond),
		)
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// forwardCancel propagates cancellation from the caller's context into the
// chromedp task context, which hangs off the long-lived browser context.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
