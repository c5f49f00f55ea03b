package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig configures one headless Chrome instance.
type BrowserConfig struct {
	// Run without a display
	Headless bool `yaml:"headless" json:"headless"`

	// Initial window size
	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`

	// Deadline for launching the browser process
	LaunchTimeout time.Duration `yaml:"launch_timeout" json:"launch_timeout"`
}

// DefaultBrowserConfig returns the default instance configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:       true,
		ViewportWidth:  1280,
		ViewportHeight: 720,
		LaunchTimeout:  30 * time.Second,
	}
}

// Browser is one live headless Chrome process. Instances are owned by the
// Pool and leased to exactly one caller at a time; each render runs in its
// own tab so consecutive leases never see each other's state.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      BrowserConfig
	logger      *zap.Logger
	mu          sync.Mutex
	closed      bool
}

// newBrowser launches a Chrome process and waits for it to come up.
func newBrowser(config BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(config.ViewportWidth, config.ViewportHeight),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		logger:      logger.With(zap.String("component", "browser")),
	}

	launchCtx := ctx
	if config.LaunchTimeout > 0 {
		var timeoutCancel context.CancelFunc
		launchCtx, timeoutCancel = context.WithTimeout(ctx, config.LaunchTimeout)
		defer timeoutCancel()
	}
	if err := chromedp.Run(launchCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b.logger.Debug("browser launched",
		zap.Int("viewport_width", config.ViewportWidth),
		zap.Int("viewport_height", config.ViewportHeight),
	)
	return b, nil
}

// RenderHTML renders an HTML document into a PNG screenshot. The caller's
// context and the per-render timeout both bound the operation.
func (b *Browser) RenderHTML(ctx context.Context, html string, opts Options) ([]byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("browser is closed")
	}
	b.mu.Unlock()

	opts = opts.normalize()

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()

	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, opts.Timeout)
	defer timeoutCancel()

	// Propagate caller cancellation into the tab.
	stop := context.AfterFunc(ctx, timeoutCancel)
	defer stop()

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height),
			chromedp.EmulateScale(opts.DeviceScaleFactor)),
	}
	if opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	actions = append(actions,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)

	var buf []byte
	if opts.FullPage {
		actions = append(actions, chromedp.FullScreenshot(&buf, 100))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&buf))
	}

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("render failed: %w", err)
	}

	return buf, nil
}

// Close shuts down the Chrome process. Safe to call twice.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	return nil
}
