package render

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rasterwell/rasterwell/internal/metrics"
)

// Generator turns HTML into PNG artifacts using pooled browser instances.
// The lease is held only for the screenshot itself; callers persist the
// result after the browser is already back in the pool, so slow storage can
// never hold a renderer hostage.
type Generator struct {
	pool    *Pool
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGenerator wires a generator to an initialized pool.
func NewGenerator(pool *Pool, collector *metrics.Collector, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		pool:    pool,
		metrics: collector,
		logger:  logger.With(zap.String("component", "generator")),
	}
}

// Render produces a PNG screenshot of the given HTML document.
func (g *Generator) Render(ctx context.Context, html string, opts Options) (*Result, error) {
	opts = opts.normalize()
	start := time.Now()

	var png []byte
	err := g.pool.WithBrowser(ctx, func(b *Browser) error {
		var renderErr error
		png, renderErr = b.RenderHTML(ctx, html, opts)
		return renderErr
	})

	idle, inUse, _ := g.pool.Stats()
	g.metrics.SetPoolStats(idle, inUse)

	duration := time.Since(start)
	if err != nil {
		g.metrics.RecordRender("error", duration)
		g.logger.Error("render failed",
			zap.Int("html_length", len(html)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, fmt.Errorf("render: %w", err)
	}
	g.metrics.RecordRender("ok", duration)

	result := &Result{
		PNG:      png,
		Width:    opts.Width,
		Height:   opts.Height,
		FileSize: int64(len(png)),
		Duration: duration,
		Metadata: map[string]string{
			"generator": "chromedp",
			"full_page": strconv.FormatBool(opts.FullPage),
		},
	}

	g.logger.Info("render completed",
		zap.Int("html_length", len(html)),
		zap.Int64("file_size", result.FileSize),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// RenderWithDevice renders with a device emulation preset overriding the
// viewport fields of opts.
func (g *Generator) RenderWithDevice(ctx context.Context, html string, opts Options, device Device) (*Result, error) {
	result, err := g.Render(ctx, html, opts.withDevice(device))
	if err != nil {
		return nil, err
	}
	result.Metadata["device_type"] = string(device)
	return result, nil
}
