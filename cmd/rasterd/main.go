// rasterd is the render service entry point: a bounded pool of headless
// Chrome instances behind an HTTP API, with rendered PNGs deduplicated into
// a tiered content-addressable store.
//
// Usage:
//
//	rasterd serve                      # start the service
//	rasterd serve -config config.yaml  # with a config file
//	rasterd version                    # print version information
//	rasterd health                     # check a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rasterwell/rasterwell/config"
	"github.com/rasterwell/rasterwell/internal/cache"
	"github.com/rasterwell/rasterwell/internal/metrics"
	httpserver "github.com/rasterwell/rasterwell/internal/server"
	"github.com/rasterwell/rasterwell/render"
	"github.com/rasterwell/rasterwell/storage"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "rasterd: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("rasterd %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "health":
		if err := runHealth(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "rasterd: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: rasterd <command> [flags]

commands:
  serve    start the render service
  version  print version information
  health   check a running instance`)
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting rasterd",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("pool_size", cfg.Pool.Size),
	)

	collector := metrics.NewCollector("rasterwell", logger)

	// The store degrades to tier scans without Redis, so an unreachable
	// cache is a warning at startup rather than a fatal error.
	cacheMgr, err := cache.NewManager(cfg.Redis, logger)
	if err != nil {
		logger.Warn("metadata cache unavailable, running degraded", zap.Error(err))
		cacheMgr = nil
	}

	store, err := storage.NewStore(cfg.Storage, cacheMgr, collector, logger)
	if err != nil {
		return err
	}
	store.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := render.NewPool(cfg.Pool, logger)
	if err := pool.Initialize(ctx); err != nil {
		// Launch failure is fatal: surface it to the operator instead
		// of retrying with a partial pool.
		store.Close()
		return fmt.Errorf("renderer pool initialization: %w", err)
	}

	generator := render.NewGenerator(pool, collector, logger)

	handler := newHandler(ctx, cfg, generator, store, pool, cacheMgr, collector, logger)
	mgr := httpserver.NewManager(handler, httpserver.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(); err != nil {
		_ = pool.Close()
		store.Close()
		return err
	}

	select {
	case err := <-mgr.Errors():
		logger.Error("http server failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}

	_ = pool.Close()
	store.Close()
	if cacheMgr != nil {
		_ = cacheMgr.Close()
	}

	logger.Info("rasterd stopped")
	return nil
}

func runHealth(args []string) error {
	flags := flag.NewFlagSet("health", flag.ExitOnError)
	addr := flags.String("addr", "http://localhost:8080", "base URL of a running instance")
	if err := flags.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
