package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolNotInitialized is returned by Acquire before Initialize has
	// run. Acquiring from an empty pool fails fast instead of blocking
	// forever.
	ErrPoolNotInitialized = errors.New("renderer pool not initialized")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("renderer pool closed")

	// ErrLaunchFailed wraps any instance launch failure during
	// Initialize. Fatal: the pool rolls back already-launched instances
	// and stays uninitialized.
	ErrLaunchFailed = errors.New("renderer launch failed")
)

// PoolConfig configures the renderer pool.
type PoolConfig struct {
	// Number of browser instances
	Size int `yaml:"size" json:"size"`

	// Per-instance configuration
	Browser BrowserConfig `yaml:"browser" json:"browser"`
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:    5,
		Browser: DefaultBrowserConfig(),
	}
}

// Pool owns a fixed set of browser instances and grants exclusive leases
// under a weighted semaphore. Callers block in Acquire until capacity frees
// up; cancellation removes a waiter without leaking a permit. No ordering is
// guaranteed among waiters beyond eventual grant.
type Pool struct {
	config PoolConfig
	sem    *semaphore.Weighted
	logger *zap.Logger

	// launch is swapped out in tests.
	launch func(BrowserConfig, *zap.Logger) (*Browser, error)

	mu          sync.Mutex
	idle        []*Browser
	leased      map[*Browser]bool
	initialized bool
	closed      bool
}

// NewPool creates an empty pool. Call Initialize before Acquire.
func NewPool(config PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Size < 1 {
		config.Size = 1
	}
	return &Pool{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.Size)),
		logger: logger.With(zap.String("component", "renderer_pool")),
		launch: newBrowser,
		leased: make(map[*Browser]bool),
	}
}

// Initialize launches every instance concurrently. If any launch fails the
// instances that did come up are closed again; a partial pool is never left
// behind.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("renderer pool already initialized")
	}
	p.mu.Unlock()

	browsers := make([]*Browser, p.config.Size)
	var g errgroup.Group
	for i := range browsers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := p.launch(p.config.Browser, p.logger)
			if err != nil {
				return fmt.Errorf("%w: instance %d: %w", ErrLaunchFailed, i, err)
			}
			browsers[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range browsers {
			if b != nil {
				_ = b.Close()
			}
		}
		p.logger.Error("pool initialization failed", zap.Error(err))
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, b := range browsers {
			_ = b.Close()
		}
		return ErrPoolClosed
	}
	p.idle = browsers
	p.initialized = true
	p.mu.Unlock()

	p.logger.Info("renderer pool initialized", zap.Int("size", p.config.Size))
	return nil
}

// Acquire leases one browser, blocking while all instances are checked out.
// The caller's context bounds the wait; a cancelled or timed-out acquire
// consumes no permit. Callers must hand the lease back with Release.
func (p *Pool) Acquire(ctx context.Context) (*Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrPoolNotInitialized
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	// Holding a permit guarantees an idle instance: permits outstanding
	// always equal leased instances.
	n := len(p.idle) - 1
	b := p.idle[n]
	p.idle = p.idle[:n]
	p.leased[b] = true
	p.mu.Unlock()

	p.logger.Debug("browser acquired")
	return b, nil
}

// Release returns a leased browser to the pool. Releasing the same lease
// twice, or a browser the pool never leased, is ignored so a permit can
// never be double-counted.
func (p *Pool) Release(b *Browser) {
	if b == nil {
		return
	}

	p.mu.Lock()
	// Close empties the leased set and returns its permits itself, so a
	// release after close (or of a foreign browser) ends here.
	if !p.leased[b] {
		p.mu.Unlock()
		return
	}
	delete(p.leased, b)
	p.idle = append(p.idle, b)
	p.mu.Unlock()
	p.sem.Release(1)

	p.logger.Debug("browser released")
}

// WithBrowser runs fn with a leased browser and releases it on every exit
// path, including a panic inside fn. The pool does not inspect fn's error.
func (p *Pool) WithBrowser(ctx context.Context, fn func(*Browser) error) error {
	b, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(b)
	return fn(b)
}

// Close shuts down every instance, leased ones included. Subsequent Acquire
// calls fail with ErrPoolClosed; waiters already parked in Acquire are woken
// and fail the same way.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	toClose := make([]*Browser, 0, len(p.idle)+len(p.leased))
	toClose = append(toClose, p.idle...)
	for b := range p.leased {
		toClose = append(toClose, b)
	}
	leasedCount := len(p.leased)
	p.idle = nil
	p.leased = make(map[*Browser]bool)
	p.mu.Unlock()

	// Hand the outstanding lease permits back. Their holders can no longer
	// return them (Release ignores browsers outside the leased set), and
	// without this any waiter parked in Acquire would block until its own
	// context expired.
	if leasedCount > 0 {
		p.sem.Release(int64(leasedCount))
	}

	for _, b := range toClose {
		_ = b.Close()
	}

	p.logger.Info("renderer pool closed", zap.Int("instances", len(toClose)))
	return nil
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() (idle, inUse, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle = len(p.idle)
	inUse = len(p.leased)
	return idle, inUse, idle + inUse
}
