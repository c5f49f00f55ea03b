package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLauncher stands in for Chrome process launches. The zero value
// launches instantly and never fails.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []*Browser
	failAt   int // 1-based launch ordinal that fails, 0 disables
	calls    int
}

func (f *fakeLauncher) launch(config BrowserConfig, logger *zap.Logger) (*Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("chrome exited during startup")
	}

	b := &Browser{config: config, logger: zap.NewNop()}
	f.launched = append(f.launched, b)
	return b, nil
}

func (f *fakeLauncher) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.launched {
		b.mu.Lock()
		if b.closed {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

func newFakePool(t *testing.T, size int) (*Pool, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	pool := NewPool(PoolConfig{Size: size, Browser: DefaultBrowserConfig()}, nil)
	pool.launch = launcher.launch
	t.Cleanup(func() { _ = pool.Close() })
	return pool, launcher
}

func TestAcquireBeforeInitializeFailsFast(t *testing.T) {
	pool, _ := newFakePool(t, 2)

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolNotInitialized)
}

func TestInitializeLaunchesAllInstances(t *testing.T) {
	pool, launcher := newFakePool(t, 3)

	require.NoError(t, pool.Initialize(context.Background()))

	idle, inUse, total := pool.Stats()
	assert.Equal(t, 3, idle)
	assert.Zero(t, inUse)
	assert.Equal(t, 3, total)
	assert.Len(t, launcher.launched, 3)
}

func TestInitializeTwiceIsAnError(t *testing.T) {
	pool, _ := newFakePool(t, 1)

	require.NoError(t, pool.Initialize(context.Background()))
	assert.Error(t, pool.Initialize(context.Background()))
}

func TestInitializeRollsBackOnLaunchFailure(t *testing.T) {
	pool, launcher := newFakePool(t, 3)
	launcher.failAt = 2

	err := pool.Initialize(context.Background())
	require.ErrorIs(t, err, ErrLaunchFailed)

	// Every instance that did come up is closed again.
	assert.Equal(t, len(launcher.launched), launcher.closedCount())

	// The pool stays uninitialized rather than serving a partial set.
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolNotInitialized)
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	pool, _ := newFakePool(t, 2)
	require.NoError(t, pool.Initialize(context.Background()))
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// Third acquirer times out while both leases are out.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A release unblocks a waiter.
	done := make(chan *Browser, 1)
	go func() {
		b, err := pool.Acquire(ctx)
		if err != nil {
			done <- nil
			return
		}
		done <- b
	}()

	pool.Release(first)

	select {
	case b := <-done:
		require.NotNil(t, b)
		assert.Same(t, first, b)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted the released instance")
	}
}

func TestCancelledAcquireLeaksNoCapacity(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))

	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// The cancelled waiter consumed nothing: one release restores full
	// capacity.
	pool.Release(b)
	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(again)
}

func TestDoubleReleaseIsIgnored(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))
	ctx := context.Background()

	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(b)
	pool.Release(b) // must not mint a second permit

	_, err = pool.Acquire(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseOfForeignBrowserIsIgnored(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))

	pool.Release(&Browser{})
	pool.Release(nil)

	idle, _, total := pool.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, total)
}

func TestWithBrowserReleasesOnPanic(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))
	ctx := context.Background()

	require.Panics(t, func() {
		_ = pool.WithBrowser(ctx, func(*Browser) error {
			panic("render blew up")
		})
	})

	// The lease came back despite the panic.
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(b)
}

func TestWithBrowserPropagatesErrors(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))

	sentinel := errors.New("tab crashed")
	err := pool.WithBrowser(context.Background(), func(*Browser) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	idle, inUse, _ := pool.Stats()
	assert.Equal(t, 1, idle)
	assert.Zero(t, inUse)
}

func TestCloseShutsDownLeasedInstances(t *testing.T) {
	pool, launcher := newFakePool(t, 2)
	require.NoError(t, pool.Initialize(context.Background()))

	leased, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, 2, launcher.closedCount())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Releasing after close is harmless.
	pool.Release(leased)
}

func TestCloseWakesBlockedWaiters(t *testing.T) {
	pool, _ := newFakePool(t, 1)
	require.NoError(t, pool.Initialize(context.Background()))

	leased, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Park a waiter on the exhausted pool with no deadline of its own.
	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, pool.Close())

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter stayed blocked after Close")
	}

	// The stale lease is outside the pool's books now; handing it back
	// must not disturb the permit accounting.
	pool.Release(leased)
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentAcquireReleaseKeepsAccounting(t *testing.T) {
	pool, _ := newFakePool(t, 4)
	require.NoError(t, pool.Initialize(context.Background()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithBrowser(ctx, func(b *Browser) error {
				if b == nil {
					return fmt.Errorf("nil lease")
				}
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	idle, inUse, total := pool.Stats()
	assert.Equal(t, 4, idle)
	assert.Zero(t, inUse)
	assert.Equal(t, 4, total)
}
