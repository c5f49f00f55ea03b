package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config := Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.redis)
	assert.NotNil(t, manager.logger)
}

func TestNewManager_ConnectFailure(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_SetAndGetBytes(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	err := manager.SetBytes(ctx, "test-key", []byte("test-value"), time.Minute)
	require.NoError(t, err)

	value, err := manager.GetBytes(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("test-value"), value)
}

func TestManager_GetBytesMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.GetBytes(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_HSetMapRoundTrip(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	fields := map[string]string{
		"content_hash": "abc",
		"file_size":    "1024",
	}
	err := manager.HSetMap(ctx, "file:abc", fields, time.Minute)
	require.NoError(t, err)

	got, err := manager.HGetAllMap(ctx, "file:abc")
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	// TTL applied alongside the hash write.
	assert.Greater(t, mr.TTL("file:abc"), time.Duration(0))
}

func TestManager_HGetAllMapMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.HGetAllMap(context.Background(), "file:absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.SetBytes(ctx, "k1", []byte("v"), time.Minute))
	require.NoError(t, manager.Delete(ctx, "k1"))

	_, err := manager.GetBytes(ctx, "k1")
	assert.True(t, IsCacheMiss(err))

	// Deleting nothing is a no-op.
	assert.NoError(t, manager.Delete(ctx))
}

func TestManager_CountKeys(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.SetBytes(ctx, "file:a", []byte("1"), time.Minute))
	require.NoError(t, manager.SetBytes(ctx, "file:b", []byte("2"), time.Minute))
	require.NoError(t, manager.SetBytes(ctx, "other:c", []byte("3"), time.Minute))

	count, err := manager.CountKeys(ctx, "file:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestManager_ClosedOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())

	ctx := context.Background()

	_, err := manager.GetBytes(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, manager.SetBytes(ctx, "k", nil, 0))
	assert.Error(t, manager.Ping(ctx))

	// Second close is a no-op.
	assert.NoError(t, manager.Close())
}
