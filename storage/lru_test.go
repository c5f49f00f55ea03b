package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newPathCache(2)
	c.Add("a", "/tier/a")
	c.Add("b", "/tier/b")

	// Touch a so b becomes the eviction victim.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Add("c", "/tier/c")

	_, ok = c.Get("b")
	assert.False(t, ok)
	path, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "/tier/a", path)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestPathCacheUpdateExistingKey(t *testing.T) {
	c := newPathCache(2)
	c.Add("a", "/old")
	c.Add("a", "/new")

	path, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "/new", path)
	assert.Equal(t, 1, c.Len())
}

func TestPathCacheRemove(t *testing.T) {
	c := newPathCache(4)
	c.Add("a", "/a")
	c.Remove("a")
	c.Remove("a") // absent key is a no-op

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestPathCacheNeverExceedsCapacity(t *testing.T) {
	c := newPathCache(8)
	for i := 0; i < 100; i++ {
		c.Add(fmt.Sprintf("key-%d", i), "/path")
	}
	assert.Equal(t, 8, c.Len())

	// The newest entries survive.
	for i := 92; i < 100; i++ {
		_, ok := c.Get(fmt.Sprintf("key-%d", i))
		assert.True(t, ok, "key-%d", i)
	}
}

func TestPathCacheMinimumCapacity(t *testing.T) {
	c := newPathCache(0)
	c.Add("a", "/a")
	c.Add("b", "/b")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}
