package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetadataDefaults(t *testing.T) {
	hash := HashBytes([]byte("payload"))
	meta := NewMetadata(hash, "/tier/file.png", 42, map[string]string{"job": "j-1"})

	assert.Equal(t, hash, meta.ContentHash)
	assert.Equal(t, int64(42), meta.FileSize)
	assert.Equal(t, int64(1), meta.AccessCount)
	assert.Equal(t, meta.CreatedAt, meta.LastAccessed)
	assert.Equal(t, "j-1", meta.Extra["job"])
}

func TestTouchNeverModifiesCreatedAt(t *testing.T) {
	meta := NewMetadata("hash", "/f", 1, nil)
	created := meta.CreatedAt

	time.Sleep(time.Millisecond)
	meta.Touch()
	meta.Touch()

	assert.Equal(t, int64(3), meta.AccessCount)
	assert.Equal(t, created, meta.CreatedAt)
	assert.True(t, meta.LastAccessed.After(created))
}

func TestMetadataRedisRoundTrip(t *testing.T) {
	original := NewMetadata(HashBytes([]byte("x")), "/tier/2026/08/30/ab/x.png", 1024,
		map[string]string{"request_id": "req-9"})
	original.Touch()

	fields, err := original.MarshalMap()
	require.NoError(t, err)

	restored, err := UnmarshalMetadata(fields)
	require.NoError(t, err)

	assert.Equal(t, original.ContentHash, restored.ContentHash)
	assert.Equal(t, original.FilePath, restored.FilePath)
	assert.Equal(t, original.FileSize, restored.FileSize)
	assert.Equal(t, original.AccessCount, restored.AccessCount)
	assert.True(t, original.CreatedAt.Equal(restored.CreatedAt))
	assert.True(t, original.LastAccessed.Equal(restored.LastAccessed))
	assert.Equal(t, original.Extra, restored.Extra)
}

func TestUnmarshalMetadataRequiresContentHash(t *testing.T) {
	_, err := UnmarshalMetadata(map[string]string{"file_path": "/f"})
	assert.ErrorContains(t, err, "content_hash")
}

func TestUnmarshalMetadataAppliesDefaults(t *testing.T) {
	meta, err := UnmarshalMetadata(map[string]string{"content_hash": "abc"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), meta.AccessCount)
	assert.NotNil(t, meta.Extra)
	assert.Empty(t, meta.Extra)
}

func TestUnmarshalMetadataRejectsCorruptFields(t *testing.T) {
	cases := map[string]map[string]string{
		"bad size":  {"content_hash": "abc", "file_size": "lots"},
		"bad time":  {"content_hash": "abc", "created_at": "yesterday"},
		"bad count": {"content_hash": "abc", "access_count": "-1x"},
		"bad extra": {"content_hash": "abc", "extra": "{broken"},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalMetadata(fields)
			assert.Error(t, err)
		})
	}
}
