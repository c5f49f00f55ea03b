package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// metadataTimeFormat is the wire format for timestamps in Redis records.
const metadataTimeFormat = time.RFC3339Nano

// Metadata describes one stored artifact. The record lives in a Redis hash
// keyed `file:<contentHash>` and is shared across worker processes; the
// physical tier file stays authoritative when the two disagree.
type Metadata struct {
	// ContentHash is the lowercase hex SHA-256 digest of the payload and
	// the only identifier exposed to callers.
	ContentHash string `json:"content_hash"`

	// FilePath is the payload's location inside a tier. Owned by the
	// store; callers must not interpret it.
	FilePath string `json:"file_path"`

	// FileSize equals the stored file's byte length.
	FileSize int64 `json:"file_size"`

	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`

	// AccessCount starts at 1 and is incremented on every successful
	// retrieval and every store of a duplicate payload.
	AccessCount int64 `json:"access_count"`

	// Extra carries opaque caller context, e.g. the originating job id.
	Extra map[string]string `json:"extra,omitempty"`
}

// NewMetadata builds the record created at the first store of a payload.
func NewMetadata(contentHash, filePath string, fileSize int64, extra map[string]string) *Metadata {
	now := time.Now().UTC()
	return &Metadata{
		ContentHash:  contentHash,
		FilePath:     filePath,
		FileSize:     fileSize,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		Extra:        extra,
	}
}

// Touch records one more access. CreatedAt is never modified.
func (m *Metadata) Touch() {
	m.AccessCount++
	m.LastAccessed = time.Now().UTC()
}

// MarshalMap flattens the record into Redis hash fields.
func (m *Metadata) MarshalMap() (map[string]string, error) {
	fields := map[string]string{
		"content_hash":  m.ContentHash,
		"file_path":     m.FilePath,
		"file_size":     strconv.FormatInt(m.FileSize, 10),
		"created_at":    m.CreatedAt.Format(metadataTimeFormat),
		"last_accessed": m.LastAccessed.Format(metadataTimeFormat),
		"access_count":  strconv.FormatInt(m.AccessCount, 10),
	}
	if len(m.Extra) > 0 {
		extra, err := json.Marshal(m.Extra)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal extra metadata: %w", err)
		}
		fields["extra"] = string(extra)
	}
	return fields, nil
}

// UnmarshalMetadata rebuilds a record from Redis hash fields. Missing
// access_count and extra fields get their defaults.
func UnmarshalMetadata(fields map[string]string) (*Metadata, error) {
	m := &Metadata{
		ContentHash: fields["content_hash"],
		FilePath:    fields["file_path"],
		AccessCount: 1,
		Extra:       map[string]string{},
	}

	if m.ContentHash == "" {
		return nil, fmt.Errorf("metadata record missing content_hash")
	}

	if v, ok := fields["file_size"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid file_size %q: %w", v, err)
		}
		m.FileSize = size
	}
	if v, ok := fields["created_at"]; ok {
		t, err := time.Parse(metadataTimeFormat, v)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", v, err)
		}
		m.CreatedAt = t
	}
	if v, ok := fields["last_accessed"]; ok {
		t, err := time.Parse(metadataTimeFormat, v)
		if err != nil {
			return nil, fmt.Errorf("invalid last_accessed %q: %w", v, err)
		}
		m.LastAccessed = t
	}
	if v, ok := fields["access_count"]; ok {
		count, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid access_count %q: %w", v, err)
		}
		m.AccessCount = count
	}
	if v, ok := fields["extra"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &m.Extra); err != nil {
			return nil, fmt.Errorf("invalid extra metadata: %w", err)
		}
	}

	return m, nil
}
