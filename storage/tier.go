package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// artifactExt is the extension given to every stored payload.
const artifactExt = ".png"

// TierConfig describes one bounded storage area.
type TierConfig struct {
	// Tier name, e.g. "hot" or "warm"
	Name string `yaml:"name" json:"name"`

	// Filesystem root of the tier
	BasePath string `yaml:"base_path" json:"base_path"`

	// Capacity limit in megabytes
	MaxSizeMB int64 `yaml:"max_size_mb" json:"max_size_mb"`

	// Files older than this are evicted regardless of utilization
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	// Fraction of MaxSizeMB at which the size sweep starts, e.g. 0.8
	CleanupThreshold float64 `yaml:"cleanup_threshold" json:"cleanup_threshold"`
}

// Tier is a capacity- and age-bounded filesystem subtree. Payloads are
// sharded by write date and then by the first two hex characters of their
// content hash to keep directory fan-out bounded:
//
//	<basePath>/<YYYY>/<MM>/<DD>/<hash[:2]>/<hash>.png
type Tier struct {
	name             string
	basePath         string
	maxSizeMB        int64
	retentionDays    int
	cleanupThreshold float64
	logger           *zap.Logger
}

// NewTier creates the tier and its base directory. The base path always
// exists before any write is attempted.
func NewTier(config TierConfig, logger *zap.Logger) (*Tier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		return nil, fmt.Errorf("tier name must not be empty")
	}
	if config.BasePath == "" {
		return nil, fmt.Errorf("tier %q: base path must not be empty", config.Name)
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("tier %q: failed to create base path: %w", config.Name, err)
	}

	return &Tier{
		name:             config.Name,
		basePath:         config.BasePath,
		maxSizeMB:        config.MaxSizeMB,
		retentionDays:    config.RetentionDays,
		cleanupThreshold: config.CleanupThreshold,
		logger:           logger.With(zap.String("tier", config.Name)),
	}, nil
}

// Name returns the tier name.
func (t *Tier) Name() string { return t.name }

// BasePath returns the tier's filesystem root.
func (t *Tier) BasePath() string { return t.basePath }

// MaxSizeMB returns the tier's capacity limit.
func (t *Tier) MaxSizeMB() int64 { return t.maxSizeMB }

// RetentionDays returns the tier's retention window.
func (t *Tier) RetentionDays() int { return t.retentionDays }

// DatePath returns the date shard directory for ts.
func (t *Tier) DatePath(ts time.Time) string {
	return filepath.Join(t.basePath, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
}

// FilePath returns the full payload path for hash as written on day ts.
// The hash must already be validated.
func (t *Tier) FilePath(hash string, ts time.Time) string {
	return filepath.Join(t.DatePath(ts), hash[:2], hash+artifactExt)
}

// FindFile locates the payload for hash anywhere in the tier. Today's date
// shard is checked first; historical shards are globbed after, since a file
// deduplicated today may have been written on a prior day.
func (t *Tier) FindFile(hash string) (string, bool) {
	current := t.FilePath(hash, time.Now().UTC())
	if fileExists(current) {
		return current, true
	}

	pattern := filepath.Join(t.basePath, "*", "*", "*", hash[:2], hash+artifactExt)
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// SizeMB returns the tier's current usage in megabytes. A missing base path
// counts as empty rather than failing.
func (t *Tier) SizeMB() (float64, error) {
	var total int64
	err := filepath.WalkDir(t.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tier %q: failed to measure size: %w", t.name, err)
	}
	return float64(total) / (1024 * 1024), nil
}

// FileCount returns the number of payload files in the tier.
func (t *Tier) FileCount() (int, error) {
	var count int
	err := filepath.WalkDir(t.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tier %q: failed to count files: %w", t.name, err)
	}
	return count, nil
}

// NeedsCleanup reports whether usage has crossed the cleanup threshold.
func (t *Tier) NeedsCleanup() (bool, error) {
	size, err := t.SizeMB()
	if err != nil {
		return false, err
	}
	return size >= float64(t.maxSizeMB)*t.cleanupThreshold, nil
}

// thresholdMB is the usage level the size sweep drives the tier back under.
func (t *Tier) thresholdMB() float64 {
	return float64(t.maxSizeMB) * t.cleanupThreshold
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
