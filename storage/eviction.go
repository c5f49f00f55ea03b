package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// evictedFile is one candidate collected by a tier listing.
type evictedFile struct {
	path string
	size int64
	// lastAccess is the file's modification time, which Retrieve bumps on
	// every hit.
	lastAccess time.Time
	// writtenAt is recovered from the date shard in the path, so bumped
	// access times never extend a file's retention.
	writtenAt time.Time
}

// evictionLoop drives periodic cleanup until the store closes. Cancellation
// is observed between passes and between individual files, never mid-file.
func (s *Store) evictionLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.EvictionInterval)
	defer ticker.Stop()

	s.logger.Info("eviction loop started", zap.Duration("interval", s.config.EvictionInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("eviction loop stopped")
			return
		case <-ticker.C:
			if err := s.RunEvictionPass(ctx); err != nil {
				s.logger.Warn("eviction pass aborted", zap.Error(err))
			}
		}
	}
}

// RunEvictionPass runs one cleanup cycle over every tier. Per tier the
// retention sweep runs first and the size sweep second, so a file that is
// both too old and over capacity is always accounted to retention. Per-file
// failures are logged and skipped; only context cancellation aborts a pass.
func (s *Store) RunEvictionPass(ctx context.Context) error {
	for _, tier := range s.tiers {
		if err := ctx.Err(); err != nil {
			return err
		}

		files, err := s.listTierFiles(tier)
		if err != nil {
			tier.logger.Warn("tier listing failed, skipping", zap.Error(err))
			continue
		}

		files, err = s.sweepExpired(ctx, tier, files)
		if err != nil {
			return err
		}
		if err := s.sweepOverCapacity(ctx, tier, files); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpired removes files older than the tier's retention window,
// regardless of current utilization. Returns the surviving files.
func (s *Store) sweepExpired(ctx context.Context, tier *Tier, files []evictedFile) ([]evictedFile, error) {
	if tier.RetentionDays() <= 0 {
		return files, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -tier.RetentionDays())
	remaining := files[:0]
	removed := 0

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !f.writtenAt.Before(cutoff) {
			remaining = append(remaining, f)
			continue
		}
		if !s.evictFile(tier, f) {
			remaining = append(remaining, f)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.metrics.RecordEviction(tier.Name(), "expired", removed)
		tier.logger.Info("expired files evicted",
			zap.Int("removed", removed),
			zap.Int("retention_days", tier.RetentionDays()),
		)
	}
	return remaining, nil
}

// sweepOverCapacity removes the least recently accessed files until usage
// falls back under the cleanup threshold.
func (s *Store) sweepOverCapacity(ctx context.Context, tier *Tier, files []evictedFile) error {
	var totalBytes int64
	for _, f := range files {
		totalBytes += f.size
	}

	threshold := tier.thresholdMB() * 1024 * 1024
	if float64(totalBytes) < threshold {
		return nil
	}

	// Oldest access first. The most recently used file is only ever
	// touched once everything older is gone.
	sort.Slice(files, func(i, j int) bool {
		return files[i].lastAccess.Before(files[j].lastAccess)
	})

	removed := 0
	for _, f := range files {
		if float64(totalBytes) < threshold {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.evictFile(tier, f) {
			continue
		}
		totalBytes -= f.size
		removed++
	}

	if removed > 0 {
		s.metrics.RecordEviction(tier.Name(), "capacity", removed)
		tier.logger.Info("over-capacity files evicted",
			zap.Int("removed", removed),
			zap.Float64("size_mb", float64(totalBytes)/(1024*1024)),
		)
	}
	return nil
}

// evictFile deletes one payload with its records. Reports success; failures
// are logged and must not halt the cycle.
func (s *Store) evictFile(tier *Tier, f evictedFile) bool {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		tier.logger.Warn("failed to evict file", zap.String("path", f.path), zap.Error(err))
		return false
	}
	s.pruneEmptyDirs(filepath.Dir(f.path))

	hash := strings.TrimSuffix(filepath.Base(f.path), artifactExt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.dropRecords(ctx, hash)
	cancel()
	return true
}

// listTierFiles collects every payload in the tier with its size, access
// time and write date.
func (s *Store) listTierFiles(tier *Tier) ([]evictedFile, error) {
	var files []evictedFile
	err := filepath.WalkDir(tier.BasePath(), func(path string, d fs.DirEntry, err error) error {
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
		files = append(files, evictedFile{
			path:       path,
			size:       info.Size(),
			lastAccess: info.ModTime(),
			writtenAt:  writeDateFromPath(tier.BasePath(), path, info.ModTime()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// writeDateFromPath recovers the write date from the YYYY/MM/DD shard
// directories, falling back to the file's mtime for paths outside the
// expected layout.
func writeDateFromPath(basePath, path string, fallback time.Time) time.Time {
	rel, err := filepath.Rel(basePath, path)
	if err != nil {
		return fallback
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 {
		return fallback
	}
	ts, err := time.Parse("2006/01/02", strings.Join(parts[:3], "/"))
	if err != nil {
		return fallback
	}
	return ts
}
