// Package storage implements the tiered, content-addressable artifact store.
//
// Rendered payloads are identified by the SHA-256 digest of their bytes and
// written at most once: storing a payload that already exists anywhere in the
// tier hierarchy updates its access metadata instead of writing a second
// copy. Metadata records live in a Redis cache shared across worker
// processes; the physical tier files remain the source of truth, so every
// cache layer here degrades to a tier scan when Redis is unreachable.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rasterwell/rasterwell/internal/cache"
	"github.com/rasterwell/rasterwell/internal/metrics"
)

const (
	// Redis key prefixes, shared with every worker process.
	metadataKeyPrefix    = "file:"
	smallObjectKeyPrefix = "file_data:"
)

// StoreConfig configures the artifact store.
type StoreConfig struct {
	// Ordered tier list, hottest first. The first tier receives all new
	// writes.
	Tiers []TierConfig `yaml:"tiers" json:"tiers"`

	// Expiry for Redis metadata and small-object entries
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// Capacity of the in-process hash-to-path LRU cache
	PathCacheSize int `yaml:"path_cache_size" json:"path_cache_size"`

	// Payloads at or below this size are mirrored into Redis
	SmallObjectLimit int64 `yaml:"small_object_limit" json:"small_object_limit"`

	// Interval between eviction passes, zero disables the loop
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval"`
}

// DefaultStoreConfig returns the default two-tier layout rooted at basePath.
func DefaultStoreConfig(basePath string) StoreConfig {
	return StoreConfig{
		Tiers: []TierConfig{
			{
				Name:             "hot",
				BasePath:         filepath.Join(basePath, "hot"),
				MaxSizeMB:        500,
				RetentionDays:    7,
				CleanupThreshold: 0.8,
			},
			{
				Name:             "warm",
				BasePath:         filepath.Join(basePath, "warm"),
				MaxSizeMB:        2000,
				RetentionDays:    30,
				CleanupThreshold: 0.9,
			},
		},
		CacheTTL:         time.Hour,
		PathCacheSize:    4096,
		SmallObjectLimit: 1 << 20, // 1 MiB
		EvictionInterval: time.Hour,
	}
}

// Store orchestrates the tiers, the per-artifact metadata records and the
// background eviction loop. Construct it once at process start and inject it
// into consumers; Close releases the eviction goroutine.
type Store struct {
	config  StoreConfig
	tiers   []*Tier
	cache   *cache.Manager
	paths   *pathCache
	metrics *metrics.Collector
	logger  *zap.Logger

	// Per-hash exclusion for the check-then-write sequence. Sharded by
	// the first byte of the hash; operations on different hashes almost
	// always proceed in parallel.
	locks [256]sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStore builds the store and its tier directories. cacheMgr may be nil,
// in which case every operation runs against the tiers alone.
func NewStore(config StoreConfig, cacheMgr *cache.Manager, collector *metrics.Collector, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(config.Tiers) == 0 {
		return nil, fmt.Errorf("storage: at least one tier is required")
	}
	if config.PathCacheSize <= 0 {
		config.PathCacheSize = 4096
	}
	if config.SmallObjectLimit <= 0 {
		config.SmallObjectLimit = 1 << 20
	}

	s := &Store{
		config:  config,
		cache:   cacheMgr,
		paths:   newPathCache(config.PathCacheSize),
		metrics: collector,
		logger:  logger.With(zap.String("component", "storage")),
	}

	for _, tc := range config.Tiers {
		tier, err := NewTier(tc, logger)
		if err != nil {
			return nil, err
		}
		s.tiers = append(s.tiers, tier)
	}

	s.logger.Info("artifact store initialized",
		zap.Int("tiers", len(s.tiers)),
		zap.Duration("cache_ttl", config.CacheTTL),
	)

	return s, nil
}

// Start launches the background eviction loop.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed || s.config.EvictionInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.evictionLoop(ctx)
}

// Close stops the eviction loop and waits for it to finish. The Redis
// manager is owned by the caller and is not closed here.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.logger.Info("artifact store closed")
}

// Store persists data and returns its content hash. Identical payloads are
// stored exactly once: a duplicate store updates the existing record's
// access metadata and returns the same hash without writing a second file.
// extra is opaque caller context kept alongside the record.
func (s *Store) Store(ctx context.Context, data []byte, extra map[string]string) (string, error) {
	hash := HashBytes(data)

	// The check-then-write sequence must be exclusive per hash so two
	// concurrent stores of identical bytes cannot both miss the dedup
	// check and write twice.
	lock := s.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	if path, ok := s.findExisting(hash); ok {
		s.touchExisting(ctx, hash, path)
		s.paths.Add(hash, path)
		s.metrics.RecordDedupHit()
		s.metrics.RecordStoreOp("store", "dedup")
		s.logger.Debug("store deduplicated",
			zap.String("content_hash", hash),
			zap.String("path", path),
		)
		return hash, nil
	}

	tier := s.tiers[0]
	path := tier.FilePath(hash, time.Now().UTC())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.metrics.RecordStoreOp("store", "error")
		return "", fmt.Errorf("storage: failed to create shard directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.metrics.RecordStoreOp("store", "error")
		return "", fmt.Errorf("storage: failed to write payload: %w", err)
	}

	// Size invariant: the metadata record must match what landed on disk.
	info, err := os.Stat(path)
	if err != nil {
		s.metrics.RecordStoreOp("store", "error")
		return "", fmt.Errorf("storage: failed to stat written payload: %w", err)
	}
	if info.Size() != int64(len(data)) {
		_ = os.Remove(path)
		s.metrics.RecordStoreOp("store", "error")
		return "", fmt.Errorf("storage: short write: wrote %d of %d bytes", info.Size(), len(data))
	}

	meta := NewMetadata(hash, path, int64(len(data)), extra)
	s.writeMetadata(ctx, meta)
	s.paths.Add(hash, path)

	s.metrics.RecordStoreOp("store", "created")
	s.logger.Info("artifact stored",
		zap.String("content_hash", hash),
		zap.String("tier", tier.Name()),
		zap.Int("size", len(data)),
	)

	return hash, nil
}

// Retrieve returns the payload and metadata for hash. A hash no tier holds
// yields ErrNotFound; that is a normal outcome, not a failure.
func (s *Store) Retrieve(ctx context.Context, hash string) ([]byte, *Metadata, error) {
	if err := ValidateContentHash(hash); err != nil {
		s.metrics.RecordStoreOp("retrieve", "invalid")
		return nil, nil, err
	}

	if data, meta, ok := s.smallObjectGet(ctx, hash); ok {
		s.metrics.RecordCacheHit("small_object")
		s.metrics.RecordStoreOp("retrieve", "cache_hit")
		return data, meta, nil
	}
	s.metrics.RecordCacheMiss("small_object")

	path, ok := s.findExisting(hash)
	if !ok {
		s.metrics.RecordStoreOp("retrieve", "miss")
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.metrics.RecordStoreOp("retrieve", "error")
		return nil, nil, fmt.Errorf("storage: failed to read payload: %w", err)
	}

	meta := s.loadMetadata(ctx, hash)
	if meta == nil {
		// Record expired from Redis; rebuild it from the file itself.
		meta = NewMetadata(hash, path, int64(len(data)), nil)
	} else {
		meta.Touch()
		meta.FilePath = path
	}
	s.writeMetadata(ctx, meta)

	// The eviction loop orders files by modification time, so keep it in
	// step with the last access.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Debug("failed to bump payload mtime", zap.String("path", path), zap.Error(err))
	}

	s.smallObjectPut(ctx, hash, data, meta)
	s.paths.Add(hash, path)

	s.metrics.RecordStoreOp("retrieve", "hit")
	return data, meta, nil
}

// Delete removes the payload and every record of it. Deletion is
// idempotent: deleting an absent artifact still succeeds.
func (s *Store) Delete(ctx context.Context, hash string) (bool, error) {
	if err := ValidateContentHash(hash); err != nil {
		s.metrics.RecordStoreOp("delete", "invalid")
		return false, err
	}

	lock := s.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	if path, ok := s.findExisting(hash); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.metrics.RecordStoreOp("delete", "error")
			return false, fmt.Errorf("storage: failed to delete payload: %w", err)
		}
		s.pruneEmptyDirs(filepath.Dir(path))
	}

	s.dropRecords(ctx, hash)
	s.metrics.RecordStoreOp("delete", "ok")
	s.logger.Info("artifact deleted", zap.String("content_hash", hash))
	return true, nil
}

// Stats reports aggregate usage. An unreachable metadata cache degrades the
// cache section instead of failing the call.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Tiers: make(map[string]TierStats, len(s.tiers))}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, tier := range s.tiers {
		g.Go(func() error {
			size, err := tier.SizeMB()
			if err != nil {
				return err
			}
			count, err := tier.FileCount()
			if err != nil {
				return err
			}

			var utilization float64
			if tier.MaxSizeMB() > 0 {
				utilization = size / float64(tier.MaxSizeMB())
			}

			mu.Lock()
			stats.Tiers[tier.Name()] = TierStats{
				SizeMB:      size,
				MaxSizeMB:   tier.MaxSizeMB(),
				Utilization: utilization,
				FileCount:   count,
			}
			stats.TotalFiles += count
			stats.TotalSizeMB += size
			mu.Unlock()

			s.metrics.SetTierStats(tier.Name(), size, count)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.Cache = s.cacheStats(ctx)
	return stats, nil
}

// Stats is the read-only aggregate returned by Store.Stats.
type Stats struct {
	TotalFiles  int                  `json:"total_files"`
	TotalSizeMB float64              `json:"total_size_mb"`
	Tiers       map[string]TierStats `json:"tiers"`
	Cache       CacheStats           `json:"cache_stats"`
}

// TierStats describes one tier's usage.
type TierStats struct {
	SizeMB      float64 `json:"size_mb"`
	MaxSizeMB   int64   `json:"max_size_mb"`
	Utilization float64 `json:"utilization"`
	FileCount   int     `json:"file_count"`
}

// CacheStats describes the shared metadata cache. Available is false when
// Redis could not be reached; the rest of the stats are still valid.
type CacheStats struct {
	Available   bool   `json:"available"`
	CachedFiles int64  `json:"cached_files"`
	Error       string `json:"error,omitempty"`
}

func (s *Store) cacheStats(ctx context.Context) CacheStats {
	if s.cache == nil {
		return CacheStats{Available: false, Error: "metadata cache not configured"}
	}
	count, err := s.cache.CountKeys(ctx, metadataKeyPrefix+"*")
	if err != nil {
		return CacheStats{Available: false, Error: err.Error()}
	}
	return CacheStats{Available: true, CachedFiles: count}
}

// lockFor returns the exclusion lock shard for hash.
func (s *Store) lockFor(hash string) *sync.Mutex {
	var idx byte
	if len(hash) >= 2 {
		idx = hexNibble(hash[0])<<4 | hexNibble(hash[1])
	}
	return &s.locks[idx]
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// findExisting resolves hash to a physical file, checking the in-process
// path cache first and then every tier in order. The path cache is a hint:
// a stale entry whose file is gone falls through to the tier scan.
func (s *Store) findExisting(hash string) (string, bool) {
	if path, ok := s.paths.Get(hash); ok {
		if fileExists(path) {
			s.metrics.RecordCacheHit("path_lru")
			return path, true
		}
		s.paths.Remove(hash)
	}
	s.metrics.RecordCacheMiss("path_lru")

	for _, tier := range s.tiers {
		if path, ok := tier.FindFile(hash); ok {
			s.paths.Add(hash, path)
			return path, true
		}
	}
	return "", false
}

// touchExisting bumps the access metadata for a deduplicated store.
func (s *Store) touchExisting(ctx context.Context, hash, path string) {
	meta := s.loadMetadata(ctx, hash)
	if meta == nil {
		size := int64(0)
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		meta = NewMetadata(hash, path, size, nil)
	} else {
		meta.Touch()
		meta.FilePath = path
	}
	s.writeMetadata(ctx, meta)
}

// loadMetadata reads the Redis record for hash. Returns nil on miss or when
// the cache is unreachable; the caller rebuilds from the tier file.
func (s *Store) loadMetadata(ctx context.Context, hash string) *Metadata {
	if s.cache == nil {
		return nil
	}
	fields, err := s.cache.HGetAllMap(ctx, metadataKeyPrefix+hash)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("metadata cache read failed", zap.String("content_hash", hash), zap.Error(err))
		}
		s.metrics.RecordCacheMiss("metadata")
		return nil
	}
	meta, err := UnmarshalMetadata(fields)
	if err != nil {
		s.logger.Warn("corrupt metadata record", zap.String("content_hash", hash), zap.Error(err))
		return nil
	}
	s.metrics.RecordCacheHit("metadata")
	return meta
}

// writeMetadata publishes the record to Redis with a bounded expiry.
// Best-effort: the tier file is authoritative, so failures are logged and
// ignored.
func (s *Store) writeMetadata(ctx context.Context, meta *Metadata) {
	if s.cache == nil {
		return
	}
	fields, err := meta.MarshalMap()
	if err != nil {
		s.logger.Warn("failed to marshal metadata", zap.String("content_hash", meta.ContentHash), zap.Error(err))
		return
	}
	if err := s.cache.HSetMap(ctx, metadataKeyPrefix+meta.ContentHash, fields, s.config.CacheTTL); err != nil {
		s.logger.Warn("metadata cache write failed", zap.String("content_hash", meta.ContentHash), zap.Error(err))
	}
}

// dropRecords removes the Redis records and the path cache entry for hash.
// Cache removal is best-effort for the same reason writes are.
func (s *Store) dropRecords(ctx context.Context, hash string) {
	s.paths.Remove(hash)
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, metadataKeyPrefix+hash, smallObjectKeyPrefix+hash); err != nil {
		s.logger.Warn("metadata cache delete failed", zap.String("content_hash", hash), zap.Error(err))
	}
}

// cachedObject is the Redis value for small payloads.
type cachedObject struct {
	Data     []byte    `json:"data"`
	Metadata *Metadata `json:"metadata"`
}

func (s *Store) smallObjectGet(ctx context.Context, hash string) ([]byte, *Metadata, bool) {
	if s.cache == nil {
		return nil, nil, false
	}
	raw, err := s.cache.GetBytes(ctx, smallObjectKeyPrefix+hash)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("small-object cache read failed", zap.String("content_hash", hash), zap.Error(err))
		}
		return nil, nil, false
	}
	var obj cachedObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		s.logger.Warn("corrupt small-object entry", zap.String("content_hash", hash), zap.Error(err))
		return nil, nil, false
	}
	return obj.Data, obj.Metadata, true
}

// smallObjectPut mirrors payloads at or below the size limit into Redis.
func (s *Store) smallObjectPut(ctx context.Context, hash string, data []byte, meta *Metadata) {
	if s.cache == nil || int64(len(data)) > s.config.SmallObjectLimit {
		return
	}
	raw, err := json.Marshal(cachedObject{Data: data, Metadata: meta})
	if err != nil {
		return
	}
	if err := s.cache.SetBytes(ctx, smallObjectKeyPrefix+hash, raw, s.config.CacheTTL); err != nil {
		s.logger.Warn("small-object cache write failed", zap.String("content_hash", hash), zap.Error(err))
	}
}

// pruneEmptyDirs removes now-empty shard directories after a deletion,
// stopping at the first non-empty parent or any tier base path.
func (s *Store) pruneEmptyDirs(dir string) {
	bases := make(map[string]struct{}, len(s.tiers))
	for _, tier := range s.tiers {
		bases[filepath.Clean(tier.BasePath())] = struct{}{}
	}

	for {
		clean := filepath.Clean(dir)
		if _, isBase := bases[clean]; isBase || clean == "/" || clean == "." {
			return
		}
		entries, err := os.ReadDir(clean)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(clean); err != nil {
			return
		}
		dir = filepath.Dir(clean)
	}
}
