// Package assetcache provides a content-addressed cache of decoded binary
// sub-resources (images, fonts) referenced by an animation, with LRU and TTL
// eviction under an aggregate size cap.
package assetcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/framesync-dev/framesync/internal/telemetry"
)

const (
	// DefaultMaxSize caps the aggregate cached bytes
	DefaultMaxSize = int64(50 * 1024 * 1024)

	// DefaultTTL evicts entries older than this regardless of access recency
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the TTL sweep runs
	DefaultSweepInterval = 5 * time.Minute

	// topAssetCount is how many entries Stats reports as most accessed
	topAssetCount = 5
)

// Handle is an addressable reference to a cached binary asset
type Handle struct {
	mu          sync.Mutex
	key         string
	data        []byte
	contentType string
	released    bool
}

// Key returns the content-derived cache key
func (h *Handle) Key() string { return h.key }

// Bytes returns the cached content, or nil once the handle has been released
func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return h.data
}

// Len returns the content size in bytes
func (h *Handle) Len() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

// ContentType returns the hinted content type, if any
func (h *Handle) ContentType() string { return h.contentType }

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.data = nil
}

type entry struct {
	key          string
	handle       *Handle
	size         int64
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// Stats is the observability snapshot of the cache
type Stats struct {
	TotalAssets    int          `json:"totalAssets"`
	CacheSizeBytes int64        `json:"cacheSizeBytes"`
	HitRate        float64      `json:"hitRate"`
	TopAssets      []AssetStats `json:"topAssets"`
}

// AssetStats describes one cached asset for the stats endpoint
type AssetStats struct {
	Key         string `json:"key"`
	SizeBytes   int64  `json:"sizeBytes"`
	AccessCount int64  `json:"accessCount"`
}

// Cache is the process-wide asset cache. All mutation goes through its
// methods; the TTL sweeper runs independently of any animation session.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	totalSize int64
	hits      int64
	misses    int64

	maxSize       int64
	ttl           time.Duration
	sweepInterval time.Duration

	clock   func() time.Time
	metrics *telemetry.CacheMetrics

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the cache
type Option func(*Cache)

// WithMaxSize sets the aggregate size cap
func WithMaxSize(maxSize int64) Option {
	return func(c *Cache) {
		if maxSize > 0 {
			c.maxSize = maxSize
		}
	}
}

// WithTTL sets the entry time-to-live
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often the TTL sweep runs
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) {
		if interval > 0 {
			c.sweepInterval = interval
		}
	}
}

// WithClock injects a time source for tests
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithMetrics sets the cache metrics
func WithMetrics(metrics *telemetry.CacheMetrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// New creates an asset cache with the given options
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*entry),
		maxSize:       DefaultMaxSize,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key from the path, byte length and a cheap content
// fingerprint (first, middle and last byte), so identical bytes under
// different loads collapse to one entry.
func Key(path string, data []byte) string {
	if len(data) == 0 {
		return fmt.Sprintf("%s:0:empty", path)
	}
	first := data[0]
	middle := data[len(data)/2]
	last := data[len(data)-1]
	return fmt.Sprintf("%s:%d:%02x%02x%02x", path, len(data), first, middle, last)
}

// GetOrCreate returns the cached handle for the given asset bytes, creating
// and inserting one on a miss. Insertion reclaims space first so the
// aggregate size never exceeds the cap.
func (c *Cache) GetOrCreate(ctx context.Context, path string, data []byte, hintedType string) (*Handle, error) {
	if data == nil {
		return nil, fmt.Errorf("asset %q has no data", path)
	}

	key := Key(path, data)
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccessed = now
		e.accessCount++
		c.hits++
		handle := e.handle
		c.mu.Unlock()
		c.metrics.RecordHit(ctx)
		return handle, nil
	}

	c.misses++
	size := int64(len(data))
	handle := &Handle{key: key, data: data, contentType: hintedType}

	// An asset larger than the whole cache is handed back uncached rather
	// than evicting everything for nothing.
	if size > c.maxSize {
		c.mu.Unlock()
		c.metrics.RecordMiss(ctx)
		slog.Warn("Asset exceeds cache capacity, bypassing cache",
			"path", path,
			"size", size,
			"cap", c.maxSize)
		return handle, nil
	}

	c.reclaimLocked(ctx, size)
	c.entries[key] = &entry{
		key:          key,
		handle:       handle,
		size:         size,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
	}
	c.totalSize += size
	total := c.totalSize
	c.mu.Unlock()

	c.metrics.RecordMiss(ctx)
	c.metrics.RecordSize(ctx, total)
	return handle, nil
}

// reclaimLocked evicts least-recently-accessed entries until the new entry
// fits under the cap. Caller must hold c.mu.
func (c *Cache) reclaimLocked(ctx context.Context, needed int64) {
	if c.totalSize+needed <= c.maxSize {
		return
	}

	byAge := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].lastAccessed.Before(byAge[j].lastAccessed)
	})

	for _, e := range byAge {
		if c.totalSize+needed <= c.maxSize {
			break
		}
		c.evictLocked(e)
		c.metrics.RecordEviction(ctx, "lru")
		slog.Debug("Evicted asset to reclaim cache space",
			"key", e.key,
			"size", e.size)
	}
}

// evictLocked removes an entry and releases its handle. Caller must hold c.mu.
func (c *Cache) evictLocked(e *entry) {
	delete(c.entries, e.key)
	c.totalSize -= e.size
	e.handle.release()
}

// Stats returns the observability snapshot
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if lookups := c.hits + c.misses; lookups > 0 {
		hitRate = float64(c.hits) / float64(lookups)
	}

	byAccess := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAccess = append(byAccess, e)
	}
	sort.Slice(byAccess, func(i, j int) bool {
		if byAccess[i].accessCount != byAccess[j].accessCount {
			return byAccess[i].accessCount > byAccess[j].accessCount
		}
		return byAccess[i].key < byAccess[j].key
	})
	if len(byAccess) > topAssetCount {
		byAccess = byAccess[:topAssetCount]
	}

	top := make([]AssetStats, 0, len(byAccess))
	for _, e := range byAccess {
		top = append(top, AssetStats{
			Key:         e.key,
			SizeBytes:   e.size,
			AccessCount: e.accessCount,
		})
	}

	return Stats{
		TotalAssets:    len(c.entries),
		CacheSizeBytes: c.totalSize,
		HitRate:        hitRate,
		TopAssets:      top,
	}
}

// Clear releases every cached handle and resets bookkeeping
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.handle.release()
	}
	c.entries = make(map[string]*entry)
	c.totalSize = 0
	c.hits = 0
	c.misses = 0
}

// Destroy stops the sweeper and releases every cached handle
func (c *Cache) Destroy() {
	_ = c.Stop()
	c.Clear()
}

// Start begins the background TTL sweep.
// Blocks until the context is cancelled. Single-use; once stopped the
// sweeper cannot be started again.
func (c *Cache) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer close(c.done)

	slog.Info("Starting asset cache sweeper",
		"interval", c.sweepInterval,
		"ttl", c.ttl)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(sweepCtx)
		case <-sweepCtx.Done():
			slog.Info("Asset cache sweeper stopping")
			return nil
		}
	}
}

// Stop gracefully stops the sweeper
func (c *Cache) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.cancelFunc = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-c.done
	}
	return nil
}

// Sweep evicts entries older than the TTL regardless of access recency
func (c *Cache) Sweep(ctx context.Context) {
	now := c.clock()

	c.mu.Lock()
	var evicted int
	for _, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			c.evictLocked(e)
			c.metrics.RecordEviction(ctx, "ttl")
			evicted++
		}
	}
	total := c.totalSize
	c.mu.Unlock()

	if evicted > 0 {
		c.metrics.RecordSize(ctx, total)
		slog.Debug("Asset cache sweep complete",
			"evicted", evicted,
			"size", total)
	}
}
