package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// PlaybackMetricsMeterName is the name used for the playback metrics meter
	PlaybackMetricsMeterName = "github.com/framesync-dev/framesync/playback"

	// CacheMetricsMeterName is the name used for the asset cache metrics meter
	CacheMetricsMeterName = "github.com/framesync-dev/framesync/assetcache"

	// PoolMetricsMeterName is the name used for the instance pool metrics meter
	PoolMetricsMeterName = "github.com/framesync-dev/framesync/pool"

	// RetryMetricsMeterName is the name used for the retry service metrics meter
	RetryMetricsMeterName = "github.com/framesync-dev/framesync/retry"
)

// PlaybackMetrics holds the OpenTelemetry instruments for playback and drift metrics
type PlaybackMetrics struct {
	transitions      metric.Int64Counter
	driftCorrections metric.Int64Counter
	driftSeconds     metric.Float64Histogram
}

// NewPlaybackMetrics creates a new PlaybackMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPlaybackMetrics(provider metric.MeterProvider) (*PlaybackMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PlaybackMetricsMeterName)

	transitions, err := meter.Int64Counter(
		"framesync_playback_transitions_total",
		metric.WithDescription("Number of playback state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	driftCorrections, err := meter.Int64Counter(
		"framesync_drift_corrections_total",
		metric.WithDescription("Number of drift corrections applied to non-master instances"),
		metric.WithUnit("{correction}"),
	)
	if err != nil {
		return nil, err
	}

	driftSeconds, err := meter.Float64Histogram(
		"framesync_drift_seconds",
		metric.WithDescription("Observed drift between a non-master instance and the master"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	return &PlaybackMetrics{
		transitions:      transitions,
		driftCorrections: driftCorrections,
		driftSeconds:     driftSeconds,
	}, nil
}

// RecordTransition records a playback state transition
func (m *PlaybackMetrics) RecordTransition(ctx context.Context, state string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordDriftCorrection records a drift correction applied to an instance
func (m *PlaybackMetrics) RecordDriftCorrection(ctx context.Context, playerID string, drift time.Duration) {
	if m == nil || m.driftCorrections == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("player", playerID)}
	m.driftCorrections.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.driftSeconds.Record(ctx, drift.Seconds(), metric.WithAttributes(attrs...))
}

// CacheMetrics holds the OpenTelemetry instruments for asset cache metrics
type CacheMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	sizeBytes metric.Int64Gauge
}

// NewCacheMetrics creates a new CacheMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCacheMetrics(provider metric.MeterProvider) (*CacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CacheMetricsMeterName)

	hits, err := meter.Int64Counter(
		"framesync_cache_hits_total",
		metric.WithDescription("Number of asset cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"framesync_cache_misses_total",
		metric.WithDescription("Number of asset cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"framesync_cache_evictions_total",
		metric.WithDescription("Number of asset cache evictions"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, err
	}

	sizeBytes, err := meter.Int64Gauge(
		"framesync_cache_size_bytes",
		metric.WithDescription("Aggregate size of cached assets"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		hits:      hits,
		misses:    misses,
		evictions: evictions,
		sizeBytes: sizeBytes,
	}, nil
}

// RecordHit records a cache hit
func (m *CacheMetrics) RecordHit(ctx context.Context) {
	if m == nil || m.hits == nil {
		return
	}
	m.hits.Add(ctx, 1)
}

// RecordMiss records a cache miss
func (m *CacheMetrics) RecordMiss(ctx context.Context) {
	if m == nil || m.misses == nil {
		return
	}
	m.misses.Add(ctx, 1)
}

// RecordEviction records an eviction with its reason (lru or ttl)
func (m *CacheMetrics) RecordEviction(ctx context.Context, reason string) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSize records the aggregate cache size
func (m *CacheMetrics) RecordSize(ctx context.Context, size int64) {
	if m == nil || m.sizeBytes == nil {
		return
	}
	m.sizeBytes.Record(ctx, size)
}

// PoolMetrics holds the OpenTelemetry instruments for instance pool metrics
type PoolMetrics struct {
	pooled metric.Int64Gauge
	inUse  metric.Int64Gauge
}

// NewPoolMetrics creates a new PoolMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPoolMetrics(provider metric.MeterProvider) (*PoolMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PoolMetricsMeterName)

	pooled, err := meter.Int64Gauge(
		"framesync_pool_instances",
		metric.WithDescription("Number of pooled backend instances per kind"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	inUse, err := meter.Int64Gauge(
		"framesync_pool_instances_in_use",
		metric.WithDescription("Number of pooled backend instances currently handed out"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{pooled: pooled, inUse: inUse}, nil
}

// RecordOccupancy records the pool occupancy for a backend kind
func (m *PoolMetrics) RecordOccupancy(ctx context.Context, kind string, total, inUse int64) {
	if m == nil || m.pooled == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.pooled.Record(ctx, total, attrs)
	m.inUse.Record(ctx, inUse, attrs)
}

// RetryMetrics holds the OpenTelemetry instruments for retry service metrics
type RetryMetrics struct {
	attempts metric.Int64Counter
}

// NewRetryMetrics creates a new RetryMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewRetryMetrics(provider metric.MeterProvider) (*RetryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RetryMetricsMeterName)

	attempts, err := meter.Int64Counter(
		"framesync_retry_attempts_total",
		metric.WithDescription("Number of retry attempts per backend kind and error category"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &RetryMetrics{attempts: attempts}, nil
}

// RecordAttempt records a retry attempt
func (m *RetryMetrics) RecordAttempt(ctx context.Context, kind, category string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("category", category),
	))
}
