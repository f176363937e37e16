// Package pool recycles backend adapter instances by kind, avoiding repeated
// expensive construction and teardown.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/telemetry"
)

const (
	// DefaultMaxPerKind is the soft capacity per backend kind
	DefaultMaxPerKind = 3

	// DefaultMaxIdle is how long a released instance may sit unused
	DefaultMaxIdle = 5 * time.Minute

	// DefaultReapInterval is how often the idle reaper runs
	DefaultReapInterval = 2 * time.Minute
)

// ErrClosed is returned by Acquire after the pool has been closed
var ErrClosed = fmt.Errorf("instance pool is closed")

type pooledInstance struct {
	adapter  adapter.Adapter
	lastUsed time.Time
	inUse    bool
	surface  adapter.Surface
}

// KindStats describes pool occupancy for one backend kind
type KindStats struct {
	Total     int `json:"total"`
	InUse     int `json:"inUse"`
	Available int `json:"available"`
}

// Pool is the process-wide instance pool. Capacity is a soft target: when
// every pooled instance of a kind is in use the pool still grows rather than
// blocking new work.
type Pool struct {
	mu     sync.Mutex
	byKind map[adapter.Kind][]*pooledInstance
	closed bool

	maxPerKind   int
	maxIdle      time.Duration
	reapInterval time.Duration

	clock   func() time.Time
	metrics *telemetry.PoolMetrics

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the pool
type Option func(*Pool)

// WithMaxPerKind sets the soft capacity per backend kind
func WithMaxPerKind(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxPerKind = n
		}
	}
}

// WithMaxIdle sets the idle timeout after which instances are torn down
func WithMaxIdle(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.maxIdle = d
		}
	}
}

// WithReapInterval sets how often the idle reaper runs
func WithReapInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.reapInterval = d
		}
	}
}

// WithClock injects a time source for tests
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		p.clock = clock
	}
}

// WithMetrics sets the pool metrics
func WithMetrics(metrics *telemetry.PoolMetrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// New creates an instance pool with the given options
func New(opts ...Option) *Pool {
	p := &Pool{
		byKind:       make(map[adapter.Kind][]*pooledInstance),
		maxPerKind:   DefaultMaxPerKind,
		maxIdle:      DefaultMaxIdle,
		reapInterval: DefaultReapInterval,
		clock:        time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a free pooled instance of the given kind, constructing a
// new one via the factory when none is available. The surface is recorded so
// Release can clear the binding.
func (p *Pool) Acquire(ctx context.Context, kind adapter.Kind, surface adapter.Surface, factory adapter.Factory) (adapter.Adapter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	now := p.clock()
	for _, inst := range p.byKind[kind] {
		if !inst.inUse {
			inst.inUse = true
			inst.lastUsed = now
			inst.surface = surface
			a := inst.adapter
			p.recordOccupancyLocked(ctx, kind)
			p.mu.Unlock()
			slog.Debug("Reusing pooled instance", "kind", kind)
			return a, nil
		}
	}

	// Soft capacity: when every entry is busy the pool grows rather than
	// blocking new work. Release shrinks it back to the cap.
	a := factory()
	p.byKind[kind] = append(p.byKind[kind], &pooledInstance{
		adapter:  a,
		lastUsed: now,
		inUse:    true,
		surface:  surface,
	})
	p.recordOccupancyLocked(ctx, kind)
	p.mu.Unlock()

	slog.Debug("Constructed pooled instance", "kind", kind)
	return a, nil
}

// removeOldestIdleLocked unlinks the least recently used idle entry so its
// teardown runs exactly once, outside the lock. Caller must hold p.mu.
func (p *Pool) removeOldestIdleLocked(kind adapter.Kind) *pooledInstance {
	var oldest *pooledInstance
	idx := -1
	for i, inst := range p.byKind[kind] {
		if inst.inUse {
			continue
		}
		if oldest == nil || inst.lastUsed.Before(oldest.lastUsed) {
			oldest = inst
			idx = i
		}
	}
	if oldest == nil {
		return nil
	}
	p.byKind[kind] = append(p.byKind[kind][:idx], p.byKind[kind][idx+1:]...)
	return oldest
}

// Release returns an instance to the pool, clearing its surface binding so
// it can be safely rebound later. Playback is halted and buffered events are
// discarded so the next acquirer never observes the previous binding. If the
// pool grew past its soft capacity while everything was busy, the oldest idle
// entry is torn down here to shrink back to the cap. Instances the pool does
// not know are torn down instead of pooled.
func (p *Pool) Release(ctx context.Context, kind adapter.Kind, a adapter.Adapter) {
	a.StopPlayback()
	drainEvents(a)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		a.Destroy()
		return
	}
	for _, inst := range p.byKind[kind] {
		if inst.adapter == a {
			inst.inUse = false
			inst.surface = nil
			inst.lastUsed = p.clock()
			var evict *pooledInstance
			if len(p.byKind[kind]) > p.maxPerKind {
				evict = p.removeOldestIdleLocked(kind)
			}
			p.recordOccupancyLocked(ctx, kind)
			p.mu.Unlock()
			if evict != nil {
				evict.adapter.Destroy()
				slog.Debug("Evicted pooled instance over capacity", "kind", kind)
			}
			return
		}
	}
	p.mu.Unlock()

	slog.Debug("Released instance not tracked by pool, destroying", "kind", kind)
	a.Destroy()
}

// Stats returns occupancy per backend kind
func (p *Pool) Stats() map[adapter.Kind]KindStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[adapter.Kind]KindStats, len(p.byKind))
	for kind, instances := range p.byKind {
		s := KindStats{Total: len(instances)}
		for _, inst := range instances {
			if inst.inUse {
				s.InUse++
			}
		}
		s.Available = s.Total - s.InUse
		stats[kind] = s
	}
	return stats
}

// Start begins the background idle reaper.
// Blocks until the context is cancelled. Single-use; once stopped the reaper
// cannot be started again.
func (p *Pool) Start(ctx context.Context) error {
	reapCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelFunc = cancel
	p.mu.Unlock()
	defer close(p.done)

	slog.Info("Starting instance pool reaper",
		"interval", p.reapInterval,
		"max_idle", p.maxIdle)

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Reap(reapCtx)
		case <-reapCtx.Done():
			slog.Info("Instance pool reaper stopping")
			return nil
		}
	}
}

// Stop gracefully stops the reaper
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel := p.cancelFunc
	p.cancelFunc = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-p.done
	}
	return nil
}

// Reap tears down idle instances that have outlived the idle timeout.
// Entries are unlinked under the lock before teardown so Destroy runs
// exactly once per instance.
func (p *Pool) Reap(ctx context.Context) {
	now := p.clock()

	p.mu.Lock()
	var expired []*pooledInstance
	for kind, instances := range p.byKind {
		kept := instances[:0]
		for _, inst := range instances {
			if !inst.inUse && now.Sub(inst.lastUsed) > p.maxIdle {
				expired = append(expired, inst)
				continue
			}
			kept = append(kept, inst)
		}
		p.byKind[kind] = kept
		p.recordOccupancyLocked(ctx, kind)
	}
	p.mu.Unlock()

	for _, inst := range expired {
		inst.adapter.Destroy()
	}
	if len(expired) > 0 {
		slog.Debug("Reaped idle pooled instances", "count", len(expired))
	}
}

// Close stops the reaper and tears down every pooled instance
func (p *Pool) Close() error {
	_ = p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*pooledInstance
	for _, instances := range p.byKind {
		all = append(all, instances...)
	}
	p.byKind = make(map[adapter.Kind][]*pooledInstance)
	p.mu.Unlock()

	for _, inst := range all {
		inst.adapter.Destroy()
	}
	return nil
}

// drainEvents discards events buffered during the previous binding. The
// caller has unregistered the instance's watcher, so nothing else reads the
// channel concurrently.
func drainEvents(a adapter.Adapter) {
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// recordOccupancyLocked publishes occupancy gauges. Caller must hold p.mu.
func (p *Pool) recordOccupancyLocked(ctx context.Context, kind adapter.Kind) {
	if p.metrics == nil {
		return
	}
	var inUse int64
	for _, inst := range p.byKind[kind] {
		if inst.inUse {
			inUse++
		}
	}
	p.metrics.RecordOccupancy(ctx, string(kind), int64(len(p.byKind[kind])), inUse)
}
