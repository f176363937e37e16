package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/adapter/adaptertest"
	"github.com/framesync-dev/framesync/internal/adapter/headless"
	"github.com/framesync-dev/framesync/internal/animation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingFactory() (adapter.Factory, *int) {
	built := 0
	return func() adapter.Adapter {
		built++
		return adaptertest.NewFake()
	}, &built
}

func testSurface(id string) adapter.Surface {
	return adapter.NewSurface(id, 800, 600)
}

func TestAcquireReleaseReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()
	factory, built := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	p.Release(ctx, adapter.KindSVG, a)

	// Release followed by acquire of the same kind reuses the exact entry
	b, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s2"), factory)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, *built)
}

func TestAcquireNeverHandsOutBusyEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()
	factory, built := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindCanvas, testSurface("s1"), factory)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, adapter.KindCanvas, testSurface("s2"), factory)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, *built)

	stats := p.Stats()
	assert.Equal(t, 2, stats[adapter.KindCanvas].InUse)
	assert.Equal(t, 0, stats[adapter.KindCanvas].Available)
}

func TestIdleEntriesReusedInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	p := New(WithMaxPerKind(2), WithClock(clock.Now))
	factory, built := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s2"), factory)
	require.NoError(t, err)

	p.Release(ctx, adapter.KindSVG, a)
	clock.Advance(time.Second)
	p.Release(ctx, adapter.KindSVG, b)
	clock.Advance(time.Second)

	// Both idle within the cap: nothing is destroyed and acquires reuse
	// pooled entries instead of constructing.
	c, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s3"), factory)
	require.NoError(t, err)
	assert.Same(t, a, c)
	d, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s4"), factory)
	require.NoError(t, err)
	assert.Same(t, b, d)

	assert.Equal(t, 2, *built)
	assert.Equal(t, 0, a.(*adaptertest.Fake).DestroyCalls())
	assert.Equal(t, 0, b.(*adaptertest.Fake).DestroyCalls())
}

func TestSoftCapGrowsWhenAllBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(WithMaxPerKind(1))
	factory, built := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindWebGL, testSurface("s1"), factory)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, adapter.KindWebGL, testSurface("s2"), factory)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, *built)
	assert.Equal(t, 2, p.Stats()[adapter.KindWebGL].Total)
	assert.Equal(t, 0, a.(*adaptertest.Fake).DestroyCalls())
}

func TestReleaseShrinksBackToCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	p := New(WithMaxPerKind(1), WithClock(clock.Now))
	factory, _ := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s2"), factory)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats()[adapter.KindSVG].Total)

	// Releasing while over the cap tears the released entry down instead
	// of pooling it
	p.Release(ctx, adapter.KindSVG, b)
	assert.Equal(t, 1, b.(*adaptertest.Fake).DestroyCalls())
	assert.Equal(t, 1, p.Stats()[adapter.KindSVG].Total)

	// Back at the cap the release pools as usual
	p.Release(ctx, adapter.KindSVG, a)
	assert.Equal(t, 0, a.(*adaptertest.Fake).DestroyCalls())
	stats := p.Stats()[adapter.KindSVG]
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Available)

	c, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s3"), factory)
	require.NoError(t, err)
	assert.Same(t, a, c)
}

func TestReleaseQuiescesInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()
	factory, _ := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	f := a.(*adaptertest.Fake)
	f.EmitFrame(10, 0.33)

	p.Release(ctx, adapter.KindSVG, a)

	// The next acquirer must see a stopped, rewound instance with no events
	// buffered from the previous binding
	assert.Contains(t, f.Commands(), "stop")
	assert.Zero(t, f.CurrentFrame())
	select {
	case ev, ok := <-f.Events():
		if ok {
			t.Fatalf("unexpected buffered event after release: %+v", ev)
		}
	default:
	}
}

func TestReleaseStopsPlaybackLoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), headless.Factory())
	require.NoError(t, err)

	session, err := animation.NewSession("spinner", animation.Payload{
		Metadata: animation.Metadata{FrameRate: 30, TotalFrames: 60},
	})
	require.NoError(t, err)
	require.NoError(t, <-a.Initialize(ctx, testSurface("s1"), session, adapter.Config{Speed: 8, Loop: true}))
	a.Play()
	require.Eventually(t, func() bool {
		return a.CurrentFrame() > 0
	}, time.Second, 5*time.Millisecond)

	p.Release(ctx, adapter.KindSVG, a)

	// The playback clock is halted and rewound; the position stays put
	assert.Zero(t, a.CurrentFrame())
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, a.CurrentFrame())
}

func TestReleaseUntrackedDestroys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()

	stray := adaptertest.NewFake()
	p.Release(ctx, adapter.KindSVG, stray)
	assert.Equal(t, 1, stray.DestroyCalls())
}

func TestReapTearsDownIdleEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	p := New(WithMaxIdle(time.Minute), WithClock(clock.Now))
	factory, _ := countingFactory()

	idle, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s2"), factory)
	require.NoError(t, err)
	p.Release(ctx, adapter.KindSVG, idle)

	clock.Advance(2 * time.Minute)
	p.Reap(ctx)

	assert.Equal(t, 1, idle.(*adaptertest.Fake).DestroyCalls())
	assert.Equal(t, 0, busy.(*adaptertest.Fake).DestroyCalls())
	stats := p.Stats()
	assert.Equal(t, 1, stats[adapter.KindSVG].Total)
	assert.Equal(t, 1, stats[adapter.KindSVG].InUse)
}

func TestCloseDestroysEverythingAndRejectsAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New()
	factory, _ := countingFactory()

	a, err := p.Acquire(ctx, adapter.KindSVG, testSurface("s1"), factory)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, adapter.KindCanvas, testSurface("s2"), factory)
	require.NoError(t, err)

	require.NoError(t, p.Close())

	assert.Equal(t, 1, a.(*adaptertest.Fake).DestroyCalls())
	assert.Equal(t, 1, b.(*adaptertest.Fake).DestroyCalls())

	_, err = p.Acquire(ctx, adapter.KindSVG, testSurface("s3"), factory)
	assert.ErrorIs(t, err, ErrClosed)

	// Releasing after close tears down rather than pooling
	stray := adaptertest.NewFake()
	p.Release(ctx, adapter.KindSVG, stray)
	assert.Equal(t, 1, stray.DestroyCalls())
}

func TestReaperLifecycle(t *testing.T) {
	t.Parallel()
	p := New(WithReapInterval(10 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, p.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
