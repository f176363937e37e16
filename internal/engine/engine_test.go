package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/adapter/adaptertest"
	"github.com/framesync-dev/framesync/internal/adapter/headless"
	"github.com/framesync-dev/framesync/internal/animation"
	"github.com/framesync-dev/framesync/internal/config"
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

// fakeBackend hands out scriptable adapters and remembers them in order
type fakeBackend struct {
	mu    sync.Mutex
	fakes []*adaptertest.Fake

	// nextInitErrs seeds InitErrs on the next constructed fake
	nextInitErrs []error
}

func (b *fakeBackend) factory() adapter.Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := adaptertest.NewFake()
	f.InitErrs = b.nextInitErrs
	b.nextInitErrs = nil
	b.fakes = append(b.fakes, f)
	return f
}

func (b *fakeBackend) fake(i int) *adaptertest.Fake {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fakes[i]
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Sync.SettleWindow = "20ms"
	return cfg
}

func testPayload() animation.Payload {
	return animation.Payload{
		Metadata: animation.Metadata{FrameRate: 30, TotalFrames: 60},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	for _, kind := range adapter.Kinds() {
		opts = append(opts, WithBackend(kind, backend.factory))
	}
	return New(cfg, opts...), backend
}

// loadAndMount loads the payload, mounts n players one at a time so the
// master assignment is deterministic, and waits for readiness.
func loadAndMount(t *testing.T, e *Engine, n int) []string {
	t.Helper()
	require.NoError(t, e.LoadAnimation(context.Background(), "spinner", testPayload()))

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s", 800, 600))
		require.NoError(t, err)
		ids = append(ids, id)
		require.Eventually(t, func() bool {
			snap := e.Snapshot()
			return len(snap.Players) == i+1 && snap.Players[i].Status == StatusReady
		}, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateReady
	}, time.Second, 5*time.Millisecond)
	return ids
}

func TestLoadPlaySeek(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	require.NoError(t, e.LoadAnimation(context.Background(), "spinner", testPayload()))
	snap := e.Snapshot()
	assert.Equal(t, StateLoaded, snap.State)
	assert.Equal(t, "spinner", snap.AnimationName)
	assert.Equal(t, 60.0, snap.TotalFrames)
	assert.InDelta(t, 2.0, snap.Duration, 1e-9)

	id, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.State == StateReady && snap.PlaybackState == PlaybackStopped
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, e.MasterID())

	require.NoError(t, e.Play())
	assert.Equal(t, PlaybackPlaying, e.Snapshot().PlaybackState)

	require.NoError(t, e.Seek(30))
	snap = e.Snapshot()
	assert.Equal(t, 30.0, snap.CurrentFrame)
	assert.InDelta(t, 1.0, snap.CurrentTime, 1e-9)
	assert.Equal(t, PlaybackSeeking, snap.PlaybackState)

	// After the settle window playback resumes where it was
	require.Eventually(t, func() bool {
		return e.Snapshot().PlaybackState == PlaybackPlaying
	}, time.Second, 5*time.Millisecond)
}

func TestSeekWhilePausedSettlesToPaused(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())
	loadAndMount(t, e, 1)

	require.NoError(t, e.Play())
	require.NoError(t, e.Pause())
	require.NoError(t, e.Seek(10))
	assert.Equal(t, PlaybackSeeking, e.Snapshot().PlaybackState)

	require.Eventually(t, func() bool {
		return e.Snapshot().PlaybackState == PlaybackPaused
	}, time.Second, 5*time.Millisecond)
}

func TestSeekClamping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		frame     float64
		wantFrame float64
	}{
		{"negative_clamps_to_zero", -5, 0},
		{"beyond_end_clamps_to_total", 500, 60},
		{"in_range_untouched", 12, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEngine(t, testConfig())
			loadAndMount(t, e, 1)
			require.NoError(t, e.Play())

			require.NoError(t, e.Seek(tt.frame))
			assert.Equal(t, tt.wantFrame, e.Snapshot().CurrentFrame)
		})
	}
}

func TestStopRewinds(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())
	loadAndMount(t, e, 1)

	require.NoError(t, e.Play())
	require.NoError(t, e.Seek(30))
	require.NoError(t, e.Stop())

	snap := e.Snapshot()
	assert.Equal(t, PlaybackStopped, snap.PlaybackState)
	assert.Zero(t, snap.CurrentFrame)
	assert.Zero(t, snap.CurrentTime)

	// The settle window must not fire after a stop
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, PlaybackStopped, e.Snapshot().PlaybackState)
}

func TestPlaybackIntentsRequireReady(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	assert.ErrorIs(t, e.Play(), ErrNotReady)
	assert.ErrorIs(t, e.Pause(), ErrNotReady)
	assert.ErrorIs(t, e.Stop(), ErrNotReady)
	assert.ErrorIs(t, e.Seek(10), ErrNotReady)
}

func TestMasterFrameReports(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	e, _ := newTestEngine(t, testConfig(), WithClock(clock.Now))
	ids := loadAndMount(t, e, 2)
	master, other := ids[0], ids[1]
	require.Equal(t, master, e.MasterID())

	// Reports from non-master instances never move the canonical position
	e.HandleFrameReport(other, 25, 0.83)
	assert.Zero(t, e.Snapshot().CurrentFrame)

	e.HandleFrameReport(master, 10, 0.333)
	assert.Equal(t, 10.0, e.Snapshot().CurrentFrame)

	// Within the report interval further reports are discarded
	e.HandleFrameReport(master, 15, 0.5)
	assert.Equal(t, 10.0, e.Snapshot().CurrentFrame)

	// A sub-half-frame move is jitter, not progress
	clock.Advance(20 * time.Millisecond)
	e.HandleFrameReport(master, 10.2, 0.34)
	assert.Equal(t, 10.0, e.Snapshot().CurrentFrame)

	clock.Advance(20 * time.Millisecond)
	e.HandleFrameReport(master, 15, 0.5)
	assert.Equal(t, 15.0, e.Snapshot().CurrentFrame)

	// Reports are clamped to the animation bounds
	clock.Advance(20 * time.Millisecond)
	e.HandleFrameReport(master, 900, 30)
	assert.Equal(t, 60.0, e.Snapshot().CurrentFrame)
}

func TestFrameReportsDiscardedWhileSeeking(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	e, _ := newTestEngine(t, testConfig(), WithClock(clock.Now))
	ids := loadAndMount(t, e, 1)

	require.NoError(t, e.Play())
	require.NoError(t, e.Seek(30))
	require.Equal(t, PlaybackSeeking, e.Snapshot().PlaybackState)

	e.HandleFrameReport(ids[0], 5, 0.16)
	assert.Equal(t, 30.0, e.Snapshot().CurrentFrame)
}

func TestAnimationComplete(t *testing.T) {
	t.Parallel()

	t.Run("without_loop_stops_and_rewinds", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(t, testConfig())
		ids := loadAndMount(t, e, 1)
		require.NoError(t, e.Play())

		e.HandleAnimationComplete(ids[0])
		snap := e.Snapshot()
		assert.Equal(t, PlaybackStopped, snap.PlaybackState)
		assert.Zero(t, snap.CurrentFrame)
	})

	t.Run("with_loop_keeps_playing", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(t, testConfig())
		ids := loadAndMount(t, e, 1)
		e.SetLoop(true)
		require.NoError(t, e.Play())

		e.HandleAnimationComplete(ids[0])
		assert.Equal(t, PlaybackPlaying, e.Snapshot().PlaybackState)
	})
}

func TestMasterReassignment(t *testing.T) {
	t.Parallel()

	t.Run("on_removal", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(t, testConfig())
		ids := loadAndMount(t, e, 2)
		require.Equal(t, ids[0], e.MasterID())

		require.NoError(t, e.RemovePlayer(ids[0]))
		assert.Equal(t, ids[1], e.MasterID())
	})

	t.Run("on_error", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(t, testConfig())
		ids := loadAndMount(t, e, 2)

		e.HandleInstanceError(ids[0], "WebGL context lost")
		assert.Equal(t, ids[1], e.MasterID())

		snap := e.Snapshot()
		assert.Equal(t, StatusError, snap.Players[0].Status)
		assert.Equal(t, "WebGL context lost", snap.Players[0].ErrorMessage)
	})

	t.Run("none_left", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(t, testConfig())
		ids := loadAndMount(t, e, 1)

		require.NoError(t, e.RemovePlayer(ids[0]))
		assert.Empty(t, e.MasterID())
	})
}

func TestRemoveUnknownPlayer(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())
	assert.ErrorIs(t, e.RemovePlayer("nope"), ErrUnknownPlayer)
}

func TestInstanceCap(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxInstances = 2
	e, _ := newTestEngine(t, cfg)

	_, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
	require.NoError(t, err)
	_, err = e.AddPlayer(adapter.KindCanvas, adapter.NewSurface("s2", 800, 600))
	require.NoError(t, err)
	_, err = e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s3", 800, 600))
	assert.ErrorIs(t, err, ErrTooManyInstances)
}

func TestQueuedPlayerInitializesOnLoad(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	// No animation yet: the instance stays queued in the loading status
	id, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
	require.NoError(t, err)
	snap := e.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	require.Len(t, snap.Players, 1)
	assert.Equal(t, StatusLoading, snap.Players[0].Status)

	require.NoError(t, e.LoadAnimation(context.Background(), "spinner", testPayload()))
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateReady
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, e.MasterID())
}

func TestFailedInitialization(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	backend.nextInitErrs = []error{errors.New("validation failed: malformed animation data")}
	e := New(testConfig(), WithBackend(adapter.KindSVG, backend.factory))

	require.NoError(t, e.LoadAnimation(context.Background(), "broken", testPayload()))
	id, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Players) == 1 && snap.Players[0].Status == StatusError
	}, time.Second, 5*time.Millisecond)

	snap := e.Snapshot()
	assert.Equal(t, StateInitializing, snap.State)
	assert.Contains(t, snap.Players[0].ErrorMessage, "validation failed")
	assert.Empty(t, e.MasterID())

	advice, err := e.RetryAdvice(id)
	require.NoError(t, err)
	assert.Contains(t, advice, "Input is invalid")
}

func TestRetryAdvice(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	_, err := e.RetryAdvice("nope")
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	ids := loadAndMount(t, e, 1)
	advice, err := e.RetryAdvice(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "No failure recorded for this instance.", advice)
}

func TestSetSpeedAndLoop(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	require.Error(t, e.SetSpeed(0))
	require.Error(t, e.SetSpeed(-1))
	require.NoError(t, e.SetSpeed(1.5))
	e.SetLoop(true)

	snap := e.Snapshot()
	assert.Equal(t, 1.5, snap.Speed)
	assert.True(t, snap.Loop)
}

func TestSetSyncMode(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	require.Error(t, e.SetSyncMode(SyncMode("turbo")))

	require.NoError(t, e.SetSyncMode(SyncModeIndividual))
	assert.Equal(t, SyncModeIndividual, e.Snapshot().SyncMode)

	require.NoError(t, e.SetSyncMode(SyncModeGlobal))
	assert.Equal(t, SyncModeGlobal, e.Snapshot().SyncMode)
}

func TestLoadFailureAndClearError(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	err := e.LoadAnimation(context.Background(), "broken", animation.Payload{})
	require.Error(t, err)
	snap := e.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.NotEmpty(t, snap.LastError)

	e.ClearError()
	snap = e.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.LastError)
}

func TestReloadReplacesSession(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())
	loadAndMount(t, e, 1)
	require.NoError(t, e.Play())
	require.NoError(t, e.Seek(30))

	payload := animation.Payload{
		Metadata: animation.Metadata{FrameRate: 24, TotalFrames: 120},
	}
	require.NoError(t, e.LoadAnimation(context.Background(), "other", payload))

	snap := e.Snapshot()
	assert.Equal(t, "other", snap.AnimationName)
	assert.Equal(t, 120.0, snap.TotalFrames)
	assert.Zero(t, snap.CurrentFrame)
	assert.Equal(t, PlaybackStopped, snap.PlaybackState)

	// Mounted players re-initialize against the new session
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestReloadMasterFollowsReadiness(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), WithBackend(adapter.KindSVG,
		headless.Factory(headless.WithInitLatency(150*time.Millisecond))))
	require.NoError(t, e.LoadAnimation(context.Background(), "spinner", testPayload()))

	id, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateReady
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, id, e.MasterID())

	// A reload sends every instance back through initialization; the master
	// must not keep pointing at an instance that is no longer ready.
	payload := animation.Payload{
		Metadata: animation.Metadata{FrameRate: 24, TotalFrames: 120},
	}
	require.NoError(t, e.LoadAnimation(context.Background(), "other", payload))

	snap := e.Snapshot()
	require.Equal(t, StatusLoading, snap.Players[0].Status)
	assert.Empty(t, snap.MasterPlayerID)

	// Reports from the re-initializing instance no longer move the position
	e.HandleFrameReport(id, 30, 1.0)
	assert.Zero(t, e.Snapshot().CurrentFrame)

	// Readiness re-elects it once initialization completes
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateReady && e.MasterID() == id
	}, time.Second, 5*time.Millisecond)
}

func TestNewFillsConfigDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"nil_config", nil},
		{"zero_config", &config.Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := New(tt.cfg)
			assert.Equal(t, StateIdle, e.Snapshot().State)

			// The instance cap comes from defaults, not the zero value
			_, err := e.AddPlayer(adapter.KindSVG, adapter.NewSurface("s1", 800, 600))
			require.NoError(t, err)
		})
	}
}

func TestLoadWithAssets(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testConfig())

	payload := testPayload()
	payload.Assets = []animation.Asset{
		{Path: "img/a.png", Bytes: []byte("png-bytes"), HintedType: "image/png"},
		{Path: "img/b.png", Bytes: []byte("more-bytes"), HintedType: "image/png"},
	}
	require.NoError(t, e.LoadAnimation(context.Background(), "with-assets", payload))
	assert.Equal(t, StateLoaded, e.Snapshot().State)
}
