package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync-dev/framesync/internal/adapter/adaptertest"
)

type frameReport struct {
	playerID string
	frame    float64
	time     float64
}

// recordingSink captures forwarded notifications for assertions
type recordingSink struct {
	mu        sync.Mutex
	master    string
	ready     []string
	errors    []string
	frames    []frameReport
	completes []string
}

func (s *recordingSink) HandleInstanceReady(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, playerID)
}

func (s *recordingSink) HandleInstanceError(playerID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, playerID+": "+message)
}

func (s *recordingSink) HandleFrameReport(playerID string, frame, time float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frameReport{playerID: playerID, frame: frame, time: time})
}

func (s *recordingSink) HandleAnimationComplete(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, playerID)
}

func (s *recordingSink) MasterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func countCommand(cmds []string, want string) int {
	n := 0
	for _, c := range cmds {
		if c == want {
			n++
		}
	}
	return n
}

func TestRegisterForwardsEvents(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := New(sink)

	f := adaptertest.NewFake()
	c.Register("p1", f)
	assert.Equal(t, 1, c.InstanceCount())

	f.EmitFrame(10, 0.5)
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, frameReport{playerID: "p1", frame: 10, time: 0.5}, sink.frames[0])
	sink.mu.Unlock()

	f.EmitError("canvas element detached")
	f.EmitComplete()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.errors) == 1 && len(sink.completes) == 1
	}, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, "p1: canvas element detached", sink.errors[0])
	sink.mu.Unlock()
}

func TestUnregisterStopsForwarding(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := New(sink)

	f := adaptertest.NewFake()
	c.Register("p1", f)
	f.EmitFrame(1, 0.1)
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	c.Unregister("p1")
	assert.Equal(t, 0, c.InstanceCount())

	f.EmitFrame(2, 0.2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, sink.frameCount())
}

func TestRegisterDuplicateIgnored(t *testing.T) {
	t.Parallel()
	c := New(&recordingSink{})

	f := adaptertest.NewFake()
	c.Register("p1", f)
	c.Register("p1", adaptertest.NewFake())
	assert.Equal(t, 1, c.InstanceCount())
}

func TestBroadcastSeekIsSynchronous(t *testing.T) {
	t.Parallel()
	c := New(&recordingSink{})

	origin := adaptertest.NewFake()
	other := adaptertest.NewFake()
	c.Register("origin", origin)
	c.Register("other", other)

	// No coordinator loop running: seeks still land immediately
	c.Broadcast(Command{Type: CommandSeek, Frame: 30}, "origin")

	assert.Empty(t, origin.Commands())
	require.Equal(t, []string{"seek"}, other.Commands())
	assert.Equal(t, 30.0, other.CurrentFrame())

	// The guard releases after a synchronous dispatch
	c.Broadcast(Command{Type: CommandSeek, Frame: 45}, "origin")
	assert.Equal(t, 45.0, other.CurrentFrame())
}

func TestBroadcastDeferredUntilLoopRuns(t *testing.T) {
	t.Parallel()
	c := New(&recordingSink{})

	f := adaptertest.NewFake()
	c.Register("p1", f)

	cmd := Command{Type: CommandPlay, Frame: 0, Speed: 1}
	c.Broadcast(cmd, "")
	// Second broadcast of the same type while the first is still queued is
	// dropped, not queued behind it
	c.Broadcast(cmd, "")
	assert.Empty(t, f.Commands())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		return countCommand(f.Commands(), "play") == 1
	}, time.Second, 5*time.Millisecond)

	// A play command carries position, speed and loop state
	assert.Equal(t, []string{"seek", "speed", "loop", "play"}, f.Commands())

	// The guard released after dispatch, so a fresh broadcast goes through
	c.Broadcast(Command{Type: CommandPause}, "")
	require.Eventually(t, func() bool {
		return countCommand(f.Commands(), "pause") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestValidateDriftCorrectsOnlyBeyondThreshold(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{master: "m"}
	c := New(sink, WithMaxLatency(50*time.Millisecond))

	master := adaptertest.NewFake()
	within := adaptertest.NewFake()
	drifted := adaptertest.NewFake()
	master.SetPosition(100, 2.0)
	within.SetPosition(99, 2.02)
	drifted.SetPosition(90, 2.2)

	c.Register("m", master)
	c.Register("a", within)
	c.Register("b", drifted)

	c.ValidateDrift(context.Background())

	assert.Empty(t, master.Commands())
	assert.Empty(t, within.Commands())
	require.Equal(t, []string{"seek"}, drifted.Commands())
	assert.Equal(t, 100.0, drifted.CurrentFrame())
}

func TestValidateDriftDisabled(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{master: "m"}
	c := New(sink)

	master := adaptertest.NewFake()
	drifted := adaptertest.NewFake()
	master.SetPosition(100, 2.0)
	drifted.SetPosition(10, 5.0)
	c.Register("m", master)
	c.Register("b", drifted)

	c.SetDriftEnabled(false)
	c.ValidateDrift(context.Background())
	assert.Empty(t, drifted.Commands())

	c.SetDriftEnabled(true)
	c.ValidateDrift(context.Background())
	assert.Equal(t, []string{"seek"}, drifted.Commands())
}

func TestValidateDriftWithoutMaster(t *testing.T) {
	t.Parallel()
	c := New(&recordingSink{})

	f := adaptertest.NewFake()
	f.SetPosition(10, 5.0)
	c.Register("p1", f)

	c.ValidateDrift(context.Background())
	assert.Empty(t, f.Commands())
}

func TestForceSync(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{master: "m"}
	c := New(sink)

	master := adaptertest.NewFake()
	other := adaptertest.NewFake()
	master.SetPosition(42, 1.4)
	other.SetPosition(40, 1.33)
	c.Register("m", master)
	c.Register("o", other)

	c.ForceSync()

	assert.Empty(t, master.Commands())
	require.Equal(t, []string{"seek"}, other.Commands())
	assert.Equal(t, 42.0, other.CurrentFrame())
}

func TestDriftInterval(t *testing.T) {
	t.Parallel()

	t.Run("nominal_for_single_instance", func(t *testing.T) {
		t.Parallel()
		c := New(&recordingSink{})
		c.Register("p1", adaptertest.NewFake())
		assert.Equal(t, qualityInterval, c.driftInterval())
	})

	t.Run("scales_with_instance_count", func(t *testing.T) {
		t.Parallel()
		c := New(&recordingSink{})
		c.Register("p1", adaptertest.NewFake())
		c.Register("p2", adaptertest.NewFake())
		assert.Equal(t, qualityInterval/2, c.driftInterval())
	})

	t.Run("floored", func(t *testing.T) {
		t.Parallel()
		c := New(&recordingSink{})
		for i := 0; i < 8; i++ {
			c.Register(string(rune('a'+i)), adaptertest.NewFake())
		}
		assert.Equal(t, minDriftInterval, c.driftInterval())
	})

	t.Run("performance_mode_halves_rate", func(t *testing.T) {
		t.Parallel()
		c := New(&recordingSink{}, WithPerformanceMode())
		c.Register("p1", adaptertest.NewFake())
		assert.Equal(t, performanceInterval, c.driftInterval())
	})
}
