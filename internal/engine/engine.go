// Package engine implements the authoritative playback state machine. It
// consumes user intents, drives the coordinator, and reconciles frame reports
// from the master instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/adapter/headless"
	"github.com/framesync-dev/framesync/internal/animation"
	"github.com/framesync-dev/framesync/internal/assetcache"
	"github.com/framesync-dev/framesync/internal/config"
	"github.com/framesync-dev/framesync/internal/coordinator"
	"github.com/framesync-dev/framesync/internal/pool"
	"github.com/framesync-dev/framesync/internal/retry"
	"github.com/framesync-dev/framesync/internal/telemetry"
)

const (
	// frameReportInterval rate-limits accepted master frame reports
	frameReportInterval = 16700 * time.Microsecond

	// minFrameDelta discards reports that would cause jitter-driven updates
	minFrameDelta = 0.5
)

var (
	// ErrNotReady is returned for playback intents before every instance is ready
	ErrNotReady = errors.New("engine is not ready for playback")

	// ErrUnknownPlayer is returned for intents naming an unknown instance
	ErrUnknownPlayer = errors.New("unknown player instance")

	// ErrTooManyInstances is returned when the configured instance cap is hit
	ErrTooManyInstances = errors.New("instance limit reached")
)

type playerEntry struct {
	id      string
	kind    adapter.Kind
	surface adapter.Surface

	status       InstanceStatus
	errorMessage string
	lastSyncTime time.Time

	adapter adapter.Adapter
	cancel  context.CancelFunc
	lastErr error
}

// Engine is the sync state machine. All mutation happens through its intent
// methods; reads go through Snapshot.
type Engine struct {
	mu sync.Mutex

	cfg     *config.Config
	coord   *coordinator.Coordinator
	cache   *assetcache.Cache
	pool    *pool.Pool
	retries *retry.Service
	metrics *telemetry.PlaybackMetrics

	backends map[adapter.Kind]adapter.Factory

	clock        func() time.Time
	settleWindow time.Duration

	state    State
	playback PlaybackState
	syncMode SyncMode

	session      *animation.Session
	currentFrame float64
	currentTime  float64
	speed        float64
	loop         bool

	masterID string
	players  map[string]*playerEntry
	order    []string

	lastError       string
	lastFrameReport time.Time

	settleTimer   *time.Timer
	resumePlaying bool
}

// Option is a function that configures the engine
type Option func(*Engine)

// WithCache sets the asset cache consulted during loads
func WithCache(cache *assetcache.Cache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithPool sets the instance pool consulted during player creation
func WithPool(p *pool.Pool) Option {
	return func(e *Engine) {
		e.pool = p
	}
}

// WithRetries sets the retry service driving instance initialization
func WithRetries(s *retry.Service) Option {
	return func(e *Engine) {
		e.retries = s
	}
}

// WithMetrics sets the playback metrics
func WithMetrics(metrics *telemetry.PlaybackMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithClock injects a time source for tests
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithBackend overrides the adapter factory for one backend kind
func WithBackend(kind adapter.Kind, factory adapter.Factory) Option {
	return func(e *Engine) {
		e.backends[kind] = factory
	}
}

// New creates an engine wired to the given configuration. A nil or partially
// filled configuration is completed with its defaults; collaborators not
// supplied through options are created with theirs.
func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.SetDefaults()
	e := &Engine{
		cfg:      cfg,
		backends: make(map[adapter.Kind]adapter.Factory),
		clock:    time.Now,
		state:    StateIdle,
		playback: PlaybackStopped,
		syncMode: SyncModeGlobal,
		speed:    1,
		players:  make(map[string]*playerEntry),
	}
	for _, kind := range adapter.Kinds() {
		e.backends[kind] = headless.Factory()
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = assetcache.New()
	}
	if e.pool == nil {
		e.pool = pool.New()
	}
	if e.retries == nil {
		e.retries = retry.New()
	}

	e.settleWindow = cfg.Sync.GetSettleWindow()
	coordOpts := []coordinator.Option{
		coordinator.WithMaxLatency(cfg.Sync.GetMaxLatency()),
		coordinator.WithMetrics(e.metrics),
	}
	if cfg.Sync.DriftMode == config.DriftModePerformance {
		coordOpts = append(coordOpts, coordinator.WithPerformanceMode())
	}
	e.coord = coordinator.New(e, coordOpts...)
	return e
}

// Coordinator exposes the engine's coordinator so callers can run its loop
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coord
}

// LoadAnimation validates and installs a new animation session, replacing any
// previous one wholesale. Load failures are terminal for the attempt and move
// the engine to the error state; they are never retried here.
func (e *Engine) LoadAnimation(ctx context.Context, name string, payload animation.Payload) error {
	e.mu.Lock()
	e.setStateLocked(StateLoading)
	e.mu.Unlock()

	session, err := animation.NewSession(name, payload)
	if err != nil {
		e.failLoad(fmt.Errorf("failed to load animation %q: %w", name, err))
		return err
	}

	handles := make([]animation.AssetHandle, 0, len(payload.Assets))
	for _, a := range payload.Assets {
		h, cerr := e.cache.GetOrCreate(ctx, a.Path, a.Bytes, a.HintedType)
		if cerr != nil {
			e.failLoad(fmt.Errorf("failed to load asset %q: %w", a.Path, cerr))
			return cerr
		}
		handles = append(handles, h)
	}
	session.AssetHandles = handles

	e.mu.Lock()
	e.session = session
	e.currentFrame = 0
	e.currentTime = 0
	e.setPlaybackLocked(PlaybackStopped)
	e.lastError = ""
	if len(e.players) > 0 {
		e.setStateLocked(StateInitializing)
		for _, id := range e.order {
			e.startInitLocked(e.players[id])
		}
	} else {
		e.setStateLocked(StateLoaded)
	}
	meta := session.Metadata()
	e.mu.Unlock()

	slog.Info("Animation loaded",
		"name", name,
		"total_frames", meta.TotalFrames,
		"frame_rate", meta.FrameRate,
		"duration", meta.Duration,
		"assets", len(handles))
	return nil
}

func (e *Engine) failLoad(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.setStateLocked(StateError)
	e.mu.Unlock()
	slog.Error("Animation load failed", "error", err)
}

// ClearError returns the engine to idle after a failed load
func (e *Engine) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateError {
		return
	}
	e.lastError = ""
	e.setStateLocked(StateIdle)
}

// AddPlayer mounts a new renderer instance of the given kind on the surface.
// With no animation loaded the instance stays queued; initialization starts
// when a load completes.
func (e *Engine) AddPlayer(kind adapter.Kind, surface adapter.Surface) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.backends[kind]; !ok {
		return "", fmt.Errorf("no backend registered for kind %q", kind)
	}
	if len(e.players) >= e.cfg.MaxInstances {
		return "", fmt.Errorf("%w: %d instances already mounted", ErrTooManyInstances, len(e.players))
	}

	id := uuid.NewString()
	entry := &playerEntry{
		id:      id,
		kind:    kind,
		surface: surface,
		status:  StatusLoading,
	}
	e.players[id] = entry
	e.order = append(e.order, id)

	if e.session != nil {
		if e.state == StateLoaded || e.state == StateError {
			e.setStateLocked(StateInitializing)
		}
		e.startInitLocked(entry)
	}

	slog.Info("Added player instance", "player", id, "kind", kind)
	return id, nil
}

// startInitLocked kicks off asynchronous initialization for an instance. The
// instance leaves the ready status, so the master moves to a remaining ready
// instance (or clears) until readiness re-elects one. Caller must hold e.mu.
func (e *Engine) startInitLocked(entry *playerEntry) {
	if entry.cancel != nil {
		entry.cancel()
	}
	initCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.status = StatusLoading
	entry.errorMessage = ""
	entry.lastErr = nil
	if e.masterID == entry.id {
		e.masterID = e.anyReadyLocked()
	}

	go e.initialize(initCtx, entry.id, entry.kind, entry.surface, e.session)
}

// initialize acquires an adapter from the pool, runs its asynchronous
// initialization with retries, and registers the instance with the
// coordinator on success. A cancelled context means the instance was removed;
// the eventual resolution is ignored.
func (e *Engine) initialize(
	ctx context.Context,
	id string,
	kind adapter.Kind,
	surface adapter.Surface,
	session *animation.Session,
) {
	e.mu.Lock()
	entry, ok := e.players[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	a := entry.adapter
	speed, loop := e.speed, e.loop
	e.mu.Unlock()

	if a == nil {
		acquired, err := e.pool.Acquire(ctx, kind, surface, e.backends[kind])
		if err != nil {
			e.HandleInstanceError(id, err.Error())
			return
		}
		a = acquired

		e.mu.Lock()
		if entry, ok := e.players[id]; ok {
			entry.adapter = a
			e.mu.Unlock()
		} else {
			e.mu.Unlock()
			e.pool.Release(ctx, kind, a)
			return
		}
	}

	op := func(opCtx context.Context) error {
		select {
		case err := <-a.Initialize(opCtx, surface, session, adapter.Config{Speed: speed, Loop: loop}):
			return err
		case <-opCtx.Done():
			return opCtx.Err()
		}
	}

	err := op(ctx)
	if err != nil && ctx.Err() == nil {
		err = e.retries.ExecuteRetry(ctx, id, kind, op, err)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.mu.Lock()
		if entry, ok := e.players[id]; ok {
			entry.lastErr = err
		}
		e.mu.Unlock()
		e.HandleInstanceError(id, err.Error())
		return
	}

	e.coord.Register(id, a)
	e.HandleInstanceReady(id)
}

// RemovePlayer unmounts an instance, abandoning any in-flight initialization
// and returning its adapter to the pool. If it was the master, the master is
// reassigned to any remaining ready instance.
func (e *Engine) RemovePlayer(id string) error {
	e.mu.Lock()
	entry, ok := e.players[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	delete(e.players, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	if e.masterID == id {
		e.masterID = e.anyReadyLocked()
	}
	a, kind := entry.adapter, entry.kind
	e.mu.Unlock()

	e.coord.Unregister(id)
	if a != nil {
		e.pool.Release(context.Background(), kind, a)
	}
	e.retries.Dispose(id)
	slog.Info("Removed player instance", "player", id, "kind", kind)
	return nil
}

// anyReadyLocked returns any remaining ready instance in registration order,
// or "". Caller must hold e.mu.
func (e *Engine) anyReadyLocked() string {
	for _, id := range e.order {
		if e.players[id].status == StatusReady {
			return id
		}
	}
	return ""
}

// Play starts playback, broadcasting the current frame, speed and loop so
// every instance begins from the same position
func (e *Engine) Play() error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	if e.playback != PlaybackStopped && e.playback != PlaybackPaused {
		e.mu.Unlock()
		return fmt.Errorf("cannot play while %s", e.playback)
	}
	e.setPlaybackLocked(PlaybackPlaying)
	cmd := coordinator.Command{
		Type:  coordinator.CommandPlay,
		Frame: e.currentFrame,
		Speed: e.speed,
		Loop:  e.loop,
	}
	e.mu.Unlock()

	e.coord.Broadcast(cmd, "")
	return nil
}

// Pause freezes playback at the current frame
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	if e.playback != PlaybackPlaying && e.playback != PlaybackPaused {
		e.mu.Unlock()
		return fmt.Errorf("cannot pause while %s", e.playback)
	}
	e.setPlaybackLocked(PlaybackPaused)
	e.mu.Unlock()

	e.coord.Broadcast(coordinator.Command{Type: coordinator.CommandPause}, "")
	return nil
}

// Stop halts playback and rewinds to frame zero
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	if e.playback == PlaybackStopped {
		e.mu.Unlock()
		return nil
	}
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	e.currentFrame = 0
	e.currentTime = 0
	e.setPlaybackLocked(PlaybackStopped)
	e.mu.Unlock()

	e.coord.Broadcast(coordinator.Command{Type: coordinator.CommandStop}, "")
	return nil
}

// Seek jumps to the given frame, deriving the time from the frame rate
func (e *Engine) Seek(frame float64) error {
	return e.SeekTo(frame, -1)
}

// SeekTo jumps to the given frame and time. A negative time derives it from
// the frame rate. The frame is clamped to the animation bounds; the broadcast
// is synchronous because seeks are user-latency-critical. The engine stays in
// the seeking phase for a settle window, restarted by each rapid seek, then
// resumes playing or paused depending on the phase before the first seek.
func (e *Engine) SeekTo(frame, seconds float64) error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	switch e.playback {
	case PlaybackPlaying, PlaybackPaused, PlaybackSeeking:
	default:
		e.mu.Unlock()
		return fmt.Errorf("cannot seek while %s", e.playback)
	}

	meta := e.session.Metadata()
	frame = clamp(frame, 0, meta.TotalFrames)
	if seconds < 0 {
		seconds = frame / meta.FrameRate
	}
	e.currentFrame = frame
	e.currentTime = seconds

	switch e.playback {
	case PlaybackPlaying:
		e.resumePlaying = true
	case PlaybackPaused:
		e.resumePlaying = false
	}
	e.setPlaybackLocked(PlaybackSeeking)

	if e.settleTimer != nil {
		e.settleTimer.Stop()
	}
	e.settleTimer = time.AfterFunc(e.settleWindow, e.settle)
	e.mu.Unlock()

	e.coord.Broadcast(coordinator.Command{
		Type:  coordinator.CommandSeek,
		Frame: frame,
		Time:  seconds,
	}, "")
	return nil
}

// settle ends the seek window, resuming the phase active before the seek
func (e *Engine) settle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playback != PlaybackSeeking {
		return
	}
	if e.resumePlaying {
		e.setPlaybackLocked(PlaybackPlaying)
	} else {
		e.setPlaybackLocked(PlaybackPaused)
	}
}

// SetSpeed changes the playback rate and re-broadcasts it
func (e *Engine) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("invalid speed %v: must be positive", speed)
	}
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()

	e.coord.Broadcast(coordinator.Command{Type: coordinator.CommandSpeed, Speed: speed}, "")
	return nil
}

// SetLoop changes whether playback wraps at the final frame
func (e *Engine) SetLoop(loop bool) {
	e.mu.Lock()
	e.loop = loop
	e.mu.Unlock()

	e.coord.Broadcast(coordinator.Command{Type: coordinator.CommandLoop, Loop: loop}, "")
}

// SetSyncMode switches between global and individual playback. Individual
// mode suspends drift validation; instances run free until global resumes.
func (e *Engine) SetSyncMode(mode SyncMode) error {
	if mode != SyncModeGlobal && mode != SyncModeIndividual {
		return fmt.Errorf("unknown sync mode %q", mode)
	}
	e.mu.Lock()
	e.syncMode = mode
	e.mu.Unlock()

	e.coord.SetDriftEnabled(mode == SyncModeGlobal)
	slog.Info("Sync mode changed", "mode", mode)
	return nil
}

// ForceSync reasserts the master's frame on every other instance
func (e *Engine) ForceSync() {
	e.coord.ForceSync()
}

// HandleInstanceReady marks an instance ready, assigns the master if none is
// set, and moves the engine to ready.stopped once every instance is ready.
func (e *Engine) HandleInstanceReady(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.players[id]
	if !ok {
		return
	}
	entry.status = StatusReady
	entry.errorMessage = ""
	entry.lastErr = nil
	entry.lastSyncTime = e.clock()

	if e.masterID == "" {
		e.masterID = id
		slog.Info("Assigned master instance", "player", id)
	}
	if e.state == StateInitializing && e.allReadyLocked() {
		e.setStateLocked(StateReady)
		e.setPlaybackLocked(PlaybackStopped)
	}
}

// allReadyLocked reports whether every registered instance is ready.
// Caller must hold e.mu.
func (e *Engine) allReadyLocked() bool {
	for _, entry := range e.players {
		if entry.status != StatusReady {
			return false
		}
	}
	return len(e.players) > 0
}

// HandleInstanceError records a terminal instance failure. The failure stays
// scoped to the instance; other instances and the session keep running.
func (e *Engine) HandleInstanceError(id, message string) {
	e.mu.Lock()
	entry, ok := e.players[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	entry.status = StatusError
	entry.errorMessage = message
	if entry.lastErr == nil {
		entry.lastErr = errors.New(message)
	}
	if e.masterID == id {
		e.masterID = e.anyReadyLocked()
	}
	e.mu.Unlock()

	slog.Warn("Instance reported error", "player", id, "error", message)
}

// HandleFrameReport reconciles a frame report into the canonical position.
// Only the master's reports are accepted; they are rate-limited and must move
// the frame by at least half a frame to avoid jitter-driven updates. Reports
// during a seek settle window are discarded since the seek takes priority.
func (e *Engine) HandleFrameReport(id string, frame, seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id != e.masterID {
		return
	}
	if e.playback == PlaybackSeeking {
		return
	}
	now := e.clock()
	if now.Sub(e.lastFrameReport) < frameReportInterval {
		return
	}
	if math.Abs(frame-e.currentFrame) < minFrameDelta {
		return
	}

	if e.session != nil {
		frame = clamp(frame, 0, e.session.Metadata().TotalFrames)
	}
	e.currentFrame = frame
	e.currentTime = seconds
	e.lastFrameReport = now
	if entry, ok := e.players[id]; ok {
		entry.lastSyncTime = now
	}
}

// HandleAnimationComplete reacts to an instance reaching the final frame.
// When looping, instances wrap on their own and no state changes; otherwise
// playback stops and rewinds.
func (e *Engine) HandleAnimationComplete(_ string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loop {
		return
	}
	if e.playback != PlaybackPlaying {
		return
	}
	e.currentFrame = 0
	e.currentTime = 0
	e.setPlaybackLocked(PlaybackStopped)
}

// MasterID returns the current master instance, or ""
func (e *Engine) MasterID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.masterID
}

// RetryAdvice produces the human-readable status and recommendation for an
// instance's recorded failure
func (e *Engine) RetryAdvice(id string) (string, error) {
	e.mu.Lock()
	entry, ok := e.players[id]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	err := entry.lastErr
	if err == nil && entry.errorMessage != "" {
		err = errors.New(entry.errorMessage)
	}
	kind := entry.kind
	e.mu.Unlock()

	return e.retries.Advice(id, err, kind), nil
}

// Snapshot returns a copy of the current sync context
func (e *Engine) Snapshot() SyncContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := SyncContext{
		State:          e.state,
		PlaybackState:  e.playback,
		SyncMode:       e.syncMode,
		CurrentFrame:   e.currentFrame,
		CurrentTime:    e.currentTime,
		Speed:          e.speed,
		Loop:           e.loop,
		MasterPlayerID: e.masterID,
		Players:        make([]PlayerInstance, 0, len(e.order)),
		LastError:      e.lastError,
	}
	if e.session != nil {
		meta := e.session.Metadata()
		ctx.AnimationName = e.session.Name
		ctx.FrameRate = meta.FrameRate
		ctx.TotalFrames = meta.TotalFrames
		ctx.Duration = meta.Duration
	}
	for _, id := range e.order {
		entry := e.players[id]
		ctx.Players = append(ctx.Players, PlayerInstance{
			ID:           entry.id,
			Kind:         entry.kind,
			Status:       entry.status,
			LastSyncTime: entry.lastSyncTime,
			ErrorMessage: entry.errorMessage,
		})
	}
	return ctx
}

// setStateLocked transitions the lifecycle state. Caller must hold e.mu.
func (e *Engine) setStateLocked(next State) {
	if e.state == next {
		return
	}
	slog.Debug("State transition", "from", e.state, "to", next)
	e.state = next
	e.metrics.RecordTransition(context.Background(), string(next))
}

// setPlaybackLocked transitions the playback phase. Caller must hold e.mu.
func (e *Engine) setPlaybackLocked(next PlaybackState) {
	if e.playback == next {
		return
	}
	slog.Debug("Playback transition", "from", e.playback, "to", next)
	e.playback = next
	e.metrics.RecordTransition(context.Background(), string(next))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
