// Package coordinator owns the registry of mounted renderer instances,
// broadcast fan-out and drift correction for synchronized playback.
package coordinator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/telemetry"
)

const (
	// qualityInterval is the nominal drift validation cadence in quality mode
	qualityInterval = 16670 * time.Microsecond

	// performanceInterval is the nominal cadence in performance mode
	performanceInterval = 33300 * time.Microsecond

	// minDriftInterval floors the cadence as the instance count grows
	minDriftInterval = 4 * time.Millisecond

	// DefaultMaxLatency is the drift threshold beyond which an instance is
	// corrected with a targeted seek
	DefaultMaxLatency = 50 * time.Millisecond

	// deferredQueueSize bounds the queue of deferred broadcasts
	deferredQueueSize = 16
)

// CommandType classifies broadcast commands
type CommandType string

const (
	// CommandPlay starts playback, carrying the current frame/speed/loop
	CommandPlay CommandType = "play"

	// CommandPause freezes playback
	CommandPause CommandType = "pause"

	// CommandStop halts playback and rewinds
	CommandStop CommandType = "stop"

	// CommandSeek jumps to a frame; dispatched synchronously
	CommandSeek CommandType = "seek"

	// CommandSpeed changes the playback rate
	CommandSpeed CommandType = "speed"

	// CommandLoop toggles looping
	CommandLoop CommandType = "loop"
)

// Command is a playback command fanned out to registered instances
type Command struct {
	Type  CommandType
	Frame float64
	Time  float64
	Speed float64
	Loop  bool
}

// Sink receives adapter notifications and answers master queries. The engine
// implements it; the indirection keeps this package free of engine types.
type Sink interface {
	HandleInstanceReady(playerID string)
	HandleInstanceError(playerID, message string)
	HandleFrameReport(playerID string, frame, time float64)
	HandleAnimationComplete(playerID string)

	// MasterID returns the instance whose reports are ground truth, or ""
	MasterID() string
}

type registered struct {
	id      string
	adapter adapter.Adapter
	stop    chan struct{}
}

type deferredCommand struct {
	cmd     Command
	exclude string
}

// Coordinator fans playback commands out to registered instances and runs
// periodic drift validation against the master instance.
type Coordinator struct {
	mu        sync.Mutex
	instances map[string]*registered
	order     []string

	sink Sink

	driftEnabled atomic.Bool
	maxLatency   time.Duration
	nominal      time.Duration

	// inFlight guards each command type against re-entrant broadcasts: a
	// broadcast requested while one of the same type is outstanding is
	// dropped, never queued. This is the sole mechanism preventing an
	// instance's own event handler from triggering an infinite loop.
	inFlight map[CommandType]*atomic.Bool

	deferred chan deferredCommand

	metrics *telemetry.PlaybackMetrics

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithMaxLatency sets the drift correction threshold
func WithMaxLatency(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxLatency = d
		}
	}
}

// WithPerformanceMode halves the drift validation rate
func WithPerformanceMode() Option {
	return func(c *Coordinator) {
		c.nominal = performanceInterval
	}
}

// WithMetrics sets the playback metrics
func WithMetrics(metrics *telemetry.PlaybackMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// New creates a coordinator delivering notifications to the given sink
func New(sink Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		instances:  make(map[string]*registered),
		sink:       sink,
		maxLatency: DefaultMaxLatency,
		nominal:    qualityInterval,
		inFlight:   make(map[CommandType]*atomic.Bool),
		deferred:   make(chan deferredCommand, deferredQueueSize),
		done:       make(chan struct{}),
	}
	for _, t := range []CommandType{CommandPlay, CommandPause, CommandStop, CommandSeek, CommandSpeed, CommandLoop} {
		c.inFlight[t] = &atomic.Bool{}
	}
	c.driftEnabled.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds an instance to the registry and starts consuming its event
// channel. Registration happens on readiness, so the first registered
// instance becomes the master via the sink's readiness handling.
func (c *Coordinator) Register(id string, a adapter.Adapter) {
	stop := make(chan struct{})
	c.mu.Lock()
	if _, exists := c.instances[id]; exists {
		c.mu.Unlock()
		return
	}
	c.instances[id] = &registered{id: id, adapter: a, stop: stop}
	c.order = append(c.order, id)
	count := len(c.instances)
	c.mu.Unlock()

	slog.Debug("Registered instance", "player", id, "count", count)
	go c.watch(id, a, stop)
}

// Unregister removes an instance and stops consuming its events. In-flight
// initialization results for the instance are ignored from here on.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	reg, ok := c.instances[id]
	if ok {
		delete(c.instances, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if ok {
		close(reg.stop)
		slog.Debug("Unregistered instance", "player", id)
	}
}

// watch consumes one instance's event channel and forwards notifications to
// the sink until the instance is unregistered or its channel closes
func (c *Coordinator) watch(id string, a adapter.Adapter, stop chan struct{}) {
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			c.forward(id, ev)
		case <-stop:
			return
		}
	}
}

func (c *Coordinator) forward(id string, ev adapter.Event) {
	switch ev.Type {
	case adapter.EventReady:
		c.sink.HandleInstanceReady(id)
	case adapter.EventError:
		c.sink.HandleInstanceError(id, ev.Err)
	case adapter.EventFrame:
		c.sink.HandleFrameReport(id, ev.Frame, ev.Time)
	case adapter.EventComplete:
		c.sink.HandleAnimationComplete(id)
	}
}

// Broadcast fans a command out to every registered instance except the
// excluded one. Seek commands dispatch synchronously for minimum latency;
// everything else is deferred to the coordinator loop. A broadcast requested
// while one of the same type is in flight is dropped.
func (c *Coordinator) Broadcast(cmd Command, excludeID string) {
	guard := c.inFlight[cmd.Type]
	if !guard.CompareAndSwap(false, true) {
		slog.Debug("Dropping re-entrant broadcast", "type", cmd.Type)
		return
	}

	if cmd.Type == CommandSeek {
		c.dispatch(cmd, excludeID)
		guard.Store(false)
		return
	}

	select {
	case c.deferred <- deferredCommand{cmd: cmd, exclude: excludeID}:
	default:
		slog.Warn("Deferred broadcast queue full, dropping", "type", cmd.Type)
		guard.Store(false)
	}
}

// dispatch applies a command to every registered instance except excludeID
func (c *Coordinator) dispatch(cmd Command, excludeID string) {
	for _, reg := range c.snapshot() {
		if reg.id == excludeID {
			continue
		}
		applyCommand(reg.adapter, cmd)
	}
}

func applyCommand(a adapter.Adapter, cmd Command) {
	switch cmd.Type {
	case CommandPlay:
		a.Seek(cmd.Frame)
		a.SetSpeed(cmd.Speed)
		a.SetLoop(cmd.Loop)
		a.Play()
	case CommandPause:
		a.Pause()
	case CommandStop:
		a.StopPlayback()
	case CommandSeek:
		a.Seek(cmd.Frame)
	case CommandSpeed:
		a.SetSpeed(cmd.Speed)
	case CommandLoop:
		a.SetLoop(cmd.Loop)
	}
}

// snapshot returns the registered instances in registration order
func (c *Coordinator) snapshot() []*registered {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*registered, 0, len(c.order))
	for _, id := range c.order {
		if reg, ok := c.instances[id]; ok {
			out = append(out, reg)
		}
	}
	return out
}

// SetDriftEnabled toggles drift validation; individual sync mode disables it
func (c *Coordinator) SetDriftEnabled(enabled bool) {
	c.driftEnabled.Store(enabled)
}

// Start runs the coordinator loop: deferred broadcast dispatch and periodic
// drift validation. Blocks until the context is cancelled. The loop is
// single-use; once stopped it cannot be started again.
func (c *Coordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		close(c.done)
		slog.Info("Player coordinator shutting down")
	}()

	slog.Info("Starting player coordinator",
		"nominal_interval", c.nominal,
		"max_latency", c.maxLatency)

	ticker := time.NewTicker(c.driftInterval())
	defer ticker.Stop()

	for {
		select {
		case d := <-c.deferred:
			c.dispatch(d.cmd, d.exclude)
			c.inFlight[d.cmd.Type].Store(false)
		case <-ticker.C:
			c.ValidateDrift(coordCtx)
			// Cadence scales inversely with the instance count
			ticker.Reset(c.driftInterval())
		case <-coordCtx.Done():
			return nil
		}
	}
}

// Stop gracefully stops the coordinator loop
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.cancelFunc = nil
	c.mu.Unlock()
	if cancel != nil {
		slog.Info("Stopping player coordinator")
		cancel()
		<-c.done
	}
	return nil
}

// driftInterval derives the validation cadence from the instance count
func (c *Coordinator) driftInterval() time.Duration {
	c.mu.Lock()
	n := len(c.instances)
	c.mu.Unlock()
	if n <= 1 {
		return c.nominal
	}
	interval := c.nominal / time.Duration(n)
	if interval < minDriftInterval {
		interval = minDriftInterval
	}
	return interval
}

// ValidateDrift compares each non-master instance's reported time against
// the master's and corrects any instance past the latency threshold with a
// targeted seek. Drift is non-fatal and never surfaces as an error.
func (c *Coordinator) ValidateDrift(ctx context.Context) {
	if !c.driftEnabled.Load() {
		return
	}
	masterID := c.sink.MasterID()
	if masterID == "" {
		return
	}

	c.mu.Lock()
	master, ok := c.instances[masterID]
	c.mu.Unlock()
	if !ok {
		return
	}

	masterTime := master.adapter.CurrentTime()
	masterFrame := master.adapter.CurrentFrame()

	for _, reg := range c.snapshot() {
		if reg.id == masterID {
			continue
		}
		drift := math.Abs(reg.adapter.CurrentTime() - masterTime)
		if drift <= c.maxLatency.Seconds() {
			continue
		}
		reg.adapter.Seek(masterFrame)
		c.metrics.RecordDriftCorrection(ctx, reg.id, time.Duration(drift*float64(time.Second)))
		slog.Debug("Corrected drifting instance",
			"player", reg.id,
			"drift_seconds", drift,
			"master", masterID)
	}
}

// ForceSync immediately reasserts the master's current frame on every other
// instance; a manual correction trigger.
func (c *Coordinator) ForceSync() {
	masterID := c.sink.MasterID()
	if masterID == "" {
		return
	}

	c.mu.Lock()
	master, ok := c.instances[masterID]
	c.mu.Unlock()
	if !ok {
		return
	}

	masterFrame := master.adapter.CurrentFrame()
	for _, reg := range c.snapshot() {
		if reg.id == masterID {
			continue
		}
		reg.adapter.Seek(masterFrame)
	}
	slog.Debug("Forced sync to master", "master", masterID, "frame", masterFrame)
}

// InstanceCount returns how many instances are registered
func (c *Coordinator) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}
