// Package adaptertest provides a scriptable fake adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"sync"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/animation"
)

// Fake is a hand-driven adapter. Tests script its initialization outcome,
// set its reported frame/time directly, and inspect the commands it received.
type Fake struct {
	mu sync.Mutex

	events  chan adapter.Event
	readyCh chan error

	// InitErrs are consumed one per Initialize flight; a nil entry (or an
	// exhausted list) means success
	InitErrs []error

	frame    float64
	time     float64
	duration float64
	speed    float64
	loop     bool

	commands  []string
	initCalls int
	destroyed int
}

// NewFake creates a fake adapter
func NewFake() *Fake {
	return &Fake{
		events: make(chan adapter.Event, 64),
		speed:  1,
	}
}

// Initialize resolves immediately with the next scripted outcome. Re-entrant
// calls during a flight share the same channel, mirroring the contract.
func (f *Fake) Initialize(
	_ context.Context,
	_ adapter.Surface,
	session *animation.Session,
	cfg adapter.Config,
) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readyCh != nil {
		return f.readyCh
	}

	f.initCalls++
	var err error
	if len(f.InitErrs) > 0 {
		err = f.InitErrs[0]
		f.InitErrs = f.InitErrs[1:]
	}

	ch := make(chan error, 1)
	if err != nil {
		ch <- err
		close(ch)
		return ch
	}

	if session != nil {
		f.duration = session.Metadata().Duration
	}
	if cfg.Speed > 0 {
		f.speed = cfg.Speed
	}
	f.loop = cfg.Loop
	ch <- nil
	close(ch)
	f.emitLocked(adapter.Event{Type: adapter.EventReady})
	return ch
}

// Play records the command
func (f *Fake) Play() { f.record("play") }

// Pause records the command
func (f *Fake) Pause() { f.record("pause") }

// StopPlayback records the command and rewinds
func (f *Fake) StopPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "stop")
	f.frame = 0
	f.time = 0
}

// Seek records the command and moves the reported position
func (f *Fake) Seek(frame float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "seek")
	f.frame = frame
}

// SetSpeed records the command
func (f *Fake) SetSpeed(speed float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "speed")
	f.speed = speed
}

// SetLoop records the command
func (f *Fake) SetLoop(loop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "loop")
	f.loop = loop
}

// CurrentFrame returns the scripted frame
func (f *Fake) CurrentFrame() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// CurrentTime returns the scripted time
func (f *Fake) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.time
}

// Duration returns the session duration
func (f *Fake) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

// Resize records the command and reasserts the current frame
func (f *Fake) Resize(_, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "resize")
	f.emitLocked(adapter.Event{Type: adapter.EventFrame, Frame: f.frame, Time: f.time})
}

// Destroy is idempotent and closes the events channel
func (f *Fake) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	if f.destroyed == 1 {
		close(f.events)
	}
}

// Events returns the notification channel
func (f *Fake) Events() <-chan adapter.Event {
	return f.events
}

// SetPosition scripts the reported frame and time
func (f *Fake) SetPosition(frame, t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = frame
	f.time = t
}

// EmitFrame pushes a frame event as if the backend reported progress
func (f *Fake) EmitFrame(frame, t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = frame
	f.time = t
	f.emitLocked(adapter.Event{Type: adapter.EventFrame, Frame: frame, Time: t})
}

// EmitComplete pushes a complete event
func (f *Fake) EmitComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(adapter.Event{Type: adapter.EventComplete, Frame: f.frame, Time: f.time})
}

// EmitError pushes an error event
func (f *Fake) EmitError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(adapter.Event{Type: adapter.EventError, Err: msg})
}

// Commands returns the commands received so far
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// InitCalls returns how many Initialize flights were started
func (f *Fake) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

// DestroyCalls returns how many times Destroy was invoked
func (f *Fake) DestroyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *Fake) record(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *Fake) emitLocked(ev adapter.Event) {
	if f.destroyed > 0 {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

// ErrScripted is a generic scripted failure for tests
var ErrScripted = errors.New("scripted failure")
