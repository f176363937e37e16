// Package headless provides an in-process reference adapter that simulates
// playback timing without a rendering surface. It backs the default backend
// kinds when no concrete renderer is registered and drives integration tests.
package headless

import (
	"context"
	"sync"
	"time"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/animation"
)

const (
	// tickInterval is the playback advance cadence (~30fps)
	tickInterval = 33 * time.Millisecond

	// eventBuffer sizes the notification channel; frame events are dropped
	// rather than blocking the playback loop when the consumer falls behind
	eventBuffer = 64
)

// Player is a headless playback adapter. It advances a frame clock at the
// session's frame rate scaled by speed, and emits frame/complete events the
// way a rendering backend would.
type Player struct {
	mu sync.Mutex

	events  chan adapter.Event
	readyCh chan error

	session *animation.Session
	surface adapter.Surface

	frameRate   float64
	totalFrames float64
	duration    float64

	frame float64
	speed float64
	loop  bool

	playing  bool
	stopCh   chan struct{}
	lastTick time.Time

	initialized bool
	destroyed   bool

	initLatency time.Duration
}

// Option configures a headless player
type Option func(*Player)

// WithInitLatency simulates an expensive initialization
func WithInitLatency(d time.Duration) Option {
	return func(p *Player) {
		p.initLatency = d
	}
}

// New creates an uninitialized headless player
func New(opts ...Option) *Player {
	p := &Player{
		events: make(chan adapter.Event, eventBuffer),
		speed:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory returns an adapter.Factory constructing headless players
func Factory(opts ...Option) adapter.Factory {
	return func() adapter.Adapter {
		return New(opts...)
	}
}

// Initialize binds the player to a surface and session. A second call while
// one is in flight returns the same readiness channel.
func (p *Player) Initialize(
	ctx context.Context,
	surface adapter.Surface,
	session *animation.Session,
	cfg adapter.Config,
) <-chan error {
	p.mu.Lock()
	if p.readyCh != nil {
		ch := p.readyCh
		p.mu.Unlock()
		return ch
	}
	ch := make(chan error, 1)
	p.readyCh = ch
	p.mu.Unlock()

	go func() {
		if p.initLatency > 0 {
			timer := time.NewTimer(p.initLatency)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				p.finishInit(ch, ctx.Err())
				return
			}
		}
		if err := ctx.Err(); err != nil {
			p.finishInit(ch, err)
			return
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			p.finishInit(ch, context.Canceled)
			return
		}
		meta := session.Metadata()
		p.session = session
		p.surface = surface
		p.frameRate = meta.FrameRate
		p.totalFrames = meta.TotalFrames
		p.duration = meta.Duration
		p.frame = 0
		if cfg.Speed > 0 {
			p.speed = cfg.Speed
		}
		p.loop = cfg.Loop
		p.initialized = true
		p.mu.Unlock()

		p.emit(adapter.Event{Type: adapter.EventReady})
		p.finishInit(ch, nil)

		if cfg.Autoplay {
			p.Play()
		}
	}()

	return ch
}

func (p *Player) finishInit(ch chan error, err error) {
	ch <- err
	close(ch)
	p.mu.Lock()
	p.readyCh = nil
	p.mu.Unlock()
}

// Play starts the playback clock
func (p *Player) Play() {
	p.mu.Lock()
	if !p.initialized || p.destroyed || p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = true
	p.lastTick = time.Now()
	stop := make(chan struct{})
	p.stopCh = stop
	p.mu.Unlock()

	go p.run(stop)
}

// Pause freezes the playback clock at the current frame
func (p *Player) Pause() {
	p.haltPlayback()
}

// StopPlayback halts playback and rewinds to frame zero
func (p *Player) StopPlayback() {
	p.haltPlayback()
	p.mu.Lock()
	p.frame = 0
	p.mu.Unlock()
}

func (p *Player) haltPlayback() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	close(p.stopCh)
	p.stopCh = nil
	p.mu.Unlock()
}

func (p *Player) run(stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if done := p.advance(now); done {
				return
			}
		}
	}
}

// advance moves the frame clock forward and reports whether playback ended
func (p *Player) advance(now time.Time) bool {
	p.mu.Lock()
	if !p.playing || p.destroyed {
		p.mu.Unlock()
		return true
	}
	elapsed := now.Sub(p.lastTick).Seconds()
	p.lastTick = now
	p.frame += elapsed * p.frameRate * p.speed

	var completed, finished bool
	if p.frame >= p.totalFrames {
		completed = true
		if p.loop {
			for p.frame >= p.totalFrames && p.totalFrames > 0 {
				p.frame -= p.totalFrames
			}
		} else {
			p.frame = p.totalFrames
			p.playing = false
			close(p.stopCh)
			p.stopCh = nil
			finished = true
		}
	}
	frame := p.frame
	t := p.currentTimeLocked()
	p.mu.Unlock()

	p.emit(adapter.Event{Type: adapter.EventFrame, Frame: frame, Time: t})
	if completed {
		p.emit(adapter.Event{Type: adapter.EventComplete, Frame: frame, Time: t})
	}
	return finished
}

// Seek jumps to the given frame, clamped to the animation bounds
func (p *Player) Seek(frame float64) {
	p.mu.Lock()
	if !p.initialized || p.destroyed {
		p.mu.Unlock()
		return
	}
	if frame < 0 {
		frame = 0
	}
	if frame > p.totalFrames {
		frame = p.totalFrames
	}
	p.frame = frame
	p.lastTick = time.Now()
	t := p.currentTimeLocked()
	p.mu.Unlock()

	p.emit(adapter.Event{Type: adapter.EventFrame, Frame: frame, Time: t})
}

// SetSpeed changes the playback rate
func (p *Player) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	p.mu.Lock()
	p.speed = speed
	p.mu.Unlock()
}

// SetLoop changes whether playback wraps at the final frame
func (p *Player) SetLoop(loop bool) {
	p.mu.Lock()
	p.loop = loop
	p.mu.Unlock()
}

// CurrentFrame returns the playback position in frames
func (p *Player) CurrentFrame() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// CurrentTime returns the playback position in seconds
func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTimeLocked()
}

func (p *Player) currentTimeLocked() float64 {
	if p.frameRate <= 0 {
		return 0
	}
	return p.frame / p.frameRate
}

// Duration returns the animation length in seconds
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// Resize reasserts the current frame so content stays visible after the
// host surface clears
func (p *Player) Resize(_, _ int) {
	p.mu.Lock()
	if !p.initialized || p.destroyed {
		p.mu.Unlock()
		return
	}
	frame := p.frame
	t := p.currentTimeLocked()
	p.mu.Unlock()

	p.emit(adapter.Event{Type: adapter.EventFrame, Frame: frame, Time: t})
}

// Destroy tears the player down. Safe to call more than once.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	if p.playing {
		p.playing = false
		close(p.stopCh)
		p.stopCh = nil
	}
	p.session = nil
	p.surface = nil
	close(p.events)
	p.mu.Unlock()
}

// Events returns the notification channel. Closed by Destroy.
func (p *Player) Events() <-chan adapter.Event {
	return p.events
}

// emit delivers an event without blocking the playback loop. Sends happen
// under the mutex so they cannot race the channel close in Destroy; events
// are dropped when the buffer is full.
func (p *Player) emit(ev adapter.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}
