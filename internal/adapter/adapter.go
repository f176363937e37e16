// Package adapter defines the uniform contract every concrete rendering
// backend must satisfy, plus the fixed set of backend kinds.
package adapter

import (
	"context"
	"fmt"

	"github.com/framesync-dev/framesync/internal/animation"
)

// Kind identifies a rendering backend implementation. The set is fixed at
// compile time; each kind resolves to its own adapter factory and retry
// policy once at registration.
type Kind string

const (
	// KindSVG renders into a retained vector surface
	KindSVG Kind = "svg"

	// KindCanvas renders into a raster surface that loses content on resize
	KindCanvas Kind = "canvas"

	// KindWebGL renders through a GPU-accelerated surface
	KindWebGL Kind = "webgl"
)

// Kinds returns the fixed set of backend kinds
func Kinds() []Kind {
	return []Kind{KindSVG, KindCanvas, KindWebGL}
}

// ParseKind converts a string into a known backend kind
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSVG, KindCanvas, KindWebGL:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", s)
	}
}

// EventType classifies adapter notifications
type EventType string

const (
	// EventReady signals initialization completed
	EventReady EventType = "ready"

	// EventError signals an adapter-level failure
	EventError EventType = "error"

	// EventFrame reports playback progress
	EventFrame EventType = "frame"

	// EventComplete signals the animation reached its final frame
	EventComplete EventType = "complete"
)

// Event is a notification emitted by an adapter on its Events channel
type Event struct {
	Type  EventType
	Frame float64
	Time  float64
	Err   string
}

// Config carries the playback parameters applied at initialization
type Config struct {
	Speed    float64
	Loop     bool
	Autoplay bool
}

// Surface is the host surface an adapter renders into
type Surface interface {
	// ID identifies the surface for pool bookkeeping
	ID() string

	// Size returns the current surface dimensions
	Size() (width, height int)
}

// Adapter is the uniform operation set over a concrete rendering backend.
//
// Initialize is asynchronous: it returns a readiness channel that receives
// exactly one value (nil on success) and is then closed. A second Initialize
// call while one is in flight must return the same channel rather than
// starting a duplicate. The other operations are synchronous and only valid
// after readiness.
//
// Destroy must be idempotent. The Events channel is closed by Destroy.
type Adapter interface {
	Initialize(ctx context.Context, surface Surface, session *animation.Session, cfg Config) <-chan error

	Play()
	Pause()
	StopPlayback()
	Seek(frame float64)
	SetSpeed(speed float64)
	SetLoop(loop bool)

	CurrentFrame() float64
	CurrentTime() float64
	Duration() float64

	// Resize updates the host surface dimensions. Raster surfaces clear
	// their contents on resize, so the adapter must reassert the current
	// frame to keep content visible.
	Resize(width, height int)

	Destroy()

	// Events is the channel the adapter writes ready/error/frame/complete
	// notifications to. It is buffered; adapters drop frame events rather
	// than block when the consumer falls behind.
	Events() <-chan Event
}

// Factory constructs a new, uninitialized adapter for one backend kind
type Factory func() Adapter

// StaticSurface is a plain in-process host surface
type StaticSurface struct {
	id     string
	width  int
	height int
}

// NewSurface creates a host surface with the given identity and dimensions
func NewSurface(id string, width, height int) *StaticSurface {
	return &StaticSurface{id: id, width: width, height: height}
}

// ID identifies the surface
func (s *StaticSurface) ID() string { return s.id }

// Size returns the surface dimensions
func (s *StaticSurface) Size() (int, int) { return s.width, s.height }
