// Package animation defines the parsed animation payload consumed from the
// parsing collaborator and the session type owned by the engine.
package animation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata describes the timing and geometry of a parsed animation
type Metadata struct {
	// FrameRate is the nominal playback rate in frames per second
	FrameRate float64 `json:"frameRate"`

	// TotalFrames is the number of frames in the animation
	TotalFrames float64 `json:"totalFrames"`

	// Duration is the total playback length in seconds
	Duration float64 `json:"duration"`

	Width  int `json:"width"`
	Height int `json:"height"`
}

// Asset is a binary sub-resource (image, font) referenced by an animation
type Asset struct {
	// Path is the asset path as referenced by the animation data
	Path string `json:"path"`

	// Bytes is the decoded asset content
	Bytes []byte `json:"-"`

	// HintedType is an optional content type hint from the parser
	HintedType string `json:"hintedType,omitempty"`
}

// Payload is the contract delivered by the parsing collaborator
type Payload struct {
	// Data is the parsed animation document, passed through to adapters
	Data json.RawMessage `json:"animationData"`

	Metadata Metadata `json:"metadata"`

	// Assets are the binary sub-resources referenced by Data
	Assets []Asset `json:"assets,omitempty"`
}

// Validate rejects payloads whose metadata cannot drive playback.
// Failures here are ValidationFailures: surfaced before any instance attempt
// and never retried.
func (p *Payload) Validate() error {
	if p.Metadata.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %v: must be positive", p.Metadata.FrameRate)
	}
	if p.Metadata.TotalFrames <= 0 {
		return fmt.Errorf("invalid total frames %v: must be positive", p.Metadata.TotalFrames)
	}
	if p.Metadata.Duration < 0 {
		return fmt.Errorf("invalid duration %v: must not be negative", p.Metadata.Duration)
	}
	return nil
}

// Session is a loaded animation with its derived resources. It is owned
// exclusively by the engine for the session's lifetime and replaced wholesale
// on a new load.
type Session struct {
	// ID uniquely identifies this load
	ID string

	// Name is the caller-supplied animation name, for logs and snapshots
	Name string

	Payload Payload

	// AssetHandles are the cache handles for the session's decoded assets.
	// Dropped with the session when a new load replaces it; the cache keeps
	// the underlying entries so identical bytes collapse across loads.
	AssetHandles []AssetHandle

	LoadedAt time.Time
}

// AssetHandle is an addressable reference to a cached binary sub-asset,
// returned in place of re-decoding raw bytes.
type AssetHandle interface {
	// Key is the content-derived cache key
	Key() string

	// Bytes returns the cached content, or nil once released
	Bytes() []byte

	// Len returns the content size in bytes
	Len() int64
}

// NewSession validates the payload and wraps it in a fresh session
func NewSession(name string, payload Payload) (*Session, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.Metadata.Duration == 0 {
		payload.Metadata.Duration = payload.Metadata.TotalFrames / payload.Metadata.FrameRate
	}
	return &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Payload:  payload,
		LoadedAt: time.Now(),
	}, nil
}

// Metadata returns the session's animation metadata
func (s *Session) Metadata() Metadata {
	return s.Payload.Metadata
}
