package engine

import (
	"time"

	"github.com/framesync-dev/framesync/internal/adapter"
)

// State is the top-level lifecycle phase of the engine
type State string

const (
	// StateIdle means no animation is loaded
	StateIdle State = "idle"

	// StateLoading means an animation load is in progress
	StateLoading State = "loadingAnimation"

	// StateLoaded means an animation is loaded but no instances are mounted
	StateLoaded State = "animationLoaded"

	// StateInitializing means at least one instance is still initializing
	StateInitializing State = "initializingPlayers"

	// StateReady means every registered instance is ready; playback phase
	// is tracked separately by PlaybackState
	StateReady State = "ready"

	// StateError means the last load failed; cleared only explicitly or by
	// a new load
	StateError State = "error"
)

// PlaybackState is the playback phase, orthogonal to the lifecycle state
type PlaybackState string

const (
	// PlaybackStopped means playback is halted at frame zero
	PlaybackStopped PlaybackState = "stopped"

	// PlaybackPlaying means the playback clock is advancing
	PlaybackPlaying PlaybackState = "playing"

	// PlaybackPaused means playback is frozen at the current frame
	PlaybackPaused PlaybackState = "paused"

	// PlaybackSeeking is the transient phase during a seek settle window
	PlaybackSeeking PlaybackState = "seeking"
)

// SyncMode selects whether instances are driven together or independently
type SyncMode string

const (
	// SyncModeGlobal keeps every instance locked to the master clock
	SyncModeGlobal SyncMode = "global"

	// SyncModeIndividual lets instances run free; drift validation is
	// suspended while active
	SyncModeIndividual SyncMode = "individual"
)

// ParseSyncMode converts a string into a known sync mode
func ParseSyncMode(s string) (SyncMode, bool) {
	switch SyncMode(s) {
	case SyncModeGlobal, SyncModeIndividual:
		return SyncMode(s), true
	default:
		return "", false
	}
}

// InstanceStatus is the lifecycle status of one mounted instance
type InstanceStatus string

const (
	// StatusLoading means the instance is still initializing
	StatusLoading InstanceStatus = "loading"

	// StatusReady means the instance accepted the animation and can play
	StatusReady InstanceStatus = "ready"

	// StatusError means initialization failed terminally
	StatusError InstanceStatus = "error"
)

// PlayerInstance is the externally visible description of one mounted
// renderer instance
type PlayerInstance struct {
	ID           string         `json:"id"`
	Kind         adapter.Kind   `json:"backendKind"`
	Status       InstanceStatus `json:"status"`
	LastSyncTime time.Time      `json:"lastSyncTime,omitzero"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// SyncContext is the single source of truth for the current animation state,
// snapshotted for the UI collaborator.
type SyncContext struct {
	State         State         `json:"state"`
	PlaybackState PlaybackState `json:"playbackState"`
	SyncMode      SyncMode      `json:"syncMode"`

	AnimationName string  `json:"animationName,omitempty"`
	CurrentFrame  float64 `json:"currentFrame"`
	CurrentTime   float64 `json:"currentTime"`
	Speed         float64 `json:"speed"`
	Loop          bool    `json:"loop"`
	FrameRate     float64 `json:"frameRate,omitempty"`
	TotalFrames   float64 `json:"totalFrames,omitempty"`
	Duration      float64 `json:"duration,omitempty"`

	MasterPlayerID string           `json:"masterPlayerId,omitempty"`
	Players        []PlayerInstance `json:"players"`

	LastError string `json:"lastError,omitempty"`
}
