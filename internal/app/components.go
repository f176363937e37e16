package app

import (
	"github.com/framesync-dev/framesync/internal/assetcache"
	"github.com/framesync-dev/framesync/internal/coordinator"
	"github.com/framesync-dev/framesync/internal/engine"
	"github.com/framesync-dev/framesync/internal/pool"
	"github.com/framesync-dev/framesync/internal/retry"
	"github.com/framesync-dev/framesync/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Engine is the playback state machine
	Engine *engine.Engine

	// Coordinator fans out playback commands and runs drift validation
	Coordinator *coordinator.Coordinator

	// Cache is the process-wide asset cache
	Cache *assetcache.Cache

	// Pool is the process-wide instance pool
	Pool *pool.Pool

	// Retries drives instance initialization retries
	Retries *retry.Service

	// Telemetry owns the metric provider lifecycle
	Telemetry *telemetry.Telemetry
}
