// Package v0 provides the HTTP handlers for engine snapshots and intents.
package v0

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/animation"
	"github.com/framesync-dev/framesync/internal/assetcache"
	"github.com/framesync-dev/framesync/internal/engine"
	"github.com/framesync-dev/framesync/internal/pool"
	"github.com/framesync-dev/framesync/internal/versions"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoadAnimationRequest is the body for POST /v0/animation
type LoadAnimationRequest struct {
	Name    string            `json:"name"`
	Payload animation.Payload `json:"payload"`
}

// AddPlayerRequest is the body for POST /v0/players
type AddPlayerRequest struct {
	Kind      string `json:"kind"`
	SurfaceID string `json:"surfaceId,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// AddPlayerResponse carries the new instance identifier
type AddPlayerResponse struct {
	ID string `json:"id"`
}

// SeekRequest is the body for POST /v0/intents/seek. Time is optional and
// derived from the frame rate when omitted.
type SeekRequest struct {
	Frame float64  `json:"frame"`
	Time  *float64 `json:"time,omitempty"`
}

// SpeedRequest is the body for POST /v0/intents/speed
type SpeedRequest struct {
	Speed float64 `json:"speed"`
}

// LoopRequest is the body for POST /v0/intents/loop
type LoopRequest struct {
	Loop bool `json:"loop"`
}

// ModeRequest is the body for POST /v0/intents/mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// AdviceResponse carries the retry advice for one instance
type AdviceResponse struct {
	PlayerID string `json:"playerId"`
	Advice   string `json:"advice"`
}

// Routes defines the routes for the engine API with dependency injection
type Routes struct {
	engine *engine.Engine
	pool   *pool.Pool
	cache  *assetcache.Cache
}

// NewRoutes creates a new Routes instance with the provided components
func NewRoutes(e *engine.Engine, p *pool.Pool, c *assetcache.Cache) *Routes {
	return &Routes{
		engine: e,
		pool:   p,
		cache:  c,
	}
}

// Router creates a new router for the engine API
func Router(e *engine.Engine, p *pool.Pool, c *assetcache.Cache) http.Handler {
	routes := NewRoutes(e, p, c)

	r := chi.NewRouter()

	r.Get("/state", routes.getState)
	r.Get("/pool", routes.getPoolStats)
	r.Get("/cache", routes.getCacheStats)

	r.Post("/animation", routes.loadAnimation)

	r.Get("/players", routes.getPlayers)
	r.Post("/players", routes.addPlayer)
	r.Delete("/players/{id}", routes.removePlayer)
	r.Get("/players/{id}/advice", routes.getAdvice)

	r.Post("/intents/play", routes.play)
	r.Post("/intents/pause", routes.pause)
	r.Post("/intents/stop", routes.stop)
	r.Post("/intents/seek", routes.seek)
	r.Post("/intents/speed", routes.setSpeed)
	r.Post("/intents/loop", routes.setLoop)
	r.Post("/intents/mode", routes.setMode)

	r.Post("/sync/force", routes.forceSync)
	r.Post("/error/clear", routes.clearError)

	return r
}

// getState handles GET /v0/state
func (rr *Routes) getState(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// getPoolStats handles GET /v0/pool
func (rr *Routes) getPoolStats(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, rr.pool.Stats())
}

// getCacheStats handles GET /v0/cache
func (rr *Routes) getCacheStats(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, rr.cache.Stats())
}

// loadAnimation handles POST /v0/animation
func (rr *Routes) loadAnimation(w http.ResponseWriter, r *http.Request) {
	var req LoadAnimationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		rr.writeErrorResponse(w, "Animation name is required", http.StatusBadRequest)
		return
	}
	if err := rr.engine.LoadAnimation(r.Context(), req.Name, req.Payload); err != nil {
		rr.writeErrorResponse(w, "Failed to load animation: "+err.Error(), http.StatusBadRequest)
		return
	}
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// getPlayers handles GET /v0/players
func (rr *Routes) getPlayers(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, rr.engine.Snapshot().Players)
}

// addPlayer handles POST /v0/players
func (rr *Routes) addPlayer(w http.ResponseWriter, r *http.Request) {
	var req AddPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := adapter.ParseKind(req.Kind)
	if err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	surfaceID := req.SurfaceID
	if surfaceID == "" {
		surfaceID = "surface-" + req.Kind
	}
	id, err := rr.engine.AddPlayer(kind, adapter.NewSurface(surfaceID, req.Width, req.Height))
	if err != nil {
		rr.writeEngineError(w, err)
		return
	}
	rr.writeJSONResponse(w, AddPlayerResponse{ID: id})
}

// removePlayer handles DELETE /v0/players/{id}
func (rr *Routes) removePlayer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := rr.engine.RemovePlayer(id); err != nil {
		rr.writeEngineError(w, err)
		return
	}
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// getAdvice handles GET /v0/players/{id}/advice
func (rr *Routes) getAdvice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	advice, err := rr.engine.RetryAdvice(id)
	if err != nil {
		rr.writeEngineError(w, err)
		return
	}
	rr.writeJSONResponse(w, AdviceResponse{PlayerID: id, Advice: advice})
}

// play handles POST /v0/intents/play
func (rr *Routes) play(w http.ResponseWriter, _ *http.Request) {
	rr.runIntent(w, rr.engine.Play)
}

// pause handles POST /v0/intents/pause
func (rr *Routes) pause(w http.ResponseWriter, _ *http.Request) {
	rr.runIntent(w, rr.engine.Pause)
}

// stop handles POST /v0/intents/stop
func (rr *Routes) stop(w http.ResponseWriter, _ *http.Request) {
	rr.runIntent(w, rr.engine.Stop)
}

// seek handles POST /v0/intents/seek
func (rr *Routes) seek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	seconds := -1.0
	if req.Time != nil {
		seconds = *req.Time
	}
	rr.runIntent(w, func() error { return rr.engine.SeekTo(req.Frame, seconds) })
}

// setSpeed handles POST /v0/intents/speed
func (rr *Routes) setSpeed(w http.ResponseWriter, r *http.Request) {
	var req SpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	rr.runIntent(w, func() error { return rr.engine.SetSpeed(req.Speed) })
}

// setLoop handles POST /v0/intents/loop
func (rr *Routes) setLoop(w http.ResponseWriter, r *http.Request) {
	var req LoopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	rr.engine.SetLoop(req.Loop)
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// setMode handles POST /v0/intents/mode
func (rr *Routes) setMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, ok := engine.ParseSyncMode(req.Mode)
	if !ok {
		rr.writeErrorResponse(w, "Unknown sync mode: "+req.Mode, http.StatusBadRequest)
		return
	}
	rr.runIntent(w, func() error { return rr.engine.SetSyncMode(mode) })
}

// forceSync handles POST /v0/sync/force
func (rr *Routes) forceSync(w http.ResponseWriter, _ *http.Request) {
	rr.engine.ForceSync()
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// clearError handles POST /v0/error/clear
func (rr *Routes) clearError(w http.ResponseWriter, _ *http.Request) {
	rr.engine.ClearError()
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// runIntent executes an intent and responds with the updated snapshot
func (rr *Routes) runIntent(w http.ResponseWriter, intent func() error) {
	if err := intent(); err != nil {
		rr.writeEngineError(w, err)
		return
	}
	rr.writeJSONResponse(w, rr.engine.Snapshot())
}

// writeEngineError maps engine errors to HTTP status codes
func (rr *Routes) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, engine.ErrUnknownPlayer):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrTooManyInstances):
		status = http.StatusBadRequest
	}
	rr.writeErrorResponse(w, err.Error(), status)
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler)
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests. All state is in-process,
// so the server is ready as soon as it serves requests.
func readinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	response := map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode version info", "error", err)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
