package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"reading-platform/cache"
	"reading-platform/config"
	"reading-platform/middleware"
	"reading-platform/security"

	"github.com/go-redis/redis/v8"
)

var (
	errInvalidJSON = errors.New("invalid request body")
)

// VerdictHandler exposes the engine's two check entry points to the other
// platform services: the content service reports chapter reads, an external
// gateway asks for per-request IP verdicts.
type VerdictHandler struct {
	engine *security.Engine
	redis  *redis.Client
	cache  *cache.Cache
	config config.Config
}

// NewVerdictHandler creates a verdict handler with its dependencies injected.
func NewVerdictHandler(engine *security.Engine, redisClient *redis.Client, cacheClient *cache.Cache, cfg config.Config) *VerdictHandler {
	return &VerdictHandler{
		engine: engine,
		redis:  redisClient,
		cache:  cacheClient,
		config: cfg,
	}
}

func (h *VerdictHandler) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := time.Duration(h.config.Redis.OperationTimeout) * time.Second
	return context.WithTimeout(r.Context(), timeout)
}

// ReadCheckRequest is a chapter-read report from the content service.
type ReadCheckRequest struct {
	UserID    string `json:"userID,omitempty"` // optional; X-User-ID wins when present
	ChapterID string `json:"chapterID"`
	TitleID   string `json:"titleID"`
}

// RequestCheckRequest is a per-request verdict query from an external gateway.
type RequestCheckRequest struct {
	IP        string `json:"ip"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	UserAgent string `json:"userAgent,omitempty"`
}

// CheckRead godoc
// @Summary Score a chapter read
// @Description Scores one chapter read for bot-like reading patterns and returns the verdict
// @Tags Verdicts
// @Accept json
// @Produce json
// @Param request body ReadCheckRequest true "Read event"
// @Success 200 {object} model.UserCheckResult
// @Failure 400 {object} ErrorResponse
// @Router /v1/check/read [post]
func (h *VerdictHandler) CheckRead(w http.ResponseWriter, r *http.Request) {
	var req ReadCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, http.StatusBadRequest, errInvalidJSON, "Request body must be valid JSON")
		return
	}

	// The identity collaborator's header is authoritative over the body.
	if userID, ok := middleware.UserIDFrom(r.Context()); ok {
		req.UserID = userID
	}

	ctx, cancel := h.opCtx(r)
	defer cancel()

	result, err := h.engine.CheckUserActivity(ctx, req.UserID, req.ChapterID, req.TitleID)
	if err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Invalid identifiers supplied")
		return
	}

	SendJSONSuccess(w, http.StatusOK, result)
}

// CheckRequest godoc
// @Summary Score an inbound request by IP
// @Description Records one request for an IP, runs the request-pattern heuristics and returns the admit/deny verdict
// @Tags Verdicts
// @Accept json
// @Produce json
// @Param request body RequestCheckRequest true "Request descriptor"
// @Success 200 {object} model.IPCheckResult
// @Failure 400 {object} ErrorResponse
// @Router /v1/check/request [post]
func (h *VerdictHandler) CheckRequest(w http.ResponseWriter, r *http.Request) {
	var req RequestCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, http.StatusBadRequest, errInvalidJSON, "Request body must be valid JSON")
		return
	}

	ctx, cancel := h.opCtx(r)
	defer cancel()

	result, err := h.engine.CheckIPActivity(ctx, req.IP, req.Endpoint, req.Method, req.UserAgent)
	if err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Invalid identifiers supplied")
		return
	}

	SendJSONSuccess(w, http.StatusOK, result)
}

// HealthCheck godoc
// @Summary Health check
// @Description Reports service and Redis connectivity status
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *VerdictHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	status := map[string]string{"status": "ok", "redis": "ok"}
	code := http.StatusOK

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	SendJSONSuccess(w, code, status)
}

// CacheMetrics godoc
// @Summary Verdict cache metrics
// @Tags System
// @Produce json
// @Success 200 {object} cache.MetricsSnapshot
// @Router /cache/metrics [get]
func (h *VerdictHandler) CacheMetrics(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		SendJSONError(w, http.StatusNotFound, errors.New("cache disabled"), "Verdict cache is disabled in configuration")
		return
	}
	SendJSONSuccess(w, http.StatusOK, h.cache.GetMetricsSnapshot())
}
