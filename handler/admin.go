package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"reading-platform/config"
	"reading-platform/model"
	"reading-platform/security"

	"github.com/gorilla/mux"
)

var errIPNotTracked = errors.New("IP has no tracking record")

// AdminHandler exposes the engine's read-only queries and manual operations
// to administrative tooling.
type AdminHandler struct {
	engine *security.Engine
	config config.Config
}

func NewAdminHandler(engine *security.Engine, cfg config.Config) *AdminHandler {
	return &AdminHandler{engine: engine, config: cfg}
}

func (h *AdminHandler) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := time.Duration(h.config.Redis.OperationTimeout) * time.Second
	return context.WithTimeout(r.Context(), timeout)
}

// BlockIPRequest is the body of a manual block operation.
type BlockIPRequest struct {
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"durationMinutes"`
}

// WhitelistRequest is the body of an endpoint whitelist operation.
type WhitelistRequest struct {
	Endpoint string `json:"endpoint"`
}

// BlockedIPsResponse lists blocked IP records.
type BlockedIPsResponse struct {
	Total int                  `json:"total"`
	IPs   []model.IPRiskRecord `json:"ips"`
}

// SuspiciousUsersResponse lists flagged reader records.
type SuspiciousUsersResponse struct {
	Total int                    `json:"total"`
	Users []model.UserRiskRecord `json:"users"`
}

// UserAuditResponse lists a reader's capped audit history.
type UserAuditResponse struct {
	UserID string             `json:"userID"`
	Total  int                `json:"total"`
	Events []model.ScoreEvent `json:"events"`
}

// GetBotStats godoc
// @Summary Aggregate detection statistics
// @Tags Admin
// @Produce json
// @Success 200 {object} security.StatsSnapshot
// @Security AdminKey
// @Router /admin/stats [get]
func (h *AdminHandler) GetBotStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	stats, err := h.engine.GetBotStats(ctx)
	if err != nil {
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to load statistics")
		return
	}
	SendJSONSuccess(w, http.StatusOK, stats)
}

// GetBlockedIPs godoc
// @Summary List currently blocked IPs
// @Tags Admin
// @Produce json
// @Success 200 {object} BlockedIPsResponse
// @Security AdminKey
// @Router /admin/ips/blocked [get]
func (h *AdminHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	records, err := h.engine.GetBlockedIPs(ctx)
	if err != nil {
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to list blocked IPs")
		return
	}
	SendJSONSuccess(w, http.StatusOK, BlockedIPsResponse{Total: len(records), IPs: records})
}

// GetIPStats godoc
// @Summary Tracking record for one IP
// @Tags Admin
// @Produce json
// @Param ip path string true "IP address"
// @Success 200 {object} model.IPRiskRecord
// @Failure 404 {object} ErrorResponse
// @Security AdminKey
// @Router /admin/ips/{ip} [get]
func (h *AdminHandler) GetIPStats(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	ctx, cancel := h.opCtx(r)
	defer cancel()

	rec, err := h.engine.GetIPStats(ctx, ip)
	if err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Invalid IP address")
		return
	}
	if rec == nil {
		SendJSONError(w, http.StatusNotFound, errIPNotTracked, "No activity recorded for this IP")
		return
	}
	SendJSONSuccess(w, http.StatusOK, rec)
}

// BlockIP godoc
// @Summary Manually block an IP
// @Tags Admin
// @Accept json
// @Produce json
// @Param ip path string true "IP address"
// @Param request body BlockIPRequest true "Block parameters"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Security AdminKey
// @Router /admin/ips/{ip}/block [post]
func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	var req BlockIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, http.StatusBadRequest, errInvalidJSON, "Request body must be valid JSON")
		return
	}

	ctx, cancel := h.opCtx(r)
	defer cancel()

	if err := h.engine.BlockIP(ctx, ip, req.Reason, req.DurationMinutes); err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Failed to block IP")
		return
	}
	SendJSONSuccess(w, http.StatusOK, map[string]string{"status": "blocked", "ip": ip})
}

// UnblockIP godoc
// @Summary Lift a block on an IP
// @Tags Admin
// @Produce json
// @Param ip path string true "IP address"
// @Success 200 {object} map[string]string
// @Security AdminKey
// @Router /admin/ips/{ip}/unblock [post]
func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	ctx, cancel := h.opCtx(r)
	defer cancel()

	if err := h.engine.UnblockIP(ctx, ip); err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Failed to unblock IP")
		return
	}
	SendJSONSuccess(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
}

// ResetIPActivity godoc
// @Summary Reset an IP's score, flags and block state
// @Description Clears score and block state; the activity history stays queryable
// @Tags Admin
// @Produce json
// @Param ip path string true "IP address"
// @Success 200 {object} map[string]string
// @Security AdminKey
// @Router /admin/ips/{ip}/reset [post]
func (h *AdminHandler) ResetIPActivity(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	ctx, cancel := h.opCtx(r)
	defer cancel()

	if err := h.engine.ResetIPActivity(ctx, ip); err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Failed to reset IP activity")
		return
	}
	SendJSONSuccess(w, http.StatusOK, map[string]string{"status": "reset", "ip": ip})
}

// WhitelistEndpoint godoc
// @Summary Exempt an endpoint from rate checks for one IP
// @Tags Admin
// @Accept json
// @Produce json
// @Param ip path string true "IP address"
// @Param request body WhitelistRequest true "Endpoint to exempt"
// @Success 200 {object} map[string]string
// @Security AdminKey
// @Router /admin/ips/{ip}/whitelist [post]
func (h *AdminHandler) WhitelistEndpoint(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	var req WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendJSONError(w, http.StatusBadRequest, errInvalidJSON, "Request body must be valid JSON")
		return
	}

	ctx, cancel := h.opCtx(r)
	defer cancel()

	if err := h.engine.WhitelistEndpoint(ctx, ip, req.Endpoint); err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Failed to whitelist endpoint")
		return
	}
	SendJSONSuccess(w, http.StatusOK, map[string]string{"status": "whitelisted", "ip": ip, "endpoint": req.Endpoint})
}

// GetSuspiciousUsers godoc
// @Summary List readers flagged as suspicious
// @Tags Admin
// @Produce json
// @Success 200 {object} SuspiciousUsersResponse
// @Security AdminKey
// @Router /admin/users/suspicious [get]
func (h *AdminHandler) GetSuspiciousUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opCtx(r)
	defer cancel()

	records, err := h.engine.GetSuspiciousUsers(ctx)
	if err != nil {
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to list suspicious users")
		return
	}
	SendJSONSuccess(w, http.StatusOK, SuspiciousUsersResponse{Total: len(records), Users: records})
}

// GetUserAudit godoc
// @Summary A reader's capped scoring audit history
// @Tags Admin
// @Produce json
// @Param userID path string true "User ID"
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} UserAuditResponse
// @Security AdminKey
// @Router /admin/users/{userID}/audit [get]
func (h *AdminHandler) GetUserAudit(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	ctx, cancel := h.opCtx(r)
	defer cancel()

	events, err := h.engine.GetUserAudit(ctx, userID, limit)
	if err != nil {
		SendJSONError(w, http.StatusInternalServerError, err, "Failed to load audit history")
		return
	}
	SendJSONSuccess(w, http.StatusOK, UserAuditResponse{UserID: userID, Total: len(events), Events: events})
}

// ResetUserActivity godoc
// @Summary Reset a reader's score and flags
// @Tags Admin
// @Produce json
// @Param userID path string true "User ID"
// @Success 200 {object} map[string]string
// @Security AdminKey
// @Router /admin/users/{userID}/reset [post]
func (h *AdminHandler) ResetUserActivity(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	ctx, cancel := h.opCtx(r)
	defer cancel()

	if err := h.engine.ResetUserActivity(ctx, userID); err != nil {
		SendJSONError(w, http.StatusBadRequest, err, "Failed to reset user activity")
		return
	}
	SendJSONSuccess(w, http.StatusOK, map[string]string{"status": "reset", "userID": userID})
}
