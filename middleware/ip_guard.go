package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"reading-platform/security"

	"github.com/rs/zerolog/log"
)

// IPGuard enforces the engine's per-IP verdicts on inbound requests. Preflight
// mode answers allow/deny without mutating tracking state; full mode records
// the request and runs the heuristics.
type IPGuard struct {
	engine  *security.Engine
	enabled bool
}

// NewIPGuard creates the guard middleware.
func NewIPGuard(engine *security.Engine, enabled bool) *IPGuard {
	return &IPGuard{engine: engine, enabled: enabled}
}

// Preflight is the light gate: a cached, read-only allow/deny decision.
func (g *IPGuard) Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		verdict, err := g.engine.CanMakeRequest(r.Context(), ip)
		if err != nil {
			// Bad identifier from the router side; never block traffic on it.
			log.Debug().Err(err).Str("ip", ip).Msg("Preflight check skipped")
			next.ServeHTTP(w, r)
			return
		}

		if !verdict.Allowed {
			denyRequest(w, r, ip, verdict.RemainingMs, verdict.Reasons)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Track is the full gate: every request is logged, scored and counted.
func (g *IPGuard) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		verdict, err := g.engine.CheckIPActivity(r.Context(), ip, r.URL.Path, r.Method, r.UserAgent())
		if err != nil {
			log.Debug().Err(err).Str("ip", ip).Msg("IP check skipped")
			next.ServeHTTP(w, r)
			return
		}

		if !verdict.Allowed {
			log.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("bot_score", verdict.BotScore).
				Bool("is_blocked", verdict.IsBlocked).
				Strs("reasons", verdict.Reasons).
				Msg("Request denied by IP tracker")
			denyRequest(w, r, ip, verdict.RemainingMs, verdict.Reasons)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// denyRequest answers 429 with a human-readable reason and a Retry-After
// hint. Heuristic weights and thresholds are never exposed.
func denyRequest(w http.ResponseWriter, r *http.Request, ip string, remainingMs int64, reasons []string) {
	retryAfterSec := remainingMs / 1000
	if remainingMs > 0 && retryAfterSec == 0 {
		retryAfterSec = 1
	}

	message := "Too many requests from this address. Please slow down."
	if len(reasons) > 0 {
		message = reasons[0]
	}

	w.Header().Set("Content-Type", "application/json")
	if retryAfterSec > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSec))
	}
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"error":        "Request denied",
		"message":      message,
		"retryAfterMs": remainingMs,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("Failed to encode deny response")
	}
}
