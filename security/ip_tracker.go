package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reading-platform/cache"
	"reading-platform/config"
	"reading-platform/model"
	"reading-platform/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IPTracker scores per-IP request patterns and owns the block state machine:
//
//	Unblocked -> Blocked        when botScore reaches the block threshold
//	Blocked   -> short-circuit  while now < blockedUntil (no heuristics)
//	Blocked   -> Unblocked      observed on the first check at/after blockedUntil,
//	                            which then re-evaluates heuristics in the same call
//
// All record mutations go through the store's conditional update so that
// concurrent requests from one IP, possibly on different replicas, neither
// lose counter updates nor double-trigger a block transition.
type IPTracker struct {
	cfg       config.IPTrackingConfig
	rate      config.RateLimitConfig
	store     RecordStore
	verdicts  *cache.Cache
	opTimeout time.Duration
	now       func() time.Time
}

// NewIPTracker creates a tracker. verdicts may be nil to disable the
// pre-flight verdict cache.
func NewIPTracker(cfg config.Config, store RecordStore, verdicts *cache.Cache) *IPTracker {
	return &IPTracker{
		cfg:       cfg.IPTracking,
		rate:      cfg.RateLimit,
		store:     store,
		verdicts:  verdicts,
		opTimeout: time.Duration(cfg.Redis.OperationTimeout) * time.Second,
		now:       time.Now,
	}
}

// ipEvalOutcome carries side-effect notes out of the conditional update so
// stat counters are bumped once, after the record is committed.
type ipEvalOutcome struct {
	rateViolated bool
	autoBlocked  bool
	blockReason  string
}

// CheckIPActivity records one request from ip and returns the admit/deny
// verdict. The store read-modify-write runs conditionally; if the store is
// unreachable the request is evaluated in memory as a first sighting and
// admitted on that basis (fail-open).
func (t *IPTracker) CheckIPActivity(ctx context.Context, ip, endpoint, method, userAgent string) (model.IPCheckResult, error) {
	var result model.IPCheckResult

	if err := utils.ValidateIP(ip); err != nil {
		return result, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return result, utils.ErrEmptyEndpoint
	}

	now := t.now()
	var outcome ipEvalOutcome

	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	_, err := t.store.UpdateIPRecord(opCtx, ip, func(rec *model.IPRiskRecord) {
		result, outcome = t.apply(rec, now, endpoint, method)
	})
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("Failed to persist IP record, evaluating in memory")
		fallback := model.NewIPRiskRecord(ip, now)
		result, outcome = t.apply(fallback, now, endpoint, method)
	}

	t.recordStats(ctx, ip, outcome)

	if outcome.autoBlocked {
		log.Warn().
			Str("ip", ip).
			Int("bot_score", result.BotScore).
			Str("reason", outcome.blockReason).
			Msg("IP automatically blocked")
	}

	return result, nil
}

// apply mutates rec for one observed request and computes the verdict. It is
// called against the freshest stored record inside the conditional update and
// must stay free of store calls.
func (t *IPTracker) apply(rec *model.IPRiskRecord, now time.Time, endpoint, method string) (model.IPCheckResult, ipEvalOutcome) {
	var outcome ipEvalOutcome

	// Calendar-day rollover resets the daily counter before anything else.
	if !sameDay(rec.LastRateLimitReset, now) {
		rec.RequestsToday = 0
		rec.LastRateLimitReset = now
	}

	// Active block: no heuristics, but the request is still logged and counted.
	if rec.BlockActive(now) {
		t.logRequest(rec, now, endpoint, method)
		return model.IPCheckResult{
			Allowed:      false,
			IsBlocked:    true,
			IsSuspicious: rec.IsSuspicious,
			BotScore:     rec.BotScore,
			RemainingMs:  rec.BlockedUntil.Sub(now).Milliseconds(),
			Reasons:      []string{rec.BlockedReason},
		}, outcome
	}

	// An expired block converts to Unblocked before re-evaluating this request.
	if rec.BlockExpired(now) {
		log.Info().Str("ip", rec.IP).Msg("IP block expired, unblocking")
		rec.ClearBlock()
	}

	score, reasons, rateAllowed, retryAfter := t.evaluate(rec, now, endpoint)
	outcome.rateViolated = !rateAllowed

	if score > rec.BotScore {
		rec.BotScore = score
	}
	rec.IsSuspicious = rec.BotScore >= t.cfg.SuspiciousThreshold

	// The block transition keys off this evaluation's score. The running
	// maximum is kept for reporting and the suspicious tier; gating the
	// transition on it would re-block an expired IP on its next request no
	// matter how calm its traffic had become.
	if score >= t.cfg.BlockThreshold {
		duration := time.Duration(t.cfg.BlockDurationMinutes) * time.Minute
		rec.IsBlocked = true
		rec.BlockedAt = now
		rec.BlockedUntil = now.Add(duration)
		rec.BlockedReason = primaryReason(reasons)
		outcome.autoBlocked = true
		outcome.blockReason = rec.BlockedReason
	}

	if len(reasons) > 0 {
		rec.SuspiciousActivityLog.Append(model.ScoreEvent{
			ID:        uuid.NewString(),
			BotScore:  score,
			Reasons:   reasons,
			Endpoint:  endpoint,
			Timestamp: now,
		}, t.cfg.SuspiciousLogMaxEntries)
	}

	t.logRequest(rec, now, endpoint, method)

	result := model.IPCheckResult{
		Allowed:      !rec.IsBlocked && rateAllowed,
		IsBlocked:    rec.IsBlocked,
		IsSuspicious: rec.IsSuspicious,
		BotScore:     rec.BotScore,
		Reasons:      reasons,
	}
	if rec.IsBlocked {
		result.RemainingMs = rec.BlockedUntil.Sub(now).Milliseconds()
	} else if !rateAllowed {
		result.RemainingMs = retryAfter.Milliseconds()
	}

	return result, outcome
}

// logRequest appends the request event and bumps the counters. Runs for every
// observed request, blocked or not.
func (t *IPTracker) logRequest(rec *model.IPRiskRecord, now time.Time, endpoint, method string) {
	rec.ActivityLog.Append(model.ActivityEvent{
		SubjectID: rec.IP,
		Endpoint:  endpoint,
		Method:    method,
		Timestamp: now,
	}, t.cfg.ActivityLogMaxEntries)

	rec.TotalRequests++
	rec.RequestsToday++
	rec.RequestsLastMinute = rec.ActivityLog.CountSince(now.Add(-time.Minute))
}

// evaluate runs the request-pattern heuristics over the record snapshot,
// before the current request is appended. No mutation.
func (t *IPTracker) evaluate(rec *model.IPRiskRecord, now time.Time, endpoint string) (score int, reasons []string, rateAllowed bool, retryAfter time.Duration) {
	rateAllowed = true

	// Tiered sliding-window rate check; whitelisted endpoints bypass it.
	if !rec.EndpointWhitelisted(endpoint) {
		limit := t.rate.Normal
		if rec.IsSuspicious {
			limit = t.rate.Suspicious
		}
		window := time.Duration(t.rate.WindowSeconds) * time.Second

		var remaining time.Duration
		rateAllowed, remaining = CheckRate(&rec.ActivityLog, now, window, limit)
		if !rateAllowed {
			retryAfter = remaining
			score += t.cfg.WeightRateLimit
			reasons = append(reasons, fmt.Sprintf("request rate exceeded (%d per %ds allowed)",
				limit, t.rate.WindowSeconds))
		}
	}

	// Daily volume, current request included.
	if rec.RequestsToday+1 > t.cfg.DailyRequestThreshold {
		score += t.cfg.WeightDailyVolume
		reasons = append(reasons, fmt.Sprintf("%d requests today (threshold %d)",
			rec.RequestsToday+1, t.cfg.DailyRequestThreshold))
	}

	// Burst frequency over the most recent logged requests. Buckets are
	// mutually exclusive; the faster one wins.
	tail := rec.ActivityLog.Tail(t.cfg.BurstSampleSize)
	if len(tail) >= 2 {
		span := tail[len(tail)-1].Timestamp.Sub(tail[0].Timestamp)
		avgGapMs := span.Milliseconds() / int64(len(tail)-1)
		switch {
		case avgGapMs < t.cfg.BurstFastMs:
			score += t.cfg.WeightBurstFast
			reasons = append(reasons, fmt.Sprintf("burst traffic: %dms average between requests", avgGapMs))
		case avgGapMs < t.cfg.BurstMediumMs:
			score += t.cfg.WeightBurstMedium
			reasons = append(reasons, fmt.Sprintf("rapid traffic: %dms average between requests", avgGapMs))
		}
	}

	// Endpoint diversity: crawler sweeps touch many distinct paths.
	if unique := rec.ActivityLog.UniqueEndpoints(); unique > t.cfg.EndpointUniqueThreshold && rec.ActivityLog.Len() > 0 {
		ratio := float64(unique) / float64(rec.ActivityLog.Len())
		if ratio > t.cfg.EndpointRatioThreshold {
			score += t.cfg.WeightEndpointDiversity
			reasons = append(reasons, fmt.Sprintf("%d distinct endpoints across %d requests",
				unique, rec.ActivityLog.Len()))
		}
	}

	// Off-hours window.
	if hour := now.Hour(); hour >= 2 && hour < 6 {
		score += t.cfg.WeightOffHours
		reasons = append(reasons, fmt.Sprintf("activity during off-hours (%02d:00)", hour))
	}

	return score, reasons, rateAllowed, retryAfter
}

// CanMakeRequest is the lighter pre-flight check used by request-gating
// middleware: it answers allow/deny for an IP without mutating any state.
// Unauthenticated traffic is held to the anonymous tier limit. Verdicts are
// briefly cached so a blocked source does not cost a store round-trip per
// request.
func (t *IPTracker) CanMakeRequest(ctx context.Context, ip string) (model.IPCheckResult, error) {
	var result model.IPCheckResult

	if err := utils.ValidateIP(ip); err != nil {
		return result, err
	}

	if t.verdicts != nil {
		if cached, ok := t.verdicts.Get(verdictCacheKey(ip)); ok {
			if v, ok := cached.(model.IPCheckResult); ok {
				return v, nil
			}
		}
	}

	now := t.now()

	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	rec, err := t.store.GetIPRecord(opCtx, ip)
	if err != nil {
		// Store outage must not become an outage for all traffic.
		log.Error().Err(err).Str("ip", ip).Msg("Failed to load IP record, failing open")
		return model.IPCheckResult{Allowed: true}, nil
	}
	if rec == nil {
		return model.IPCheckResult{Allowed: true}, nil
	}

	if rec.BlockActive(now) {
		result = model.IPCheckResult{
			Allowed:      false,
			IsBlocked:    true,
			IsSuspicious: rec.IsSuspicious,
			BotScore:     rec.BotScore,
			RemainingMs:  rec.BlockedUntil.Sub(now).Milliseconds(),
			Reasons:      []string{rec.BlockedReason},
		}
	} else {
		limit := t.rate.Anonymous
		if rec.IsSuspicious {
			limit = t.rate.Suspicious
		}
		window := time.Duration(t.rate.WindowSeconds) * time.Second
		allowed, remaining := CheckRate(&rec.ActivityLog, now, window, limit)

		result = model.IPCheckResult{
			Allowed:      allowed,
			IsSuspicious: rec.IsSuspicious,
			BotScore:     rec.BotScore,
			RemainingMs:  remaining.Milliseconds(),
		}
		if !allowed {
			result.Reasons = []string{"too many requests, slow down"}
		}
	}

	if t.verdicts != nil {
		ttl := time.Duration(t.cfg.PreflightCacheTTLSeconds) * time.Second
		t.verdicts.SetWithTTL(verdictCacheKey(ip), result, 1, ttl)
	}

	return result, nil
}

// BlockIP manually blocks an IP for durationMinutes.
func (t *IPTracker) BlockIP(ctx context.Context, ip, reason string, durationMinutes int) error {
	if err := utils.ValidateIP(ip); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return utils.ErrEmptyReason
	}
	if durationMinutes <= 0 {
		return utils.ErrInvalidDuration
	}

	now := t.now()
	_, err := t.store.UpdateIPRecord(ctx, ip, func(rec *model.IPRiskRecord) {
		rec.IsBlocked = true
		rec.BlockedAt = now
		rec.BlockedUntil = now.Add(time.Duration(durationMinutes) * time.Minute)
		rec.BlockedReason = reason
	})
	if err != nil {
		return err
	}

	t.invalidateVerdict(ip)

	if statErr := t.store.IncrStat(ctx, StatManualBlocks, 1); statErr != nil {
		log.Error().Err(statErr).Msg("Failed to bump manual block counter")
	}

	log.Info().Str("ip", ip).Str("reason", reason).Int("duration_minutes", durationMinutes).Msg("IP manually blocked")
	return nil
}

// UnblockIP lifts a block without touching score, flags or history.
func (t *IPTracker) UnblockIP(ctx context.Context, ip string) error {
	if err := utils.ValidateIP(ip); err != nil {
		return err
	}

	_, err := t.store.UpdateIPRecord(ctx, ip, func(rec *model.IPRiskRecord) {
		rec.ClearBlock()
	})
	if err != nil {
		return err
	}

	t.invalidateVerdict(ip)
	log.Info().Str("ip", ip).Msg("IP manually unblocked")
	return nil
}

// ResetIPActivity clears score, flags and block state. The activity and
// suspicious logs stay queryable as audit history.
func (t *IPTracker) ResetIPActivity(ctx context.Context, ip string) error {
	if err := utils.ValidateIP(ip); err != nil {
		return err
	}

	_, err := t.store.UpdateIPRecord(ctx, ip, func(rec *model.IPRiskRecord) {
		rec.BotScore = 0
		rec.IsSuspicious = false
		rec.ClearBlock()
	})
	if err != nil {
		return err
	}

	t.invalidateVerdict(ip)
	log.Info().Str("ip", ip).Msg("IP activity reset")
	return nil
}

// WhitelistEndpoint exempts an endpoint from rate checks for one IP.
func (t *IPTracker) WhitelistEndpoint(ctx context.Context, ip, endpoint string) error {
	if err := utils.ValidateIP(ip); err != nil {
		return err
	}
	if strings.TrimSpace(endpoint) == "" {
		return utils.ErrEmptyEndpoint
	}

	_, err := t.store.UpdateIPRecord(ctx, ip, func(rec *model.IPRiskRecord) {
		if !rec.EndpointWhitelisted(endpoint) {
			rec.WhitelistedEndpoints = append(rec.WhitelistedEndpoints, endpoint)
		}
	})
	return err
}

// GetIPStats returns the stored record for an IP, or (nil, nil) when unseen.
func (t *IPTracker) GetIPStats(ctx context.Context, ip string) (*model.IPRiskRecord, error) {
	if err := utils.ValidateIP(ip); err != nil {
		return nil, err
	}
	return t.store.GetIPRecord(ctx, ip)
}

func (t *IPTracker) recordStats(ctx context.Context, ip string, outcome ipEvalOutcome) {
	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	if err := t.store.IncrStat(opCtx, StatIPChecks, 1); err != nil {
		log.Debug().Err(err).Msg("Failed to bump IP check counter")
		return
	}
	if outcome.rateViolated {
		if err := t.store.IncrStat(opCtx, StatRateLimitViolation, 1); err != nil {
			log.Debug().Err(err).Msg("Failed to bump rate violation counter")
		}
	}
	if outcome.autoBlocked {
		if err := t.store.IncrStat(opCtx, StatAutoBlocks, 1); err != nil {
			log.Debug().Err(err).Msg("Failed to bump auto block counter")
		}
		if err := t.store.RecordDetection(opCtx, ip, outcome.blockReason); err != nil {
			log.Debug().Err(err).Msg("Failed to record detection")
		}
		t.invalidateVerdict(ip)
	}
}

func (t *IPTracker) invalidateVerdict(ip string) {
	if t.verdicts != nil {
		t.verdicts.Delete(verdictCacheKey(ip))
	}
}

func verdictCacheKey(ip string) string {
	return "verdict:" + ip
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
