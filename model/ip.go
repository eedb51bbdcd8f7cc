package model

import "time"

// IPRiskRecord is the persisted tracking state for a network address. It is
// shared across server replicas; all mutations go through conditional store
// updates so concurrent writers cannot drop each other's changes.
//
// Block state: a record is Unblocked, Blocked-active (IsBlocked and now before
// BlockedUntil) or Blocked-expired (IsBlocked and now at/after BlockedUntil).
// Blocked-expired is observed, never stored: the next evaluation clears it.
type IPRiskRecord struct {
	IP                    string      `json:"ip"`
	BotScore              int         `json:"botScore"`
	IsSuspicious          bool        `json:"isSuspicious"`
	IsBlocked             bool        `json:"isBlocked"`
	BlockedAt             time.Time   `json:"blockedAt,omitempty"`
	BlockedUntil          time.Time   `json:"blockedUntil,omitempty"`
	BlockedReason         string      `json:"blockedReason,omitempty"`
	TotalRequests         int64       `json:"totalRequests"`
	RequestsToday         int64       `json:"requestsToday"`
	RequestsLastMinute    int         `json:"requestsLastMinute"`
	LastRateLimitReset    time.Time   `json:"lastRateLimitReset"`
	FirstSeenAt           time.Time   `json:"firstSeenAt"`
	ActivityLog           ActivityLog `json:"activityLog"`
	SuspiciousActivityLog ScoreLog    `json:"suspiciousActivityLog"`
	WhitelistedEndpoints  []string    `json:"whitelistedEndpoints,omitempty"`
}

// NewIPRiskRecord returns a fresh record for a first sighting.
func NewIPRiskRecord(ip string, now time.Time) *IPRiskRecord {
	return &IPRiskRecord{
		IP:                 ip,
		FirstSeenAt:        now,
		LastRateLimitReset: now,
	}
}

// BlockActive reports whether the record is in the Blocked-active state.
func (r *IPRiskRecord) BlockActive(now time.Time) bool {
	return r.IsBlocked && now.Before(r.BlockedUntil)
}

// BlockExpired reports whether a stored block has run out.
func (r *IPRiskRecord) BlockExpired(now time.Time) bool {
	return r.IsBlocked && !now.Before(r.BlockedUntil)
}

// ClearBlock converts the record back to Unblocked. Score and logs are kept.
func (r *IPRiskRecord) ClearBlock() {
	r.IsBlocked = false
	r.BlockedAt = time.Time{}
	r.BlockedUntil = time.Time{}
	r.BlockedReason = ""
}

// EndpointWhitelisted reports whether requests to endpoint bypass rate checks.
func (r *IPRiskRecord) EndpointWhitelisted(endpoint string) bool {
	for _, e := range r.WhitelistedEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// IPCheckResult is the verdict returned by an IP activity check.
type IPCheckResult struct {
	Allowed      bool     `json:"allowed"`
	IsBlocked    bool     `json:"isBlocked"`
	IsSuspicious bool     `json:"isSuspicious"`
	BotScore     int      `json:"botScore"`
	RemainingMs  int64    `json:"remainingMs"`
	Reasons      []string `json:"reasons,omitempty"`
}
