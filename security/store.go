package security

import (
	"context"

	"reading-platform/model"
)

// Stat counter fields kept in the store.
const (
	StatUserChecks         = "user_checks"
	StatIPChecks           = "ip_checks"
	StatDetections         = "detections"
	StatRateLimitViolation = "rate_limit_violations"
	StatAutoBlocks         = "auto_blocks"
	StatManualBlocks       = "manual_blocks"
)

// StatsSnapshot is an aggregate view of the engine's counters and indexes.
type StatsSnapshot struct {
	Counters          map[string]int64 `json:"counters"`
	BlockedIPs        int64            `json:"blockedIPs"`
	SuspiciousIPs     int64            `json:"suspiciousIPs"`
	SuspiciousUsers   int64            `json:"suspiciousUsers"`
	DetectionsLast24h int64            `json:"detectionsLast24h"`
	TopBlockReasons   map[string]int64 `json:"topBlockReasons"`
}

// RecordStore is the durable storage collaborator for risk records. All IP
// mutations go through UpdateIPRecord, which must apply the mutation against
// the freshest stored state conditionally (concurrent writers from multiple
// replicas may not drop each other's updates, and concurrent first sightings
// of one IP may not create duplicate records).
type RecordStore interface {
	// GetIPRecord returns the record for ip, or (nil, nil) when unseen.
	GetIPRecord(ctx context.Context, ip string) (*model.IPRiskRecord, error)

	// UpdateIPRecord applies mutate to the current record (creating one on
	// first sighting) and persists it atomically, retrying on contention.
	// The blocked/suspicious index sets are maintained in the same step.
	UpdateIPRecord(ctx context.Context, ip string, mutate func(*model.IPRiskRecord)) (*model.IPRiskRecord, error)

	ListBlockedIPs(ctx context.Context) ([]string, error)
	ListSuspiciousIPs(ctx context.Context) ([]string, error)

	// GetUserRecord returns the record for userID, or (nil, nil) when unseen.
	GetUserRecord(ctx context.Context, userID string) (*model.UserRiskRecord, error)
	SaveUserRecord(ctx context.Context, rec *model.UserRiskRecord) error
	ListSuspiciousUsers(ctx context.Context) ([]string, error)

	// AppendUserAudit appends a capped audit entry for a flagged user check.
	AppendUserAudit(ctx context.Context, userID string, ev model.ScoreEvent, maxEntries int) error
	GetUserAudit(ctx context.Context, userID string, limit int) ([]model.ScoreEvent, error)

	// IncrStat atomically increments a named counter.
	IncrStat(ctx context.Context, field string, delta int64) error

	// RecordDetection tracks a flagged subject and reason for reporting.
	RecordDetection(ctx context.Context, subject, reason string) error

	GetStats(ctx context.Context) (*StatsSnapshot, error)
}
