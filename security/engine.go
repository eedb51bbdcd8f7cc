package security

import (
	"context"
	"time"

	"reading-platform/cache"
	"reading-platform/config"
	"reading-platform/model"

	"github.com/rs/zerolog/log"
)

// Engine is the verdict API: the two check entry points plus the read-only
// queries and manual operations exposed to administrative tooling. It owns
// the lifecycle of the in-memory user history map.
type Engine struct {
	users     *UserScorer
	ips       *IPTracker
	store     RecordStore
	histories *HistoryStore
}

func NewEngine(cfg config.Config, store RecordStore, verdicts *cache.Cache) *Engine {
	histories := NewHistoryStore(
		time.Duration(cfg.UserScoring.LogRetentionHours)*time.Hour,
		time.Duration(cfg.UserScoring.CleanupIntervalMinutes)*time.Minute,
	)

	return &Engine{
		users:     NewUserScorer(cfg, store, histories),
		ips:       NewIPTracker(cfg, store, verdicts),
		store:     store,
		histories: histories,
	}
}

// Close releases the engine's background resources.
func (e *Engine) Close() {
	e.histories.Close()
}

func (e *Engine) CheckUserActivity(ctx context.Context, userID, chapterID, titleID string) (model.UserCheckResult, error) {
	return e.users.CheckUserActivity(ctx, userID, chapterID, titleID)
}

func (e *Engine) CheckIPActivity(ctx context.Context, ip, endpoint, method, userAgent string) (model.IPCheckResult, error) {
	return e.ips.CheckIPActivity(ctx, ip, endpoint, method, userAgent)
}

func (e *Engine) CanMakeRequest(ctx context.Context, ip string) (model.IPCheckResult, error) {
	return e.ips.CanMakeRequest(ctx, ip)
}

func (e *Engine) BlockIP(ctx context.Context, ip, reason string, durationMinutes int) error {
	return e.ips.BlockIP(ctx, ip, reason, durationMinutes)
}

func (e *Engine) UnblockIP(ctx context.Context, ip string) error {
	return e.ips.UnblockIP(ctx, ip)
}

func (e *Engine) ResetIPActivity(ctx context.Context, ip string) error {
	return e.ips.ResetIPActivity(ctx, ip)
}

func (e *Engine) ResetUserActivity(ctx context.Context, userID string) error {
	return e.users.ResetUserActivity(ctx, userID)
}

func (e *Engine) WhitelistEndpoint(ctx context.Context, ip, endpoint string) error {
	return e.ips.WhitelistEndpoint(ctx, ip, endpoint)
}

func (e *Engine) GetIPStats(ctx context.Context, ip string) (*model.IPRiskRecord, error) {
	return e.ips.GetIPStats(ctx, ip)
}

// GetBlockedIPs resolves the blocked index into full records. Records that
// fail to load are skipped so one bad entry cannot break the listing.
func (e *Engine) GetBlockedIPs(ctx context.Context) ([]model.IPRiskRecord, error) {
	ips, err := e.store.ListBlockedIPs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]model.IPRiskRecord, 0, len(ips))
	for _, ip := range ips {
		rec, err := e.store.GetIPRecord(ctx, ip)
		if err != nil || rec == nil {
			log.Debug().Err(err).Str("ip", ip).Msg("Skipping unreadable blocked IP record")
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// GetSuspiciousUsers resolves the suspicious-user index into full records.
func (e *Engine) GetSuspiciousUsers(ctx context.Context) ([]model.UserRiskRecord, error) {
	userIDs, err := e.store.ListSuspiciousUsers(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]model.UserRiskRecord, 0, len(userIDs))
	for _, userID := range userIDs {
		rec, err := e.store.GetUserRecord(ctx, userID)
		if err != nil || rec == nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("Skipping unreadable user record")
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

func (e *Engine) GetUserAudit(ctx context.Context, userID string, limit int) ([]model.ScoreEvent, error) {
	return e.store.GetUserAudit(ctx, userID, limit)
}

func (e *Engine) GetBotStats(ctx context.Context) (*StatsSnapshot, error) {
	return e.store.GetStats(ctx)
}
