package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reading-platform/config"
	"reading-platform/model"
	"reading-platform/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// UserScorer scores per-reader activity for bot-like patterns. Heuristic
// evaluation is a pure function over a log snapshot; persistence of flagged
// results is a separate, fail-open step that never affects the verdict.
type UserScorer struct {
	cfg       config.UserScoringConfig
	store     RecordStore
	histories *HistoryStore
	opTimeout time.Duration
	now       func() time.Time
}

func NewUserScorer(cfg config.Config, store RecordStore, histories *HistoryStore) *UserScorer {
	return &UserScorer{
		cfg:       cfg.UserScoring,
		store:     store,
		histories: histories,
		opTimeout: time.Duration(cfg.Redis.OperationTimeout) * time.Second,
		now:       time.Now,
	}
}

// CheckUserActivity scores a single chapter read. It runs four independent
// checks over the user's pruned activity log, sums the triggered weights into
// a bot score, appends the new event, and persists a capped audit entry when
// the score crosses the suspicious threshold. Persistence failures are logged
// and never surfaced to the caller.
func (s *UserScorer) CheckUserActivity(ctx context.Context, userID, chapterID, titleID string) (model.UserCheckResult, error) {
	var result model.UserCheckResult

	if err := utils.ValidateUserID(userID); err != nil {
		return result, err
	}
	if strings.TrimSpace(chapterID) == "" {
		return result, utils.ErrEmptyChapterID
	}
	if strings.TrimSpace(titleID) == "" {
		return result, utils.ErrEmptyTitleID
	}

	now := s.now()
	retention := time.Duration(s.cfg.LogRetentionHours) * time.Hour

	h := s.histories.get(userID)
	h.mu.Lock()
	h.log.Prune(now, retention, s.cfg.LogMaxEntries)

	score, reasons := s.evaluate(&h.log, now, titleID)

	h.log.Append(model.ActivityEvent{
		SubjectID: userID,
		ChapterID: chapterID,
		TitleID:   titleID,
		Timestamp: now,
	}, s.cfg.LogMaxEntries)
	h.lastSeen = now
	h.mu.Unlock()

	result = model.UserCheckResult{
		IsBot:        score >= s.cfg.BotThreshold,
		IsSuspicious: score >= s.cfg.SuspiciousThreshold,
		BotScore:     score,
		Reasons:      reasons,
	}

	s.bumpCheckCounter(ctx)

	if result.IsSuspicious {
		s.persistFlagged(ctx, userID, chapterID, titleID, now, result)
	}

	return result, nil
}

// evaluate runs the four heuristics over a pruned log snapshot. It performs
// no mutation, so the scoring logic is testable without a store.
func (s *UserScorer) evaluate(activity *model.ActivityLog, now time.Time, titleID string) (int, []string) {
	score := 0
	var reasons []string

	// Reading speed: gap to the most recent prior event below the minimum.
	if last := activity.Last(); last != nil {
		gap := now.Sub(last.Timestamp)
		minInterval := time.Duration(s.cfg.MinReadIntervalSeconds) * time.Second
		if gap < minInterval {
			score += s.cfg.WeightFastReading
			reasons = append(reasons, fmt.Sprintf("chapter opened %.1fs after previous (minimum %ds)",
				gap.Seconds(), s.cfg.MinReadIntervalSeconds))
		}
	}

	// Hourly volume: trailing 60 minutes, current event included.
	hourCount := activity.CountSince(now.Add(-time.Hour)) + 1
	if hourCount > s.cfg.MaxChaptersPerHour {
		score += s.cfg.WeightHourlyVolume
		reasons = append(reasons, fmt.Sprintf("%d chapters in the last hour (limit %d)",
			hourCount, s.cfg.MaxChaptersPerHour))
	}

	// Same-title sequence: uninterrupted binge on one title.
	if titleCount := activity.CountTitle(titleID); titleCount > s.cfg.SameTitleThreshold {
		score += s.cfg.WeightSameTitle
		reasons = append(reasons, fmt.Sprintf("%d consecutive reads of the same title", titleCount))
	}

	// Off-hours window.
	if hour := now.Hour(); hour >= s.cfg.OffHoursStart && hour < s.cfg.OffHoursEnd {
		score += s.cfg.WeightOffHours
		reasons = append(reasons, fmt.Sprintf("activity during off-hours (%02d:00)", hour))
	}

	return score, reasons
}

func (s *UserScorer) bumpCheckCounter(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.store.IncrStat(ctx, StatUserChecks, 1); err != nil {
		log.Debug().Err(err).Msg("Failed to bump user check counter")
	}
}

// persistFlagged writes the user record and a capped audit entry. Fire and
// forget: the verdict already computed in memory stands regardless.
func (s *UserScorer) persistFlagged(ctx context.Context, userID, chapterID, titleID string, now time.Time, result model.UserCheckResult) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rec, err := s.store.GetUserRecord(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load user risk record")
	}
	if rec == nil {
		rec = &model.UserRiskRecord{UserID: userID}
	}

	rec.BotScore = result.BotScore
	rec.LastActivityAt = now
	// Flags are sticky once tripped; only an explicit reset clears them.
	rec.IsSuspicious = rec.IsSuspicious || result.IsSuspicious
	rec.IsBot = rec.IsBot || result.IsBot

	if err := s.store.SaveUserRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist user risk record")
	}

	audit := model.ScoreEvent{
		ID:        uuid.NewString(),
		BotScore:  result.BotScore,
		Reasons:   result.Reasons,
		ChapterID: chapterID,
		TitleID:   titleID,
		Timestamp: now,
	}
	if err := s.store.AppendUserAudit(ctx, userID, audit, s.cfg.AuditMaxEntries); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to persist user audit entry")
	}

	if err := s.store.RecordDetection(ctx, userID, primaryReason(result.Reasons)); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to record detection stats")
	}

	log.Warn().
		Str("user_id", userID).
		Int("bot_score", result.BotScore).
		Strs("reasons", result.Reasons).
		Bool("is_bot", result.IsBot).
		Msg("Suspicious reading activity detected")
}

func primaryReason(reasons []string) string {
	if len(reasons) == 0 {
		return "unspecified"
	}
	return reasons[0]
}

// ResetUserActivity clears the persisted score and flags for a user. The
// record identity and the capped audit history are preserved.
func (s *UserScorer) ResetUserActivity(ctx context.Context, userID string) error {
	if err := utils.ValidateUserID(userID); err != nil {
		return err
	}

	rec, err := s.store.GetUserRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &model.UserRiskRecord{UserID: userID}
	}

	rec.BotScore = 0
	rec.IsBot = false
	rec.IsSuspicious = false

	return s.store.SaveUserRecord(ctx, rec)
}
