package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"reading-platform/config"
	"reading-platform/model"
	"reading-platform/utils"
)

// newTestScorer builds a scorer on a miniredis store with a settable clock.
// Daytime base so the off-hours heuristic stays quiet unless a test wants it.
func newTestScorer(t *testing.T, base time.Time) (*UserScorer, *time.Time) {
	t.Helper()

	histories := NewHistoryStore(24*time.Hour, time.Minute)
	t.Cleanup(histories.Close)

	s := NewUserScorer(config.Defaults(), newTestStore(t), histories)

	clock := base
	s.now = func() time.Time { return clock }
	return s, &clock
}

func daytime() time.Time {
	return time.Date(2026, 5, 12, 12, 0, 0, 0, time.UTC)
}

func TestCheckUserActivityValidation(t *testing.T) {
	s, _ := newTestScorer(t, daytime())
	ctx := context.Background()

	tests := []struct {
		name      string
		userID    string
		chapterID string
		titleID   string
		wantErr   error
	}{
		{"empty user", "", "ch-1", "t-1", utils.ErrEmptyUserID},
		{"blank user", "   ", "ch-1", "t-1", utils.ErrEmptyUserID},
		{"empty chapter", "reader-1", "", "t-1", utils.ErrEmptyChapterID},
		{"empty title", "reader-1", "ch-1", "", utils.ErrEmptyTitleID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CheckUserActivity(ctx, tt.userID, tt.chapterID, tt.titleID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckUserActivityFirstReadIsClean(t *testing.T) {
	s, _ := newTestScorer(t, daytime())

	result, err := s.CheckUserActivity(context.Background(), "reader-1", "ch-1", "t-1")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 0 || result.IsSuspicious || result.IsBot {
		t.Errorf("first read verdict = %+v, want clean", result)
	}
	if len(result.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", result.Reasons)
	}
}

func TestCheckUserActivityFastReading(t *testing.T) {
	s, clock := newTestScorer(t, daytime())
	ctx := context.Background()

	if _, err := s.CheckUserActivity(ctx, "reader-1", "ch-1", "t-1"); err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}

	// Second chapter 5s later, under the 10s minimum.
	*clock = clock.Add(5 * time.Second)
	result, err := s.CheckUserActivity(ctx, "reader-1", "ch-2", "t-2")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}

	if result.BotScore != 20 {
		t.Errorf("BotScore = %d, want 20", result.BotScore)
	}
	if !hasReason(result.Reasons, "after previous") {
		t.Errorf("reasons = %v, want a reading speed reason", result.Reasons)
	}

	// A comfortable gap scores nothing.
	*clock = clock.Add(time.Minute)
	result, err = s.CheckUserActivity(ctx, "reader-1", "ch-3", "t-3")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 0 {
		t.Errorf("BotScore after slow read = %d, want 0", result.BotScore)
	}
}

func TestCheckUserActivityHourlyVolume(t *testing.T) {
	s, clock := newTestScorer(t, daytime())
	base := *clock

	// Seed 99 prior reads over the trailing hour. Distinct titles and 30s
	// gaps keep the other heuristics out of the way.
	h := s.histories.get("reader-1")
	for i := 0; i < 99; i++ {
		h.log.Append(model.ActivityEvent{
			SubjectID: "reader-1",
			ChapterID: fmt.Sprintf("ch-%d", i),
			TitleID:   fmt.Sprintf("t-%d", i),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
		}, 0)
	}

	// 100th read in the hour sits exactly at the limit.
	*clock = base.Add(99 * 30 * time.Second)
	result, err := s.CheckUserActivity(context.Background(), "reader-1", "ch-99", "t-99")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 0 {
		t.Errorf("BotScore at exactly the hourly limit = %d, want 0", result.BotScore)
	}

	// 101st read crosses it.
	*clock = clock.Add(30 * time.Second)
	result, err = s.CheckUserActivity(context.Background(), "reader-1", "ch-100", "t-100")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 30 {
		t.Errorf("BotScore = %d, want 30", result.BotScore)
	}
	if !hasReason(result.Reasons, "chapters in the last hour") {
		t.Errorf("reasons = %v, want an hourly volume reason", result.Reasons)
	}
}

func TestCheckUserActivitySameTitleSequence(t *testing.T) {
	s, clock := newTestScorer(t, daytime())
	ctx := context.Background()

	// 11 chapters of the same title, slow enough to dodge the other checks.
	var result model.UserCheckResult
	var err error
	for i := 0; i < 11; i++ {
		*clock = clock.Add(time.Minute)
		result, err = s.CheckUserActivity(ctx, "reader-1", fmt.Sprintf("ch-%d", i), "one-title")
		if err != nil {
			t.Fatalf("CheckUserActivity: %v", err)
		}
	}

	// The 11th check sees only 10 prior reads of the title.
	if result.BotScore != 0 {
		t.Errorf("BotScore at the same-title threshold = %d, want 0", result.BotScore)
	}

	*clock = clock.Add(time.Minute)
	result, err = s.CheckUserActivity(ctx, "reader-1", "ch-11", "one-title")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 15 {
		t.Errorf("BotScore = %d, want 15", result.BotScore)
	}
	if !hasReason(result.Reasons, "same title") {
		t.Errorf("reasons = %v, want a same-title reason", result.Reasons)
	}
}

func TestCheckUserActivityOffHours(t *testing.T) {
	night := time.Date(2026, 5, 12, 3, 0, 0, 0, time.UTC)
	s, _ := newTestScorer(t, night)

	result, err := s.CheckUserActivity(context.Background(), "reader-1", "ch-1", "t-1")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 10 {
		t.Errorf("BotScore at 03:00 = %d, want 10", result.BotScore)
	}
	if !hasReason(result.Reasons, "off-hours") {
		t.Errorf("reasons = %v, want an off-hours reason", result.Reasons)
	}
}

func TestCheckUserActivitySuspiciousPersists(t *testing.T) {
	s, clock := newTestScorer(t, daytime())
	ctx := context.Background()
	base := *clock

	// Fast reading (20) plus hourly volume (30) reaches the suspicious
	// threshold of 50.
	h := s.histories.get("reader-1")
	for i := 0; i < 100; i++ {
		h.log.Append(model.ActivityEvent{
			SubjectID: "reader-1",
			ChapterID: fmt.Sprintf("ch-%d", i),
			TitleID:   fmt.Sprintf("t-%d", i),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
		}, 0)
	}
	*clock = base.Add(99*30*time.Second + 5*time.Second)

	result, err := s.CheckUserActivity(ctx, "reader-1", "ch-new", "t-new")
	if err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}
	if result.BotScore != 50 {
		t.Fatalf("BotScore = %d, want 50", result.BotScore)
	}
	if !result.IsSuspicious || result.IsBot {
		t.Fatalf("verdict = %+v, want suspicious but not bot", result)
	}

	rec, err := s.store.GetUserRecord(ctx, "reader-1")
	if err != nil {
		t.Fatalf("GetUserRecord: %v", err)
	}
	if rec == nil || !rec.IsSuspicious || rec.BotScore != 50 {
		t.Errorf("persisted record = %+v, want suspicious with score 50", rec)
	}
	if !rec.LastActivityAt.Equal(*clock) {
		t.Errorf("LastActivityAt = %v, want %v", rec.LastActivityAt, *clock)
	}

	audit, err := s.store.GetUserAudit(ctx, "reader-1", 10)
	if err != nil {
		t.Fatalf("GetUserAudit: %v", err)
	}
	if len(audit) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit))
	}
	if audit[0].BotScore != 50 || audit[0].ChapterID != "ch-new" {
		t.Errorf("audit entry = %+v", audit[0])
	}

	users, err := s.store.ListSuspiciousUsers(ctx)
	if err != nil {
		t.Fatalf("ListSuspiciousUsers: %v", err)
	}
	if len(users) != 1 || users[0] != "reader-1" {
		t.Errorf("suspicious users = %v, want [reader-1]", users)
	}
}

func TestCheckUserActivityCleanReadNotPersisted(t *testing.T) {
	s, _ := newTestScorer(t, daytime())
	ctx := context.Background()

	if _, err := s.CheckUserActivity(ctx, "reader-1", "ch-1", "t-1"); err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}

	rec, err := s.store.GetUserRecord(ctx, "reader-1")
	if err != nil {
		t.Fatalf("GetUserRecord: %v", err)
	}
	if rec != nil {
		t.Errorf("clean read created a record: %+v", rec)
	}
}

func TestResetUserActivityClearsFlagsKeepsAudit(t *testing.T) {
	s, clock := newTestScorer(t, daytime())
	ctx := context.Background()
	base := *clock

	h := s.histories.get("reader-1")
	for i := 0; i < 100; i++ {
		h.log.Append(model.ActivityEvent{
			SubjectID: "reader-1",
			TitleID:   fmt.Sprintf("t-%d", i),
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
		}, 0)
	}
	*clock = base.Add(99*30*time.Second + 5*time.Second)

	if _, err := s.CheckUserActivity(ctx, "reader-1", "ch-new", "t-new"); err != nil {
		t.Fatalf("CheckUserActivity: %v", err)
	}

	if err := s.ResetUserActivity(ctx, "reader-1"); err != nil {
		t.Fatalf("ResetUserActivity: %v", err)
	}

	rec, err := s.store.GetUserRecord(ctx, "reader-1")
	if err != nil {
		t.Fatalf("GetUserRecord: %v", err)
	}
	if rec == nil {
		t.Fatal("reset deleted the record")
	}
	if rec.BotScore != 0 || rec.IsSuspicious || rec.IsBot {
		t.Errorf("record after reset = %+v, want cleared", rec)
	}

	audit, err := s.store.GetUserAudit(ctx, "reader-1", 10)
	if err != nil {
		t.Fatalf("GetUserAudit: %v", err)
	}
	if len(audit) != 1 {
		t.Errorf("audit entries after reset = %d, want history preserved", len(audit))
	}

	users, _ := s.store.ListSuspiciousUsers(ctx)
	if len(users) != 0 {
		t.Errorf("suspicious users after reset = %v, want empty", users)
	}
}

func hasReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}
