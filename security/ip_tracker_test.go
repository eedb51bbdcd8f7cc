package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reading-platform/config"
	"reading-platform/utils"
)

// newTestTracker builds a tracker on a miniredis store with a settable clock.
// The verdict cache stays nil so every check hits the store.
func newTestTracker(t *testing.T, cfg config.Config, base time.Time) (*IPTracker, *time.Time) {
	t.Helper()

	store := newTestStore(t)
	tracker := NewIPTracker(cfg, store, nil)

	clock := base
	tracker.now = func() time.Time { return clock }
	store.now = tracker.now
	return tracker, &clock
}

func TestCheckIPActivityValidation(t *testing.T) {
	tracker, _ := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	tests := []struct {
		name     string
		ip       string
		endpoint string
		wantErr  error
	}{
		{"empty ip", "", "/titles/1", utils.ErrEmptyIP},
		{"malformed ip", "not-an-ip", "/titles/1", utils.ErrInvalidIP},
		{"empty endpoint", "203.0.113.1", "", utils.ErrEmptyEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracker.CheckIPActivity(ctx, tt.ip, tt.endpoint, "GET", "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckIPActivityFirstRequest(t *testing.T) {
	tracker, clock := newTestTracker(t, config.Defaults(), daytime())

	result, err := tracker.CheckIPActivity(context.Background(), "203.0.113.1", "/titles/1", "GET", "")
	if err != nil {
		t.Fatalf("CheckIPActivity: %v", err)
	}
	if !result.Allowed || result.IsBlocked || result.IsSuspicious {
		t.Errorf("first request verdict = %+v, want allowed", result)
	}

	rec, err := tracker.GetIPStats(context.Background(), "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec == nil {
		t.Fatal("no record persisted")
	}
	if rec.TotalRequests != 1 || rec.RequestsToday != 1 {
		t.Errorf("counters = total %d today %d, want 1/1", rec.TotalRequests, rec.RequestsToday)
	}
	if !rec.FirstSeenAt.Equal(*clock) {
		t.Errorf("FirstSeenAt = %v, want %v", rec.FirstSeenAt, *clock)
	}
}

func TestCheckIPActivityAutoBlock(t *testing.T) {
	// A rapid sweep trips the rate check (20) and the burst check (25).
	// Lowered block threshold so those two suffice.
	cfg := config.Defaults()
	cfg.IPTracking.BlockThreshold = 40

	tracker, clock := newTestTracker(t, cfg, daytime())
	ctx := context.Background()

	var blocked bool
	for i := 0; i < 61; i++ {
		result, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", "")
		if err != nil {
			t.Fatalf("CheckIPActivity #%d: %v", i, err)
		}
		if result.IsBlocked {
			blocked = true
			if result.Allowed {
				t.Error("blocked verdict still allowed the request")
			}
			if result.RemainingMs <= 0 {
				t.Errorf("RemainingMs = %d, want positive", result.RemainingMs)
			}
			break
		}
		*clock = clock.Add(100 * time.Millisecond)
	}
	if !blocked {
		t.Fatal("rapid sweep never triggered an automatic block")
	}

	rec, err := tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if !rec.IsBlocked {
		t.Fatal("record not blocked")
	}
	if got := rec.BlockedUntil.Sub(rec.BlockedAt); got != time.Hour {
		t.Errorf("block duration = %v, want 1h", got)
	}
	if rec.BlockedReason == "" {
		t.Error("blocked record has no reason")
	}
	if !rec.IsSuspicious {
		t.Error("blocked record not marked suspicious")
	}

	blockedIPs, err := tracker.store.ListBlockedIPs(ctx)
	if err != nil {
		t.Fatalf("ListBlockedIPs: %v", err)
	}
	if len(blockedIPs) != 1 || blockedIPs[0] != "203.0.113.1" {
		t.Errorf("blocked index = %v, want [203.0.113.1]", blockedIPs)
	}

	stats, err := tracker.store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Counters[StatAutoBlocks] != 1 {
		t.Errorf("auto block counter = %d, want 1", stats.Counters[StatAutoBlocks])
	}
	if stats.Counters[StatRateLimitViolation] == 0 {
		t.Error("rate violation counter never bumped")
	}
}

func TestCheckIPActivityBlockedShortCircuits(t *testing.T) {
	cfg := config.Defaults()
	tracker, clock := newTestTracker(t, cfg, daytime())
	ctx := context.Background()

	if err := tracker.BlockIP(ctx, "203.0.113.1", "manual review", 60); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	*clock = clock.Add(time.Minute)
	result, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", "")
	if err != nil {
		t.Fatalf("CheckIPActivity: %v", err)
	}
	if result.Allowed || !result.IsBlocked {
		t.Fatalf("verdict while blocked = %+v", result)
	}
	if len(result.Reasons) != 1 || result.Reasons[0] != "manual review" {
		t.Errorf("reasons = %v, want the stored block reason", result.Reasons)
	}
	// 59 minutes of the manual hour remain.
	if want := int64(59 * 60 * 1000); result.RemainingMs != want {
		t.Errorf("RemainingMs = %d, want %d", result.RemainingMs, want)
	}

	// Requests during a block are still logged and counted.
	rec, err := tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", rec.TotalRequests)
	}
}

func TestCheckIPActivityBlockExpiry(t *testing.T) {
	cfg := config.Defaults()
	cfg.IPTracking.BlockThreshold = 40

	tracker, clock := newTestTracker(t, cfg, daytime())
	ctx := context.Background()

	for i := 0; i < 61; i++ {
		if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", ""); err != nil {
			t.Fatalf("CheckIPActivity: %v", err)
		}
		*clock = clock.Add(100 * time.Millisecond)
	}

	rec, _ := tracker.GetIPStats(ctx, "203.0.113.1")
	if rec == nil || !rec.IsBlocked {
		t.Fatal("setup: IP not blocked")
	}

	// First calm request after expiry unblocks and passes.
	*clock = rec.BlockedUntil.Add(time.Minute)
	result, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", "")
	if err != nil {
		t.Fatalf("CheckIPActivity: %v", err)
	}
	if result.IsBlocked {
		t.Fatal("expired block still enforced")
	}
	if !result.Allowed {
		t.Errorf("calm request after expiry denied: %+v", result)
	}

	rec, err = tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec.IsBlocked {
		t.Error("stored record still blocked after expiry")
	}
	if !rec.BlockedUntil.IsZero() || rec.BlockedReason != "" {
		t.Errorf("block fields not cleared: until=%v reason=%q", rec.BlockedUntil, rec.BlockedReason)
	}
	// The running maximum survives the unblock for reporting.
	if rec.BotScore == 0 {
		t.Error("bot score was wiped by the unblock")
	}

	blockedIPs, _ := tracker.store.ListBlockedIPs(ctx)
	if len(blockedIPs) != 0 {
		t.Errorf("blocked index after expiry = %v, want empty", blockedIPs)
	}
}

func TestBlockIPValidation(t *testing.T) {
	tracker, _ := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	tests := []struct {
		name     string
		ip       string
		reason   string
		duration int
		wantErr  error
	}{
		{"bad ip", "nope", "abuse", 60, utils.ErrInvalidIP},
		{"empty reason", "203.0.113.1", "  ", 60, utils.ErrEmptyReason},
		{"zero duration", "203.0.113.1", "abuse", 0, utils.ErrInvalidDuration},
		{"negative duration", "203.0.113.1", "abuse", -5, utils.ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tracker.BlockIP(ctx, tt.ip, tt.reason, tt.duration)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManualBlockAndUnblock(t *testing.T) {
	tracker, clock := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	if err := tracker.BlockIP(ctx, "203.0.113.1", "scraper report", 60); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	result, err := tracker.CanMakeRequest(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if result.Allowed || !result.IsBlocked {
		t.Fatalf("preflight verdict = %+v, want blocked", result)
	}
	if want := int64(60 * 60 * 1000); result.RemainingMs != want {
		t.Errorf("RemainingMs = %d, want %d", result.RemainingMs, want)
	}

	stats, _ := tracker.store.GetStats(ctx)
	if stats.Counters[StatManualBlocks] != 1 {
		t.Errorf("manual block counter = %d, want 1", stats.Counters[StatManualBlocks])
	}

	if err := tracker.UnblockIP(ctx, "203.0.113.1"); err != nil {
		t.Fatalf("UnblockIP: %v", err)
	}

	*clock = clock.Add(time.Second)
	result, err = tracker.CanMakeRequest(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if !result.Allowed || result.IsBlocked {
		t.Errorf("preflight verdict after unblock = %+v, want allowed", result)
	}
}

func TestResetIPActivityKeepsHistory(t *testing.T) {
	tracker, clock := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", ""); err != nil {
			t.Fatalf("CheckIPActivity: %v", err)
		}
		*clock = clock.Add(time.Second)
	}
	if err := tracker.BlockIP(ctx, "203.0.113.1", "abuse", 60); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	if err := tracker.ResetIPActivity(ctx, "203.0.113.1"); err != nil {
		t.Fatalf("ResetIPActivity: %v", err)
	}

	rec, err := tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec.BotScore != 0 || rec.IsSuspicious || rec.IsBlocked {
		t.Errorf("record after reset = %+v, want score and flags cleared", rec)
	}
	if rec.ActivityLog.Len() != 5 {
		t.Errorf("activity log after reset = %d entries, want history preserved", rec.ActivityLog.Len())
	}
	if rec.TotalRequests != 5 {
		t.Errorf("TotalRequests after reset = %d, want 5", rec.TotalRequests)
	}
}

func TestCheckIPActivityDayRollover(t *testing.T) {
	tracker, clock := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", ""); err != nil {
			t.Fatalf("CheckIPActivity: %v", err)
		}
		*clock = clock.Add(time.Minute)
	}

	*clock = clock.Add(24 * time.Hour)
	if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", ""); err != nil {
		t.Fatalf("CheckIPActivity: %v", err)
	}

	rec, err := tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec.RequestsToday != 1 {
		t.Errorf("RequestsToday after rollover = %d, want 1", rec.RequestsToday)
	}
	if rec.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", rec.TotalRequests)
	}
}

func TestCanMakeRequestDoesNotMutate(t *testing.T) {
	tracker, _ := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	// Unseen IP is allowed without creating a record.
	result, err := tracker.CanMakeRequest(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	if !result.Allowed {
		t.Errorf("unseen IP denied: %+v", result)
	}
	if rec, _ := tracker.GetIPStats(ctx, "203.0.113.1"); rec != nil {
		t.Errorf("preflight created a record: %+v", rec)
	}

	if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/titles/1", "GET", ""); err != nil {
		t.Fatalf("CheckIPActivity: %v", err)
	}
	before, _ := tracker.GetIPStats(ctx, "203.0.113.1")

	if _, err := tracker.CanMakeRequest(ctx, "203.0.113.1"); err != nil {
		t.Fatalf("CanMakeRequest: %v", err)
	}
	after, _ := tracker.GetIPStats(ctx, "203.0.113.1")
	if after.TotalRequests != before.TotalRequests || after.ActivityLog.Len() != before.ActivityLog.Len() {
		t.Errorf("preflight mutated tracking state: before %d/%d after %d/%d",
			before.TotalRequests, before.ActivityLog.Len(),
			after.TotalRequests, after.ActivityLog.Len())
	}
}

func TestWhitelistedEndpointBypassesRateCheck(t *testing.T) {
	tracker, clock := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	if err := tracker.WhitelistEndpoint(ctx, "203.0.113.1", "/health"); err != nil {
		t.Fatalf("WhitelistEndpoint: %v", err)
	}

	// 900ms spacing keeps more than 60 events inside the window, enough to
	// trip the rate check were the endpoint not exempt.
	denied := false
	for i := 0; i < 120; i++ {
		verdict, err := tracker.CheckIPActivity(ctx, "203.0.113.1", "/health", "GET", "")
		if err != nil {
			t.Fatalf("CheckIPActivity #%d: %v", i, err)
		}
		if !verdict.Allowed {
			denied = true
		}
		*clock = clock.Add(900 * time.Millisecond)
	}
	if denied {
		t.Error("whitelisted endpoint was rate limited")
	}
}

func TestConcurrentChecksDoNotLoseCounts(t *testing.T) {
	tracker, _ := newTestTracker(t, config.Defaults(), daytime())
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := tracker.CheckIPActivity(ctx, "203.0.113.1", fmt.Sprintf("/titles/%d", n), "GET", ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CheckIPActivity: %v", err)
	}

	rec, err := tracker.GetIPStats(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("GetIPStats: %v", err)
	}
	if rec.TotalRequests != workers {
		t.Errorf("TotalRequests = %d, want %d (lost updates)", rec.TotalRequests, workers)
	}
	if rec.ActivityLog.Len() != workers {
		t.Errorf("activity log = %d entries, want %d", rec.ActivityLog.Len(), workers)
	}
}
