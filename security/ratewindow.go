package security

import (
	"time"

	"reading-platform/model"
)

// CheckRate decides admit/deny for a sliding window over a log snapshot.
// It counts events with timestamps inside (now-window, now]; when the count
// has reached limit, the request is denied and remaining tells the caller how
// long until the oldest in-window event slides out. A limit of zero (the
// blocked trust tier) always denies for the full window.
//
// The function is pure: two calls with the same snapshot and now return
// identical results.
func CheckRate(log *model.ActivityLog, now time.Time, window time.Duration, limit int) (allowed bool, remaining time.Duration) {
	cutoff := now.Add(-window)
	count := log.CountSince(cutoff)

	if limit > 0 && count < limit {
		return true, 0
	}

	oldest := log.OldestSince(cutoff)
	if oldest == nil {
		if limit <= 0 {
			return false, window
		}
		return true, 0
	}

	remaining = window - now.Sub(oldest.Timestamp)
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining
}
