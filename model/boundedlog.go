package model

import "time"

// ActivityLog is an ordered, bounded sequence of ActivityEvent. Entries are
// appended in non-decreasing timestamp order; pruning drops entries from the
// front (oldest first) and never reorders. The same type backs the ephemeral
// per-user log and the persisted per-IP logs.
type ActivityLog struct {
	Entries []ActivityEvent `json:"entries"`
}

// Append adds an event and evicts oldest entries beyond maxEntries.
func (l *ActivityLog) Append(ev ActivityEvent, maxEntries int) {
	l.Entries = append(l.Entries, ev)
	if maxEntries > 0 && len(l.Entries) > maxEntries {
		l.Entries = l.Entries[len(l.Entries)-maxEntries:]
	}
}

// Prune drops entries older than maxAge relative to now, then caps the log at
// maxEntries by evicting oldest. A zero maxAge disables age-based pruning.
func (l *ActivityLog) Prune(now time.Time, maxAge time.Duration, maxEntries int) {
	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		firstKept := len(l.Entries)
		for i, ev := range l.Entries {
			if ev.Timestamp.After(cutoff) {
				firstKept = i
				break
			}
		}
		l.Entries = l.Entries[firstKept:]
	}
	if maxEntries > 0 && len(l.Entries) > maxEntries {
		l.Entries = l.Entries[len(l.Entries)-maxEntries:]
	}
}

// Len returns the number of retained entries.
func (l *ActivityLog) Len() int {
	return len(l.Entries)
}

// Last returns the most recent entry, or nil when the log is empty.
func (l *ActivityLog) Last() *ActivityEvent {
	if len(l.Entries) == 0 {
		return nil
	}
	return &l.Entries[len(l.Entries)-1]
}

// CountSince counts entries with a timestamp strictly after cutoff.
func (l *ActivityLog) CountSince(cutoff time.Time) int {
	count := 0
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if !l.Entries[i].Timestamp.After(cutoff) {
			break
		}
		count++
	}
	return count
}

// OldestSince returns the oldest entry with a timestamp strictly after cutoff,
// or nil when no entry falls inside the window.
func (l *ActivityLog) OldestSince(cutoff time.Time) *ActivityEvent {
	for i := range l.Entries {
		if l.Entries[i].Timestamp.After(cutoff) {
			return &l.Entries[i]
		}
	}
	return nil
}

// CountTitle counts entries matching the given title.
func (l *ActivityLog) CountTitle(titleID string) int {
	count := 0
	for _, ev := range l.Entries {
		if ev.TitleID == titleID {
			count++
		}
	}
	return count
}

// UniqueEndpoints returns the number of distinct endpoints in the log.
func (l *ActivityLog) UniqueEndpoints() int {
	seen := make(map[string]struct{}, len(l.Entries))
	for _, ev := range l.Entries {
		if ev.Endpoint != "" {
			seen[ev.Endpoint] = struct{}{}
		}
	}
	return len(seen)
}

// Tail returns the last n entries (the whole log when it holds fewer).
func (l *ActivityLog) Tail(n int) []ActivityEvent {
	if n <= 0 || len(l.Entries) == 0 {
		return nil
	}
	if len(l.Entries) <= n {
		return l.Entries
	}
	return l.Entries[len(l.Entries)-n:]
}

// ScoreLog is a bounded sequence of ScoreEvent, oldest-evicted.
type ScoreLog struct {
	Entries []ScoreEvent `json:"entries"`
}

// Append adds an audit entry and evicts oldest entries beyond maxEntries.
func (l *ScoreLog) Append(ev ScoreEvent, maxEntries int) {
	l.Entries = append(l.Entries, ev)
	if maxEntries > 0 && len(l.Entries) > maxEntries {
		l.Entries = l.Entries[len(l.Entries)-maxEntries:]
	}
}
