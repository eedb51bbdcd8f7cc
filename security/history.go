package security

import (
	"sync"
	"time"

	"reading-platform/model"

	"github.com/rs/zerolog/log"
)

// userHistory is the process-local activity log for one reader. Each entry
// carries its own mutex so concurrent checks for different users never
// contend, and concurrent checks for the same user serialize instead of
// losing appends.
type userHistory struct {
	mu       sync.Mutex
	log      model.ActivityLog
	lastSeen time.Time
}

// HistoryStore owns the in-memory per-user activity map. It is injected into
// the scorer rather than being a package-level singleton, which keeps the
// scorer testable with a fake clock and an isolated store.
type HistoryStore struct {
	mu    sync.RWMutex
	users map[string]*userHistory

	idleTTL time.Duration
	now     func() time.Time
	stop    chan struct{}
}

// NewHistoryStore creates a history store and starts its cleanup loop.
// Entries idle longer than idleTTL are dropped.
func NewHistoryStore(idleTTL, cleanupInterval time.Duration) *HistoryStore {
	s := &HistoryStore{
		users:   make(map[string]*userHistory),
		idleTTL: idleTTL,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// get returns the history entry for userID, creating it on first sighting.
func (s *HistoryStore) get(userID string) *userHistory {
	s.mu.RLock()
	h, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.users[userID]; ok {
		return h
	}
	h = &userHistory{}
	s.users[userID] = h
	return h
}

// TrackedUsers returns the number of users currently held in memory.
func (s *HistoryStore) TrackedUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Close stops the cleanup loop.
func (s *HistoryStore) Close() {
	close(s.stop)
}

func (s *HistoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *HistoryStore) cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	for userID, h := range s.users {
		if h.lastSeen.Before(cutoff) {
			delete(s.users, userID)
		}
	}
	tracked := len(s.users)
	s.mu.Unlock()

	log.Debug().Int("tracked_users", tracked).Msg("Cleaned up user activity tracker")
}
