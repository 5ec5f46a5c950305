package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
)

// DefaultCleanupInterval is how often expired sessions are reclaimed.
const DefaultCleanupInterval = 1 * time.Minute

// MemorySessionStore implements session.SessionStore with an in-memory map.
// Thread-safe for concurrent access. Insert enforces the per-user cap under
// the store mutex so concurrent logins cannot overshoot it.
type MemorySessionStore struct {
	sessions        map[string]*session.Session
	mu              sync.RWMutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	timeout         time.Duration
	once            sync.Once // Prevent double-close panic on Stop()
}

// NewSessionStore creates a new in-memory session store with default cleanup interval.
func NewSessionStore() *MemorySessionStore {
	return NewSessionStoreWithConfig(DefaultCleanupInterval, session.DefaultTimeout)
}

// NewSessionStoreWithConfig creates a store whose background cleanup runs every
// cleanupInterval and removes sessions idle longer than timeout.
func NewSessionStoreWithConfig(cleanupInterval, timeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		timeout:         timeout,
	}
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop it gracefully.
func (s *MemorySessionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if n, _ := s.DeleteIdleSince(ctx, time.Now().UTC().Add(-s.timeout)); n > 0 {
					slog.Debug("cleaned expired sessions", "count", n)
				}
			}
		}
	}()
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemorySessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Insert stores a new session, enforcing limit atomically.
func (s *MemorySessionStore) Insert(ctx context.Context, sess *session.Session, limit session.Limit) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []*session.Session
	for id, existing := range s.sessions {
		if existing.UserID != sess.UserID {
			continue
		}
		if existing.IsExpired(limit.Now, limit.Timeout) {
			delete(s.sessions, id)
			continue
		}
		live = append(live, existing)
	}

	var evicted []string
	if limit.Max > 0 && len(live) >= limit.Max {
		if limit.Policy == session.PolicyRejectNew {
			return nil, session.ErrSessionLimitReached
		}
		sortOldestFirst(live)
		for _, old := range live[:len(live)-limit.Max+1] {
			delete(s.sessions, old.ID)
			evicted = append(evicted, old.ID)
		}
	}

	s.sessions[sess.ID] = sess.Clone()
	return evicted, nil
}

// Get retrieves a session by ID regardless of expiry.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Touch advances the stored session's activity timestamp in place.
func (s *MemorySessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.Touch(at)
	return nil
}

// MarkSteppedUp records step-up completion on the stored session in place.
func (s *MemorySessionStore) MarkSteppedUp(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	stepped := at
	sess.SteppedUpAt = &stepped
	sess.Touch(at)
	return nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// ListByUser returns the user's sessions, oldest first.
func (s *MemorySessionStore) ListByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// DeleteIdleSince removes sessions whose last activity is before cutoff.
func (s *MemorySessionStore) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for id, sess := range s.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			delete(s.sessions, id)
			cleaned++
		}
	}
	return cleaned, nil
}

// Size returns the number of sessions currently stored.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func sortOldestFirst(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// Compile-time interface verification.
var _ session.SessionStore = (*MemorySessionStore)(nil)
