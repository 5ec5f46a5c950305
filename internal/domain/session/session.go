package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTimeout is the default idle timeout.
const DefaultTimeout = 30 * time.Minute

// DefaultMaxConcurrent is the default per-user session cap.
const DefaultMaxConcurrent = 3

// Config holds session service configuration.
type Config struct {
	// Timeout is the sliding idle timeout. Default: 30 minutes.
	Timeout time.Duration
	// MaxConcurrent caps live sessions per user. Default: 3. Negative disables the cap.
	MaxConcurrent int
	// Overflow selects the behavior at the cap. Default: PolicyEvictOldest.
	Overflow OverflowPolicy
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SessionService manages session lifecycle.
type SessionService struct {
	store    SessionStore
	timeout  time.Duration
	max      int
	overflow OverflowPolicy
	now      func() time.Time
}

// NewSessionService creates a new SessionService with the given store and config.
func NewSessionService(store SessionStore, cfg Config) *SessionService {
	s := &SessionService{
		store:    store,
		timeout:  cfg.Timeout,
		max:      cfg.MaxConcurrent,
		overflow: cfg.Overflow,
		now:      cfg.Now,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.max == 0 {
		s.max = DefaultMaxConcurrent
	}
	if s.max < 0 {
		s.max = 0
	}
	if !s.overflow.IsValid() {
		s.overflow = PolicyEvictOldest
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Timeout returns the idle timeout.
func (s *SessionService) Timeout() time.Duration { return s.timeout }

// Issue creates a session for userID, enforcing the concurrency cap.
// Returns the new session and the IDs of sessions evicted to make room.
func (s *SessionService) Issue(ctx context.Context, userID string, trustLevel int) (*Session, []string, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	sess := &Session{
		ID:                id,
		UserID:            userID,
		CreatedAt:         now,
		LastActiveAt:      now,
		TrustLevelAtIssue: trustLevel,
	}

	evicted, err := s.store.Insert(ctx, sess, Limit{
		Max:     s.max,
		Policy:  s.overflow,
		Timeout: s.timeout,
		Now:     now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, evicted, nil
}

// Get retrieves a live session by ID.
// Returns ErrSessionNotFound if the session doesn't exist or has expired.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.now(), s.timeout) {
		_ = s.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch extends a live session's idle window.
func (s *SessionService) Touch(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.Touch(ctx, id, now); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	sess.Touch(now)
	return sess, nil
}

// MarkSteppedUp records that the session completed step-up authentication.
func (s *SessionService) MarkSteppedUp(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.MarkSteppedUp(ctx, id, s.now()); err != nil {
		return fmt.Errorf("failed to mark step-up: %w", err)
	}
	return nil
}

// Revoke terminates a session. Revoking an unknown session succeeds.
func (s *SessionService) Revoke(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ListByUser returns the user's live sessions, oldest first.
func (s *SessionService) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	all, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := all[:0]
	for _, sess := range all {
		if !sess.IsExpired(now, s.timeout) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// Cleanup removes expired sessions. Expiry is enforced on every access, so
// this only reclaims storage.
func (s *SessionService) Cleanup(ctx context.Context) (int, error) {
	return s.store.DeleteIdleSince(ctx, s.now().Add(-s.timeout))
}

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
