package session

import (
	"context"
	"errors"
	"time"
)

// SessionStore provides session persistence.
// Implementations: in-memory (single instance), SQL (shared across instances).
type SessionStore interface {
	// Insert stores a new session while enforcing limit atomically: expired
	// sessions of the same user are purged, then either the oldest live
	// sessions are evicted or ErrSessionLimitReached is returned.
	// Returns the IDs of evicted sessions.
	Insert(ctx context.Context, session *Session, limit Limit) ([]string, error)

	// Get retrieves a session by ID regardless of expiry.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch advances the session's LastActiveAt to at, leaving every other
	// field alone. Returns ErrSessionNotFound if the session doesn't exist.
	Touch(ctx context.Context, id string, at time.Time) error

	// MarkSteppedUp sets SteppedUpAt to at and advances LastActiveAt, leaving
	// every other field alone. Returns ErrSessionNotFound if the session
	// doesn't exist.
	MarkSteppedUp(ctx context.Context, id string, at time.Time) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// ListByUser returns the user's sessions, oldest first.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// DeleteIdleSince removes sessions whose last activity is before cutoff.
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error)
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist or is expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimitReached is returned under PolicyRejectNew when the user is at the cap.
	ErrSessionLimitReached = errors.New("concurrent session limit reached")
)
