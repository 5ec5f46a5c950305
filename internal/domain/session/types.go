// Package session manages authenticated user sessions, their sliding
// expiration and the per-user concurrency cap.
package session

import (
	"time"
)

// Session tracks an authenticated user's login.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// CreatedAt is when the session was issued (UTC).
	CreatedAt time.Time `json:"created_at"`
	// LastActiveAt is the last time the session was used (UTC).
	LastActiveAt time.Time `json:"last_active_at"`
	// TrustLevelAtIssue is the trust score computed at login.
	TrustLevelAtIssue int `json:"trust_level_at_issue"`
	// SteppedUpAt is set once the session completes step-up authentication.
	SteppedUpAt *time.Time `json:"stepped_up_at,omitempty"`
}

// IsExpired reports whether the session has been idle longer than timeout at now.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActiveAt) > timeout
}

// Touch slides the session's activity timestamp to now. It never moves
// backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActiveAt) {
		s.LastActiveAt = now
	}
}

// SteppedUp reports whether step-up authentication was completed.
func (s *Session) SteppedUp() bool {
	return s.SteppedUpAt != nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.SteppedUpAt != nil {
		t := *s.SteppedUpAt
		c.SteppedUpAt = &t
	}
	return &c
}

// OverflowPolicy decides what happens when a user is at the session cap.
type OverflowPolicy string

const (
	// PolicyEvictOldest revokes the user's oldest sessions to make room.
	PolicyEvictOldest OverflowPolicy = "evict_oldest"
	// PolicyRejectNew refuses the new login with ErrSessionLimitReached.
	PolicyRejectNew OverflowPolicy = "reject_new"
)

// IsValid reports whether p is a known policy.
func (p OverflowPolicy) IsValid() bool {
	return p == PolicyEvictOldest || p == PolicyRejectNew
}

// Limit is the cap a store enforces atomically on insert.
type Limit struct {
	// Max is the maximum number of live sessions per user. Zero means unlimited.
	Max     int
	Policy  OverflowPolicy
	Timeout time.Duration
	// Now is the instant used to decide which sessions are still live.
	Now time.Time
}
