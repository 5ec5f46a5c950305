package audit

import (
	"context"
	"errors"
	"time"
)

// ErrLogDeliveryFailure is reported to operations when events could not be
// persisted. It is never returned to callers of the decision path.
var ErrLogDeliveryFailure = errors.New("security event delivery failed")

// EventStore persists security events.
type EventStore interface {
	// AppendSecurityEvents stores events in the given order.
	AppendSecurityEvents(ctx context.Context, events ...SecurityEvent) error
}

// EventFilter selects recent security events. Zero fields match everything.
type EventFilter struct {
	UserID      string
	SessionID   string
	Types       []EventType
	MinSeverity Severity
	Since       time.Time
	// Limit caps the number of events returned, newest first. Default 100.
	Limit int
}

// DefaultEventLimit is applied when EventFilter.Limit is zero.
const DefaultEventLimit = 100

// Match reports whether the event satisfies every filter field except Limit.
func (f EventFilter) Match(e SecurityEvent) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EffectiveLimit returns Limit, or DefaultEventLimit when unset.
func (f EventFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultEventLimit
	}
	return f.Limit
}

// AlertKind distinguishes who an alert is for.
type AlertKind string

const (
	// AlertAdmin is raised synchronously for CRITICAL events.
	AlertAdmin AlertKind = "admin"
	// AlertOps is raised when event delivery fails.
	AlertOps AlertKind = "ops"
)

// Alert is a notification sent outside the durable event log.
type Alert struct {
	Kind    AlertKind      `json:"kind"`
	Message string         `json:"message"`
	Event   *SecurityEvent `json:"event,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// Alerter delivers alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}
