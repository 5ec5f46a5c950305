// Package audit contains the security event types recorded for every
// authorization, authentication and administrative outcome.
package audit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// EventType categorizes a security event.
type EventType string

// Event types.
const (
	EventAuthzDecision      EventType = "AUTHZ_DECISION"
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailure       EventType = "LOGIN_FAILURE"
	EventLoginBlocked       EventType = "LOGIN_BLOCKED"
	EventStepUpRequired     EventType = "STEP_UP_REQUIRED"
	EventStepUpSuccess      EventType = "STEP_UP_SUCCESS"
	EventStepUpFailure      EventType = "STEP_UP_FAILURE"
	EventSessionRevoked     EventType = "SESSION_REVOKED"
	EventSessionEvicted     EventType = "SESSION_EVICTED"
	EventRoleChanged        EventType = "ROLE_CHANGED"
	EventPermissionChanged  EventType = "PERMISSION_CHANGED"
	EventAssignmentChanged  EventType = "ASSIGNMENT_CHANGED"
	EventUserChanged        EventType = "USER_CHANGED"
	EventIntegrityViolation EventType = "INTEGRITY_VIOLATION"
)

// Severity ranks how urgently an event needs attention.
type Severity string

// Severities, lowest first.
const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for filtering. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Details describes what the event is about.
type Details struct {
	Resource  string `json:"resource,omitempty"`
	Action    string `json:"action,omitempty"`
	Outcome   string `json:"outcome"`
	ErrorCode string `json:"error_code,omitempty"`
}

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID string `json:"id"`
	// Sequence is assigned in record order by the logger.
	Sequence  uint64               `json:"sequence"`
	Type      EventType            `json:"type"`
	Severity  Severity             `json:"severity"`
	UserID    string               `json:"user_id,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	Context   trust.RequestContext `json:"context"`
	Details   Details              `json:"details"`
	Timestamp time.Time            `json:"timestamp"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable event identifier.
func NewEventID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
