package trustgate

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when an authorization request is denied or blocked.
	ErrDenied = errors.New("access denied")

	// ErrStepUpRequired is returned when the session must complete a step-up
	// challenge before the request can be allowed.
	ErrStepUpRequired = errors.New("step-up required")

	// ErrAuthenticationFailed is returned when a login is rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrServerUnreachable is returned when the TrustGate server cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// TrustGateError is returned for non-2xx responses that carry no decision.
type TrustGateError struct {
	// StatusCode is the HTTP status returned by the server.
	StatusCode int
	// Message is the server's error message, if any.
	Message string
}

// Error returns the error message.
func (e *TrustGateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("trustgate [HTTP_%d]: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("trustgate [HTTP_%d]", e.StatusCode)
}

// DeniedError is returned when the verdict is DENY or BLOCK.
type DeniedError struct {
	// Verdict is DENY (no grant) or BLOCK (refused by risk policy).
	Verdict Verdict
	// ErrorCode is the machine-readable reason, e.g. NO_GRANT or RISK_BLOCKED.
	ErrorCode string
	// Reason explains the decision.
	Reason string
	// TrustScore is the session's score when one was computed.
	TrustScore *TrustScore
}

// Error returns a human-readable description of the denial.
func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("access %s (%s): %s", lower(e.Verdict), e.ErrorCode, e.Reason)
	}
	return fmt.Sprintf("access %s (%s)", lower(e.Verdict), e.ErrorCode)
}

// Is supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// StepUpRequiredError is returned when the verdict is REQUIRE_STEP_UP.
type StepUpRequiredError struct {
	// Reason explains why the current trust is insufficient.
	Reason string
	// TrustScore is the session's current score.
	TrustScore *TrustScore
}

// Error returns a human-readable description.
func (e *StepUpRequiredError) Error() string {
	if e.Reason != "" {
		return "step-up required: " + e.Reason
	}
	return "step-up required"
}

// Is supports errors.Is(err, ErrStepUpRequired).
func (e *StepUpRequiredError) Is(target error) bool {
	return target == ErrStepUpRequired
}

// AuthenticationError is returned when a login does not succeed.
type AuthenticationError struct {
	// StatusCode is the HTTP status returned by the server.
	StatusCode int
	// ErrorCode is the machine-readable reason, e.g. INVALID_CREDENTIALS.
	ErrorCode string
	// TrustScore is set when the login was refused on risk grounds.
	TrustScore *TrustScore
}

// Error returns a human-readable description.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.ErrorCode)
}

// Is supports errors.Is(err, ErrAuthenticationFailed).
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// ServerUnreachableError is returned when the TrustGate server cannot be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the server unreachable error.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}

func lower(v Verdict) string {
	switch v {
	case VerdictBlock:
		return "blocked"
	default:
		return "denied"
	}
}
