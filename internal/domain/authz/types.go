// Package authz contains the decision and authentication result types
// returned by the authorization engine.
package authz

import (
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// Verdict is the outcome of an authorization or risk evaluation.
type Verdict string

const (
	// VerdictAllow grants the request.
	VerdictAllow Verdict = "ALLOW"
	// VerdictDeny means no grant exists for the request.
	VerdictDeny Verdict = "DENY"
	// VerdictBlock means a grant exists but risk policy refuses it.
	VerdictBlock Verdict = "BLOCK"
	// VerdictRequireStepUp means additional authentication is needed first.
	VerdictRequireStepUp Verdict = "REQUIRE_STEP_UP"
)

// AuthStep is an additional verification challenge.
type AuthStep string

const (
	StepOTP               AuthStep = "OTP"
	StepBiometric         AuthStep = "BIOMETRIC"
	StepSecurityQuestions AuthStep = "SECURITY_QUESTIONS"
)

// IsValid reports whether s is a known step.
func (s AuthStep) IsValid() bool {
	switch s {
	case StepOTP, StepBiometric, StepSecurityQuestions:
		return true
	default:
		return false
	}
}

// Error codes attached to decisions and security events.
const (
	CodeInvalidContext     = "INVALID_CONTEXT"
	CodeNoUser             = "NO_USER"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeNoGrant            = "NO_GRANT"
	CodeScopeMismatch      = "SCOPE_MISMATCH"
	CodeConditionFailed    = "CONDITION_FAILED"
	CodeCyclicInheritance  = "CYCLIC_INHERITANCE"
	CodeRiskBlocked        = "RISK_BLOCKED"
	CodeStepUpRequired     = "STEP_UP_REQUIRED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUserDisabled       = "USER_DISABLED"
	CodeSessionLimit       = "SESSION_LIMIT"
	CodeInternal           = "INTERNAL"
)

// Decision is the result of an authorization request.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	// Permission is the grant the verdict was based on, if any.
	Permission *rbac.Permission `json:"permission,omitempty"`
	TrustScore *trust.Score     `json:"trust_score,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
}

// Credentials are the inputs to a password login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Tokens are the signed tokens issued on successful authentication.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthenticationResult is the output of a login attempt.
type AuthenticationResult struct {
	Success                bool         `json:"success"`
	User                   *rbac.User   `json:"user,omitempty"`
	Roles                  []string     `json:"roles,omitempty"`
	Tokens                 *Tokens      `json:"tokens,omitempty"`
	TrustScore             *trust.Score `json:"trust_score,omitempty"`
	RequiresAdditionalAuth bool         `json:"requires_additional_auth"`
	NextAuthStep           AuthStep     `json:"next_auth_step,omitempty"`
	SessionID              string       `json:"session_id,omitempty"`
	ErrorCode              string       `json:"error_code,omitempty"`
}

// ExpressionInput is the request data visible to permission condition expressions.
type ExpressionInput struct {
	UserID     string
	SessionID  string
	IP         string
	Path       string
	Method     string
	Hour       int
	Weekday    string
	TrustScore int
	TrustLevel string
	Country    string
	ScopeTags  []string
}
