// Package trustgate is a Go client for the TrustGate decision API.
//
// It lets a service act as a policy enforcement point: log users in, answer
// step-up challenges, and ask whether a session may perform an action on a
// resource. It uses only the Go standard library.
//
// Quick start:
//
//	// Set TRUSTGATE_SERVER_ADDR, then:
//	client := trustgate.NewClient()
//
//	login, err := client.Authenticate(ctx, trustgate.AuthenticateRequest{
//	    Username: "alice",
//	    Password: password,
//	    Context:  trustgate.RequestContext{SessionID: sid, IPAddress: ip},
//	})
//	if err != nil {
//	    return err
//	}
//	token := login.Tokens.AccessToken
//
//	d, err := client.Authorize(ctx, token, trustgate.AuthorizeRequest{
//	    Resource: "report",
//	    Action:   "read",
//	})
//	var denied *trustgate.DeniedError
//	if errors.As(err, &denied) {
//	    fmt.Printf("denied (%s): %s\n", denied.ErrorCode, denied.Reason)
//	}
package trustgate

import "time"

// Verdict is the outcome of an authorization request.
type Verdict string

const (
	// VerdictAllow grants the request.
	VerdictAllow Verdict = "ALLOW"
	// VerdictDeny means no grant exists for the request.
	VerdictDeny Verdict = "DENY"
	// VerdictBlock means a grant exists but risk policy refuses it.
	VerdictBlock Verdict = "BLOCK"
	// VerdictRequireStepUp means the session must complete a step-up first.
	VerdictRequireStepUp Verdict = "REQUIRE_STEP_UP"
)

// AuthStep is an additional verification challenge.
type AuthStep string

const (
	StepOTP               AuthStep = "OTP"
	StepBiometric         AuthStep = "BIOMETRIC"
	StepSecurityQuestions AuthStep = "SECURITY_QUESTIONS"
)

// Geolocation is the caller's approximate position.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// RequestContext describes the request being decided. The server fills
// IPAddress, UserAgent and Timestamp from the HTTP call when they are empty;
// the user is always taken from the access token.
type RequestContext struct {
	SessionID         string       `json:"session_id"`
	IPAddress         string       `json:"ip_address,omitempty"`
	UserAgent         string       `json:"user_agent,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Geolocation       *Geolocation `json:"geolocation,omitempty"`
	Timestamp         time.Time    `json:"timestamp,omitzero"`
	RequestPath       string       `json:"request_path,omitempty"`
	RequestMethod     string       `json:"request_method,omitempty"`
}

// Factors are the trust sub-scores, each in [0,100].
type Factors struct {
	Device   int `json:"device_trust"`
	Behavior int `json:"behavior_trust"`
	Location int `json:"location_trust"`
	Network  int `json:"network_trust"`
}

// TrustScore is the server's assessment of the session.
type TrustScore struct {
	Score           int      `json:"score"`
	Level           string   `json:"level"`
	Factors         Factors  `json:"factors"`
	Recommendations []string `json:"recommendations,omitempty"`
	Degraded        []string `json:"degraded,omitempty"`
}

// Permission is the grant that matched an authorization request.
type Permission struct {
	Name     string   `json:"name"`
	Resource string   `json:"resource"`
	Action   string   `json:"action"`
	Scope    []string `json:"scope"`
}

// AuthorizeRequest asks whether the token's session may perform Action on Resource.
type AuthorizeRequest struct {
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	ScopeTags []string       `json:"scope_tags,omitempty"`
	Context   RequestContext `json:"context"`
}

// Decision is the server's answer to an AuthorizeRequest.
type Decision struct {
	Verdict    Verdict     `json:"verdict"`
	Permission *Permission `json:"permission,omitempty"`
	TrustScore *TrustScore `json:"trust_score,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
}

// AuthenticateRequest is a password login.
type AuthenticateRequest struct {
	Username string         `json:"username"`
	Password string         `json:"password"`
	Context  RequestContext `json:"context"`
}

// Tokens is an access and refresh token pair.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AuthenticationResult is the outcome of a login.
type AuthenticationResult struct {
	Success                bool        `json:"success"`
	User                   *User       `json:"user,omitempty"`
	Roles                  []string    `json:"roles,omitempty"`
	Tokens                 *Tokens     `json:"tokens,omitempty"`
	TrustScore             *TrustScore `json:"trust_score,omitempty"`
	RequiresAdditionalAuth bool        `json:"requires_additional_auth"`
	NextAuthStep           AuthStep    `json:"next_auth_step,omitempty"`
	SessionID              string      `json:"session_id,omitempty"`
	ErrorCode              string      `json:"error_code,omitempty"`
}

type stepUpRequest struct {
	Step     AuthStep `json:"step"`
	Response string   `json:"response"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
