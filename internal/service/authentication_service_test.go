package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/otp"
	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

type authnHarness struct {
	*fixture
	svc      *AuthenticationService
	sessions *session.SessionService
	scorer   *fixedScorer
	events   *eventSink
	totp     *otp.TOTP
	secret   string
}

func newAuthnHarness(t *testing.T, score int, sessCfg session.Config) *authnHarness {
	t.Helper()
	f := newFixture(t)
	sessions := session.NewSessionService(memory.NewSessionStore(), sessCfg)
	tokens := newTestIssuer(t, TokenConfig{Issuer: "trustgate"})
	scorer := &fixedScorer{score: score}
	events := &eventSink{}
	totp := otp.New(otp.Config{})

	svc, err := NewAuthenticationService(f.repo, f.graph, sessions, tokens, scorer, nil,
		NewRiskEvaluator(RiskThresholds{}), events, discardLogger(),
		WithStepUpVerifier(authz.StepOTP, totp),
	)
	if err != nil {
		t.Fatalf("NewAuthenticationService() error: %v", err)
	}

	secret, err := otp.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := rbac.HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	f.perm(t, "job", "read")
	f.role(t, "WORKER", []string{"job:read"})
	if err := f.repo.UpsertUser(context.Background(), rbac.User{
		ID: "u1", Username: "alice", PasswordHash: hash, OTPSecret: secret, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.graph.Assign(context.Background(), "u1", "WORKER"); err != nil {
		t.Fatal(err)
	}
	return &authnHarness{fixture: f, svc: svc, sessions: sessions, scorer: scorer, events: events, totp: totp, secret: secret}
}

func loginContext() trust.RequestContext {
	rc := requestContext("")
	rc.SessionID = ""
	return rc
}

func (h *authnHarness) login(password string) authz.AuthenticationResult {
	return h.svc.Authenticate(context.Background(), authz.Credentials{Username: "alice", Password: password}, loginContext())
}

func TestAuthenticate_Success(t *testing.T) {
	h := newAuthnHarness(t, 90, session.Config{})
	ctx := context.Background()

	res := h.login("correct horse")
	if !res.Success || res.ErrorCode != "" {
		t.Fatalf("Authenticate() = %+v", res)
	}
	if res.RequiresAdditionalAuth {
		t.Error("high trust login required step-up")
	}
	if res.User == nil || res.User.PasswordHash != "" || res.User.OTPSecret != "" {
		t.Errorf("result user leaks secrets: %+v", res.User)
	}
	if len(res.Roles) != 1 || res.Roles[0] != "WORKER" {
		t.Errorf("Roles = %v, want [WORKER]", res.Roles)
	}
	if res.Tokens == nil || res.SessionID == "" {
		t.Fatal("no tokens or session issued")
	}
	if len(h.events.ofType(audit.EventLoginSuccess)) != 1 {
		t.Error("no LOGIN_SUCCESS event")
	}

	claims, err := h.svc.VerifyAccessToken(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error: %v", err)
	}
	if claims.Subject != "u1" || claims.SessionID != res.SessionID {
		t.Errorf("claims = %+v", claims)
	}

	refreshed, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Refresh(access token) error = %v, want ErrInvalidToken", err)
	}

	if err := h.svc.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := h.svc.VerifyAccessToken(ctx, refreshed.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyAccessToken() after logout error = %v, want ErrInvalidToken", err)
	}
	if len(h.events.ofType(audit.EventSessionRevoked)) != 1 {
		t.Error("no SESSION_REVOKED event")
	}
	if err := h.svc.Logout(ctx, res.SessionID); err != nil {
		t.Errorf("second Logout() error: %v", err)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		setup    func(*authnHarness)
		score    int
		code     string
		event    audit.EventType
	}{
		{"wrong password", "alice", "wrong", nil, 90, authz.CodeInvalidCredentials, audit.EventLoginFailure},
		{"unknown user", "mallory", "correct horse", nil, 90, authz.CodeInvalidCredentials, audit.EventLoginFailure},
		{"disabled user", "alice", "correct horse", func(h *authnHarness) {
			u, _ := h.repo.GetUser(context.Background(), "u1")
			u.Disabled = true
			_ = h.repo.UpsertUser(context.Background(), *u)
		}, 90, authz.CodeUserDisabled, audit.EventLoginFailure},
		{"risk blocked", "alice", "correct horse", nil, 10, authz.CodeRiskBlocked, audit.EventLoginBlocked},
		{"role store down", "alice", "correct horse", func(h *authnHarness) { h.repo.setFailRoles(true) }, 90, authz.CodeStoreUnavailable, audit.EventLoginFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuthnHarness(t, tt.score, session.Config{})
			if tt.setup != nil {
				tt.setup(h)
			}
			res := h.svc.Authenticate(context.Background(), authz.Credentials{Username: tt.username, Password: tt.password}, loginContext())
			if res.Success {
				t.Fatal("Authenticate() succeeded")
			}
			if res.ErrorCode != tt.code {
				t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, tt.code)
			}
			if res.Tokens != nil || res.SessionID != "" {
				t.Error("failed login issued a session")
			}
			if n := len(h.events.ofType(tt.event)); n != 1 {
				t.Errorf("%s events = %d, want 1", tt.event, n)
			}
		})
	}
}

func TestAuthenticate_InvalidContext(t *testing.T) {
	h := newAuthnHarness(t, 90, session.Config{})
	rc := loginContext()
	rc.IPAddress = ""
	res := h.svc.Authenticate(context.Background(), authz.Credentials{Username: "alice", Password: "correct horse"}, rc)
	if res.Success || res.ErrorCode != authz.CodeInvalidContext {
		t.Errorf("Authenticate() = %+v, want INVALID_CONTEXT", res)
	}
}

func TestAuthenticate_StepUpWithOTP(t *testing.T) {
	h := newAuthnHarness(t, 30, session.Config{})
	ctx := context.Background()

	res := h.login("correct horse")
	if !res.Success || !res.RequiresAdditionalAuth || res.NextAuthStep != authz.StepOTP {
		t.Fatalf("Authenticate() = %+v, want success with OTP step-up", res)
	}
	if len(h.events.ofType(audit.EventStepUpRequired)) != 1 {
		t.Error("no STEP_UP_REQUIRED event")
	}

	if err := h.svc.CompleteStepUp(ctx, res.SessionID, authz.StepOTP, "000000x"); !errors.Is(err, ErrStepUpFailed) {
		t.Errorf("CompleteStepUp(bad code) error = %v, want ErrStepUpFailed", err)
	}
	if err := h.svc.CompleteStepUp(ctx, res.SessionID, authz.StepBiometric, "fingerprint"); !errors.Is(err, ErrStepUpFailed) {
		t.Errorf("CompleteStepUp(unregistered step) error = %v, want ErrStepUpFailed", err)
	}

	code, err := h.totp.Code(h.secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.svc.CompleteStepUp(ctx, res.SessionID, authz.StepOTP, code); err != nil {
		t.Fatalf("CompleteStepUp() error: %v", err)
	}
	sess, err := h.sessions.Get(ctx, res.SessionID)
	if err != nil || !sess.SteppedUp() {
		t.Errorf("session not stepped up: %+v, %v", sess, err)
	}
	if len(h.events.ofType(audit.EventStepUpSuccess)) != 1 {
		t.Error("no STEP_UP_SUCCESS event")
	}
	if len(h.events.ofType(audit.EventStepUpFailure)) != 2 {
		t.Error("failed attempts not recorded")
	}

	if err := h.svc.CompleteStepUp(ctx, res.SessionID, authz.StepOTP, code); !errors.Is(err, ErrStepUpFailed) {
		t.Errorf("replayed code error = %v, want ErrStepUpFailed", err)
	}
	if err := h.svc.CompleteStepUp(ctx, "no-such-session", authz.StepOTP, code); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("unknown session error = %v, want ErrSessionNotFound", err)
	}
}

func TestAuthenticate_SessionLimit(t *testing.T) {
	t.Run("reject new", func(t *testing.T) {
		h := newAuthnHarness(t, 90, session.Config{MaxConcurrent: 1, Overflow: session.PolicyRejectNew})
		if res := h.login("correct horse"); !res.Success {
			t.Fatalf("first login failed: %s", res.ErrorCode)
		}
		if res := h.login("correct horse"); res.Success || res.ErrorCode != authz.CodeSessionLimit {
			t.Errorf("second login = %+v, want SESSION_LIMIT", res)
		}
	})

	t.Run("evict oldest", func(t *testing.T) {
		h := newAuthnHarness(t, 90, session.Config{MaxConcurrent: 1})
		first := h.login("correct horse")
		second := h.login("correct horse")
		if !first.Success || !second.Success {
			t.Fatalf("logins failed: %s / %s", first.ErrorCode, second.ErrorCode)
		}
		evicted := h.events.ofType(audit.EventSessionEvicted)
		if len(evicted) != 1 || evicted[0].SessionID != first.SessionID {
			t.Errorf("evicted events = %+v, want the first session", evicted)
		}
		if _, err := h.svc.VerifyAccessToken(context.Background(), first.Tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("evicted session token error = %v, want ErrInvalidToken", err)
		}
	})
}
