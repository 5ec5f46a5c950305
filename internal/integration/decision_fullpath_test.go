package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/otp"
	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// seedTreasury grants alice report:read through analyst and a high-trust
// payment:refund through treasurer.
func seedTreasury(t *testing.T, s *stack, otpSecret string) {
	t.Helper()
	doc := &service.SeedDocument{
		Permissions: []rbac.Permission{
			{Resource: "report", Action: "read", Scope: []string{rbac.ScopeGlobal}},
			{Resource: "payment", Action: "refund", Scope: []string{"company"},
				Conditions: rbac.Conditions{RequiredTrustLevel: 90}},
		},
		Roles: []service.SeedRole{
			{Role: rbac.Role{Name: "analyst", Level: 10, Permissions: []string{"report:read"}}},
			{Role: rbac.Role{Name: "treasurer", Level: 30, Permissions: []string{"payment:refund"}, Inherits: []string{"analyst"}}},
		},
		Users: []service.SeedUser{
			{ID: "u-alice", Username: "alice", Password: "correct horse", OTPSecret: otpSecret, Roles: []string{"treasurer"}},
		},
	}
	rep, err := service.NewSeeder(s.registry, s.graph, s.repo, testLogger()).Apply(context.Background(), doc)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if rep.PermissionsCreated != 2 || rep.RolesCreated != 2 || rep.UsersCreated != 1 {
		t.Fatalf("seed report = %+v", rep)
	}
}

func loginContext() trust.RequestContext {
	return trust.RequestContext{DeviceFingerprint: "fp-laptop"}
}

func TestDecisionFullPath_LoginStepUpAuthorize(t *testing.T) {
	s := newStack(t, memory.NewRepository())
	secret, err := otp.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	seedTreasury(t, s, secret)

	var login authz.AuthenticationResult
	status := s.call(t, http.MethodPost, "/v1/authenticate", "", map[string]any{
		"username": "alice",
		"password": "correct horse",
		"context":  loginContext(),
	}, &login)
	if status != http.StatusOK || !login.Success {
		t.Fatalf("login: status %d result %+v", status, login)
	}
	if login.Tokens == nil || login.SessionID == "" {
		t.Fatalf("login issued no session: %+v", login)
	}
	if len(login.Roles) != 1 || login.Roles[0] != "treasurer" {
		t.Errorf("roles = %v", login.Roles)
	}
	token := login.Tokens.AccessToken

	authorize := func(resource, action string, scope ...string) authz.Decision {
		t.Helper()
		var d authz.Decision
		status := s.call(t, http.MethodPost, "/v1/authorize", token, map[string]any{
			"resource":   resource,
			"action":     action,
			"scope_tags": scope,
			"context":    trust.RequestContext{DeviceFingerprint: "fp-laptop"},
		}, &d)
		if status != http.StatusOK {
			t.Fatalf("authorize %s:%s status %d", resource, action, status)
		}
		return d
	}

	// Inherited permission without a trust requirement.
	if d := authorize("report", "read"); d.Verdict != authz.VerdictAllow {
		t.Errorf("report:read = %s (%s)", d.Verdict, d.Reason)
	}
	// No grant at all.
	if d := authorize("payroll", "approve"); d.Verdict != authz.VerdictDeny || d.ErrorCode != authz.CodeNoGrant {
		t.Errorf("payroll:approve = %s/%s", d.Verdict, d.ErrorCode)
	}
	// Granted scope does not cover the request.
	if d := authorize("payment", "refund", "region:eu"); d.ErrorCode != authz.CodeScopeMismatch {
		t.Errorf("payment:refund in region:eu = %s/%s", d.Verdict, d.ErrorCode)
	}
	// Trust requirement above any reachable score.
	d := authorize("payment", "refund", "company")
	if d.Verdict != authz.VerdictRequireStepUp || d.ErrorCode != authz.CodeStepUpRequired {
		t.Fatalf("payment:refund before step-up = %s/%s (%s)", d.Verdict, d.ErrorCode, d.Reason)
	}

	code, err := s.totp.Code(secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	wrong := []byte(code)
	wrong[0] = '0' + (wrong[0]-'0'+1)%10
	if status := s.call(t, http.MethodPost, "/v1/step-up", token, map[string]string{
		"step": string(authz.StepOTP), "response": string(wrong),
	}, nil); status != http.StatusUnauthorized {
		t.Fatalf("wrong code step-up: status %d, want 401", status)
	}
	if status := s.call(t, http.MethodPost, "/v1/step-up", token, map[string]string{
		"step": string(authz.StepOTP), "response": code,
	}, nil); status != http.StatusNoContent {
		t.Fatalf("step-up: status %d", status)
	}

	if d := authorize("payment", "refund", "company"); d.Verdict != authz.VerdictAllow {
		t.Errorf("payment:refund after step-up = %s (%s)", d.Verdict, d.Reason)
	}

	var refreshed authz.Tokens
	if status := s.call(t, http.MethodPost, "/v1/refresh", "", map[string]string{
		"refresh_token": login.Tokens.RefreshToken,
	}, &refreshed); status != http.StatusOK || refreshed.AccessToken == "" {
		t.Errorf("refresh: status %d tokens %+v", status, refreshed)
	}

	if status := s.call(t, http.MethodPost, "/v1/logout", token, nil, nil); status != http.StatusNoContent {
		t.Errorf("logout: status %d", status)
	}

	var stats admin.StatsResponse
	if status := s.call(t, http.MethodGet, "/admin/api/stats", "", nil, &stats); status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	if stats.Allowed != 2 || stats.StepUpRequired != 1 {
		t.Errorf("stats allowed/step-up = %d/%d, want 2/1", stats.Allowed, stats.StepUpRequired)
	}
	if stats.Permissions != 2 || stats.Roles != 2 {
		t.Errorf("stats permissions/roles = %d/%d, want 2/2", stats.Permissions, stats.Roles)
	}

	s.events.Stop()
	for _, typ := range []audit.EventType{audit.EventLoginSuccess, audit.EventStepUpSuccess, audit.EventAuthzDecision} {
		events, err := s.repo.GetRecentSecurityEvents(context.Background(), audit.EventFilter{Types: []audit.EventType{typ}})
		if err != nil {
			t.Fatalf("query %s: %v", typ, err)
		}
		if len(events) == 0 {
			t.Errorf("no %s event persisted", typ)
		}
	}
}

func TestDecisionFullPath_WrongPassword(t *testing.T) {
	s := newStack(t, memory.NewRepository())
	seedTreasury(t, s, "")

	var res authz.AuthenticationResult
	status := s.call(t, http.MethodPost, "/v1/authenticate", "", map[string]any{
		"username": "alice",
		"password": "battery staple",
		"context":  loginContext(),
	}, &res)
	if status != http.StatusUnauthorized || res.Success || res.ErrorCode != authz.CodeInvalidCredentials {
		t.Errorf("status %d result %+v", status, res)
	}

	status = s.call(t, http.MethodPost, "/v1/authenticate", "", map[string]any{
		"username": "mallory",
		"password": "battery staple",
		"context":  loginContext(),
	}, &res)
	if status != http.StatusUnauthorized || res.ErrorCode != authz.CodeInvalidCredentials {
		t.Errorf("unknown user: status %d code %s", status, res.ErrorCode)
	}
}

func TestDecisionFullPath_AdminChangesTakeEffect(t *testing.T) {
	s := newStack(t, memory.NewRepository())
	seedTreasury(t, s, "")

	var login authz.AuthenticationResult
	if status := s.call(t, http.MethodPost, "/v1/authenticate", "", map[string]any{
		"username": "alice", "password": "correct horse", "context": loginContext(),
	}, &login); status != http.StatusOK {
		t.Fatalf("login: status %d", status)
	}
	token := login.Tokens.AccessToken

	authorizeReport := func() authz.Decision {
		var d authz.Decision
		s.call(t, http.MethodPost, "/v1/authorize", token, map[string]any{
			"resource": "report", "action": "read", "context": loginContext(),
		}, &d)
		return d
	}
	if d := authorizeReport(); d.Verdict != authz.VerdictAllow {
		t.Fatalf("before revoke: %s (%s)", d.Verdict, d.Reason)
	}

	// The test client connects from loopback, a trusted admin network.
	if status := s.call(t, http.MethodDelete, "/admin/api/users/u-alice/roles/treasurer", "", nil, nil); status != http.StatusNoContent {
		t.Fatalf("unassign: status %d", status)
	}
	if d := authorizeReport(); d.Verdict != authz.VerdictDeny || d.ErrorCode != authz.CodeNoGrant {
		t.Errorf("after revoke: %s/%s", d.Verdict, d.ErrorCode)
	}

	var health struct {
		Status string `json:"status"`
	}
	if status := s.call(t, http.MethodGet, "/health", "", nil, &health); status != http.StatusOK || health.Status != "healthy" {
		t.Errorf("health: status %d body %+v", status, health)
	}
}
