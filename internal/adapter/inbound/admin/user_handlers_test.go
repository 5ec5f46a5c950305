package admin

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

func createUser(t *testing.T, env *adminTestEnv, body map[string]any) userResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/admin/api/users", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d (%s)", rec.Code, rec.Body)
	}
	var u userResponse
	decodeJSON(t, rec, &u)
	return u
}

func TestUsers_CreateWithRoles(t *testing.T) {
	env := setupAdminTestEnv(t)
	seedRoles(t, env)

	rec := env.do(t, http.MethodPost, "/admin/api/users", map[string]any{
		"username": "alice",
		"password": "correct horse",
		"roles":    []string{"manager"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d (%s)", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "password_hash") {
		t.Error("response leaks the password hash")
	}
	var u userResponse
	decodeJSON(t, rec, &u)
	if u.User == nil || u.Username != "alice" || u.ID == "" {
		t.Fatalf("user = %+v", u)
	}
	if !env.repo.HasAssignment(u.ID, "manager") {
		t.Error("manager role not assigned")
	}
	if n := len(env.sink.ofType(audit.EventUserChanged)); n != 1 {
		t.Errorf("user events = %d, want 1", n)
	}
	if n := len(env.sink.ofType(audit.EventAssignmentChanged)); n != 1 {
		t.Errorf("assignment events = %d, want 1", n)
	}

	rec = env.do(t, http.MethodGet, "/admin/api/users/"+u.ID, nil)
	var got userResponse
	decodeJSON(t, rec, &got)
	if len(got.Roles) != 1 || got.Roles[0] != "manager" {
		t.Errorf("roles = %v", got.Roles)
	}
}

func TestUsers_CreateErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"short password", map[string]any{"username": "bob", "password": "short"}, http.StatusBadRequest},
		{"missing username", map[string]any{"password": "long enough"}, http.StatusBadRequest},
		{"unknown role", map[string]any{"username": "bob", "password": "long enough", "roles": []string{"ghost"}}, http.StatusNotFound},
		{"bad step-up method", map[string]any{"username": "bob", "password": "long enough", "preferred_step_up": "CARRIER_PIGEON"}, http.StatusBadRequest},
		{"duplicate username", map[string]any{"username": "alice", "password": "long enough"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupAdminTestEnv(t)
			seedRoles(t, env)
			createUser(t, env, map[string]any{"username": "alice", "password": "correct horse"})

			rec := env.do(t, http.MethodPost, "/admin/api/users", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestUsers_RoleAssignment(t *testing.T) {
	env := setupAdminTestEnv(t)
	seedRoles(t, env)
	u := createUser(t, env, map[string]any{"username": "carol", "password": "correct horse"})
	base := "/admin/api/users/" + u.ID + "/roles"

	if rec := env.do(t, http.MethodPost, base, map[string]string{"role": "worker"}); rec.Code != http.StatusCreated {
		t.Fatalf("assign: %d (%s)", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, base, map[string]string{"role": "worker"}); rec.Code != http.StatusOK {
		t.Errorf("repeat assign: %d, want 200", rec.Code)
	}
	if n := len(env.sink.ofType(audit.EventAssignmentChanged)); n != 1 {
		t.Errorf("assignment events = %d, want 1 (repeat is a no-op)", n)
	}

	rec := env.do(t, http.MethodGet, base, nil)
	var roles []rbac.Role
	decodeJSON(t, rec, &roles)
	if len(roles) != 1 || roles[0].Name != "worker" {
		t.Fatalf("roles = %+v", roles)
	}

	if rec := env.do(t, http.MethodDelete, base+"/worker", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unassign: %d", rec.Code)
	}
	if env.repo.HasAssignment(u.ID, "worker") {
		t.Error("worker still assigned")
	}
}

func TestUsers_AssignmentErrors(t *testing.T) {
	env := setupAdminTestEnv(t)
	seedRoles(t, env)
	u := createUser(t, env, map[string]any{"username": "dave", "password": "correct horse"})

	if rec := env.do(t, http.MethodPost, "/admin/api/users/"+u.ID+"/roles", map[string]string{"role": "ghost"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown role: %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/admin/api/users/nobody/roles", map[string]string{"role": "worker"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user: %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/admin/api/users/nobody/roles", nil); rec.Code != http.StatusNotFound {
		t.Errorf("list for unknown user: %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/admin/api/users/"+u.ID+"/roles", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing role: %d, want 400", rec.Code)
	}
}

func TestUsers_Disable(t *testing.T) {
	env := setupAdminTestEnv(t)
	u := createUser(t, env, map[string]any{"username": "erin", "password": "correct horse"})

	rec := env.do(t, http.MethodPut, "/admin/api/users/"+u.ID+"/disabled", map[string]bool{"disabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d (%s)", rec.Code, rec.Body)
	}
	var got rbac.User
	decodeJSON(t, rec, &got)
	if !got.Disabled {
		t.Error("user not disabled")
	}
	events := env.sink.ofType(audit.EventUserChanged)
	if last := events[len(events)-1]; last.Details.Action != "disable" {
		t.Errorf("last user event action = %q, want disable", last.Details.Action)
	}
}

func TestSessions_Revoke(t *testing.T) {
	env := setupAdminTestEnv(t)

	if rec := env.do(t, http.MethodDelete, "/admin/api/sessions/sess-42", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d", rec.Code)
	}
	if len(env.sessions.revoked) != 1 || env.sessions.revoked[0] != "sess-42" {
		t.Errorf("revoked = %v", env.sessions.revoked)
	}
	events := env.sink.ofType(audit.EventSessionRevoked)
	if len(events) != 1 || events[0].SessionID != "sess-42" {
		t.Errorf("revocation events = %+v", events)
	}

	env.sessions.err = errors.Join(outbound.ErrStoreUnavailable, errors.New("timeout"))
	if rec := env.do(t, http.MethodDelete, "/admin/api/sessions/sess-43", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("revoke with store down: %d, want 503", rec.Code)
	}
}
