package admin

import (
	"net/http"
	"testing"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

func TestPermissions_CreateListUpdateDelete(t *testing.T) {
	env := setupAdminTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/api/permissions", map[string]any{
		"resource": "payment",
		"action":   "refund",
		"scope":    []string{"company", "own"},
		"conditions": map[string]any{
			"required_trust_level": 70,
			"ip_allow_list":        []string{"10.0.0.0/8"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d (%s)", rec.Code, rec.Body)
	}
	var created rbac.Permission
	decodeJSON(t, rec, &created)
	if created.Name != "payment:refund" || created.Version != 1 || created.Conditions.RequiredTrustLevel != 70 {
		t.Errorf("created = %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/admin/api/permissions", nil)
	var list []rbac.Permission
	decodeJSON(t, rec, &list)
	if len(list) != 1 || list[0].Name != "payment:refund" {
		t.Fatalf("list = %+v", list)
	}

	rec = env.do(t, http.MethodPut, "/admin/api/permissions/payment:refund", map[string]any{
		"resource": "payment",
		"action":   "refund",
		"scope":    []string{"company"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d (%s)", rec.Code, rec.Body)
	}
	var revised rbac.Permission
	decodeJSON(t, rec, &revised)
	if revised.Version != 2 || len(revised.Scope) != 1 {
		t.Errorf("revised = %+v", revised)
	}

	if rec := env.do(t, http.MethodDelete, "/admin/api/permissions/payment:refund", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d (%s)", rec.Code, rec.Body)
	}
	if env.registry.Exists("payment:refund") {
		t.Error("permission still registered after delete")
	}

	actions := []string{}
	for _, e := range env.sink.ofType(audit.EventPermissionChanged) {
		actions = append(actions, e.Details.Action)
	}
	if len(actions) != 3 || actions[0] != "create" || actions[1] != "update" || actions[2] != "delete" {
		t.Errorf("recorded actions = %v", actions)
	}
}

func TestPermissions_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate", http.MethodPost, "/admin/api/permissions", map[string]any{"resource": "job", "action": "read", "scope": []string{"global"}}, http.StatusConflict},
		{"missing scope", http.MethodPost, "/admin/api/permissions", map[string]any{"resource": "job", "action": "write"}, http.StatusBadRequest},
		{"bad trust level", http.MethodPost, "/admin/api/permissions", map[string]any{"resource": "job", "action": "write", "scope": []string{"own"}, "conditions": map[string]any{"required_trust_level": 101}}, http.StatusBadRequest},
		{"expression without evaluator", http.MethodPost, "/admin/api/permissions", map[string]any{"resource": "job", "action": "write", "scope": []string{"own"}, "conditions": map[string]any{"expression": "true"}}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/admin/api/permissions", `{"resource":"job","action":"write","scope":["own"],"owner":"x"}`, http.StatusBadRequest},
		{"update unknown", http.MethodPut, "/admin/api/permissions/job:delete", map[string]any{"resource": "job", "action": "delete", "scope": []string{"own"}}, http.StatusNotFound},
		{"update granted", http.MethodPut, "/admin/api/permissions/job:read", map[string]any{"resource": "job", "action": "read", "scope": []string{"own"}}, http.StatusConflict},
		{"delete granted", http.MethodDelete, "/admin/api/permissions/job:read", nil, http.StatusConflict},
		{"delete unknown", http.MethodDelete, "/admin/api/permissions/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupAdminTestEnv(t)
			env.mustPermission(t, "job", "read")
			env.mustRole(t, "worker", []string{"job:read"})

			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}
