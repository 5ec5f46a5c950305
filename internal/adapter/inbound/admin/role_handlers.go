package admin

import (
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// roleRequest is the JSON body for create and update role endpoints.
// IsSystem is honored on create only.
type roleRequest struct {
	Name        string   `json:"name"`
	Level       int      `json:"level" validate:"gte=0"`
	Permissions []string `json:"permissions" validate:"dive,required"`
	Inherits    []string `json:"inherits" validate:"dive,required"`
	IsSystem    bool     `json:"is_system"`
}

// effectiveResponse is the resolved permission set of a role.
type effectiveResponse struct {
	Role        string            `json:"role"`
	Permissions []rbac.Permission `json:"permissions"`
}

// handleListRoles returns every role ordered by level, then name.
// GET /admin/api/roles
func (h *AdminAPIHandler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.graph.Roles())
}

// handleGetRole returns one role.
// GET /admin/api/roles/{name}
func (h *AdminAPIHandler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.graph.Get(h.pathParam(r, "name"))
	if err != nil {
		h.respondServiceError(w, "get role", err)
		return
	}
	h.respondJSON(w, http.StatusOK, role)
}

// handleCreateRole adds a role. Unknown permissions or parents are 404,
// an inheritance cycle is 422.
// POST /admin/api/roles
func (h *AdminAPIHandler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventRoleChanged, req.Name, "create", err)
		return
	}
	if req.Name == "" {
		h.rejectRequest(w, r, audit.EventRoleChanged, "", "create", errors.New("name is required"))
		return
	}

	role, err := h.graph.CreateRole(r.Context(), rbac.Role{
		Name:        req.Name,
		Level:       req.Level,
		Permissions: req.Permissions,
		Inherits:    req.Inherits,
		IsSystem:    req.IsSystem,
	})
	if err != nil {
		h.reject(w, r, audit.EventRoleChanged, req.Name, "create", err)
		return
	}
	h.recordChange(r, audit.EventRoleChanged, role.Name, "create")
	h.respondJSON(w, http.StatusCreated, role)
}

// handleUpdateRole replaces a role's level, permissions and parents.
// PUT /admin/api/roles/{name}
func (h *AdminAPIHandler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")

	var req roleRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventRoleChanged, name, "update", err)
		return
	}

	role, err := h.graph.UpdateRole(r.Context(), rbac.Role{
		Name:        name,
		Level:       req.Level,
		Permissions: req.Permissions,
		Inherits:    req.Inherits,
	})
	if err != nil {
		h.reject(w, r, audit.EventRoleChanged, name, "update", err)
		return
	}
	h.recordChange(r, audit.EventRoleChanged, role.Name, "update")
	h.respondJSON(w, http.StatusOK, role)
}

// handleDeleteRole removes a role. System roles need ?force=true.
// DELETE /admin/api/roles/{name}
func (h *AdminAPIHandler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")
	privileged := r.URL.Query().Get("force") == "true"

	if err := h.graph.DeleteRole(r.Context(), name, privileged); err != nil {
		h.reject(w, r, audit.EventRoleChanged, name, "delete", err)
		return
	}
	h.recordChange(r, audit.EventRoleChanged, name, "delete")
	w.WriteHeader(http.StatusNoContent)
}

// handleEffectivePermissions returns the transitive permission set of a role.
// GET /admin/api/roles/{name}/effective
func (h *AdminAPIHandler) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")
	perms, err := h.graph.EffectivePermissions(name)
	if err != nil {
		h.respondServiceError(w, "resolve role", err)
		return
	}
	h.respondJSON(w, http.StatusOK, effectiveResponse{Role: name, Permissions: perms})
}
