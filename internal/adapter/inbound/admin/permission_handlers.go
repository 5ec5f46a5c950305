package admin

import (
	"net/http"
	"slices"
	"strings"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// permissionRequest is the JSON body for create and update permission endpoints.
type permissionRequest struct {
	Name       string          `json:"name"`
	Resource   string          `json:"resource" validate:"required"`
	Action     string          `json:"action" validate:"required"`
	Scope      []string        `json:"scope" validate:"required,min=1,dive,required"`
	Conditions rbac.Conditions `json:"conditions"`
}

func (req permissionRequest) permission() rbac.Permission {
	return rbac.Permission{
		Name:       req.Name,
		Resource:   req.Resource,
		Action:     req.Action,
		Scope:      req.Scope,
		Conditions: req.Conditions,
	}
}

// handleListPermissions returns all permissions sorted by name.
// GET /admin/api/permissions
func (h *AdminAPIHandler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms := slices.SortedFunc(h.registry.List(), func(a, b rbac.Permission) int {
		return strings.Compare(a.Name, b.Name)
	})
	if perms == nil {
		perms = []rbac.Permission{}
	}
	h.respondJSON(w, http.StatusOK, perms)
}

// handleCreatePermission registers a new permission.
// POST /admin/api/permissions
func (h *AdminAPIHandler) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventPermissionChanged, req.permission().Normalize().Name, "create", err)
		return
	}

	perm, err := h.registry.Register(r.Context(), req.permission())
	if err != nil {
		h.reject(w, r, audit.EventPermissionChanged, req.permission().Normalize().Name, "create", err)
		return
	}
	h.recordChange(r, audit.EventPermissionChanged, perm.Name, "create")
	h.respondJSON(w, http.StatusCreated, perm)
}

// handleUpdatePermission revises an existing permission. The path name wins
// over any name in the body.
// PUT /admin/api/permissions/{name}
func (h *AdminAPIHandler) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")

	var req permissionRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventPermissionChanged, name, "update", err)
		return
	}
	req.Name = name

	perm, err := h.registry.Revise(r.Context(), req.permission())
	if err != nil {
		h.reject(w, r, audit.EventPermissionChanged, name, "update", err)
		return
	}
	h.recordChange(r, audit.EventPermissionChanged, perm.Name, "update")
	h.respondJSON(w, http.StatusOK, perm)
}

// handleDeletePermission removes a permission no role grants.
// DELETE /admin/api/permissions/{name}
func (h *AdminAPIHandler) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")
	if err := h.registry.Delete(r.Context(), name); err != nil {
		h.reject(w, r, audit.EventPermissionChanged, name, "delete", err)
		return
	}
	h.recordChange(r, audit.EventPermissionChanged, name, "delete")
	w.WriteHeader(http.StatusNoContent)
}
