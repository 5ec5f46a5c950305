package admin

import (
	"net/http"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// userRequest is the JSON body for POST /admin/api/users.
type userRequest struct {
	Username        string   `json:"username" validate:"required"`
	Password        string   `json:"password" validate:"required,min=8"`
	OTPSecret       string   `json:"otp_secret,omitempty"`
	PreferredStepUp string   `json:"preferred_step_up,omitempty"`
	Roles           []string `json:"roles,omitempty" validate:"dive,required"`
}

// disabledRequest is the JSON body for PUT /admin/api/users/{id}/disabled.
type disabledRequest struct {
	Disabled bool `json:"disabled"`
}

// assignRequest is the JSON body for POST /admin/api/users/{id}/roles.
type assignRequest struct {
	Role string `json:"role" validate:"required"`
}

// userResponse is a user with its role names. Secrets are never returned.
type userResponse struct {
	*rbac.User
	Roles []string `json:"roles"`
}

// handleCreateUser creates a user and assigns the requested roles. Roles are
// checked before the user is created.
// POST /admin/api/users
func (h *AdminAPIHandler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventUserChanged, req.Username, "create", err)
		return
	}
	for _, role := range req.Roles {
		if _, err := h.graph.Get(role); err != nil {
			h.reject(w, r, audit.EventUserChanged, req.Username, "create", err)
			return
		}
	}

	user, err := h.users.Create(r.Context(), service.CreateUserInput{
		Username:        req.Username,
		Password:        req.Password,
		OTPSecret:       req.OTPSecret,
		PreferredStepUp: req.PreferredStepUp,
	})
	if err != nil {
		h.reject(w, r, audit.EventUserChanged, req.Username, "create", err)
		return
	}
	h.recordChange(r, audit.EventUserChanged, user.ID, "create")

	roles := make([]string, 0, len(req.Roles))
	for _, role := range req.Roles {
		if _, err := h.graph.Assign(r.Context(), user.ID, role); err != nil {
			h.reject(w, r, audit.EventAssignmentChanged, user.ID+"/"+role, "assign", err)
			return
		}
		h.recordChange(r, audit.EventAssignmentChanged, user.ID+"/"+role, "assign")
		roles = append(roles, role)
	}
	h.respondJSON(w, http.StatusCreated, userResponse{User: user, Roles: roles})
}

// handleGetUser returns a user and its roles.
// GET /admin/api/users/{id}
func (h *AdminAPIHandler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")
	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "get user", err)
		return
	}
	roles, err := h.graph.RolesOf(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "get user roles", err)
		return
	}
	h.respondJSON(w, http.StatusOK, userResponse{User: user, Roles: roleNames(roles)})
}

// handleSetUserDisabled enables or disables login for a user.
// PUT /admin/api/users/{id}/disabled
func (h *AdminAPIHandler) handleSetUserDisabled(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")
	var req disabledRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventUserChanged, id, "update", err)
		return
	}
	action := "enable"
	if req.Disabled {
		action = "disable"
	}
	user, err := h.users.SetDisabled(r.Context(), id, req.Disabled)
	if err != nil {
		h.reject(w, r, audit.EventUserChanged, id, action, err)
		return
	}
	h.recordChange(r, audit.EventUserChanged, id, action)
	h.respondJSON(w, http.StatusOK, user)
}

// handleListUserRoles returns the roles assigned to a user.
// GET /admin/api/users/{id}/roles
func (h *AdminAPIHandler) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")
	if _, err := h.users.Get(r.Context(), id); err != nil {
		h.respondServiceError(w, "get user", err)
		return
	}
	roles, err := h.graph.RolesOf(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "list user roles", err)
		return
	}
	h.respondJSON(w, http.StatusOK, roles)
}

// handleAssignRole gives a user a role. Assigning a held role answers 200,
// a new assignment 201.
// POST /admin/api/users/{id}/roles
func (h *AdminAPIHandler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")
	var req assignRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.rejectRequest(w, r, audit.EventAssignmentChanged, id+"/"+req.Role, "assign", err)
		return
	}
	created, err := h.graph.Assign(r.Context(), id, req.Role)
	if err != nil {
		h.reject(w, r, audit.EventAssignmentChanged, id+"/"+req.Role, "assign", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.recordChange(r, audit.EventAssignmentChanged, id+"/"+req.Role, "assign")
	}
	h.respondJSON(w, status, rbac.Assignment{UserID: id, RoleName: req.Role})
}

// handleUnassignRole removes a role from a user.
// DELETE /admin/api/users/{id}/roles/{role}
func (h *AdminAPIHandler) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	id, role := h.pathParam(r, "id"), h.pathParam(r, "role")
	if err := h.graph.Unassign(r.Context(), id, role); err != nil {
		h.reject(w, r, audit.EventAssignmentChanged, id+"/"+role, "unassign", err)
		return
	}
	h.recordChange(r, audit.EventAssignmentChanged, id+"/"+role, "unassign")
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeSession terminates a session. Unknown sessions succeed.
// DELETE /admin/api/sessions/{id}
func (h *AdminAPIHandler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.respondError(w, http.StatusServiceUnavailable, "sessions not configured")
		return
	}
	id := h.pathParam(r, "id")
	if err := h.sessions.Revoke(r.Context(), id); err != nil {
		h.respondServiceError(w, "revoke session", err)
		return
	}
	if h.recorder != nil {
		h.recorder.Record(r.Context(), audit.SecurityEvent{
			Type:      audit.EventSessionRevoked,
			Severity:  audit.SeverityMedium,
			UserID:    actorFromContext(r.Context()),
			SessionID: id,
			Details:   audit.Details{Action: "revoke", Outcome: "success"},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func roleNames(roles []rbac.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Name
	}
	return out
}
