// Package admin provides the JSON management API for TrustGate:
// permissions, roles, user role assignments, security events and sessions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// EventReader queries recent security events.
type EventReader interface {
	GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error)
}

// SessionRevoker terminates sessions.
type SessionRevoker interface {
	Revoke(ctx context.Context, id string) error
}

// TokenVerifier validates bearer access tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*service.TokenClaims, error)
}

// Authorizer decides whether a token holder may use the admin API.
type Authorizer interface {
	Authorize(ctx context.Context, rc trust.RequestContext, resource, action string, scopeTags []string) authz.Decision
}

// AdminAPIHandler provides JSON API endpoints for administration.
type AdminAPIHandler struct {
	registry   *service.PermissionRegistry
	graph      *service.RoleGraph
	users      *service.UserService
	sessions   SessionRevoker
	events     EventReader
	recorder   service.EventRecorder
	tokens     TokenVerifier
	authorizer Authorizer
	stats      StatsReader
	validate   *validator.Validate
	logger     *slog.Logger

	adminNetworks []netip.Prefix
	rateLimit     float64
	rateBurst     int
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithPermissionRegistry sets the permission registry.
func WithPermissionRegistry(r *service.PermissionRegistry) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.registry = r }
}

// WithRoleGraph sets the role graph.
func WithRoleGraph(g *service.RoleGraph) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.graph = g }
}

// WithUserService sets the user service.
func WithUserService(s *service.UserService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.users = s }
}

// WithSessionRevoker sets the session service used by DELETE /sessions/{id}.
func WithSessionRevoker(s SessionRevoker) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.sessions = s }
}

// WithEventReader sets the security event query store.
func WithEventReader(r EventReader) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.events = r }
}

// WithEventRecorder sets where admin mutations are recorded.
func WithEventRecorder(r service.EventRecorder) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.recorder = r }
}

// WithStats sets the decision counters served by GET /stats.
func WithStats(s StatsReader) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.stats = s }
}

// WithBearerAuth enables bearer-token admin access for callers outside the
// trusted networks.
func WithBearerAuth(tokens TokenVerifier, authorizer Authorizer) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.tokens = tokens
		h.authorizer = authorizer
	}
}

// WithAdminNetworks sets the IP literals and CIDR ranges that may use the
// admin API without a token. Default is loopback only.
func WithAdminNetworks(entries []string) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.adminNetworks = parseNetworks(entries) }
}

// WithRateLimit sets the per-IP request rate and burst for callers outside
// the trusted networks.
func WithRateLimit(perSecond float64, burst int) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		if perSecond > 0 {
			h.rateLimit = perSecond
		}
		if burst > 0 {
			h.rateBurst = burst
		}
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        slog.Default(),
		adminNetworks: parseNetworks([]string{"127.0.0.0/8", "::1/128"}),
		rateLimit:     10,
		rateBurst:     20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all admin API routes registered.
func (h *AdminAPIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Permissions.
	mux.HandleFunc("GET /admin/api/permissions", h.handleListPermissions)
	mux.HandleFunc("POST /admin/api/permissions", h.handleCreatePermission)
	mux.HandleFunc("PUT /admin/api/permissions/{name}", h.handleUpdatePermission)
	mux.HandleFunc("DELETE /admin/api/permissions/{name}", h.handleDeletePermission)

	// Roles.
	mux.HandleFunc("GET /admin/api/roles", h.handleListRoles)
	mux.HandleFunc("POST /admin/api/roles", h.handleCreateRole)
	mux.HandleFunc("GET /admin/api/roles/{name}", h.handleGetRole)
	mux.HandleFunc("PUT /admin/api/roles/{name}", h.handleUpdateRole)
	mux.HandleFunc("DELETE /admin/api/roles/{name}", h.handleDeleteRole)
	mux.HandleFunc("GET /admin/api/roles/{name}/effective", h.handleEffectivePermissions)

	// Users and assignments.
	mux.HandleFunc("POST /admin/api/users", h.handleCreateUser)
	mux.HandleFunc("GET /admin/api/users/{id}", h.handleGetUser)
	mux.HandleFunc("PUT /admin/api/users/{id}/disabled", h.handleSetUserDisabled)
	mux.HandleFunc("GET /admin/api/users/{id}/roles", h.handleListUserRoles)
	mux.HandleFunc("POST /admin/api/users/{id}/roles", h.handleAssignRole)
	mux.HandleFunc("DELETE /admin/api/users/{id}/roles/{role}", h.handleUnassignRole)

	// Events and sessions.
	mux.HandleFunc("GET /admin/api/events", h.handleQueryEvents)
	mux.HandleFunc("DELETE /admin/api/sessions/{id}", h.handleRevokeSession)
	mux.HandleFunc("GET /admin/api/stats", h.handleGetStats)

	protected := h.adminAuthMiddleware(mux)
	limiter := newAPIRateLimiter(h.rateLimit, h.rateBurst)
	rateLimited := apiRateLimitMiddleware(limiter, h.fromTrustedNetwork, protected)
	return securityHeadersMiddleware(rateLimited)
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes and validates the request body. Unknown fields are rejected.
func (h *AdminAPIHandler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

// pathParam extracts a named path parameter from the request URL.
func (h *AdminAPIHandler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// respondServiceError maps domain errors to HTTP statuses.
func (h *AdminAPIHandler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rbac.ErrDuplicateName):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rbac.ErrCyclicInheritance):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, rbac.ErrPermissionInUse), errors.Is(err, rbac.ErrRoleInUse), errors.Is(err, rbac.ErrSystemRole):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrInvalid):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, outbound.ErrStoreUnavailable):
		h.logger.Error("store unavailable", "op", op, "error", err)
		h.respondError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error("admin operation failed", "op", op, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// Error codes attached to rejected administrative mutations.
const (
	codeInvalidRequest  = "INVALID_REQUEST"
	codeDuplicateName   = "DUPLICATE_NAME"
	codeNotFound        = "NOT_FOUND"
	codePermissionInUse = "PERMISSION_IN_USE"
	codeRoleInUse       = "ROLE_IN_USE"
	codeSystemRole      = "SYSTEM_ROLE"
)

// adminErrorCode classifies a failed mutation for its security event.
func adminErrorCode(err error) string {
	switch {
	case errors.Is(err, rbac.ErrDuplicateName):
		return codeDuplicateName
	case errors.Is(err, rbac.ErrNotFound):
		return codeNotFound
	case errors.Is(err, rbac.ErrCyclicInheritance):
		return authz.CodeCyclicInheritance
	case errors.Is(err, rbac.ErrPermissionInUse):
		return codePermissionInUse
	case errors.Is(err, rbac.ErrRoleInUse):
		return codeRoleInUse
	case errors.Is(err, rbac.ErrSystemRole):
		return codeSystemRole
	case errors.Is(err, rbac.ErrInvalid):
		return codeInvalidRequest
	case errors.Is(err, outbound.ErrStoreUnavailable):
		return authz.CodeStoreUnavailable
	default:
		return authz.CodeInternal
	}
}

// recordChange records a successful administrative mutation.
func (h *AdminAPIHandler) recordChange(r *http.Request, typ audit.EventType, resource, action string) {
	h.recordAdminEvent(r, typ, resource, action, "success", "")
}

// reject records a mutation the service refused and writes the mapped error.
func (h *AdminAPIHandler) reject(w http.ResponseWriter, r *http.Request, typ audit.EventType, resource, action string, err error) {
	h.recordAdminEvent(r, typ, resource, action, "rejected", adminErrorCode(err))
	h.respondServiceError(w, action+" "+resource, err)
}

// rejectRequest records a mutation with an unreadable body and answers 400.
func (h *AdminAPIHandler) rejectRequest(w http.ResponseWriter, r *http.Request, typ audit.EventType, resource, action string, err error) {
	h.recordAdminEvent(r, typ, resource, action, "rejected", codeInvalidRequest)
	h.respondError(w, http.StatusBadRequest, "invalid request: "+err.Error())
}

func (h *AdminAPIHandler) recordAdminEvent(r *http.Request, typ audit.EventType, resource, action, outcome, code string) {
	if h.recorder == nil {
		return
	}
	severity := audit.SeverityMedium
	if code == codeSystemRole {
		severity = audit.SeverityHigh
	}
	now := time.Now().UTC()
	h.recorder.Record(r.Context(), audit.SecurityEvent{
		Type:     typ,
		Severity: severity,
		UserID:   actorFromContext(r.Context()),
		Context: trust.RequestContext{
			UserID:        actorFromContext(r.Context()),
			IPAddress:     clientIP(r),
			UserAgent:     r.UserAgent(),
			Timestamp:     now,
			RequestPath:   r.URL.Path,
			RequestMethod: r.Method,
		},
		Details: audit.Details{
			Resource:  resource,
			Action:    action,
			Outcome:   outcome,
			ErrorCode: code,
		},
		Timestamp: now,
	})
}
