package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// Decision API routes.
const (
	RouteAuthorize    = "/v1/authorize"
	RouteAuthenticate = "/v1/authenticate"
	RouteStepUp       = "/v1/step-up"
	RouteLogout       = "/v1/logout"
	RouteRefresh      = "/v1/refresh"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Authorizer decides authorization requests.
type Authorizer interface {
	Authorize(ctx context.Context, rc trust.RequestContext, resource, action string, scopeTags []string) authz.Decision
}

// Authenticator is the authentication front door.
type Authenticator interface {
	Authenticate(ctx context.Context, creds authz.Credentials, rc trust.RequestContext) authz.AuthenticationResult
	CompleteStepUp(ctx context.Context, sessionID string, step authz.AuthStep, response string) error
	Logout(ctx context.Context, sessionID string) error
	VerifyAccessToken(ctx context.Context, token string) (*service.TokenClaims, error)
	Refresh(ctx context.Context, refreshToken string) (*authz.Tokens, error)
}

// AuthorizeRequest asks whether the bearer of the access token may perform
// action on resource. Context describes the request being authorized.
type AuthorizeRequest struct {
	Resource  string               `json:"resource" validate:"required"`
	Action    string               `json:"action" validate:"required"`
	ScopeTags []string             `json:"scope_tags,omitempty"`
	Context   trust.RequestContext `json:"context"`
}

// AuthenticateRequest is a password login.
type AuthenticateRequest struct {
	Username string               `json:"username" validate:"required"`
	Password string               `json:"password" validate:"required"`
	Context  trust.RequestContext `json:"context"`
}

// StepUpRequest answers a step-up challenge for the bearer's session.
type StepUpRequest struct {
	Step     authz.AuthStep `json:"step" validate:"required"`
	Response string         `json:"response" validate:"required"`
}

// RefreshRequest exchanges a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// DecisionHandler serves the decision API.
type DecisionHandler struct {
	authz    Authorizer
	authn    Authenticator
	validate *validator.Validate
	now      func() time.Time
}

// NewDecisionHandler creates a DecisionHandler.
func NewDecisionHandler(authorizer Authorizer, authenticator Authenticator) *DecisionHandler {
	return &DecisionHandler{
		authz:    authorizer,
		authn:    authenticator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Register adds the decision routes to mux.
func (h *DecisionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+RouteAuthorize, h.handleAuthorize)
	mux.HandleFunc("POST "+RouteAuthenticate, h.handleAuthenticate)
	mux.HandleFunc("POST "+RouteStepUp, h.handleStepUp)
	mux.HandleFunc("POST "+RouteLogout, h.handleLogout)
	mux.HandleFunc("POST "+RouteRefresh, h.handleRefresh)
}

// handleAuthorize always answers 200 with the decision; the verdict is in the body.
// Without a bearer token the request is evaluated as anonymous.
func (h *DecisionHandler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !h.decode(w, r, &req) {
		return
	}

	rc := req.Context
	rc.UserID = ""
	if token := bearerToken(r); token != "" {
		claims, err := h.authn.VerifyAccessToken(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid access token")
			return
		}
		rc.UserID = claims.Subject
		rc.SessionID = claims.SessionID
	}
	h.fillContext(r, &rc)

	d := h.authz.Authorize(r.Context(), rc, req.Resource, req.Action, req.ScopeTags)
	LoggerFromContext(r.Context()).Debug("authorization decided",
		"user", rc.UserID, "resource", req.Resource, "action", req.Action, "verdict", d.Verdict)
	respondJSON(w, http.StatusOK, d)
}

func (h *DecisionHandler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc := req.Context
	rc.UserID = ""
	h.fillContext(r, &rc)

	res := h.authn.Authenticate(r.Context(), authz.Credentials{Username: req.Username, Password: req.Password}, rc)
	if !res.Success {
		respondJSON(w, statusForCode(res.ErrorCode), res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *DecisionHandler) handleStepUp(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var req StepUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.authn.CompleteStepUp(r.Context(), claims.SessionID, req.Step, req.Response); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			respondError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, service.ErrStepUpFailed):
			respondError(w, http.StatusUnauthorized, "step-up verification failed")
		default:
			LoggerFromContext(r.Context()).Error("step-up failed", "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DecisionHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	if err := h.authn.Logout(r.Context(), claims.SessionID); err != nil {
		LoggerFromContext(r.Context()).Error("logout failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DecisionHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	tokens, err := h.authn.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			respondError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		LoggerFromContext(r.Context()).Error("refresh failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "refresh failed")
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

// requireSession verifies the bearer access token.
func (h *DecisionHandler) requireSession(w http.ResponseWriter, r *http.Request) (*service.TokenClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "bearer token required")
		return nil, false
	}
	claims, err := h.authn.VerifyAccessToken(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid access token")
		return nil, false
	}
	return claims, true
}

// fillContext completes the request context from the HTTP request when the
// caller left the address, agent or timestamp out.
func (h *DecisionHandler) fillContext(r *http.Request, rc *trust.RequestContext) {
	if rc.IPAddress == "" {
		rc.IPAddress = remoteIP(r)
	}
	if rc.UserAgent == "" {
		rc.UserAgent = r.UserAgent()
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = h.now().UTC()
	}
}

// decode reads and validates a JSON body, answering 400 on failure.
func (h *DecisionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s is %s", strings.ToLower(e.Field()), e.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// statusForCode maps a failed login's error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case authz.CodeInvalidContext:
		return http.StatusBadRequest
	case authz.CodeRiskBlocked, authz.CodeUserDisabled:
		return http.StatusForbidden
	case authz.CodeSessionLimit:
		return http.StatusTooManyRequests
	case authz.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case authz.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
