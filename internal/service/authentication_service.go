package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/telemetry"
)

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStepUpFailed       = errors.New("step-up verification failed")
)

// UserStore reads users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*rbac.User, error)
	GetUserByName(ctx context.Context, username string) (*rbac.User, error)
}

// StepUpVerifier checks the response to a step-up challenge.
type StepUpVerifier interface {
	VerifyStep(ctx context.Context, user *rbac.User, step authz.AuthStep, response string) error
}

// AuthenticationService is the login front door: password check, risk
// evaluation, session issuance, tokens and step-up completion.
type AuthenticationService struct {
	users     UserStore
	graph     *RoleGraph
	sessions  *session.SessionService
	tokens    *TokenIssuer
	scorer    TrustEvaluator
	signals   SignalSource
	risk      *RiskEvaluator
	verifiers map[authz.AuthStep]StepUpVerifier
	events    EventRecorder
	cache     *TrustCache
	metrics   Metrics
	logger    *slog.Logger

	// dummyHash is compared against when the username is unknown so both
	// paths cost one argon2id evaluation.
	dummyHash string
}

// AuthenticationOption configures AuthenticationService.
type AuthenticationOption func(*AuthenticationService)

// WithStepUpVerifier registers the verifier for a step type.
func WithStepUpVerifier(step authz.AuthStep, v StepUpVerifier) AuthenticationOption {
	return func(s *AuthenticationService) { s.verifiers[step] = v }
}

// WithAuthTrustCache invalidates cached scores on step-up and logout.
func WithAuthTrustCache(c *TrustCache) AuthenticationOption {
	return func(s *AuthenticationService) { s.cache = c }
}

// WithAuthenticationMetrics sets the metrics sink.
func WithAuthenticationMetrics(m Metrics) AuthenticationOption {
	return func(s *AuthenticationService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewAuthenticationService creates an AuthenticationService.
func NewAuthenticationService(
	users UserStore,
	graph *RoleGraph,
	sessions *session.SessionService,
	tokens *TokenIssuer,
	scorer TrustEvaluator,
	signals SignalSource,
	risk *RiskEvaluator,
	events EventRecorder,
	logger *slog.Logger,
	opts ...AuthenticationOption,
) (*AuthenticationService, error) {
	dummy, err := rbac.HashPassword(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password check: %w", err)
	}
	s := &AuthenticationService{
		users:     users,
		graph:     graph,
		sessions:  sessions,
		tokens:    tokens,
		scorer:    scorer,
		signals:   signals,
		risk:      risk,
		verifiers: make(map[authz.AuthStep]StepUpVerifier),
		events:    events,
		metrics:   noopMetrics{},
		logger:    logger,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authenticate checks credentials and, when the request is not blocked by
// risk policy, issues a session and tokens. A result with
// RequiresAdditionalAuth set must complete NextAuthStep before requests on
// the session are allowed without step-up.
func (s *AuthenticationService) Authenticate(ctx context.Context, creds authz.Credentials, rc trust.RequestContext) authz.AuthenticationResult {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.Authenticate")
	defer span.End()

	res := s.authenticate(ctx, creds, rc)

	outcome := "success"
	switch {
	case !res.Success:
		outcome = "failure"
		if res.ErrorCode == authz.CodeRiskBlocked {
			outcome = "blocked"
		}
	case res.RequiresAdditionalAuth:
		outcome = "step_up"
	}
	span.SetAttributes(
		attribute.String("trustgate.outcome", outcome),
		attribute.String(telemetry.AttrSessionID, res.SessionID),
	)
	s.metrics.ObserveAuthentication(outcome)
	return res
}

func (s *AuthenticationService) authenticate(ctx context.Context, creds authz.Credentials, rc trust.RequestContext) authz.AuthenticationResult {
	// A login has no session yet; mark the attempt so the context validates.
	if rc.SessionID == "" {
		rc.SessionID = "login-" + uuid.NewString()
	}
	fail := func(typ audit.EventType, sev audit.Severity, code string) authz.AuthenticationResult {
		s.recordLogin(ctx, rc, typ, sev, "FAILURE", code)
		return authz.AuthenticationResult{ErrorCode: code}
	}

	if err := rc.Validate(); err != nil {
		return fail(audit.EventLoginFailure, audit.SeverityMedium, authz.CodeInvalidContext)
	}

	user, err := s.users.GetUserByName(ctx, creds.Username)
	if err != nil {
		// Spend the same work as a real comparison.
		_, _ = rbac.VerifyPassword(creds.Password, s.dummyHash)
		if errors.Is(err, rbac.ErrNotFound) {
			return fail(audit.EventLoginFailure, audit.SeverityLow, authz.CodeInvalidCredentials)
		}
		s.logger.Error("user lookup failed", "error", err)
		return fail(audit.EventLoginFailure, audit.SeverityHigh, authz.CodeStoreUnavailable)
	}
	rc.UserID = user.ID

	ok, err := rbac.VerifyPassword(creds.Password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("stored password hash unusable", "user", user.ID, "error", err)
	}
	if !ok {
		return fail(audit.EventLoginFailure, audit.SeverityLow, authz.CodeInvalidCredentials)
	}
	if user.Disabled {
		return fail(audit.EventLoginFailure, audit.SeverityMedium, authz.CodeUserDisabled)
	}

	score := computeScore(ctx, s.scorer, s.signals, rc, s.logger)
	verdict := s.risk.Evaluate(score, nil)
	if verdict == authz.VerdictBlock {
		s.recordLogin(ctx, rc, audit.EventLoginBlocked, audit.SeverityHigh, string(authz.VerdictBlock), authz.CodeRiskBlocked)
		return authz.AuthenticationResult{TrustScore: &score, ErrorCode: authz.CodeRiskBlocked}
	}

	roles, err := s.graph.RolesOf(ctx, user.ID)
	if err != nil {
		s.logger.Error("role lookup failed at login", "user", user.ID, "error", err)
		return fail(audit.EventLoginFailure, audit.SeverityHigh, authz.CodeStoreUnavailable)
	}
	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = r.Name
	}

	sess, evicted, err := s.sessions.Issue(ctx, user.ID, score.Score)
	if err != nil {
		if errors.Is(err, session.ErrSessionLimitReached) {
			return fail(audit.EventLoginFailure, audit.SeverityMedium, authz.CodeSessionLimit)
		}
		s.logger.Error("session issue failed", "user", user.ID, "error", err)
		return fail(audit.EventLoginFailure, audit.SeverityHigh, authz.CodeStoreUnavailable)
	}
	for _, id := range evicted {
		if s.cache != nil {
			s.cache.Invalidate(id)
		}
		s.events.Record(ctx, audit.SecurityEvent{
			Type:      audit.EventSessionEvicted,
			Severity:  audit.SeverityInfo,
			UserID:    user.ID,
			SessionID: id,
			Context:   rc,
			Details:   audit.Details{Resource: "session", Outcome: "EVICTED", ErrorCode: authz.CodeSessionLimit},
		})
	}

	tokens, err := s.tokens.Issue(user.ID, sess.ID, roleNames)
	if err != nil {
		_ = s.sessions.Revoke(ctx, sess.ID)
		s.logger.Error("token issue failed", "user", user.ID, "error", err)
		return fail(audit.EventLoginFailure, audit.SeverityHigh, authz.CodeInternal)
	}

	rc.SessionID = sess.ID
	s.recordLogin(ctx, rc, audit.EventLoginSuccess, audit.SeverityInfo, "SUCCESS", "")

	res := authz.AuthenticationResult{
		Success:    true,
		User:       publicUser(user),
		Roles:      roleNames,
		Tokens:     tokens,
		TrustScore: &score,
		SessionID:  sess.ID,
	}
	if verdict == authz.VerdictRequireStepUp {
		res.RequiresAdditionalAuth = true
		res.NextAuthStep = s.nextStep(user)
		s.recordLogin(ctx, rc, audit.EventStepUpRequired, audit.SeverityMedium, string(authz.VerdictRequireStepUp), authz.CodeStepUpRequired)
	}
	return res
}

// nextStep picks the user's preferred step when it can be verified, else OTP.
func (s *AuthenticationService) nextStep(user *rbac.User) authz.AuthStep {
	pref := authz.AuthStep(user.PreferredStepUp)
	if pref.IsValid() {
		if _, ok := s.verifiers[pref]; ok {
			return pref
		}
	}
	return authz.StepOTP
}

// CompleteStepUp verifies a step-up response for a live session and marks
// the session stepped up. Failures wrap ErrStepUpFailed or session.ErrSessionNotFound.
func (s *AuthenticationService) CompleteStepUp(ctx context.Context, sessionID string, step authz.AuthStep, response string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authn.CompleteStepUp",
		attribute.String(telemetry.AttrSessionID, sessionID),
		attribute.String("trustgate.step", string(step)),
	)
	defer span.End()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	rc := trust.RequestContext{UserID: sess.UserID, SessionID: sess.ID}
	failed := func(cause error) error {
		err := fmt.Errorf("%w: %w", ErrStepUpFailed, cause)
		s.recordLogin(ctx, rc, audit.EventStepUpFailure, audit.SeverityMedium, "FAILURE", authz.CodeInvalidCredentials)
		telemetry.RecordError(span, err)
		return err
	}

	v, ok := s.verifiers[step]
	if !ok {
		return failed(fmt.Errorf("no verifier for step %q", step))
	}
	user, err := s.users.GetUser(ctx, sess.UserID)
	if err != nil {
		return failed(err)
	}
	if err := v.VerifyStep(ctx, user, step, response); err != nil {
		return failed(err)
	}
	if err := s.sessions.MarkSteppedUp(ctx, sessionID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(sessionID)
	}
	s.recordLogin(ctx, rc, audit.EventStepUpSuccess, audit.SeverityInfo, "SUCCESS", "")
	return nil
}

// Logout revokes the session. Logging out of an unknown session succeeds.
func (s *AuthenticationService) Logout(ctx context.Context, sessionID string) error {
	userID := ""
	if sess, err := s.sessions.Get(ctx, sessionID); err == nil {
		userID = sess.UserID
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(sessionID)
	}
	if userID != "" {
		s.events.Record(ctx, audit.SecurityEvent{
			Type:      audit.EventSessionRevoked,
			Severity:  audit.SeverityInfo,
			UserID:    userID,
			SessionID: sessionID,
			Context:   trust.RequestContext{UserID: userID, SessionID: sessionID},
			Details:   audit.Details{Resource: "session", Outcome: "REVOKED"},
		})
	}
	return nil
}

// VerifyAccessToken checks an access token and that its session is still live.
func (s *AuthenticationService) VerifyAccessToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.tokens.Parse(token, TokenAccess)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil || sess.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: session is not active", ErrInvalidToken)
	}
	return claims, nil
}

// Refresh exchanges a refresh token of a live session for a new token pair
// and slides the session.
func (s *AuthenticationService) Refresh(ctx context.Context, refreshToken string) (*authz.Tokens, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Touch(ctx, claims.SessionID)
	if err != nil || sess.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: session is not active", ErrInvalidToken)
	}
	roles, err := s.graph.RolesOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return s.tokens.Issue(sess.UserID, sess.ID, names)
}

func (s *AuthenticationService) recordLogin(ctx context.Context, rc trust.RequestContext, typ audit.EventType, sev audit.Severity, outcome, code string) {
	s.events.Record(ctx, audit.SecurityEvent{
		Type:      typ,
		Severity:  sev,
		UserID:    rc.UserID,
		SessionID: rc.SessionID,
		Context:   rc,
		Details:   audit.Details{Resource: "session", Action: "login", Outcome: outcome, ErrorCode: code},
	})
}

// publicUser strips secrets.
func publicUser(u *rbac.User) *rbac.User {
	out := *u
	out.PasswordHash = ""
	out.OTPSecret = ""
	return &out
}
