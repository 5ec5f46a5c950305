// Package service contains application services.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
	"github.com/Sentinel-Gate/trustgate/internal/telemetry"
)

const tracerName = "trustgate/service"

// TrustEvaluator scores a request against behavioral history.
type TrustEvaluator interface {
	Score(rc trust.RequestContext, history trust.BehaviorSignals) trust.Score
}

var _ TrustEvaluator = (*TrustScorer)(nil)

// AuthorizationService decides whether a request may proceed.
type AuthorizationService struct {
	graph      *RoleGraph
	scorer     TrustEvaluator
	signals    SignalSource
	risk       *RiskEvaluator
	conditions *ConditionChecker
	events     EventRecorder
	sessions   *session.SessionService
	cache      *TrustCache
	metrics    Metrics
	logger     *slog.Logger

	failOpenReadOnly bool
	readOnlyActions  map[string]bool
	lastKnown        sync.Map // user ID -> []rbac.Role
}

// AuthorizationOption configures AuthorizationService.
type AuthorizationOption func(*AuthorizationService)

// WithSessions lets step-up completion on a session turn REQUIRE_STEP_UP into
// ALLOW and makes granted requests slide the session's idle window.
func WithSessions(s *session.SessionService) AuthorizationOption {
	return func(a *AuthorizationService) { a.sessions = s }
}

// WithTrustCache reuses a session's score while its IP and fingerprint are unchanged.
func WithTrustCache(c *TrustCache) AuthorizationOption {
	return func(a *AuthorizationService) { a.cache = c }
}

// WithFailOpenReadOnly allows the listed actions to use the last known role
// set of a user while the store is unavailable.
func WithFailOpenReadOnly(actions []string) AuthorizationOption {
	return func(a *AuthorizationService) {
		a.failOpenReadOnly = true
		a.readOnlyActions = make(map[string]bool, len(actions))
		for _, act := range actions {
			a.readOnlyActions[act] = true
		}
	}
}

// WithAuthorizationMetrics sets the metrics sink.
func WithAuthorizationMetrics(m Metrics) AuthorizationOption {
	return func(a *AuthorizationService) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAuthorizationService creates an AuthorizationService.
func NewAuthorizationService(
	graph *RoleGraph,
	scorer TrustEvaluator,
	signals SignalSource,
	risk *RiskEvaluator,
	conditions *ConditionChecker,
	events EventRecorder,
	logger *slog.Logger,
	opts ...AuthorizationOption,
) *AuthorizationService {
	a := &AuthorizationService{
		graph:      graph,
		scorer:     scorer,
		signals:    signals,
		risk:       risk,
		conditions: conditions,
		events:     events,
		metrics:    noopMetrics{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize decides whether the principal in rc may perform action on
// resource within scopeTags. It never returns an error: failures resolve to
// BLOCK or DENY. Every outcome is recorded as a security event.
func (a *AuthorizationService) Authorize(ctx context.Context, rc trust.RequestContext, resource, action string, scopeTags []string) authz.Decision {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "authz.Authorize",
		attribute.String(telemetry.AttrUserID, rc.UserID),
		attribute.String(telemetry.AttrResource, resource),
		attribute.String(telemetry.AttrAction, action),
	)
	defer span.End()

	d := a.decide(ctx, rc, resource, action, scopeTags)

	span.SetAttributes(attribute.String(telemetry.AttrVerdict, string(d.Verdict)))
	if d.TrustScore != nil {
		span.SetAttributes(attribute.Int(telemetry.AttrScore, d.TrustScore.Score))
	}
	a.record(ctx, rc, resource, action, d)
	if d.Verdict == authz.VerdictAllow || d.Verdict == authz.VerdictRequireStepUp {
		a.touch(ctx, rc)
	}
	a.metrics.ObserveDecision(d.Verdict, time.Since(start))
	return d
}

func (a *AuthorizationService) decide(ctx context.Context, rc trust.RequestContext, resource, action string, scopeTags []string) authz.Decision {
	if err := rc.Validate(); err != nil {
		return authz.Decision{Verdict: authz.VerdictBlock, Reason: err.Error(), ErrorCode: authz.CodeInvalidContext}
	}
	if rc.UserID == "" {
		return authz.Decision{Verdict: authz.VerdictDeny, Reason: "no user in request context", ErrorCode: authz.CodeNoUser}
	}

	roles, err := a.rolesOf(ctx, rc.UserID, action)
	if err != nil {
		code := authz.CodeInternal
		if errors.Is(err, outbound.ErrStoreUnavailable) {
			code = authz.CodeStoreUnavailable
		}
		a.logger.Error("role lookup failed", "user", rc.UserID, "error", err)
		return authz.Decision{Verdict: authz.VerdictBlock, Reason: "role lookup failed", ErrorCode: code}
	}

	matched := false
	var candidates []rbac.Permission
	for _, p := range a.effectivePermissions(ctx, rc, roles) {
		if !p.Matches(resource, action) {
			continue
		}
		matched = true
		if p.CoversScope(scopeTags) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		d := authz.Decision{Verdict: authz.VerdictDeny, Reason: "no role grants " + rbac.PermissionName(resource, action), ErrorCode: authz.CodeNoGrant}
		if matched {
			d.Reason = "granted scope does not cover request"
			d.ErrorCode = authz.CodeScopeMismatch
		}
		return d
	}

	score := a.score(ctx, rc)

	var satisfied []rbac.Permission
	var failed string
	for _, p := range candidates {
		if reason := a.conditions.Check(ctx, p, rc, score, scopeTags); reason != "" {
			failed = reason
			continue
		}
		satisfied = append(satisfied, p)
	}
	if len(satisfied) == 0 {
		return authz.Decision{
			Verdict:    authz.VerdictDeny,
			TrustScore: &score,
			Reason:     "condition not met: " + failed,
			ErrorCode:  authz.CodeConditionFailed,
		}
	}

	// The most permissive acceptable grant wins; name breaks ties.
	slices.SortFunc(satisfied, func(x, y rbac.Permission) int {
		return cmp.Or(
			cmp.Compare(x.Conditions.RequiredTrustLevel, y.Conditions.RequiredTrustLevel),
			cmp.Compare(x.Name, y.Name),
		)
	})
	chosen := satisfied[0]

	d := authz.Decision{
		Verdict:    a.risk.Evaluate(score, &chosen),
		Permission: &chosen,
		TrustScore: &score,
	}
	switch d.Verdict {
	case authz.VerdictBlock:
		d.Reason = fmt.Sprintf("trust score %d is below the block threshold", score.Score)
		d.ErrorCode = authz.CodeRiskBlocked
	case authz.VerdictRequireStepUp:
		if a.steppedUp(ctx, rc) {
			d.Verdict = authz.VerdictAllow
			d.Reason = "granted by " + chosen.Name + " after step-up"
			break
		}
		d.Reason = fmt.Sprintf("trust score %d requires step-up for %s", score.Score, chosen.Name)
		d.ErrorCode = authz.CodeStepUpRequired
	default:
		d.Reason = "granted by " + chosen.Name
	}
	return d
}

// rolesOf resolves the user's roles, falling back to the last known set for
// read-only actions when configured and the store is down.
func (a *AuthorizationService) rolesOf(ctx context.Context, userID, action string) ([]rbac.Role, error) {
	roles, err := a.graph.RolesOf(ctx, userID)
	if err == nil {
		if a.failOpenReadOnly {
			a.lastKnown.Store(userID, roles)
		}
		return roles, nil
	}
	if a.failOpenReadOnly && a.readOnlyActions[action] && errors.Is(err, outbound.ErrStoreUnavailable) {
		if cached, ok := a.lastKnown.Load(userID); ok {
			a.logger.Warn("store unavailable, using last known roles for read-only action",
				"user", userID,
				"action", action,
			)
			return cached.([]rbac.Role), nil
		}
	}
	return nil, err
}

// effectivePermissions unions the closures of roles, deduplicated and
// sorted by name. Cyclic roles contribute nothing and raise an integrity event.
func (a *AuthorizationService) effectivePermissions(ctx context.Context, rc trust.RequestContext, roles []rbac.Role) []rbac.Permission {
	seen := make(map[string]bool)
	var out []rbac.Permission
	for _, r := range roles {
		perms, err := a.graph.EffectivePermissions(r.Name)
		if err != nil {
			if errors.Is(err, rbac.ErrCyclicInheritance) {
				a.logger.Error("role excluded from decision", "role", r.Name, "error", err)
				a.events.Record(ctx, audit.SecurityEvent{
					Type:      audit.EventIntegrityViolation,
					Severity:  audit.SeverityCritical,
					UserID:    rc.UserID,
					SessionID: rc.SessionID,
					Context:   rc,
					Details: audit.Details{
						Resource:  "role:" + r.Name,
						Outcome:   "excluded",
						ErrorCode: authz.CodeCyclicInheritance,
					},
				})
			}
			continue
		}
		for _, p := range perms {
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p)
			}
		}
	}
	slices.SortFunc(out, func(x, y rbac.Permission) int { return cmp.Compare(x.Name, y.Name) })
	return out
}

// score returns the session's cached score when the IP and fingerprint are
// unchanged, otherwise computes a fresh one.
func (a *AuthorizationService) score(ctx context.Context, rc trust.RequestContext) trust.Score {
	if a.cache != nil {
		if s, ok := a.cache.Get(rc.SessionID, rc.IPAddress, rc.DeviceFingerprint); ok {
			a.metrics.ObserveTrustScore(s.Score, true)
			return s
		}
	}
	s := computeScore(ctx, a.scorer, a.signals, rc, a.logger)
	if a.cache != nil {
		a.cache.Put(rc.SessionID, rc.IPAddress, rc.DeviceFingerprint, s)
	}
	a.metrics.ObserveTrustScore(s.Score, false)
	return s
}

// computeScore reads history and scores the request. Unreadable history
// degrades the score rather than failing it.
func computeScore(ctx context.Context, scorer TrustEvaluator, signals SignalSource, rc trust.RequestContext, logger *slog.Logger) trust.Score {
	var history trust.BehaviorSignals
	if signals != nil {
		h, err := signals.Signals(ctx, rc.UserID)
		if err != nil {
			logger.Warn("behavior signals unavailable", "user", rc.UserID, "error", err)
			h = trust.BehaviorSignals{Unavailable: true}
		}
		history = h
	}
	return scorer.Score(rc, history)
}

func (a *AuthorizationService) steppedUp(ctx context.Context, rc trust.RequestContext) bool {
	if a.sessions == nil {
		return false
	}
	sess, err := a.sessions.Get(ctx, rc.SessionID)
	if err != nil {
		return false
	}
	return sess.UserID == rc.UserID && sess.SteppedUpAt != nil
}

func (a *AuthorizationService) touch(ctx context.Context, rc trust.RequestContext) {
	if a.sessions == nil {
		return
	}
	if _, err := a.sessions.Touch(ctx, rc.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		a.logger.Warn("failed to touch session", "session", rc.SessionID, "error", err)
	}
}

func (a *AuthorizationService) record(ctx context.Context, rc trust.RequestContext, resource, action string, d authz.Decision) {
	typ := audit.EventAuthzDecision
	sev := audit.SeverityInfo
	switch d.Verdict {
	case authz.VerdictDeny:
		sev = audit.SeverityLow
	case authz.VerdictRequireStepUp:
		typ = audit.EventStepUpRequired
		sev = audit.SeverityMedium
	case authz.VerdictBlock:
		sev = audit.SeverityHigh
		if d.ErrorCode == authz.CodeInvalidContext {
			sev = audit.SeverityMedium
		}
	}
	a.events.Record(ctx, audit.SecurityEvent{
		Type:      typ,
		Severity:  sev,
		UserID:    rc.UserID,
		SessionID: rc.SessionID,
		Context:   rc,
		Details: audit.Details{
			Resource:  resource,
			Action:    action,
			Outcome:   string(d.Verdict),
			ErrorCode: d.ErrorCode,
		},
	})
}
