package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// ExpressionEvaluator compiles and runs permission condition expressions.
type ExpressionEvaluator interface {
	// Validate reports whether expr compiles to a boolean expression.
	Validate(expr string) error
	// Evaluate runs expr against the request. Errors count as a failed condition.
	Evaluate(ctx context.Context, expr string, in authz.ExpressionInput) (bool, error)
}

// ConditionChecker evaluates the request-time conditions of a permission:
// time window, IP allow-list and expression. RequiredTrustLevel is left to the
// risk evaluator since it yields step-up rather than a refusal.
type ConditionChecker struct {
	exprs  ExpressionEvaluator
	logger *slog.Logger
}

// NewConditionChecker creates a ConditionChecker. exprs may be nil, in which
// case any permission carrying an expression fails its conditions.
func NewConditionChecker(exprs ExpressionEvaluator, logger *slog.Logger) *ConditionChecker {
	return &ConditionChecker{exprs: exprs, logger: logger}
}

// Check returns "" when every condition holds, otherwise the name of the
// first failing condition.
func (c *ConditionChecker) Check(ctx context.Context, p rbac.Permission, rc trust.RequestContext, score trust.Score, scopeTags []string) string {
	cond := p.Conditions
	if cond.TimeWindow != nil && !cond.TimeWindow.Contains(rc.Timestamp) {
		return "time_window"
	}
	if !cond.AllowsIP(rc.IPAddress) {
		return "ip_allow_list"
	}
	if cond.Expression == "" {
		return ""
	}
	if c.exprs == nil {
		return "expression"
	}
	ok, err := c.exprs.Evaluate(ctx, cond.Expression, expressionInput(rc, score, scopeTags))
	if err != nil {
		c.logger.Warn("condition expression failed",
			"permission", p.Name,
			"error", err,
		)
		return "expression"
	}
	if !ok {
		return "expression"
	}
	return ""
}

func expressionInput(rc trust.RequestContext, score trust.Score, scopeTags []string) authz.ExpressionInput {
	ts := rc.Timestamp.UTC()
	in := authz.ExpressionInput{
		UserID:     rc.UserID,
		SessionID:  rc.SessionID,
		IP:         rc.IPAddress,
		Path:       rc.RequestPath,
		Method:     rc.RequestMethod,
		Hour:       ts.Hour(),
		Weekday:    ts.Weekday().String(),
		TrustScore: score.Score,
		TrustLevel: string(score.Level),
		ScopeTags:  scopeTags,
	}
	if rc.Geolocation != nil {
		in.Country = rc.Geolocation.Country
	}
	return in
}

// validatePermission checks the static shape of a permission.
func validatePermission(p rbac.Permission, exprs ExpressionEvaluator) error {
	switch {
	case p.Resource == "" || p.Action == "":
		return fmt.Errorf("%w: resource and action are required", rbac.ErrInvalid)
	case len(p.Scope) == 0:
		return fmt.Errorf("%w: permission %q has no scope", rbac.ErrInvalid, p.Name)
	case p.Conditions.RequiredTrustLevel < 0 || p.Conditions.RequiredTrustLevel > 100:
		return fmt.Errorf("%w: required trust level must be within 0..100", rbac.ErrInvalid)
	}
	if tw := p.Conditions.TimeWindow; tw != nil {
		if tw.StartHour < 0 || tw.StartHour > 24 || tw.EndHour < 0 || tw.EndHour > 24 {
			return fmt.Errorf("%w: time window hours must be within 0..24", rbac.ErrInvalid)
		}
		if tw.Location != "" {
			if _, err := time.LoadLocation(tw.Location); err != nil {
				return fmt.Errorf("%w: time window location %q: %v", rbac.ErrInvalid, tw.Location, err)
			}
		}
	}
	for _, entry := range p.Conditions.IPAllowList {
		if !validIPOrCIDR(entry) {
			return fmt.Errorf("%w: ip allow-list entry %q", rbac.ErrInvalid, entry)
		}
	}
	if p.Conditions.Expression != "" {
		if exprs == nil {
			return fmt.Errorf("%w: expressions are not enabled", rbac.ErrInvalid)
		}
		if err := exprs.Validate(p.Conditions.Expression); err != nil {
			return fmt.Errorf("%w: expression: %v", rbac.ErrInvalid, err)
		}
	}
	return nil
}

func validIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}
