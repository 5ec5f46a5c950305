package service

import (
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// RiskThresholds are the score boundaries of the risk policy.
type RiskThresholds struct {
	// Block refuses any request scoring below it. Default: 20.
	Block int
	// RequireOTP requires step-up for any request scoring below it. Default: 40.
	RequireOTP int
}

// DefaultRiskThresholds returns the documented defaults.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Block: 20, RequireOTP: 40}
}

// RiskEvaluator maps a trust score and a requested permission to a verdict.
type RiskEvaluator struct {
	t RiskThresholds
}

// NewRiskEvaluator creates a RiskEvaluator. A zero value selects the defaults.
func NewRiskEvaluator(t RiskThresholds) *RiskEvaluator {
	if t == (RiskThresholds{}) {
		t = DefaultRiskThresholds()
	}
	return &RiskEvaluator{t: t}
}

// Thresholds returns the active thresholds.
func (e *RiskEvaluator) Thresholds() RiskThresholds { return e.t }

// Evaluate returns BLOCK below the block threshold, REQUIRE_STEP_UP below the
// OTP threshold or the permission's required trust level, and ALLOW otherwise.
// perm may be nil for checks without a specific grant, such as login.
func (e *RiskEvaluator) Evaluate(score trust.Score, perm *rbac.Permission) authz.Verdict {
	switch {
	case score.Score < e.t.Block:
		return authz.VerdictBlock
	case score.Score < e.t.RequireOTP:
		return authz.VerdictRequireStepUp
	case perm != nil && perm.Conditions.RequiredTrustLevel > score.Score:
		return authz.VerdictRequireStepUp
	default:
		return authz.VerdictAllow
	}
}
