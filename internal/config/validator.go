package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers TrustGate validation rules.
// Must be called before validating TrustGateConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"duration":     validateDuration,
		"ip_or_cidr":   validateIPOrCIDR,
		"trace_output": validateTraceOutput,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateDuration accepts an empty value (the default applies) or a positive
// Go duration string.
func validateDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

// validateIPOrCIDR accepts a single address or a CIDR prefix.
func validateIPOrCIDR(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// validateTraceOutput accepts "stdout" or "file://<absolute-path>".
func validateTraceOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// Validate validates the TrustGateConfig using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *TrustGateConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, check := range []func() error{
		c.validateStore,
		c.validateWeights,
		c.validateThresholds,
		c.validateLevels,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// validateStore ensures the selected driver has its location configured.
func (c *TrustGateConfig) validateStore() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: driver %s requires dsn", c.Store.Driver)
		}
	case "state":
		if c.Store.Path == "" {
			return errors.New("store: driver state requires path")
		}
	}
	return nil
}

// validateWeights ensures at least one trust factor carries weight.
func (c *TrustGateConfig) validateWeights() error {
	if c.Security.RiskAnalysis.Weights.Sum() <= 0 {
		return errors.New("security.risk_analysis.weights: at least one weight must be positive")
	}
	return nil
}

func (c *TrustGateConfig) validateThresholds() error {
	r := c.Security.RiskAnalysis
	if r.BlockThreshold > r.StepUpThreshold {
		return fmt.Errorf("security.risk_analysis: block_threshold (%d) must not exceed step_up_threshold (%d)",
			r.BlockThreshold, r.StepUpThreshold)
	}
	return nil
}

func (c *TrustGateConfig) validateLevels() error {
	l := c.Security.RiskAnalysis.Levels
	if !(l.VeryLow < l.Low && l.Low < l.Medium && l.Medium < l.High) {
		return fmt.Errorf("security.risk_analysis.levels: bounds must be strictly ascending, got %d/%d/%d/%d",
			l.VeryLow, l.Low, l.Medium, l.High)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"30s\" (got %q)", field, e.Value())
	case "ip_or_cidr":
		return fmt.Sprintf("%s must be an IP address or CIDR (got %q)", field, e.Value())
	case "trace_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
