// Package config provides configuration types for TrustGate.
//
// Configuration is file based (trustgate.yaml) with environment overrides
// under the TRUSTGATE_ prefix. Durations are written as Go duration strings
// ("30m", "250ms") and validated before use.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// TrustGateConfig is the top-level configuration for TrustGate.
type TrustGateConfig struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects the persistence backend for users, roles, permissions
	// and sessions.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Security holds tokens, OTP, risk analysis and session settings.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// Audit configures the asynchronous security event pipeline.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Alerts configures where administrator and operator alerts go.
	Alerts AlertsConfig `yaml:"alerts" mapstructure:"alerts"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// SeedFile is an optional YAML document applied at startup.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`

	// DevMode enables development defaults (verbose logging, in-memory store,
	// fixed token secret).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Default: "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required,hostname_port"`
	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// ShutdownTimeout bounds graceful shutdown. Default: "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"duration"`
	// AdminNetworks may reach the admin API without a bearer token.
	// Default: loopback only.
	AdminNetworks []string `yaml:"admin_networks" mapstructure:"admin_networks" validate:"omitempty,dive,ip_or_cidr"`
	// AdminRate is the per-client admin API request rate per second. Default: 10.
	AdminRate float64 `yaml:"admin_rate" mapstructure:"admin_rate" validate:"gte=0"`
	// AdminBurst is the admin API burst size. Default: 20.
	AdminBurst int `yaml:"admin_burst" mapstructure:"admin_burst" validate:"gte=0"`
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	// Driver is memory, state, sqlite or postgres. Default: "memory".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"oneof=memory state sqlite postgres"`
	// DSN is the database connection string for sqlite and postgres.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// Path is the JSON state file for the state driver.
	Path string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig groups the security subsystems.
type SecurityConfig struct {
	JWT          JWTConfig          `yaml:"jwt" mapstructure:"jwt"`
	OTP          OTPConfig          `yaml:"otp" mapstructure:"otp"`
	RiskAnalysis RiskAnalysisConfig `yaml:"risk_analysis" mapstructure:"risk_analysis"`
	Session      SessionConfig      `yaml:"session" mapstructure:"session"`
}

// JWTConfig configures access and refresh tokens.
type JWTConfig struct {
	// Secret is the HMAC signing key, at least 32 bytes.
	Secret string `yaml:"secret" mapstructure:"secret" validate:"required,min=32"`
	// Algorithm is HS256, HS384 or HS512. Default: "HS256".
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"oneof=HS256 HS384 HS512"`
	// Issuer is the iss claim. Default: "trustgate".
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
	// Audience is the optional aud claim.
	Audience string `yaml:"audience" mapstructure:"audience"`
	// AccessTTL is the access token lifetime. Default: "15m".
	AccessTTL string `yaml:"access_ttl" mapstructure:"access_ttl" validate:"duration"`
	// RefreshTTL is the refresh token lifetime. Default: "24h".
	RefreshTTL string `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"duration"`
}

// OTPConfig configures time-based one-time passwords for step-up.
type OTPConfig struct {
	// Enabled registers OTP as a step-up method. Default: true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Issuer labels provisioning URIs. Default: "TrustGate".
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
	// Digits is 6 or 8. Default: 6.
	Digits int `yaml:"digits" mapstructure:"digits" validate:"oneof=6 8"`
	// Period is the code time step. Default: "30s".
	Period string `yaml:"period" mapstructure:"period" validate:"duration"`
	// Skew is the number of steps accepted either side of now. Default: 1.
	Skew int `yaml:"skew" mapstructure:"skew" validate:"gte=0,lte=5"`
}

// RiskAnalysisConfig configures trust scoring and the risk policy.
type RiskAnalysisConfig struct {
	// BlockThreshold blocks requests scoring below it. Default: 20.
	BlockThreshold int `yaml:"block_threshold" mapstructure:"block_threshold" validate:"gte=0,lte=100"`
	// StepUpThreshold requires step-up below it. Default: 40.
	StepUpThreshold int `yaml:"step_up_threshold" mapstructure:"step_up_threshold" validate:"gte=0,lte=100"`
	// Weights are the factor weights. Default: 0.30/0.25/0.20/0.25.
	Weights WeightsConfig `yaml:"weights" mapstructure:"weights"`
	// Levels are the trust level boundaries. Default: 20/40/60/80.
	Levels LevelsConfig `yaml:"levels" mapstructure:"levels"`
	// DegradedFactor is the value of a factor whose signal is missing. Default: 25.
	// An explicit 0 is kept.
	DegradedFactor int `yaml:"degraded_factor" mapstructure:"degraded_factor" validate:"gte=0,lte=100"`
	// BurstLimit is the hourly request count considered a burst. Default: 300.
	BurstLimit int `yaml:"burst_limit" mapstructure:"burst_limit" validate:"gte=0"`
	// MaxTravelSpeedKmh is the fastest plausible travel. Default: 900.
	MaxTravelSpeedKmh float64 `yaml:"max_travel_speed_kmh" mapstructure:"max_travel_speed_kmh" validate:"gte=0"`
	// CacheSize bounds the trust score cache. Default: 10000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
	// CacheTTL is how long a cached score is reused. Default: "30s".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"duration"`
	// FailOpenReadOnly lists actions allowed with the last known roles when
	// the role store is unavailable. Empty means fail closed.
	FailOpenReadOnly []string `yaml:"fail_open_read_only" mapstructure:"fail_open_read_only" validate:"omitempty,dive,required"`
}

// WeightsConfig holds the four trust factor weights.
type WeightsConfig struct {
	Device   float64 `yaml:"device" mapstructure:"device" validate:"gte=0,lte=1"`
	Behavior float64 `yaml:"behavior" mapstructure:"behavior" validate:"gte=0,lte=1"`
	Location float64 `yaml:"location" mapstructure:"location" validate:"gte=0,lte=1"`
	Network  float64 `yaml:"network" mapstructure:"network" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w WeightsConfig) Sum() float64 {
	return w.Device + w.Behavior + w.Location + w.Network
}

// LevelsConfig holds the exclusive upper bounds of the four lower trust levels.
type LevelsConfig struct {
	VeryLow int `yaml:"very_low" mapstructure:"very_low" validate:"gte=0,lte=100"`
	Low     int `yaml:"low" mapstructure:"low" validate:"gte=0,lte=100"`
	Medium  int `yaml:"medium" mapstructure:"medium" validate:"gte=0,lte=100"`
	High    int `yaml:"high" mapstructure:"high" validate:"gte=0,lte=100"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// MaxConcurrent caps live sessions per user. Default: 3.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`
	// Timeout is the sliding idle timeout. Default: "30m".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`
	// Overflow is evict_oldest or reject_new. Default: "evict_oldest".
	Overflow string `yaml:"overflow" mapstructure:"overflow" validate:"oneof=evict_oldest reject_new"`
	// CleanupInterval is how often idle sessions are purged. Default: "1m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"duration"`
}

// AuditConfig configures the security event pipeline.
type AuditConfig struct {
	// ChannelSize is the event buffer capacity. Default: 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"gte=0"`
	// BatchSize is the maximum events per store write. Default: 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=0"`
	// FlushInterval bounds how long an event waits in a partial batch. Default: "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"duration"`
	// SendTimeout is how long Record waits on a full buffer. Default: "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"duration"`
	// RetryBase is the first delivery retry delay. Default: "100ms".
	RetryBase string `yaml:"retry_base" mapstructure:"retry_base" validate:"duration"`
	// RetryMax caps the retry delay. Default: "30s".
	RetryMax string `yaml:"retry_max" mapstructure:"retry_max" validate:"duration"`
	// MaxPending bounds events held for retry. Default: 10000.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" validate:"gte=0"`
	// FileDir enables a rotating JSON Lines mirror of every event when set.
	FileDir string `yaml:"file_dir" mapstructure:"file_dir"`
	// RetentionDays is how long mirror files are kept. Default: 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=0"`
	// MaxFileSizeMB triggers mirror rotation. Default: 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"gte=0"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	// WebhookURL receives alerts as JSON when set.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	// Timeout bounds one webhook call. Default: "5s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`
	// Interval is the minimum spacing between alerts of one kind. Default: "1s".
	Interval string `yaml:"interval" mapstructure:"interval" validate:"duration"`
	// Burst is the number of alerts allowed back to back. Default: 10.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Output is "stdout" or "file://<absolute-path>". Default: "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"trace_output"`
	// SampleRatio is the fraction of traces recorded. Default: 1.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// devJWTSecret signs tokens in dev mode only.
const devJWTSecret = "trustgate-development-secret-do-not-use"

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *TrustGateConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Security.JWT.Secret == "" {
		c.Security.JWT.Secret = devJWTSecret
	}
	if !viper.IsSet("server.log_level") {
		c.Server.LogLevel = "debug"
	}
}

// SetDefaults applies default values to the configuration.
func (c *TrustGateConfig) SetDefaults() {
	// Bind to localhost unless http_addr says otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if len(c.Server.AdminNetworks) == 0 {
		c.Server.AdminNetworks = []string{"127.0.0.0/8", "::1/128"}
	}
	if c.Server.AdminRate == 0 {
		c.Server.AdminRate = 10
	}
	if c.Server.AdminBurst == 0 {
		c.Server.AdminBurst = 20
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	jwt := &c.Security.JWT
	if jwt.Algorithm == "" {
		jwt.Algorithm = "HS256"
	}
	if jwt.Issuer == "" {
		jwt.Issuer = "trustgate"
	}
	if jwt.AccessTTL == "" {
		jwt.AccessTTL = "15m"
	}
	if jwt.RefreshTTL == "" {
		jwt.RefreshTTL = "24h"
	}

	otp := &c.Security.OTP
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("security.otp.enabled") {
		otp.Enabled = true
	}
	if otp.Issuer == "" {
		otp.Issuer = "TrustGate"
	}
	if otp.Digits == 0 {
		otp.Digits = 6
	}
	if otp.Period == "" {
		otp.Period = "30s"
	}
	if !viper.IsSet("security.otp.skew") && otp.Skew == 0 {
		otp.Skew = 1
	}

	risk := &c.Security.RiskAnalysis
	if risk.BlockThreshold == 0 && risk.StepUpThreshold == 0 {
		risk.BlockThreshold = 20
		risk.StepUpThreshold = 40
	}
	if risk.Weights == (WeightsConfig{}) {
		risk.Weights = WeightsConfig{Device: 0.30, Behavior: 0.25, Location: 0.20, Network: 0.25}
	}
	if risk.Levels == (LevelsConfig{}) {
		risk.Levels = LevelsConfig{VeryLow: 20, Low: 40, Medium: 60, High: 80}
	}
	if !viper.IsSet("security.risk_analysis.degraded_factor") && risk.DegradedFactor == 0 {
		risk.DegradedFactor = 25
	}
	if risk.BurstLimit == 0 {
		risk.BurstLimit = 300
	}
	if risk.MaxTravelSpeedKmh == 0 {
		risk.MaxTravelSpeedKmh = 900
	}
	if risk.CacheSize == 0 {
		risk.CacheSize = 10000
	}
	if risk.CacheTTL == "" {
		risk.CacheTTL = "30s"
	}

	sess := &c.Security.Session
	if sess.MaxConcurrent == 0 {
		sess.MaxConcurrent = 3
	}
	if sess.Timeout == "" {
		sess.Timeout = "30m"
	}
	if sess.Overflow == "" {
		sess.Overflow = "evict_oldest"
	}
	if sess.CleanupInterval == "" {
		sess.CleanupInterval = "1m"
	}

	a := &c.Audit
	if a.ChannelSize == 0 {
		a.ChannelSize = 1000
	}
	if a.BatchSize == 0 {
		a.BatchSize = 100
	}
	if a.FlushInterval == "" {
		a.FlushInterval = "1s"
	}
	if a.SendTimeout == "" {
		a.SendTimeout = "100ms"
	}
	if a.RetryBase == "" {
		a.RetryBase = "100ms"
	}
	if a.RetryMax == "" {
		a.RetryMax = "30s"
	}
	if a.MaxPending == 0 {
		a.MaxPending = 10000
	}
	if a.RetentionDays == 0 {
		a.RetentionDays = 30
	}
	if a.MaxFileSizeMB == 0 {
		a.MaxFileSizeMB = 100
	}

	if c.Alerts.Timeout == "" {
		c.Alerts.Timeout = "5s"
	}
	if c.Alerts.Interval == "" {
		c.Alerts.Interval = "1s"
	}
	if c.Alerts.Burst == 0 {
		c.Alerts.Burst = 10
	}

	if c.Tracing.Output == "" {
		c.Tracing.Output = "stdout"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Duration parses a duration field that has already passed validation.
// Empty or malformed values yield zero, which selects the consumer's default.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
