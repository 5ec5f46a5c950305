// Package trust contains the request context and trust score types used
// for risk-adaptive authorization.
package trust

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for trust evaluation.
var (
	// ErrInvalidContext is returned when mandatory request context fields are missing.
	ErrInvalidContext = errors.New("invalid request context")
	// ErrSignalUnavailable is returned when a behavioral history source cannot be read.
	// Scorers degrade the affected factors instead of failing.
	ErrSignalUnavailable = errors.New("trust signal unavailable")
)

// Level is a bucketed trust score.
type Level string

const (
	LevelVeryLow  Level = "VERY_LOW"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelVeryHigh Level = "VERY_HIGH"
)

// Geolocation is the resolved location of a request.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// RequestContext describes a single inbound request. It is built once per
// request and treated as immutable for the lifetime of the decision.
type RequestContext struct {
	UserID            string       `json:"user_id,omitempty"`
	SessionID         string       `json:"session_id"`
	IPAddress         string       `json:"ip_address"`
	UserAgent         string       `json:"user_agent,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Geolocation       *Geolocation `json:"geolocation,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	RequestPath       string       `json:"request_path,omitempty"`
	RequestMethod     string       `json:"request_method,omitempty"`
}

// Validate checks the mandatory fields. Errors wrap ErrInvalidContext.
func (c RequestContext) Validate() error {
	switch {
	case c.SessionID == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidContext)
	case c.IPAddress == "":
		return fmt.Errorf("%w: ip address is required", ErrInvalidContext)
	case net.ParseIP(c.IPAddress) == nil:
		return fmt.Errorf("%w: ip address %q does not parse", ErrInvalidContext, c.IPAddress)
	case c.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidContext)
	}
	return nil
}

// Factors are the independent sub-scores, each in [0,100].
type Factors struct {
	Device   int `json:"device_trust"`
	Behavior int `json:"behavior_trust"`
	Location int `json:"location_trust"`
	Network  int `json:"network_trust"`
}

// Score is the derived trust in a request. It is never stored authoritatively.
type Score struct {
	Score   int     `json:"score"`
	Level   Level   `json:"level"`
	Factors Factors `json:"factors"`
	// Recommendations are human-readable remediation hints. They never affect decisions.
	Recommendations []string `json:"recommendations,omitempty"`
	// Degraded lists the factors computed from missing signals.
	Degraded []string `json:"degraded,omitempty"`
}

// BehaviorSignals is the historical data the scorer compares a request against.
type BehaviorSignals struct {
	KnownFingerprints  []string     `json:"known_fingerprints,omitempty"`
	KnownIPs           []string     `json:"known_ips,omitempty"`
	FlaggedIPs         []string     `json:"flagged_ips,omitempty"`
	KnownCountries     []string     `json:"known_countries,omitempty"`
	TypicalHours       []int        `json:"typical_hours,omitempty"`
	RecentFailedLogins int          `json:"recent_failed_logins"`
	RequestsLastHour   int          `json:"requests_last_hour"`
	LastLocation       *Geolocation `json:"last_location,omitempty"`
	LastSeenAt         time.Time    `json:"last_seen_at"`
	// Unavailable marks history that could not be read.
	Unavailable bool `json:"unavailable"`
}

// Clamp bounds v to [0,100].
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
