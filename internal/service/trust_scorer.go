package service

import (
	"math"
	"net"
	"slices"
	"strings"

	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// Factor names reported in trust.Score.Degraded.
const (
	FactorDevice   = "device"
	FactorBehavior = "behavior"
	FactorLocation = "location"
	FactorNetwork  = "network"
)

// TrustWeights are the relative weights of the four trust factors.
type TrustWeights struct {
	Device   float64
	Behavior float64
	Location float64
	Network  float64
}

func (w TrustWeights) sum() float64 {
	return w.Device + w.Behavior + w.Location + w.Network
}

// LevelThresholds are the exclusive upper bounds of the lower four trust levels.
// A score of High or more is VERY_HIGH.
type LevelThresholds struct {
	VeryLow int
	Low     int
	Medium  int
	High    int
}

// TrustScorerConfig configures a TrustScorer. Zero fields select defaults.
type TrustScorerConfig struct {
	Weights TrustWeights
	Levels  LevelThresholds
	// DegradedFactor is the value a factor takes when its signal is missing.
	// Nil selects 25; a set value, including 0, is clamped to [0,100].
	DegradedFactor *int
	// BurstLimit is the hourly request count above which behavior trust drops. Default: 300.
	BurstLimit int
	// MaxTravelSpeedKmh is the fastest plausible travel between requests. Default: 900.
	MaxTravelSpeedKmh float64
}

// DefaultTrustScorerConfig returns the documented defaults.
func DefaultTrustScorerConfig() TrustScorerConfig {
	return TrustScorerConfig{
		Weights:           TrustWeights{Device: 0.30, Behavior: 0.25, Location: 0.20, Network: 0.25},
		Levels:            LevelThresholds{VeryLow: 20, Low: 40, Medium: 60, High: 80},
		DegradedFactor:    degradedFactor(25),
		BurstLimit:        300,
		MaxTravelSpeedKmh: 900,
	}
}

func degradedFactor(v int) *int { return &v }

// automationAgents are user agent fragments of scripted clients.
var automationAgents = []string{"curl/", "wget", "python-requests", "headless"}

// TrustScorer computes trust scores. Score is a pure function of its inputs.
type TrustScorer struct {
	cfg TrustScorerConfig
}

// NewTrustScorer creates a TrustScorer.
func NewTrustScorer(cfg TrustScorerConfig) *TrustScorer {
	def := DefaultTrustScorerConfig()
	if cfg.Weights.sum() <= 0 {
		cfg.Weights = def.Weights
	}
	if cfg.Levels == (LevelThresholds{}) {
		cfg.Levels = def.Levels
	}
	degraded := *def.DegradedFactor
	if cfg.DegradedFactor != nil {
		degraded = trust.Clamp(*cfg.DegradedFactor)
	}
	cfg.DegradedFactor = &degraded
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = def.BurstLimit
	}
	if cfg.MaxTravelSpeedKmh <= 0 {
		cfg.MaxTravelSpeedKmh = def.MaxTravelSpeedKmh
	}
	return &TrustScorer{cfg: cfg}
}

// Score rates the request against the user's history. Missing signals lower
// the affected factor and are listed in Degraded; Score never fails.
func (s *TrustScorer) Score(rc trust.RequestContext, history trust.BehaviorSignals) trust.Score {
	var out trust.Score
	var recs []string

	degrade := func(factor, hint string) int {
		out.Degraded = append(out.Degraded, factor)
		if hint != "" {
			recs = append(recs, hint)
		}
		return *s.cfg.DegradedFactor
	}

	// device
	switch {
	case rc.DeviceFingerprint == "":
		out.Factors.Device = degrade(FactorDevice, "provide a device fingerprint")
	case slices.Contains(history.KnownFingerprints, rc.DeviceFingerprint):
		out.Factors.Device = 100
	case len(history.KnownFingerprints) > 0:
		out.Factors.Device = 40
		recs = append(recs, "verify the new device")
	default:
		out.Factors.Device = 60
	}
	if isAutomationAgent(rc.UserAgent) {
		out.Factors.Device = min(out.Factors.Device, 20)
		recs = append(recs, "automated client detected")
	}

	// behavior
	if history.Unavailable {
		out.Factors.Behavior = degrade(FactorBehavior, "")
	} else {
		b := 100
		if history.RecentFailedLogins > 0 {
			b -= min(15*history.RecentFailedLogins, 60)
			recs = append(recs, "recent failed logins")
		}
		if len(history.TypicalHours) > 0 && !slices.Contains(history.TypicalHours, rc.Timestamp.UTC().Hour()) {
			b -= 20
		}
		if history.RequestsLastHour > s.cfg.BurstLimit {
			b -= 30
			recs = append(recs, "unusual request volume")
		}
		out.Factors.Behavior = trust.Clamp(b)
	}

	// location
	switch {
	case rc.Geolocation == nil:
		out.Factors.Location = degrade(FactorLocation, "location unavailable")
	case s.impossibleTravel(rc, history):
		out.Factors.Location = 10
		recs = append(recs, "impossible travel detected")
	case rc.Geolocation.Country != "" && slices.Contains(history.KnownCountries, rc.Geolocation.Country):
		out.Factors.Location = 90
	default:
		out.Factors.Location = 50
	}

	// network
	ip := net.ParseIP(rc.IPAddress)
	switch {
	case ip == nil:
		out.Factors.Network = degrade(FactorNetwork, "")
	case containsIP(history.FlaggedIPs, ip):
		out.Factors.Network = 0
		recs = append(recs, "request from flagged address")
	case containsIP(history.KnownIPs, ip):
		out.Factors.Network = 100
	case ip.IsLoopback() || ip.IsPrivate():
		out.Factors.Network = 80
	default:
		out.Factors.Network = 60
	}

	w := s.cfg.Weights
	weighted := w.Device*float64(out.Factors.Device) +
		w.Behavior*float64(out.Factors.Behavior) +
		w.Location*float64(out.Factors.Location) +
		w.Network*float64(out.Factors.Network)
	out.Score = trust.Clamp(int(math.Round(weighted / w.sum())))
	out.Level = s.Level(out.Score)
	out.Recommendations = recs
	return out
}

// Level buckets a score.
func (s *TrustScorer) Level(score int) trust.Level {
	l := s.cfg.Levels
	switch {
	case score < l.VeryLow:
		return trust.LevelVeryLow
	case score < l.Low:
		return trust.LevelLow
	case score < l.Medium:
		return trust.LevelMedium
	case score < l.High:
		return trust.LevelHigh
	default:
		return trust.LevelVeryHigh
	}
}

func (s *TrustScorer) impossibleTravel(rc trust.RequestContext, history trust.BehaviorSignals) bool {
	if history.LastLocation == nil || history.LastSeenAt.IsZero() {
		return false
	}
	km := haversineKm(*history.LastLocation, *rc.Geolocation)
	hours := rc.Timestamp.Sub(history.LastSeenAt).Hours()
	if hours <= 0 {
		hours = 1.0 / 3600
	}
	return km/hours > s.cfg.MaxTravelSpeedKmh
}

func isAutomationAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, a := range automationAgents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

func containsIP(list []string, ip net.IP) bool {
	for _, s := range list {
		if other := net.ParseIP(s); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points.
func haversineKm(a, b trust.Geolocation) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(math.Min(1, h)))
}
