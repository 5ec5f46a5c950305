package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

// SignalSource provides the behavioral history of a user.
type SignalSource interface {
	// Signals returns the user's history. On failure it returns an error
	// wrapping trust.ErrSignalUnavailable and signals with Unavailable set.
	Signals(ctx context.Context, userID string) (trust.BehaviorSignals, error)
}

// EventReader reads recent security events.
type EventReader interface {
	GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error)
}

// EventSignalSource derives behavioral signals from the security event log.
type EventSignalSource struct {
	events EventReader
	// Window bounds how far back history is read. Default: 30 days.
	Window time.Duration
	// Limit caps the number of events read per lookup. Default: 500.
	Limit int
	// MinHourSamples is the number of trusted events needed before typical
	// hours are reported. Default: 10.
	MinHourSamples int
	now            func() time.Time
}

var _ SignalSource = (*EventSignalSource)(nil)

// NewEventSignalSource creates a signal source over events.
func NewEventSignalSource(events EventReader) *EventSignalSource {
	return &EventSignalSource{
		events:         events,
		Window:         30 * 24 * time.Hour,
		Limit:          500,
		MinHourSamples: 10,
		now:            time.Now,
	}
}

// Signals reads the user's recent events, newest first, and summarizes them.
// Events that ended in a granted outcome teach known devices, addresses,
// countries and hours. Addresses risk-blocked within the last day are flagged.
func (s *EventSignalSource) Signals(ctx context.Context, userID string) (trust.BehaviorSignals, error) {
	var out trust.BehaviorSignals
	if userID == "" {
		return out, nil
	}
	now := s.now()
	events, err := s.events.GetRecentSecurityEvents(ctx, audit.EventFilter{
		UserID: userID,
		Since:  now.Add(-s.Window),
		Limit:  s.Limit,
	})
	if err != nil {
		return trust.BehaviorSignals{Unavailable: true}, fmt.Errorf("%w: %w", trust.ErrSignalUnavailable, err)
	}

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	countingFailures := true
	hours := make(map[int]int)
	trusted := 0

	for _, e := range events {
		rc := e.Context
		switch {
		case e.Type == audit.EventLoginFailure:
			if countingFailures && e.Timestamp.After(dayAgo) {
				out.RecentFailedLogins++
			}
		case e.Type == audit.EventLoginSuccess:
			countingFailures = false
		}
		if (e.Type == audit.EventAuthzDecision || e.Type == audit.EventStepUpRequired) && e.Timestamp.After(hourAgo) {
			out.RequestsLastHour++
		}
		if e.Type == audit.EventLoginBlocked || e.Details.ErrorCode == authz.CodeRiskBlocked {
			if e.Timestamp.After(dayAgo) {
				appendUnique(&out.FlaggedIPs, rc.IPAddress)
			}
			continue
		}
		if !grantedOutcome(e) {
			continue
		}
		trusted++
		appendUnique(&out.KnownFingerprints, rc.DeviceFingerprint)
		appendUnique(&out.KnownIPs, rc.IPAddress)
		if rc.Geolocation != nil {
			appendUnique(&out.KnownCountries, rc.Geolocation.Country)
			if out.LastLocation == nil {
				loc := *rc.Geolocation
				out.LastLocation = &loc
				out.LastSeenAt = e.Timestamp
			}
		}
		hours[e.Timestamp.UTC().Hour()]++
	}

	if trusted >= s.MinHourSamples {
		for h := range hours {
			out.TypicalHours = append(out.TypicalHours, h)
		}
		slices.Sort(out.TypicalHours)
	}
	// A flagged address is never also known.
	out.KnownIPs = slices.DeleteFunc(out.KnownIPs, func(ip string) bool {
		return slices.Contains(out.FlaggedIPs, ip)
	})
	return out, nil
}

func grantedOutcome(e audit.SecurityEvent) bool {
	switch e.Type {
	case audit.EventLoginSuccess, audit.EventStepUpSuccess:
		return true
	case audit.EventAuthzDecision:
		return e.Details.Outcome == string(authz.VerdictAllow)
	default:
		return false
	}
}

func appendUnique(list *[]string, v string) {
	if v != "" && !slices.Contains(*list, v) {
		*list = append(*list, v)
	}
}
