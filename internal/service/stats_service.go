package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

// StatsService keeps in-process decision and login counters for the admin API.
// It implements Metrics so it can sit next to the Prometheus sink.
type StatsService struct {
	allowed  atomic.Int64
	denied   atomic.Int64
	blocked  atomic.Int64
	stepUp   atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
	scores   atomic.Int64
	scoreSum atomic.Int64

	mu       sync.Mutex
	logins   map[string]int64
	started  time.Time
	lastSeen time.Time
}

var _ Metrics = (*StatsService)(nil)

// NewStatsService creates a StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{
		logins:  make(map[string]int64),
		started: time.Now().UTC(),
	}
}

// ObserveDecision counts a verdict.
func (s *StatsService) ObserveDecision(verdict authz.Verdict, _ time.Duration) {
	switch verdict {
	case authz.VerdictAllow:
		s.allowed.Add(1)
	case authz.VerdictDeny:
		s.denied.Add(1)
	case authz.VerdictBlock:
		s.blocked.Add(1)
	case authz.VerdictRequireStepUp:
		s.stepUp.Add(1)
	}
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// ObserveTrustScore accumulates freshly computed scores; cache hits are skipped.
func (s *StatsService) ObserveTrustScore(score int, cached bool) {
	if cached {
		return
	}
	s.scores.Add(1)
	s.scoreSum.Add(int64(score))
}

// ObserveAuthentication counts a login outcome.
func (s *StatsService) ObserveAuthentication(outcome string) {
	if outcome == "" {
		return
	}
	s.mu.Lock()
	s.logins[outcome]++
	s.mu.Unlock()
}

// ObserveEventDelivery counts events the store rejected.
func (s *StatsService) ObserveEventDelivery(_, failed int) {
	s.failed.Add(int64(failed))
}

// ObserveEventDrop counts events dropped from a full queue.
func (s *StatsService) ObserveEventDrop(n int) {
	s.dropped.Add(int64(n))
}

// SetPendingEvents is a no-op; the gauge lives in Prometheus.
func (s *StatsService) SetPendingEvents(int) {}

// Stats is a snapshot of all counters.
type Stats struct {
	Allowed           int64            `json:"allowed"`
	Denied            int64            `json:"denied"`
	Blocked           int64            `json:"blocked"`
	StepUpRequired    int64            `json:"step_up_required"`
	AverageTrustScore float64          `json:"average_trust_score"`
	Logins            map[string]int64 `json:"logins"`
	EventsDropped     int64            `json:"events_dropped"`
	EventsFailed      int64            `json:"events_failed"`
	Since             time.Time        `json:"since"`
	LastDecisionAt    *time.Time       `json:"last_decision_at,omitempty"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	logins := make(map[string]int64, len(s.logins))
	for k, v := range s.logins {
		logins[k] = v
	}
	since := s.started
	var last *time.Time
	if !s.lastSeen.IsZero() {
		t := s.lastSeen
		last = &t
	}
	s.mu.Unlock()

	var avg float64
	if n := s.scores.Load(); n > 0 {
		avg = float64(s.scoreSum.Load()) / float64(n)
	}

	return Stats{
		Allowed:           s.allowed.Load(),
		Denied:            s.denied.Load(),
		Blocked:           s.blocked.Load(),
		StepUpRequired:    s.stepUp.Load(),
		AverageTrustScore: avg,
		Logins:            logins,
		EventsDropped:     s.dropped.Load(),
		EventsFailed:      s.failed.Load(),
		Since:             since,
		LastDecisionAt:    last,
	}
}

// Reset sets all counters to zero and restarts the window.
func (s *StatsService) Reset() {
	for _, c := range []*atomic.Int64{&s.allowed, &s.denied, &s.blocked, &s.stepUp, &s.dropped, &s.failed, &s.scores, &s.scoreSum} {
		c.Store(0)
	}
	s.mu.Lock()
	s.logins = make(map[string]int64)
	s.started = time.Now().UTC()
	s.lastSeen = time.Time{}
	s.mu.Unlock()
}

// MultiMetrics fans every observation out to each sink.
type MultiMetrics []Metrics

func (m MultiMetrics) ObserveDecision(verdict authz.Verdict, took time.Duration) {
	for _, s := range m {
		s.ObserveDecision(verdict, took)
	}
}

func (m MultiMetrics) ObserveTrustScore(score int, cached bool) {
	for _, s := range m {
		s.ObserveTrustScore(score, cached)
	}
}

func (m MultiMetrics) ObserveAuthentication(outcome string) {
	for _, s := range m {
		s.ObserveAuthentication(outcome)
	}
}

func (m MultiMetrics) ObserveEventDelivery(stored, failed int) {
	for _, s := range m {
		s.ObserveEventDelivery(stored, failed)
	}
}

func (m MultiMetrics) ObserveEventDrop(n int) {
	for _, s := range m {
		s.ObserveEventDrop(n)
	}
}

func (m MultiMetrics) SetPendingEvents(n int) {
	for _, s := range m {
		s.SetPendingEvents(n)
	}
}
