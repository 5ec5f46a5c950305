package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// Metrics holds all Prometheus metrics for TrustGate.
// It implements service.Metrics and is shared by the HTTP and admin handlers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	TrustScores      *prometheus.HistogramVec
	Authentications  *prometheus.CounterVec
	EventsDelivered  *prometheus.CounterVec
	EventDropsTotal  prometheus.Counter
	PendingEvents    prometheus.Gauge
	SessionsExpired  prometheus.Counter
}

var _ service.Metrics = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"route", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trustgate",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "decisions_total",
				Help:      "Authorization decisions by verdict",
			},
			[]string{"verdict"},
		),
		DecisionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "trustgate",
				Name:      "decision_duration_seconds",
				Help:      "Time to reach an authorization decision",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		TrustScores: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trustgate",
				Name:      "trust_score",
				Help:      "Distribution of computed trust scores",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"source"}, // source=computed/cached
		),
		Authentications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "authentications_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		EventsDelivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "security_events_total",
				Help:      "Security events handed to the event store by result",
			},
			[]string{"result"}, // result=stored/failed
		),
		EventDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "security_event_drops_total",
				Help:      "Total security events dropped due to backpressure",
			},
		),
		PendingEvents: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trustgate",
				Name:      "security_events_pending",
				Help:      "Security events waiting for a delivery retry",
			},
		),
		SessionsExpired: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "sessions_expired_total",
				Help:      "Idle sessions removed by the cleanup loop",
			},
		),
	}
}

// ObserveDecision records one authorization decision.
func (m *Metrics) ObserveDecision(verdict authz.Verdict, took time.Duration) {
	m.Decisions.WithLabelValues(string(verdict)).Inc()
	m.DecisionDuration.Observe(took.Seconds())
}

// ObserveTrustScore records a trust score and whether it came from the cache.
func (m *Metrics) ObserveTrustScore(score int, cached bool) {
	source := "computed"
	if cached {
		source = "cached"
	}
	m.TrustScores.WithLabelValues(source).Observe(float64(score))
}

// ObserveAuthentication records a login outcome.
func (m *Metrics) ObserveAuthentication(outcome string) {
	m.Authentications.WithLabelValues(outcome).Inc()
}

// ObserveEventDelivery records one store write.
func (m *Metrics) ObserveEventDelivery(stored, failed int) {
	if stored > 0 {
		m.EventsDelivered.WithLabelValues("stored").Add(float64(stored))
	}
	if failed > 0 {
		m.EventsDelivered.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObserveEventDrop records dropped events.
func (m *Metrics) ObserveEventDrop(n int) {
	m.EventDropsTotal.Add(float64(n))
}

// SetPendingEvents sets the retry queue depth.
func (m *Metrics) SetPendingEvents(n int) {
	m.PendingEvents.Set(float64(n))
}
