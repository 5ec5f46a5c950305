package service

import (
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

// Metrics receives service-level measurements. The HTTP adapter provides a
// Prometheus implementation; services default to a no-op.
type Metrics interface {
	ObserveDecision(verdict authz.Verdict, took time.Duration)
	ObserveTrustScore(score int, cached bool)
	ObserveAuthentication(outcome string)
	ObserveEventDelivery(stored, failed int)
	ObserveEventDrop(n int)
	SetPendingEvents(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(authz.Verdict, time.Duration) {}
func (noopMetrics) ObserveTrustScore(int, bool)                  {}
func (noopMetrics) ObserveAuthentication(string)                 {}
func (noopMetrics) ObserveEventDelivery(int, int)                {}
func (noopMetrics) ObserveEventDrop(int)                         {}
func (noopMetrics) SetPendingEvents(int)                         {}
