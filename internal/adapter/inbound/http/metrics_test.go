package http

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision(authz.VerdictAllow, time.Millisecond)
	m.ObserveTrustScore(72, false)
	m.ObserveAuthentication("success")
	m.ObserveEventDelivery(3, 1)
	m.ObserveEventDrop(2)
	m.SetPendingEvents(4)
	m.SessionsExpired.Add(2)

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount() error: %v", err)
	}
	if n == 0 {
		t.Fatal("no metrics gathered")
	}
}

func TestMetrics_ServiceObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision(authz.VerdictDeny, time.Millisecond)
	m.ObserveDecision(authz.VerdictDeny, 2*time.Millisecond)
	m.ObserveDecision(authz.VerdictBlock, time.Millisecond)
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("DENY")); got != 2 {
		t.Errorf("decisions{DENY} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("BLOCK")); got != 1 {
		t.Errorf("decisions{BLOCK} = %v, want 1", got)
	}

	m.ObserveTrustScore(90, true)
	m.ObserveTrustScore(10, false)
	if got := testutil.CollectAndCount(m.TrustScores); got != 2 {
		t.Errorf("trust score series = %d, want cached and computed", got)
	}

	m.ObserveAuthentication("step_up")
	if got := testutil.ToFloat64(m.Authentications.WithLabelValues("step_up")); got != 1 {
		t.Errorf("authentications{step_up} = %v, want 1", got)
	}

	m.ObserveEventDelivery(5, 0)
	m.ObserveEventDelivery(0, 3)
	if got := testutil.ToFloat64(m.EventsDelivered.WithLabelValues("stored")); got != 5 {
		t.Errorf("events{stored} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.EventsDelivered.WithLabelValues("failed")); got != 3 {
		t.Errorf("events{failed} = %v, want 3", got)
	}

	m.ObserveEventDrop(2)
	m.ObserveEventDrop(1)
	if got := testutil.ToFloat64(m.EventDropsTotal); got != 3 {
		t.Errorf("drops = %v, want 3", got)
	}

	m.SetPendingEvents(7)
	m.SetPendingEvents(4)
	if got := testutil.ToFloat64(m.PendingEvents); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
}
