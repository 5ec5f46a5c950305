package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// EventPipeline reports the state of the security event buffer.
type EventPipeline interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedEvents() int64
	PendingEvents() int
}

// StoreProbe is any repository that can list roles.
type StoreProbe interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store   StoreProbe
	events  EventPipeline
	version string
	timeout time.Duration
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(store StoreProbe, events EventPipeline, version string) *HealthChecker {
	return &HealthChecker{
		store:   store,
		events:  events,
		version: version,
		timeout: 2 * time.Second,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		_, err := h.store.ListRoles(ctx)
		cancel()
		if err != nil {
			checks["store"] = "unavailable: " + err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not configured"
	}

	if h.events != nil {
		depth := h.events.ChannelDepth()
		capacity := h.events.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		// Over 90% full means events are about to be dropped.
		if percentFull > 90 {
			checks["security_events"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["security_events"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if pending := h.events.PendingEvents(); pending > 0 {
			checks["security_events_pending"] = fmt.Sprintf("%d awaiting retry", pending)
		}
		if drops := h.events.DroppedEvents(); drops > 0 {
			checks["security_event_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["security_events"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
