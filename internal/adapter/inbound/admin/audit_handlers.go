package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

// maxEventLimit caps a single events query.
const maxEventLimit = 1000

// EventQueryResponse is the JSON response for GET /admin/api/events.
type EventQueryResponse struct {
	Events []audit.SecurityEvent `json:"events"`
	Count  int                   `json:"count"`
}

// handleQueryEvents returns recent security events, newest first.
// GET /admin/api/events?user=&session=&type=&min_severity=&since=&limit=
func (h *AdminAPIHandler) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.respondError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.events.GetRecentSecurityEvents(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, "query events", err)
		return
	}
	if events == nil {
		events = []audit.SecurityEvent{}
	}
	h.respondJSON(w, http.StatusOK, EventQueryResponse{Events: events, Count: len(events)})
}

func parseEventFilter(r *http.Request) (audit.EventFilter, error) {
	q := r.URL.Query()
	filter := audit.EventFilter{
		UserID:    q.Get("user"),
		SessionID: q.Get("session"),
		Limit:     audit.DefaultEventLimit,
	}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, audit.EventType(strings.ToUpper(t)))
			}
		}
	}
	if sev := q.Get("min_severity"); sev != "" {
		s := audit.Severity(strings.ToUpper(sev))
		if s != audit.SeverityInfo && s.Rank() == 0 {
			return filter, fmt.Errorf("invalid min_severity: must be one of INFO, LOW, MEDIUM, HIGH, CRITICAL")
		}
		filter.MinSeverity = s
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, fmt.Errorf("invalid since time: %w", err)
		}
		filter.Since = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		filter.Limit = min(limit, maxEventLimit)
	}
	return filter, nil
}
