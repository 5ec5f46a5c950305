package admin

import (
	"net/http"

	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// StatsReader provides decision counters.
type StatsReader interface {
	GetStats() service.Stats
}

// StatsResponse is the JSON response for GET /admin/api/stats.
type StatsResponse struct {
	Permissions int `json:"permissions"`
	Roles       int `json:"roles"`
	service.Stats
}

// handleGetStats returns catalog sizes and decision counters.
func (h *AdminAPIHandler) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{}

	if h.registry != nil {
		resp.Permissions = h.registry.Len()
	}
	if h.graph != nil {
		resp.Roles = len(h.graph.Roles())
	}
	if h.stats != nil {
		resp.Stats = h.stats.GetStats()
	}

	// Ensure maps are never null in JSON output.
	if resp.Logins == nil {
		resp.Logins = make(map[string]int64)
	}

	h.respondJSON(w, http.StatusOK, resp)
}
