package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	AvgAttempts      float64        `json:"avg_attempts"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	AwaitingEnqueue  int            `json:"awaiting_enqueue"`
	EventSubscribers int            `json:"event_subscribers"`
	EventsDropped    uint64         `json:"events_dropped"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		AvgAttempts:      stats.AvgAttempts,
		AvgDurationMS:    stats.AvgDurationMS,
		AwaitingEnqueue:  stats.AwaitingEnqueue,
		EventSubscribers: s.hub.Subscribers(),
		EventsDropped:    s.hub.Dropped(),
	})
}
