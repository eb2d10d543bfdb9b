package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByProvider    map[string]int `json:"by_provider"`
	ByStrategy    map[string]int `json:"by_strategy"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Live          int            `json:"live"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetFlightStats(r.Context())
	if err != nil {
		s.logger.Error("get flight stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	live := 0
	for _, f := range s.flights.List() {
		if !f.State.Terminal() {
			live++
		}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       stats.CountByState,
		ByProvider:    stats.CountByProvider,
		ByStrategy:    stats.CountByStrategy,
		AvgDurationMS: stats.AvgDurationMS,
		Live:          live,
	})
}
