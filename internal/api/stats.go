package api

import (
	"net/http"

	"github.com/seantiz/procq/internal/engine"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByPriority    map[string]int `json:"by_priority"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Pending       engine.Counts  `json:"pending"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get process stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByPriority:    stats.CountByPriority,
		AvgDurationMS: stats.AvgDurationMS,
		Pending:       s.engine.Pending(),
	})
}
