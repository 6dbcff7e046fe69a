package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Pending int    `json:"pending"`
}

// handleHealthz reports liveness. A stopped execution loop is still healthy;
// it is reported so operators can tell a paused queue from a stuck one.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Running: st.Running,
		Pending: st.Pending.Total(),
	})
}
