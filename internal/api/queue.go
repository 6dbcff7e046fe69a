package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/procq/internal/engine"
)

// historyEntry is one completed, uncompensated process in the queue view.
type historyEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Priority string `json:"priority"`
}

// queueResponse is the JSON response for GET /v1/queue.
type queueResponse struct {
	engine.State
	History []historyEntry `json:"history"`
}

// cancelResponse is the JSON response for the cancel endpoints.
type cancelResponse struct {
	Outcome engine.CancelOutcome `json:"outcome"`
	Error   string               `json:"error,omitempty"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.History()
	history := make([]historyEntry, len(jobs))
	for i, j := range jobs {
		history[i] = historyEntry{
			ID:       j.ID(),
			Name:     j.Name(),
			Kind:     j.Kind(),
			Priority: j.Priority().String(),
		}
	}

	s.writeJSON(w, http.StatusOK, queueResponse{
		State:   s.engine.State(),
		History: history,
	})
}

// handleCancelCurrent waits for the in-flight Run to return, which can take
// longer than the server write timeout.
func (s *Server) handleCancelCurrent(w http.ResponseWriter, r *http.Request) {
	s.disableWriteDeadline(w)
	outcome, err := s.engine.CancelCurrentProcess(r.Context())
	s.writeCancelResult(w, outcome, err)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	s.disableWriteDeadline(w)
	outcome, err := s.engine.CancelAll(r.Context())
	s.writeCancelResult(w, outcome, err)
}

func (s *Server) writeCancelResult(w http.ResponseWriter, outcome engine.CancelOutcome, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, cancelResponse{Outcome: outcome})
	case errors.Is(err, engine.ErrCompensationFailed):
		s.logger.Error("cancel", "outcome", outcome.String(), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, cancelResponse{Outcome: outcome, Error: err.Error()})
	default:
		// The client went away or its deadline passed.
		s.writeJSON(w, http.StatusServiceUnavailable, cancelResponse{Outcome: outcome, Error: err.Error()})
	}
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	s.engine.StartExecution()
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	s.engine.StopExecution()
	s.writeJSON(w, http.StatusOK, s.engine.State())
}
