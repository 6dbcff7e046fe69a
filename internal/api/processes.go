package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/procq/internal/catalog"
	"github.com/seantiz/procq/internal/model"
	"github.com/seantiz/procq/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createProcessRequest is the JSON body for POST /v1/processes.
type createProcessRequest struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Priority string          `json:"priority"`
	Params   json.RawMessage `json:"params"`
}

// listProcessesResponse wraps the paginated list response.
type listProcessesResponse struct {
	Processes []*model.Record `json:"processes"`
	Total     int             `json:"total"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
}

// eventHistoryResponse is the JSON response for GET /v1/processes/{id}/events/history.
type eventHistoryResponse struct {
	ProcessID string        `json:"process_id"`
	Events    []model.Event `json:"events"`
}

func (s *Server) handleListKinds(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]catalog.KindInfo{"kinds": s.catalog.List()})
}

func (s *Server) handleGetKV(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		s.writeError(w, http.StatusNotFound, "kv store not exposed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]map[string]string{"data": s.kv.Snapshot()})
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.catalog.Build(req.Kind, req.Name, req.Params)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := s.engine.Enqueue(p, priority)

	rec, err := s.store.GetRecord(r.Context(), job.ID())
	if err != nil {
		// The job is queued either way; answer with what we know.
		s.logger.Error("get enqueued process", "process_id", job.ID(), "error", err)
		rec = &model.Record{
			ID:        job.ID(),
			Name:      job.Name(),
			Kind:      job.Kind(),
			Priority:  job.Priority().String(),
			Status:    model.StatusPending,
			CreatedAt: job.EnqueuedAt(),
		}
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if err != nil {
		s.logger.Error("get process", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get process")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListRecords(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list processes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}

	if records == nil {
		records = []*model.Record{}
	}

	s.writeJSON(w, http.StatusOK, listProcessesResponse{
		Processes: records,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if err != nil {
		s.logger.Error("get process for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get process")
		return
	}

	events, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		ProcessID: id,
		Events:    events,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
