package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/procq/internal/engine"
	"github.com/seantiz/procq/internal/model"
	"github.com/seantiz/procq/internal/store"
)

func (s *Server) handleStreamProcessEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if err != nil {
		s.logger.Error("get process for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get process")
		return
	}

	setSSEHeaders(w)

	// The process has left the loop; nothing more will be published for it.
	if !inFlight(rec.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", rec.Status)
		return
	}

	s.disableWriteDeadline(w)

	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	defer trackStream("process")()

	// The broker forgets finished processes, so a process that finished
	// between the first lookup and Subscribe would never close ch. The
	// journal is written before the topic is closed.
	rec, err = s.store.GetRecord(r.Context(), id)
	if err == nil && !inFlight(rec.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", rec.Status)
		return
	}

	s.streamEvents(w, r, ch)
}

// inFlight reports whether a process can still produce events.
func inFlight(status string) bool {
	return status == model.StatusPending || status == model.StatusRunning
}

func (s *Server) handleStreamAllEvents(w http.ResponseWriter, r *http.Request) {
	setSSEHeaders(w)
	s.disableWriteDeadline(w)

	ch, unsub := s.engine.Broker().Subscribe(engine.AllTopic)
	defer unsub()
	defer trackStream("all")()

	s.streamEvents(w, r, ch)
}

// streamEvents copies events from ch to the client until ch is closed or
// the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan model.Event) {
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, ev); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// disableWriteDeadline lifts the server write timeout for long-lived streams.
func (s *Server) disableWriteDeadline(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}
}

// writeSSEData writes ev as a single JSON data event.
func writeSSEData(w http.ResponseWriter, ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
