package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/mercury/internal/model"
)

// handleStreamEvents streams a flight's transitions as server-sent events.
// Each transition is a "transition" event; the stream ends with a "done"
// event carrying the final flight.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f, err := s.flights.Get(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "flight not found")
		return
	}
	if err != nil {
		s.logger.Error("get flight for events", "flight_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get flight")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if f.State.Terminal() && f.EndTime != nil {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEJSON(w, "done", f)
		return
	}

	s.disableWriteDeadline(w)

	// Subscribing after the flight settled yields a closed channel, so the
	// loop below ends at once.
	ch, unsub := s.flights.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				final, err := s.flights.Get(r.Context(), id)
				if err != nil {
					_ = writeSSEEvent(w, "done", "stream complete")
				} else {
					_ = writeSSEJSON(w, "done", final)
				}
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEJSON(w, "transition", ev); err != nil {
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

func writeSSEJSON(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, eventType, string(data))
}

// writeSSEEvent writes a named event. Multi-line data is split so that each
// line gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
