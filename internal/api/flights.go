package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/mercury/internal/handlers"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func (s *Server) handleListFlights(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.dispatchREST(w, r, handlers.TypeListFlights, handlers.ListPayload{Limit: limit, Offset: offset})
}

func (s *Server) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	s.dispatchREST(w, r, handlers.TypeGetFlight, handlers.FlightPayload{FlightID: chi.URLParam(r, "id")})
}

func (s *Server) handleCancelFlight(w http.ResponseWriter, r *http.Request) {
	s.dispatchREST(w, r, handlers.TypeCancelFlight, handlers.CancelPayload{
		FlightID: chi.URLParam(r, "id"),
		Reason:   r.URL.Query().Get("reason"),
	})
}
