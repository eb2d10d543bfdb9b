package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/model"
)

// FlightList is the data of a LIST_FLIGHTS: a page of persisted flights
// with live snapshots substituted, plus every flight still in memory.
type FlightList struct {
	Flights []*model.Flight `json:"flights"`
	Total   int             `json:"total"`
	Live    []*model.Flight `json:"live"`
}

func (h *Handlers) getFlight(ctx context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[FlightPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := lookupID(p.FlightID); err != nil {
		return nil, err
	}
	return h.deps.Flights.Get(ctx, p.FlightID)
}

func (h *Handlers) cancelFlight(_ context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[CancelPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := lookupID(p.FlightID); err != nil {
		return nil, err
	}
	f, err := h.deps.Flights.Cancel(p.FlightID, p.Reason)
	if errors.Is(err, flight.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return f, err
}

func (h *Handlers) listFlights(ctx context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[ListPayload](payload)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	stored, total, err := h.deps.Store.ListFlights(ctx, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list flights: %w", err)
	}
	live := h.deps.Flights.List()
	byID := make(map[string]*model.Flight, len(live))
	for _, f := range live {
		byID[f.ID] = f
	}
	for i, f := range stored {
		if cur, ok := byID[f.ID]; ok {
			stored[i] = cur
		}
	}
	if stored == nil {
		stored = []*model.Flight{}
	}
	return &FlightList{Flights: stored, Total: total, Live: live}, nil
}
