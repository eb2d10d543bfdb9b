// Package store persists flight records so completed and failed flights
// remain queryable after the coordinator's in-memory retention expires.
package store

import (
	"context"
	"fmt"

	"github.com/seantiz/mercury/internal/model"
)

// ErrNotFound is returned when a flight is not in the store.
var ErrNotFound = fmt.Errorf("flight %w", model.ErrNotFound)

// FlightStats holds aggregate flight statistics.
type FlightStats struct {
	Total           int            `json:"total"`
	CountByState    map[string]int `json:"count_by_state"`
	CountByProvider map[string]int `json:"count_by_provider"`
	CountByStrategy map[string]int `json:"count_by_strategy"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for flights.
type Store interface {
	SaveFlight(ctx context.Context, f *model.Flight) error
	GetFlight(ctx context.Context, id string) (*model.Flight, error)
	ListFlights(ctx context.Context, limit, offset int) ([]*model.Flight, int, error)
	GetFlightStats(ctx context.Context) (*FlightStats, error)
	Close() error
}
