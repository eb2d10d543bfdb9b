package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// FlightIDPrefix marks identifiers minted for flights.
const FlightIDPrefix = "flt_"

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewFlightID returns a prefixed ULID for a new flight record.
func NewFlightID() string {
	return FlightIDPrefix + ulid.Make().String()
}

// IsFlightID reports whether id looks like a value returned by NewFlightID.
func IsFlightID(id string) bool {
	rest, ok := strings.CutPrefix(id, FlightIDPrefix)
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}
