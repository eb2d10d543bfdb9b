package model

import "time"

// FlightState is the lifecycle state of a flight.
type FlightState string

// Flight state constants.
const (
	FlightLaunching FlightState = "launching"
	FlightInFlight  FlightState = "in_flight"
	FlightCompleted FlightState = "completed"
	FlightFailed    FlightState = "failed"
	FlightCancelled FlightState = "cancelled"
)

// validFlightTransitions maps each state to the states it may move to.
// FAILED only leads back to LAUNCHING when a retry is still available; the
// coordinator decides that, the table only encodes the shape.
var validFlightTransitions = map[FlightState]map[FlightState]bool{
	FlightLaunching: {
		FlightInFlight:  true,
		FlightFailed:    true,
		FlightCancelled: true,
	},
	FlightInFlight: {
		FlightCompleted: true,
		FlightFailed:    true,
		FlightCancelled: true,
	},
	FlightFailed: {
		FlightLaunching: true,
	},
}

// ValidFlightTransition reports whether moving from one state to another is allowed.
func ValidFlightTransition(from, to FlightState) bool {
	targets, ok := validFlightTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s ends a flight. FAILED counts as terminal; a
// retrying flight passes through it without resting there.
func (s FlightState) Terminal() bool {
	return s == FlightCompleted || s == FlightFailed || s == FlightCancelled
}

// FlightMetadata carries the per-flight policy knobs.
type FlightMetadata struct {
	TimeoutMS  int               `json:"timeout_ms"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Transition records one state change of a flight. ContextID names the
// worker context the flight held when it left IN_FLIGHT.
type Transition struct {
	From      FlightState `json:"from"`
	To        FlightState `json:"to"`
	At        time.Time   `json:"at"`
	ContextID string      `json:"context_id,omitempty"`
}

// Flight is one tracked end-to-end attempt from prompt submission to a
// harvested result or a terminal failure.
type Flight struct {
	ID          string         `json:"id"`
	ProviderKey string         `json:"provider"`
	Prompt      string         `json:"prompt"`
	State       FlightState    `json:"state"`
	ContextID   string         `json:"context_id,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	DurationMS  *int           `json:"duration_ms,omitempty"`
	Metadata    FlightMetadata `json:"metadata"`
	History     []Transition   `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand outside the coordinator's lock.
func (f *Flight) Clone() *Flight {
	c := *f
	if f.EndTime != nil {
		t := *f.EndTime
		c.EndTime = &t
	}
	if f.DurationMS != nil {
		d := *f.DurationMS
		c.DurationMS = &d
	}
	if f.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(f.Metadata.Extra))
		for k, v := range f.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	c.History = append([]Transition(nil), f.History...)
	return &c
}
