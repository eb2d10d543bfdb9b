package model

import "time"

// ContextState is the lifecycle state of a worker context.
type ContextState string

// Worker context state constants.
const (
	ContextCreating ContextState = "creating"
	ContextIdle     ContextState = "idle"
	ContextBusy     ContextState = "busy"
	ContextError    ContextState = "error"
)

// WorkerContext is a pooled execution environment (a browser tab) hosting a
// provider's interactive service.
type WorkerContext struct {
	ID                string       `json:"id"`
	ProviderKey       string       `json:"provider"`
	State             ContextState `json:"state"`
	LastLivenessCheck time.Time    `json:"last_liveness_check"`
	LocationURL       string       `json:"location_url"`

	// Owned is true when the pool created the context. Adopted contexts
	// belong to the user and are never closed by the pool.
	Owned       bool      `json:"owned"`
	FlightID    string    `json:"flight_id,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signal sources for completion detection.
const (
	SourceNetwork    = "network"
	SourceStructural = "structural"
	SourceExplicit   = "explicit"
	SourceTimeout    = "timeout"
)

// CompletionSignal is the evidence that won the detection race.
type CompletionSignal struct {
	Source     string            `json:"source"`
	FlightID   string            `json:"flight_id"`
	ObservedAt time.Time         `json:"observed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
