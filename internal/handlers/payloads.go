package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/mercury/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutePayload is the EXECUTE_PROMPT request.
type ExecutePayload struct {
	Provider   string            `json:"provider"`
	Prompt     string            `json:"prompt"`
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Async returns the LAUNCHING flight instead of waiting for it.
	Async bool `json:"async,omitempty"`
}

func (p *ExecutePayload) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return errors.New("provider is required")
	}
	return validatePrompt(p.Prompt, p.TimeoutMS, p.MaxRetries)
}

// BroadcastPayload is the BROADCAST_PROMPT request. An empty provider list
// targets every configured provider.
type BroadcastPayload struct {
	Providers  []string `json:"providers,omitempty"`
	Prompt     string   `json:"prompt"`
	TimeoutMS  int      `json:"timeout_ms,omitempty"`
	MaxRetries *int     `json:"max_retries,omitempty"`
}

func (p *BroadcastPayload) Validate() error {
	seen := make(map[string]bool, len(p.Providers))
	for _, k := range p.Providers {
		if strings.TrimSpace(k) == "" {
			return errors.New("provider keys must not be empty")
		}
		if seen[k] {
			return fmt.Errorf("provider %q listed twice", k)
		}
		seen[k] = true
	}
	return validatePrompt(p.Prompt, p.TimeoutMS, p.MaxRetries)
}

func validatePrompt(prompt string, timeoutMS int, maxRetries *int) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is required")
	}
	if timeoutMS < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	if maxRetries != nil && *maxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	return nil
}

// HarvestPayload is the HARVEST_RESPONSE request.
type HarvestPayload struct {
	Provider string `json:"provider"`
}

func (p *HarvestPayload) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return errors.New("provider is required")
	}
	return nil
}

// ProviderPayload optionally narrows a request to one provider.
type ProviderPayload struct {
	Provider string `json:"provider,omitempty"`
}

// RecoveryPayload is the ATTEMPT_RECOVERY request: one context, or every
// errored context of a provider.
type RecoveryPayload struct {
	ContextID string `json:"context_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

func (p *RecoveryPayload) Validate() error {
	if p.ContextID == "" && p.Provider == "" {
		return errors.New("context_id or provider is required")
	}
	return nil
}

// ResetPayload is the RESET_SESSION request.
type ResetPayload struct {
	Provider string `json:"provider"`

	// CancelFlights cancels the provider's live flights first so their
	// contexts are released and reset too.
	CancelFlights bool `json:"cancel_flights,omitempty"`
}

func (p *ResetPayload) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return errors.New("provider is required")
	}
	return nil
}

// FlightPayload names one flight.
type FlightPayload struct {
	FlightID string `json:"flight_id"`
}

func (p *FlightPayload) Validate() error {
	return validateFlightID(p.FlightID)
}

// CancelPayload is the CANCEL_FLIGHT request.
type CancelPayload struct {
	FlightID string `json:"flight_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p *CancelPayload) Validate() error {
	return validateFlightID(p.FlightID)
}

func validateFlightID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("flight_id is required")
	}
	return nil
}

// lookupID rejects ids that no flight could carry as not found, so a
// malformed id answers the same way as an unknown one.
func lookupID(id string) error {
	if !model.IsFlightID(id) {
		return fmt.Errorf("flight %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListPayload pages through recent flights.
type ListPayload struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (p *ListPayload) Validate() error {
	if p.Limit < 0 || p.Offset < 0 {
		return errors.New("limit and offset must not be negative")
	}
	if p.Limit > maxListLimit {
		return fmt.Errorf("limit must not exceed %d", maxListLimit)
	}
	return nil
}

func unknownProvider(key string) error {
	return fmt.Errorf("%w: unknown provider %q", model.ErrValidation, key)
}
