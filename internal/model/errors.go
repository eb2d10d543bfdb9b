package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the pool, race engine, coordinator and dispatcher.
var (
	ErrAcquisition        = errors.New("no worker context obtainable")
	ErrResponsiveness     = errors.New("worker context failed liveness probe")
	ErrBroadcast          = errors.New("broadcast into worker context failed")
	ErrDetectionTimeout   = errors.New("no completion signal within bound")
	ErrHarvestEmpty       = errors.New("completion detected but harvested text is empty")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrValidation         = errors.New("payload failed validation")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrNotFound           = errors.New("not found")
)

// kindNames gives every taxonomy sentinel its stable wire name.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrAcquisition, "AcquisitionError"},
	{ErrResponsiveness, "ResponsivenessError"},
	{ErrBroadcast, "BroadcastError"},
	{ErrDetectionTimeout, "DetectionTimeout"},
	{ErrHarvestEmpty, "HarvestEmptyResult"},
	{ErrUnknownMessageType, "UnknownMessageType"},
	{ErrValidation, "ValidationError"},
	{ErrRateLimited, "RateLimited"},
	{ErrNotFound, "NotFound"},
}

// KindName returns the stable name of err's taxonomy kind, "Cancelled" for
// context cancellation, or "InternalError" for anything else.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled"
	}
	return "InternalError"
}

// KindByName returns the taxonomy sentinel with the given wire name, as
// stored in a flight's ErrorKind.
func KindByName(name string) (error, bool) {
	for _, k := range kindNames {
		if k.name == name {
			return k.err, true
		}
	}
	return nil, false
}

// FlightError is a taxonomy error enriched with the strategy that produced it
// and the time spent before it surfaced.
type FlightError struct {
	Kind     error
	Strategy string
	Elapsed  time.Duration
	Err      error
}

// NewFlightError wraps cause under the given taxonomy kind.
func NewFlightError(kind error, strategy string, elapsed time.Duration, cause error) *FlightError {
	return &FlightError{Kind: kind, Strategy: strategy, Elapsed: elapsed, Err: cause}
}

func (e *FlightError) Error() string {
	msg := e.Kind.Error()
	if e.Strategy != "" {
		msg += fmt.Sprintf(" (strategy=%s, elapsed=%s)", e.Strategy, e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *FlightError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Diagnostics extracts the strategy and elapsed duration from err when it
// carries them.
func Diagnostics(err error) (strategy string, elapsed time.Duration, ok bool) {
	var fe *FlightError
	if !errors.As(err, &fe) {
		return "", 0, false
	}
	return fe.Strategy, fe.Elapsed, true
}

// Retryable reports whether a failed attempt may be retried as a whole flight.
// Cancellation and caller errors never are.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrUnknownMessageType), errors.Is(err, ErrValidation):
		return false
	case errors.Is(err, ErrAcquisition),
		errors.Is(err, ErrResponsiveness),
		errors.Is(err, ErrDetectionTimeout),
		errors.Is(err, ErrBroadcast),
		errors.Is(err, ErrHarvestEmpty):
		return true
	default:
		return false
	}
}
