package model

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewFlightID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewFlightID()
		if !IsFlightID(id) {
			t.Fatalf("IsFlightID(%q) = false", id)
		}
		if seen[id] {
			t.Fatalf("NewFlightID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
	if IsFlightID(NewID()) {
		t.Error("IsFlightID accepted an unprefixed id")
	}
	if IsFlightID("flt_not-a-ulid") {
		t.Error("IsFlightID accepted a malformed id")
	}
}

func TestValidFlightTransition(t *testing.T) {
	tests := []struct {
		from, to FlightState
		want     bool
	}{
		{FlightLaunching, FlightInFlight, true},
		{FlightLaunching, FlightFailed, true},
		{FlightLaunching, FlightCancelled, true},
		{FlightLaunching, FlightCompleted, false},
		{FlightInFlight, FlightCompleted, true},
		{FlightInFlight, FlightFailed, true},
		{FlightInFlight, FlightCancelled, true},
		{FlightInFlight, FlightLaunching, false},
		{FlightFailed, FlightLaunching, true},
		{FlightFailed, FlightInFlight, false},
		{FlightCompleted, FlightLaunching, false},
		{FlightCancelled, FlightLaunching, false},
	}
	for _, tt := range tests {
		if got := ValidFlightTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidFlightTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFlightCloneIsDeep(t *testing.T) {
	end := time.Now()
	d := 5
	f := &Flight{
		ID:         NewFlightID(),
		EndTime:    &end,
		DurationMS: &d,
		Metadata:   FlightMetadata{Extra: map[string]string{"k": "v"}},
		History:    []Transition{{From: FlightLaunching, To: FlightInFlight}},
	}
	c := f.Clone()
	c.Metadata.Extra["k"] = "changed"
	*c.DurationMS = 9
	c.History[0].To = FlightCancelled

	if f.Metadata.Extra["k"] != "v" {
		t.Error("Clone shares the Extra map")
	}
	if *f.DurationMS != 5 {
		t.Error("Clone shares DurationMS")
	}
	if f.History[0].To != FlightInFlight {
		t.Error("Clone shares History")
	}
}

func TestKindName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrAcquisition, "AcquisitionError"},
		{fmt.Errorf("wrap: %w", ErrResponsiveness), "ResponsivenessError"},
		{NewFlightError(ErrDetectionTimeout, SourceTimeout, time.Second, nil), "DetectionTimeout"},
		{NewFlightError(ErrHarvestEmpty, "poll", time.Second, errors.New("blank")), "HarvestEmptyResult"},
		{ErrUnknownMessageType, "UnknownMessageType"},
		{context.Canceled, "Cancelled"},
		{errors.New("boom"), "InternalError"},
	}
	for _, tt := range tests {
		if got := KindName(tt.err); got != tt.want {
			t.Errorf("KindName(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestKindByNameRoundTrip(t *testing.T) {
	for _, k := range kindNames {
		got, ok := KindByName(KindName(k.err))
		if !ok || got != k.err {
			t.Errorf("KindByName(%q) = %v, %v", k.name, got, ok)
		}
	}
	if _, ok := KindByName("InternalError"); ok {
		t.Error("KindByName(InternalError) should not resolve")
	}
}

func TestFlightErrorDiagnostics(t *testing.T) {
	cause := errors.New("selector missing")
	err := fmt.Errorf("attempt 1: %w", NewFlightError(ErrHarvestEmpty, "observer", 1500*time.Millisecond, cause))

	if !errors.Is(err, ErrHarvestEmpty) {
		t.Error("errors.Is(err, ErrHarvestEmpty) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	strategy, elapsed, ok := Diagnostics(err)
	if !ok || strategy != "observer" || elapsed != 1500*time.Millisecond {
		t.Errorf("Diagnostics = (%q, %v, %v), want (observer, 1.5s, true)", strategy, elapsed, ok)
	}
	if _, _, ok := Diagnostics(cause); ok {
		t.Error("Diagnostics reported ok for a plain error")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrAcquisition, true},
		{ErrResponsiveness, true},
		{ErrDetectionTimeout, true},
		{ErrBroadcast, true},
		{ErrHarvestEmpty, true},
		{ErrUnknownMessageType, false},
		{ErrValidation, false},
		{context.Canceled, false},
		{errors.New("other"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []FlightState{FlightCompleted, FlightFailed, FlightCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []FlightState{FlightLaunching, FlightInFlight} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
