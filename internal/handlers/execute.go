package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/model"
)

// ExecuteResult is the data of a completed EXECUTE_PROMPT.
type ExecuteResult struct {
	FlightID   string `json:"flight_id"`
	Provider   string `json:"provider"`
	Text       string `json:"text"`
	Strategy   string `json:"strategy"`
	DurationMS int    `json:"duration_ms"`
	Retries    int    `json:"retries"`
}

// ProviderResult is one provider's outcome within a BROADCAST_PROMPT.
type ProviderResult struct {
	Provider string         `json:"provider"`
	Success  bool           `json:"success"`
	Result   *ExecuteResult `json:"result,omitempty"`
	FlightID string         `json:"flight_id,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
}

// BroadcastResult is the data of a BROADCAST_PROMPT.
type BroadcastResult struct {
	Results   []ProviderResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

func (h *Handlers) executePrompt(ctx context.Context, payload json.RawMessage, rc *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[ExecutePayload](payload)
	if err != nil {
		return nil, err
	}
	opts := flight.LaunchOptions{TimeoutMS: p.TimeoutMS, MaxRetries: p.MaxRetries, Metadata: withRequest(p.Metadata, rc)}

	if p.Async {
		return h.deps.Flights.Launch(ctx, p.Provider, p.Prompt, opts)
	}
	return h.execute(ctx, p.Provider, p.Prompt, opts)
}

// execute launches a flight and waits for it. A caller that gives up
// cancels the flight rather than leaving it to run unobserved.
func (h *Handlers) execute(ctx context.Context, providerKey, prompt string, opts flight.LaunchOptions) (*ExecuteResult, error) {
	f, err := h.deps.Flights.Launch(ctx, providerKey, prompt, opts)
	if err != nil {
		return nil, err
	}

	done, err := h.deps.Flights.Wait(ctx, f.ID)
	if err != nil {
		if ctx.Err() != nil {
			if _, cerr := h.deps.Flights.Cancel(f.ID, "request abandoned"); cerr != nil && !errors.Is(cerr, flight.ErrInvalidTransition) {
				h.deps.Logger.Warn("cancel abandoned flight", "flight_id", f.ID, "error", cerr)
			}
		}
		return nil, fmt.Errorf("wait for flight %s: %w", f.ID, err)
	}
	if done.State != model.FlightCompleted {
		return nil, flightFailure(done)
	}
	return executeResult(done), nil
}

func executeResult(f *model.Flight) *ExecuteResult {
	r := &ExecuteResult{
		FlightID: f.ID,
		Provider: f.ProviderKey,
		Text:     f.Result,
		Strategy: f.Strategy,
		Retries:  f.Metadata.RetryCount,
	}
	if f.DurationMS != nil {
		r.DurationMS = *f.DurationMS
	}
	return r
}

// flightFailure rebuilds a taxonomy error from a FAILED or CANCELLED
// flight so the response carries its kind, strategy and duration.
func flightFailure(f *model.Flight) error {
	var elapsed time.Duration
	if f.DurationMS != nil {
		elapsed = time.Duration(*f.DurationMS) * time.Millisecond
	}
	cause := fmt.Errorf("flight %s %s after %d attempt(s): %s", f.ID, f.State, f.Metadata.RetryCount+1, f.Error)
	if f.State == model.FlightCancelled {
		return fmt.Errorf("%w: %w", context.Canceled, cause)
	}
	kind, ok := model.KindByName(f.ErrorKind)
	if !ok {
		return cause
	}
	return model.NewFlightError(kind, f.Strategy, elapsed, cause)
}

func (h *Handlers) broadcastPrompt(ctx context.Context, payload json.RawMessage, rc *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[BroadcastPayload](payload)
	if err != nil {
		return nil, err
	}
	keys := p.Providers
	if len(keys) == 0 {
		keys = h.deps.Providers.Keys()
	}
	for _, k := range keys {
		if _, ok := h.deps.Providers.Get(k); !ok {
			return nil, unknownProvider(k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", model.ErrValidation)
	}

	results := make([]ProviderResult, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			opts := flight.LaunchOptions{TimeoutMS: p.TimeoutMS, MaxRetries: p.MaxRetries, Metadata: withRequest(nil, rc)}
			res, err := h.execute(ctx, key, p.Prompt, opts)
			results[i] = providerResult(key, res, err)
			return nil
		})
	}
	_ = g.Wait()

	out := &BroadcastResult{Results: results}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	if out.Succeeded == 0 {
		err := fmt.Errorf("broadcast: all %d providers failed: %s", len(keys), results[0].Error)
		if kind, ok := model.KindByName(results[0].Code); ok {
			err = fmt.Errorf("%w: %w", kind, err)
		}
		return nil, err
	}
	h.deps.Logger.Info("broadcast finished",
		"request_id", rc.RequestID,
		"providers", len(keys),
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)
	return out, nil
}

func providerResult(key string, res *ExecuteResult, err error) ProviderResult {
	if err == nil {
		return ProviderResult{Provider: key, Success: true, Result: res, FlightID: res.FlightID}
	}
	r := ProviderResult{Provider: key, Error: err.Error(), Code: model.KindName(err)}
	if strategy, _, ok := model.Diagnostics(err); ok {
		r.Strategy = strategy
	}
	return r
}

// withRequest tags flight metadata with the originating request.
func withRequest(meta map[string]string, rc *dispatch.RequestContext) map[string]string {
	out := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["request_id"] = rc.RequestID
	if rc.Sender.ID != "" {
		out["sender_id"] = rc.Sender.ID
	}
	return out
}
