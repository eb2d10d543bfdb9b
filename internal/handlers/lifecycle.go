package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

// Readiness summarizes whether a provider can take a flight now.
type Readiness struct {
	Provider       string `json:"provider"`
	Ready          bool   `json:"ready"`
	AgentConnected bool   `json:"agent_connected"`
	OpenInstances  int    `json:"open_instances"`
	Idle           int    `json:"idle"`
	Busy           int    `json:"busy"`
	Creating       int    `json:"creating"`
	Errored        int    `json:"errored"`
	Capacity       int    `json:"capacity"`
	Error          string `json:"error,omitempty"`
}

// RecoveryResult is the data of an ATTEMPT_RECOVERY.
type RecoveryResult struct {
	Recovered []string          `json:"recovered"`
	Failed    []RecoveryFailure `json:"failed"`
}

// RecoveryFailure names a context that did not answer its probe.
type RecoveryFailure struct {
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
}

// Tab is one host instance matching a provider, annotated with its pool
// state when the pool tracks it.
type Tab struct {
	host.Instance
	Provider  string             `json:"provider"`
	PoolState model.ContextState `json:"pool_state,omitempty"`
}

// ResetResult is the data of a RESET_SESSION.
type ResetResult struct {
	Provider  string `json:"provider"`
	Removed   int    `json:"removed"`
	Cancelled int    `json:"cancelled"`
}

// Pong is the data of a PING.
type Pong struct {
	Pong      bool      `json:"pong"`
	Time      time.Time `json:"time"`
	Version   string    `json:"version,omitempty"`
	Providers []string  `json:"providers"`
}

func (h *Handlers) checkReadiness(ctx context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[ProviderPayload](payload)
	if err != nil {
		return nil, err
	}
	provs, err := h.providers(p.Provider)
	if err != nil {
		return nil, err
	}

	contexts := h.deps.Contexts.List()
	out := make([]Readiness, 0, len(provs))
	for _, prov := range provs {
		r := Readiness{Provider: prov.Key, Capacity: prov.MaxContexts, AgentConnected: true}
		for _, wc := range contexts {
			if wc.ProviderKey != prov.Key {
				continue
			}
			switch wc.State {
			case model.ContextIdle:
				r.Idle++
			case model.ContextBusy:
				r.Busy++
			case model.ContextCreating:
				r.Creating++
			case model.ContextError:
				r.Errored++
			}
		}

		instances, err := h.deps.Host.Query(ctx, prov.Match)
		switch {
		case errors.Is(err, host.ErrNoAgent):
			r.AgentConnected = false
		case err != nil:
			r.Error = err.Error()
		default:
			r.OpenInstances = len(instances)
		}
		live := r.Idle + r.Busy + r.Creating
		r.Ready = r.AgentConnected && r.Error == "" && (r.Idle > 0 || live < r.Capacity)
		out = append(out, r)
	}
	return out, nil
}

func (h *Handlers) attemptRecovery(ctx context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[RecoveryPayload](payload)
	if err != nil {
		return nil, err
	}

	var ids []string
	if p.ContextID != "" {
		ids = []string{p.ContextID}
	} else {
		if _, ok := h.deps.Providers.Get(p.Provider); !ok {
			return nil, unknownProvider(p.Provider)
		}
		for _, wc := range h.deps.Contexts.List() {
			if wc.ProviderKey == p.Provider && wc.State == model.ContextError {
				ids = append(ids, wc.ID)
			}
		}
	}

	out := &RecoveryResult{Recovered: []string{}, Failed: []RecoveryFailure{}}
	for _, id := range ids {
		if err := h.deps.Contexts.Recover(ctx, id); err != nil {
			if p.ContextID != "" && errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			out.Failed = append(out.Failed, RecoveryFailure{ContextID: id, Error: err.Error()})
			continue
		}
		out.Recovered = append(out.Recovered, id)
	}
	h.deps.Logger.Info("recovery attempted", "recovered", len(out.Recovered), "failed", len(out.Failed))
	return out, nil
}

func (h *Handlers) getAvailableTabs(ctx context.Context, payload json.RawMessage, _ *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[ProviderPayload](payload)
	if err != nil {
		return nil, err
	}
	provs, err := h.providers(p.Provider)
	if err != nil {
		return nil, err
	}

	pooled := make(map[string]model.ContextState)
	for _, wc := range h.deps.Contexts.List() {
		pooled[wc.ID] = wc.State
	}

	tabs := []Tab{}
	for _, prov := range provs {
		instances, err := h.deps.Host.Query(ctx, prov.Match)
		if err != nil {
			return nil, fmt.Errorf("query %s instances: %w", prov.Key, err)
		}
		for _, inst := range instances {
			tabs = append(tabs, Tab{Instance: inst, Provider: prov.Key, PoolState: pooled[inst.ID]})
		}
	}
	return tabs, nil
}

func (h *Handlers) resetSession(_ context.Context, payload json.RawMessage, rc *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[ResetPayload](payload)
	if err != nil {
		return nil, err
	}
	if _, ok := h.deps.Providers.Get(p.Provider); !ok {
		return nil, unknownProvider(p.Provider)
	}

	out := &ResetResult{Provider: p.Provider}
	if p.CancelFlights {
		for _, f := range h.deps.Flights.List() {
			if f.ProviderKey != p.Provider || f.State.Terminal() {
				continue
			}
			if _, err := h.deps.Flights.Cancel(f.ID, "session reset"); err == nil {
				out.Cancelled++
			}
		}
	}
	out.Removed = h.deps.Contexts.Reset(p.Provider)
	h.deps.Logger.Info("session reset",
		"request_id", rc.RequestID,
		"provider", p.Provider,
		"removed", out.Removed,
		"cancelled", out.Cancelled,
	)
	return out, nil
}

func (h *Handlers) ping(context.Context, json.RawMessage, *dispatch.RequestContext) (any, error) {
	return &Pong{
		Pong:      true,
		Time:      time.Now().UTC(),
		Version:   h.deps.Version,
		Providers: h.deps.Providers.Keys(),
	}, nil
}
