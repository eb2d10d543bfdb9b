package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/model"
)

// HarvestResult is the data of a HARVEST_RESPONSE.
type HarvestResult struct {
	Provider  string `json:"provider"`
	ContextID string `json:"context_id"`
	Text      string `json:"text"`
	Strategy  string `json:"strategy"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// harvestResponse reads the answer currently rendered in a provider
// context without submitting a prompt. The context is leased for the
// duration of the harvest so no flight can use it concurrently.
func (h *Handlers) harvestResponse(ctx context.Context, payload json.RawMessage, rc *dispatch.RequestContext) (any, error) {
	p, err := dispatch.Decode[HarvestPayload](payload)
	if err != nil {
		return nil, err
	}
	prov, ok := h.deps.Providers.Get(p.Provider)
	if !ok {
		return nil, unknownProvider(p.Provider)
	}

	lease, err := h.deps.Contexts.Acquire(ctx, prov.Key, "harvest:"+rc.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := h.deps.Harvester.Harvest(ctx, lease.Context, prov)
	if err != nil {
		if errors.Is(err, model.ErrResponsiveness) {
			h.deps.Contexts.MarkError(lease.ID, err.Error())
		} else {
			h.deps.Contexts.Release(lease.ID)
		}
		return nil, err
	}
	h.deps.Contexts.Release(lease.ID)

	return &HarvestResult{
		Provider:  prov.Key,
		ContextID: lease.ID,
		Text:      res.Text,
		Strategy:  res.Strategy,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}, nil
}
