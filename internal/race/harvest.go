package race

import (
	"context"
	"strings"
	"time"

	"github.com/seantiz/mercury/internal/backoff"
	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

// Harvest strategy names.
const (
	HarvestPoll     = "poll"
	HarvestObserver = "observer"
	HarvestFailsafe = "failsafe"
)

// Harvested is the extracted answer and how it was obtained.
type Harvested struct {
	Text     string        `json:"text"`
	Strategy string        `json:"strategy"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Harvest waits until the answer has stopped streaming, lets it stabilize
// and extracts its text. The poller, the marker observer and the failsafe
// timer race to decide when extraction may start.
func (e *Engine) Harvest(ctx context.Context, hc host.Context, p config.Provider) (Harvested, error) {
	start := time.Now()
	req := host.InspectRequest{
		Method:            p.Harvest.Method,
		StreamingSelector: p.Harvest.StreamingSelector,
		MarkerSelector:    p.Harvest.MarkerSelector,
	}

	branches := []Branch[struct{}]{
		{Name: HarvestPoll, Run: e.pollBranch(hc, p.Timing, req)},
		{Name: HarvestFailsafe, Run: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sleep(ctx, p.Timing.HarvestFailsafe)
		}},
	}
	if p.Harvest.MarkerSelector != "" {
		branches = append(branches, Branch[struct{}]{
			Name: HarvestObserver,
			Run:  observerBranch(hc, p.Harvest.MarkerSelector),
		})
	}

	out, err := Run(ctx, branches...)
	if err != nil {
		raceFailuresTotal.WithLabelValues(phaseHarvest, model.KindName(err)).Inc()
		return Harvested{}, err
	}
	if out.Winner == HarvestFailsafe {
		e.logger.Warn("harvest failsafe fired", "context_id", hc.ID(), "after", out.Elapsed)
	}

	if err := sleep(ctx, p.Timing.Stabilization); err != nil {
		return Harvested{}, err
	}

	snap, err := hc.Inspect(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Harvested{}, ctx.Err()
		}
		ferr := model.NewFlightError(model.ErrResponsiveness, out.Winner, time.Since(start), err)
		raceFailuresTotal.WithLabelValues(phaseHarvest, model.KindName(ferr)).Inc()
		return Harvested{}, ferr
	}

	text := strings.TrimSpace(snap.Text)
	if text == "" {
		ferr := model.NewFlightError(model.ErrHarvestEmpty, out.Winner, time.Since(start), nil)
		raceFailuresTotal.WithLabelValues(phaseHarvest, model.KindName(ferr)).Inc()
		return Harvested{}, ferr
	}

	h := Harvested{Text: text, Strategy: out.Winner, Elapsed: time.Since(start)}
	raceWinsTotal.WithLabelValues(phaseHarvest, out.Winner).Inc()
	raceDuration.WithLabelValues(phaseHarvest).Observe(h.Elapsed.Seconds())
	e.logger.Debug("response harvested",
		"context_id", hc.ID(),
		"strategy", h.Strategy,
		"chars", len(h.Text),
		"elapsed", h.Elapsed,
	)
	return h, nil
}

// pollBranch inspects the context on an exponential schedule and wins as
// soon as the streaming indicator is gone. It abstains once its attempts
// are exhausted, leaving the decision to the failsafe.
func (e *Engine) pollBranch(hc host.Context, t config.Timing, req host.InspectRequest) func(context.Context) (struct{}, error) {
	schedule := backoff.Exponential{Base: t.PollBase, Multiplier: t.PollMultiplier}
	return func(ctx context.Context) (struct{}, error) {
		for attempt := 1; attempt <= t.PollMaxAttempts; attempt++ {
			snap, err := hc.Inspect(ctx, req)
			switch {
			case ctx.Err() != nil:
				return struct{}{}, ctx.Err()
			case err != nil:
				e.logger.Debug("harvest poll failed", "context_id", hc.ID(), "attempt", attempt, "error", err)
			case !snap.Streaming:
				return struct{}{}, nil
			}
			if err := sleep(ctx, schedule.Delay(attempt)); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, ErrAbstain
	}
}

// observerBranch wins when the completion marker appears.
func observerBranch(hc host.Context, selector string) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		w, err := hc.Watch(ctx, host.WatchRequest{Kind: host.SignalMarker, Selector: selector})
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, ErrAbstain
		}
		defer w.Close()

		select {
		case _, ok := <-w.Signals():
			if !ok {
				return struct{}{}, ErrAbstain
			}
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	}
}
