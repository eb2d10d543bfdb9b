package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

// Trigger starts the remote operation whose completion is being detected.
// It runs after every detection watch is armed.
type Trigger func(ctx context.Context) error

type armed struct {
	strategy string
	settle   time.Duration
	watch    host.Watch
}

// arm installs a watch for every enabled detection strategy. Strategies the
// context cannot observe are skipped.
func (e *Engine) arm(ctx context.Context, hc host.Context, p config.Provider) ([]armed, error) {
	type plan struct {
		strategy string
		settle   time.Duration
		req      host.WatchRequest
	}
	d := p.Detection
	plans := []plan{
		{config.StrategyNetwork, p.Timing.NetworkSettle, host.WatchRequest{
			Kind:        host.SignalNetwork,
			ContentType: d.NetworkPattern,
			URL:         d.URLPattern,
		}},
		{config.StrategyStructural, p.Timing.StructuralSettle, host.WatchRequest{
			Kind:          host.SignalStructural,
			Hints:         d.StructuralHints,
			Attribute:     d.CompletionAttribute,
			MinTextLength: d.MinTextLength,
		}},
		{config.StrategyExplicit, 0, host.WatchRequest{
			Kind:      host.SignalExplicit,
			Attribute: d.CompletionAttribute,
		}},
	}

	var out []armed
	for _, pl := range plans {
		if !d.Enabled(pl.strategy) {
			continue
		}
		w, err := hc.Watch(ctx, pl.req)
		if errors.Is(err, host.ErrUnsupported) {
			e.logger.Debug("detection strategy unavailable", "context_id", hc.ID(), "strategy", pl.strategy)
			continue
		}
		if err != nil {
			for _, a := range out {
				a.watch.Close()
			}
			return nil, fmt.Errorf("arming %s watch: %w", pl.strategy, err)
		}
		out = append(out, armed{strategy: pl.strategy, settle: pl.settle, watch: w})
	}
	return out, nil
}

// Detect arms the detection watches, fires trigger and races the watches
// against the timeout. Every watch is closed before Detect returns.
func (e *Engine) Detect(ctx context.Context, hc host.Context, flightID string, p config.Provider, timeout time.Duration, trigger Trigger) (model.CompletionSignal, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = p.Timing.FlightTimeout
	}

	watches, err := e.arm(ctx, hc, p)
	if err != nil {
		return model.CompletionSignal{}, model.NewFlightError(model.ErrResponsiveness, "arm", time.Since(start), err)
	}
	defer func() {
		for _, a := range watches {
			a.watch.Close()
		}
	}()

	if err := trigger(ctx); err != nil {
		if ctx.Err() != nil {
			return model.CompletionSignal{}, ctx.Err()
		}
		ferr := model.NewFlightError(model.ErrBroadcast, "broadcast", time.Since(start), err)
		raceFailuresTotal.WithLabelValues(phaseDetect, model.KindName(ferr)).Inc()
		return model.CompletionSignal{}, ferr
	}

	branches := make([]Branch[model.CompletionSignal], 0, len(watches)+1)
	for _, a := range watches {
		branches = append(branches, Branch[model.CompletionSignal]{
			Name: a.strategy,
			Run:  signalBranch(a, flightID),
		})
	}
	branches = append(branches, Branch[model.CompletionSignal]{
		Name: model.SourceTimeout,
		Run: func(ctx context.Context) (model.CompletionSignal, error) {
			if err := sleep(ctx, timeout); err != nil {
				return model.CompletionSignal{}, err
			}
			return model.CompletionSignal{}, model.NewFlightError(model.ErrDetectionTimeout, model.SourceTimeout, timeout, nil)
		},
	})

	out, err := Run(ctx, branches...)
	if err != nil {
		raceFailuresTotal.WithLabelValues(phaseDetect, model.KindName(err)).Inc()
		return model.CompletionSignal{}, err
	}

	raceWinsTotal.WithLabelValues(phaseDetect, out.Winner).Inc()
	raceDuration.WithLabelValues(phaseDetect).Observe(out.Elapsed.Seconds())
	e.logger.Debug("completion detected",
		"flight_id", flightID,
		"context_id", hc.ID(),
		"strategy", out.Winner,
		"elapsed", out.Elapsed,
	)
	return out.Value, nil
}

// signalBranch waits for the first signal on a watch, then for the settle
// window, and reports the completion. A watch closed from the far side
// abstains.
func signalBranch(a armed, flightID string) func(context.Context) (model.CompletionSignal, error) {
	return func(ctx context.Context) (model.CompletionSignal, error) {
		defer a.watch.Close()

		var sig host.Signal
		select {
		case s, ok := <-a.watch.Signals():
			if !ok {
				return model.CompletionSignal{}, ErrAbstain
			}
			sig = s
		case <-ctx.Done():
			return model.CompletionSignal{}, ctx.Err()
		}

		if err := sleep(ctx, a.settle); err != nil {
			return model.CompletionSignal{}, err
		}

		observed := sig.ObservedAt
		if observed.IsZero() {
			observed = time.Now()
		}
		return model.CompletionSignal{
			Source:     a.strategy,
			FlightID:   flightID,
			ObservedAt: observed,
			Metadata:   sig.Meta,
		}, nil
	}
}
