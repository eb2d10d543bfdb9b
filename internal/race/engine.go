package race

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

// Engine runs detection and harvest races against worker contexts. It holds
// no per-flight state and is safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an engine that logs through logger.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Result is the outcome of a complete detect-then-harvest cycle.
type Result struct {
	Signal  model.CompletionSignal `json:"signal"`
	Harvest Harvested              `json:"harvest"`
	Elapsed time.Duration          `json:"elapsed"`
}

// Run detects completion of the operation started by trigger and then
// harvests the answer. A zero timeout uses the provider's flight timeout.
func (e *Engine) Run(ctx context.Context, hc host.Context, flightID string, p config.Provider, timeout time.Duration, trigger Trigger) (Result, error) {
	start := time.Now()

	sig, err := e.Detect(ctx, hc, flightID, p, timeout, trigger)
	if err != nil {
		return Result{}, err
	}

	h, err := e.Harvest(ctx, hc, p)
	if err != nil {
		return Result{}, err
	}

	return Result{Signal: sig, Harvest: h, Elapsed: time.Since(start)}, nil
}

// BroadcastTrigger returns a trigger that submits prompt with the provider's
// broadcast steps.
func BroadcastTrigger(hc host.Context, p config.Provider, prompt string) Trigger {
	return func(ctx context.Context) error {
		return hc.Broadcast(ctx, host.BroadcastRequest{Prompt: prompt, Steps: p.Broadcast})
	}
}
