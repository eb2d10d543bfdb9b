// testserver starts a mercury server on a simulated browser host for E2E
// testing. It serves three providers: "echo" answers every prompt, "slow"
// never signals completion, and "broken" fails every broadcast.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/mercury/internal/app"
	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/host/hosttest"
	"github.com/seantiz/mercury/internal/store"
)

const (
	echoURL   = "https://echo.test/"
	slowURL   = "https://slow.test/"
	brokenURL = "https://broken.test/"
)

func provider(key, url string, flightTimeout time.Duration) config.Provider {
	timing := config.DefaultTiming()
	timing.FlightTimeout = flightTimeout
	timing.NetworkSettle = 50 * time.Millisecond
	timing.StructuralSettle = 50 * time.Millisecond
	timing.PollBase = 20 * time.Millisecond
	timing.HarvestFailsafe = time.Second
	timing.Stabilization = 10 * time.Millisecond
	timing.RetryBase = 50 * time.Millisecond
	timing.LoadPollInterval = 20 * time.Millisecond

	return config.Provider{
		Key:     key,
		Name:    key,
		BaseURL: url,
		Match:   url + "*",
		Timing:  timing,
		Broadcast: []config.Step{
			config.FocusStep{Selector: "#prompt"},
			config.FillStep{Selector: "#prompt"},
			config.KeyStep{Selector: "#prompt", Key: "Enter"},
		},
		Harvest: config.Harvest{
			Method:            config.TextHarvest{Selector: ".answer"},
			StreamingSelector: ".streaming",
		},
	}
}

func main() {
	cfg := config.Load()
	if os.Getenv("MERCURY_DB_PATH") == "" {
		cfg.DBPath = ":memory:"
	}
	cfg.BridgeSocket = ""
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	providers, err := config.NewProviders(
		provider("echo", echoURL, 5*time.Second),
		provider("slow", slowURL, 30*time.Second),
		provider("broken", brokenURL, 5*time.Second),
	)
	if err != nil {
		log.Fatalf("invalid providers: %v", err)
	}

	h := hosttest.New(hosttest.Behavior{})
	h.LoadDelay = 100 * time.Millisecond
	h.SetBehavior(echoURL, hosttest.Behavior{
		Emit:         []hosttest.Emission{{Kind: host.SignalNetwork, After: 200 * time.Millisecond}},
		StreamingFor: 150 * time.Millisecond,
		Text:         "hello from echo",
	})
	h.SetBehavior(slowURL, hosttest.Behavior{StreamingFor: time.Hour})
	h.SetBehavior(brokenURL, hosttest.Behavior{BroadcastErr: errors.New("composer not found")})

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	a, err := app.New(app.Options{
		Config:    cfg,
		Providers: providers,
		Store:     db,
		Logger:    logger,
		Version:   "testserver",
		Host:      h,
	})
	if err != nil {
		log.Fatalf("failed to assemble service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
