package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/mercury/internal/app"
	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host/bridge"
	"github.com/seantiz/mercury/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("mercury: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"providers_file", cfg.ProvidersFile,
		"bridge_socket", cfg.BridgeSocket,
	)

	if cfg.ProvidersFile == "" {
		log.Fatal("MERCURY_PROVIDERS_FILE is required")
	}
	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("failed to load providers: %v", err)
	}
	logger.Info("providers loaded", "providers", providers.Keys())

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
		Version:   version,
		Bridge:    bridge.New(bridge.Options{}, logger.With("component", "bridge")),
	})
	if err != nil {
		log.Fatalf("failed to assemble service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
