// mercury-native is the native-messaging host the browser extension
// launches. It relays length-prefixed frames between the extension on
// stdin/stdout and the mercury server's bridge, over the bridge Unix socket
// or, when MERCURY_BRIDGE_URL is set, a WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"

	"github.com/seantiz/mercury/internal/backoff"
	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host/bridge"
)

const (
	envBridgeURL = "MERCURY_BRIDGE_URL"
	dialAttempts = 6
)

// The browser may start the relay before the server is listening.
var dialBackoff = backoff.Exponential{Base: 250 * time.Millisecond, Multiplier: 2, Max: 4 * time.Second}

func main() {
	cfg := config.Load()
	// Stdout carries the protocol, so logs go to stderr, which the browser
	// forwards to its own log.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("component", "native")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect to mercury", "error", err)
		os.Exit(1)
	}

	// The browser passes the caller's origin as the first argument.
	origin := ""
	if len(os.Args) > 1 {
		origin = os.Args[1]
	}
	logger.Info("relay started", "origin", origin)

	if err := bridge.Relay(ctx, bridge.NewStdioTransport(), server, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func dialWithRetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (bridge.Transport, error) {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		t, err := dial(ctx, cfg)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if attempt == dialAttempts {
			break
		}
		delay := dialBackoff.Delay(attempt)
		logger.Warn("bridge dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dial bridge after %d attempts: %w", dialAttempts, lastErr)
}

func dial(ctx context.Context, cfg config.Config) (bridge.Transport, error) {
	if url := os.Getenv(envBridgeURL); url != "" {
		conn, _, _, err := ws.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return bridge.NewClientWS(conn), nil
	}

	if cfg.BridgeSocket == "" {
		return nil, errors.New("bridge socket disabled and MERCURY_BRIDGE_URL unset")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.BridgeSocket)
	if err != nil {
		return nil, err
	}
	return bridge.NewFrameTransport(conn), nil
}
