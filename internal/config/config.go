package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "mercury.db"
	defaultHealthInterval = 30 * time.Second
	defaultErrorGrace     = 5 * time.Second
	defaultSweepInterval  = time.Minute
	defaultRateBurst      = 20

	envListenAddr     = "MERCURY_LISTEN_ADDR"
	envDBPath         = "MERCURY_DB_PATH"
	envLogLevel       = "MERCURY_LOG_LEVEL"
	envProvidersFile  = "MERCURY_PROVIDERS_FILE"
	envBridgeSocket   = "MERCURY_BRIDGE_SOCKET"
	envHealthInterval = "MERCURY_HEALTH_INTERVAL"
	envErrorGrace     = "MERCURY_ERROR_GRACE"
	envSweepInterval  = "MERCURY_SWEEP_INTERVAL"
	envRateLimit      = "MERCURY_RATE_LIMIT"
	envRateBurst      = "MERCURY_RATE_BURST"
)

// Config holds service configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	ProvidersFile string

	// BridgeSocket is the Unix socket the native-messaging relay connects to.
	// Setting MERCURY_BRIDGE_SOCKET to "off" leaves it empty, which disables
	// the socket listener; the WebSocket bridge stays available.
	BridgeSocket string

	HealthInterval time.Duration
	ErrorGrace     time.Duration
	SweepInterval  time.Duration

	// RateLimit is the sustained dispatch rate in messages per second; zero
	// disables limiting.
	RateLimit float64
	RateBurst int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		HealthInterval: defaultHealthInterval,
		ErrorGrace:     defaultErrorGrace,
		SweepInterval:  defaultSweepInterval,
		RateBurst:      defaultRateBurst,
		BridgeSocket:   DefaultBridgeSocket(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envProvidersFile); v != "" {
		cfg.ProvidersFile = v
	}
	switch v := os.Getenv(envBridgeSocket); v {
	case "":
	case "off":
		cfg.BridgeSocket = ""
	default:
		cfg.BridgeSocket = v
	}
	cfg.HealthInterval = parseDurationEnv(envHealthInterval, cfg.HealthInterval)
	cfg.SweepInterval = parseDurationEnv(envSweepInterval, cfg.SweepInterval)

	// A zero grace period is meaningful (dispose immediately), so only
	// unparsable values fall back to the default.
	if v := os.Getenv(envErrorGrace); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.ErrorGrace = d
		}
	}
	if v := os.Getenv(envRateLimit); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 {
			cfg.RateLimit = r
		}
	}
	if v := os.Getenv(envRateBurst); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateBurst = n
		}
	}

	return cfg
}

// DefaultBridgeSocket is where the server listens for, and the native host
// dials, the bridge when MERCURY_BRIDGE_SOCKET is unset.
func DefaultBridgeSocket() string {
	return filepath.Join(os.TempDir(), "mercury-bridge.sock")
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
