// Package config holds the broker's runtime configuration.
//
// Every knob has a default and an optional environment override; the
// broker is intended to run with no configuration at all.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Server identity reported during the MCP handshake.
const (
	ServerName         = "chatbridge"
	ServerVersion      = "0.1.0"
	MCPProtocolVersion = "2024-11-05"
)

// Config is the full broker configuration.
type Config struct {
	// SocketHost and SocketPort locate the WebSocket listener the browser
	// agent connects to.
	SocketHost string
	SocketPort int

	// MaxConcurrentConnections caps socket admissions; connections beyond
	// the cap are refused with an overload close code.
	MaxConcurrentConnections int

	// ConnectionTimeout is the minimum age before a silent connection is
	// considered stale.
	ConnectionTimeout time.Duration

	// HeartbeatInterval is the ping cadence for socket liveness.
	HeartbeatInterval time.Duration

	// AuthTimeout is how long an unauthenticated connection may exist
	// before it is closed.
	AuthTimeout time.Duration

	// MaxParallelPerService caps concurrently active requests per chat
	// service.
	MaxParallelPerService int

	// RequestTTL is the maximum time an active request may remain
	// unresolved before forced failure.
	RequestTTL time.Duration

	// CompletedRetention is how long terminal requests are kept for
	// diagnostics before the periodic sweep evicts them.
	CompletedRetention time.Duration

	// CleanupInterval is the cadence of the retention sweep.
	CleanupInterval time.Duration

	// TokenLength is the length of the generated security token.
	TokenLength int

	// LogLevel selects the slog level ("debug", "info", "warn", "error").
	LogLevel string
}

// Default returns the configuration used when no environment overrides are
// present.
func Default() *Config {
	return &Config{
		SocketHost:               "localhost",
		SocketPort:               55156,
		MaxConcurrentConnections: 10,
		ConnectionTimeout:        30 * time.Second,
		HeartbeatInterval:        30 * time.Second,
		AuthTimeout:              5 * time.Second,
		MaxParallelPerService:    1,
		RequestTTL:               5 * time.Minute,
		CompletedRetention:       15 * time.Minute,
		CleanupInterval:          5 * time.Minute,
		TokenLength:              32,
		LogLevel:                 "info",
	}
}

// FromEnv returns the default configuration with any environment overrides
// applied. Unparseable numeric values are logged and ignored.
func FromEnv(log *slog.Logger) *Config {
	cfg := Default()

	cfg.SocketHost = envString("WEBSOCKET_HOST", cfg.SocketHost)
	cfg.SocketPort = envInt(log, "WEBSOCKET_PORT", cfg.SocketPort)
	cfg.MaxConcurrentConnections = envInt(log, "MAX_CONCURRENT_CONNECTIONS", cfg.MaxConcurrentConnections)
	cfg.ConnectionTimeout = envMillis(log, "CONNECTION_TIMEOUT_MS", cfg.ConnectionTimeout)
	cfg.HeartbeatInterval = envMillis(log, "HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval)
	cfg.AuthTimeout = envMillis(log, "AUTH_TIMEOUT_MS", cfg.AuthTimeout)
	cfg.MaxParallelPerService = envInt(log, "MAX_PARALLEL_PER_SERVICE", cfg.MaxParallelPerService)
	cfg.RequestTTL = envMillis(log, "REQUEST_TTL_MS", cfg.RequestTTL)
	cfg.CompletedRetention = envMillis(log, "COMPLETED_REQUEST_RETENTION_MS", cfg.CompletedRetention)
	cfg.CleanupInterval = envMillis(log, "CLEANUP_INTERVAL_MS", cfg.CleanupInterval)
	cfg.TokenLength = envInt(log, "TOKEN_LENGTH", cfg.TokenLength)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	if os.Getenv("DEBUG") == "1" || os.Getenv("DEBUG") == "true" {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(log *slog.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn("Ignoring invalid numeric override", "key", key, "value", v)

		return fallback
	}

	return n
}

func envMillis(log *slog.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn("Ignoring invalid numeric override", "key", key, "value", v)

		return fallback
	}

	return time.Duration(n) * time.Millisecond
}
