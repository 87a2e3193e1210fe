package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the structure of the client config file
type Config struct {
	Server     ServerSection     `toml:"server"`
	Connection ConnectionSection `toml:"connection"`
	Client     ClientSection     `toml:"client"`
}

type ServerSection struct {
	WSURL      string `toml:"ws_url"`
	HistoryURL string `toml:"history_url"`
	AuthToken  string `toml:"auth_token"`
}

type ConnectionSection struct {
	ReconnectInitialMS      int     `toml:"reconnect_initial_ms"`
	ReconnectMaxMS          int     `toml:"reconnect_max_ms"`
	ReconnectJitter         float64 `toml:"reconnect_jitter"`
	MaxReconnectAttempts    int     `toml:"max_reconnect_attempts"`
	PingIntervalSeconds     int     `toml:"ping_interval_seconds"`
	HandshakeTimeoutSeconds int     `toml:"handshake_timeout_seconds"`
	SendRatePerSecond       int     `toml:"send_rate_per_second"`
}

type ClientSection struct {
	UserID      string `toml:"user_id"`
	StatePath   string `toml:"state_path"`
	MetricsAddr string `toml:"metrics_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			WSURL:      "ws://localhost:3000/ws",
			HistoryURL: "http://localhost:3000/api",
		},
		Connection: ConnectionSection{
			ReconnectInitialMS:      1000,
			ReconnectMaxMS:          30000,
			ReconnectJitter:         0.5,
			MaxReconnectAttempts:    0, // 0 = keep trying
			PingIntervalSeconds:     30,
			HandshakeTimeoutSeconds: 10,
			SendRatePerSecond:       0, // 0 = unlimited
		},
		Client: ClientSection{
			StatePath: "~/.teamchat/state.db",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, and applies environment variable overrides
func LoadConfig(path string) (Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A read-only home directory should not stop the client
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: TEAMCHAT_SECTION_KEY
// Example: TEAMCHAT_SERVER_WS_URL=wss://chat.example.com/ws
func applyEnvOverrides(config Config) Config {
	// Server section
	if val := os.Getenv("TEAMCHAT_SERVER_WS_URL"); val != "" {
		config.Server.WSURL = val
	}
	if val := os.Getenv("TEAMCHAT_SERVER_HISTORY_URL"); val != "" {
		config.Server.HistoryURL = val
	}
	if val := os.Getenv("TEAMCHAT_SERVER_AUTH_TOKEN"); val != "" {
		config.Server.AuthToken = val
	}

	// Connection section
	envInt("TEAMCHAT_CONNECTION_RECONNECT_INITIAL_MS", &config.Connection.ReconnectInitialMS)
	envInt("TEAMCHAT_CONNECTION_RECONNECT_MAX_MS", &config.Connection.ReconnectMaxMS)
	if val := os.Getenv("TEAMCHAT_CONNECTION_RECONNECT_JITTER"); val != "" {
		if jitter, err := strconv.ParseFloat(val, 64); err == nil {
			config.Connection.ReconnectJitter = jitter
		}
	}
	envInt("TEAMCHAT_CONNECTION_MAX_RECONNECT_ATTEMPTS", &config.Connection.MaxReconnectAttempts)
	envInt("TEAMCHAT_CONNECTION_PING_INTERVAL_SECONDS", &config.Connection.PingIntervalSeconds)
	envInt("TEAMCHAT_CONNECTION_HANDSHAKE_TIMEOUT_SECONDS", &config.Connection.HandshakeTimeoutSeconds)
	envInt("TEAMCHAT_CONNECTION_SEND_RATE_PER_SECOND", &config.Connection.SendRatePerSecond)

	// Client section
	if val := os.Getenv("TEAMCHAT_CLIENT_USER_ID"); val != "" {
		config.Client.UserID = val
	}
	if val := os.Getenv("TEAMCHAT_CLIENT_STATE_PATH"); val != "" {
		config.Client.StatePath = val
	}
	if val := os.Getenv("TEAMCHAT_CLIENT_METRICS_ADDR"); val != "" {
		config.Client.MetricsAddr = val
	}

	return config
}

func envInt(name string, dst *int) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	if n, err := strconv.Atoi(val); err == nil {
		*dst = n
	}
}

// ConnectionOptions converts the [connection] section to Options.
// Non-positive durations fall back to the defaults.
func (c *Config) ConnectionOptions() Options {
	opts := DefaultOptions()

	if c.Connection.ReconnectInitialMS > 0 {
		opts.ReconnectInitial = time.Duration(c.Connection.ReconnectInitialMS) * time.Millisecond
	}
	if c.Connection.ReconnectMaxMS > 0 {
		opts.ReconnectMax = time.Duration(c.Connection.ReconnectMaxMS) * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = opts.ReconnectInitial
	}
	if c.Connection.ReconnectJitter >= 0 && c.Connection.ReconnectJitter <= 1 {
		opts.ReconnectJitter = c.Connection.ReconnectJitter
	}
	if c.Connection.MaxReconnectAttempts >= 0 {
		opts.MaxReconnectAttempts = c.Connection.MaxReconnectAttempts
	}
	if c.Connection.PingIntervalSeconds >= 0 {
		opts.PingInterval = time.Duration(c.Connection.PingIntervalSeconds) * time.Second
	}
	if c.Connection.SendRatePerSecond >= 0 {
		opts.SendRate = c.Connection.SendRatePerSecond
	}

	return opts
}

// HandshakeTimeout returns the websocket handshake timeout
func (c *Config) HandshakeTimeout() time.Duration {
	if c.Connection.HandshakeTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Connection.HandshakeTimeoutSeconds) * time.Second
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Teamchat client configuration
# This file was auto-generated with default values
#
# Environment variables can override these settings:
# TEAMCHAT_SECTION_KEY (e.g., TEAMCHAT_SERVER_WS_URL=wss://chat.example.com/ws)

[server]
# Websocket endpoint for real-time events
ws_url = "ws://localhost:3000/ws"

# Base URL of the REST API; history is fetched from {history_url}/channels/{id}/messages
history_url = "http://localhost:3000/api"

# Bearer token sent with the websocket handshake and history requests
# auth_token = ""

[connection]
# First reconnect delay, doubled after every failed attempt
reconnect_initial_ms = 1000

# Upper bound for the reconnect delay
reconnect_max_ms = 30000

# Randomize each delay by +/- this fraction (0 to 1)
reconnect_jitter = 0.5

# Give up after this many failed reconnect attempts (0 = keep trying)
max_reconnect_attempts = 0

# Keep-alive ping interval while connected (0 = disabled)
ping_interval_seconds = 30

# Websocket handshake timeout
handshake_timeout_seconds = 10

# Maximum outgoing frames per second (0 = unlimited)
send_rate_per_second = 0

[client]
# Your user id; your own messages always scroll into view
# user_id = ""

# SQLite file holding read positions
state_path = "~/.teamchat/state.db"

# Serve Prometheus metrics on this address (empty = disabled)
# metrics_addr = "127.0.0.1:9464"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
