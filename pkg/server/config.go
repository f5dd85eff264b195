package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pulsechat/pulse/pkg/relay"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Auth     AuthSection     `toml:"auth"`
	Presence PresenceSection `toml:"presence"`
	Relay    RelaySection    `toml:"relay"`
	Redis    RedisSection    `toml:"redis"`
	Kafka    KafkaSection    `toml:"kafka"`
}

type ServerSection struct {
	WSPort           int    `toml:"ws_port"`
	MetricsPort      int    `toml:"metrics_port"`
	DatabasePath     string `toml:"database_path"`
	MaxMessageLength int    `toml:"max_message_length"`
	Debug            bool   `toml:"debug"`
}

type AuthSection struct {
	JWTSecret       string `toml:"jwt_secret"`
	TokenQueryParam string `toml:"token_query_param"`
}

type PresenceSection struct {
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
}

type RelaySection struct {
	Driver                     string `toml:"driver"`
	Topic                      string `toml:"topic"`
	ReconnectDelaySeconds      int    `toml:"reconnect_delay_seconds"`
	HealthCheckIntervalSeconds int    `toml:"health_check_interval_seconds"`
	PublishRetryDelayMs        int    `toml:"publish_retry_delay_ms"`
}

type RedisSection struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type KafkaSection struct {
	Brokers []string `toml:"brokers"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			WSPort:           8080,
			MetricsPort:      9090,
			DatabasePath:     "~/.pulse/pulse.db",
			MaxMessageLength: 4096,
			Debug:            false,
		},
		Auth: AuthSection{
			JWTSecret:       "",
			TokenQueryParam: "token",
		},
		Presence: PresenceSection{
			HeartbeatIntervalSeconds: 60,
		},
		Relay: RelaySection{
			Driver:                     "redis",
			Topic:                      "call-signals",
			ReconnectDelaySeconds:      3,
			HealthCheckIntervalSeconds: 30,
			PublishRetryDelayMs:        500,
		},
		Redis: RedisSection{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		Kafka: KafkaSection{
			Brokers: []string{"localhost:9092"},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default if not
// found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			config = applyEnvOverrides(config)
			return config, nil
		}
		config = applyEnvOverrides(config)
		return config, nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config = applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PULSE_SECTION_KEY
// Example: PULSE_SERVER_WS_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("PULSE_SERVER_WS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.WSPort = port
		}
	}
	if val := os.Getenv("PULSE_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("PULSE_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("PULSE_SERVER_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Server.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("PULSE_SERVER_DEBUG"); val != "" {
		if debug, err := strconv.ParseBool(val); err == nil {
			config.Server.Debug = debug
		}
	}

	// Auth section
	if val := os.Getenv("PULSE_AUTH_JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}
	if val := os.Getenv("PULSE_AUTH_TOKEN_QUERY_PARAM"); val != "" {
		config.Auth.TokenQueryParam = val
	}

	// Presence section
	if val := os.Getenv("PULSE_PRESENCE_HEARTBEAT_INTERVAL_SECONDS"); val != "" {
		if interval, err := strconv.Atoi(val); err == nil {
			config.Presence.HeartbeatIntervalSeconds = interval
		}
	}

	// Relay section
	if val := os.Getenv("PULSE_RELAY_DRIVER"); val != "" {
		config.Relay.Driver = val
	}
	if val := os.Getenv("PULSE_RELAY_TOPIC"); val != "" {
		config.Relay.Topic = val
	}
	if val := os.Getenv("PULSE_RELAY_RECONNECT_DELAY_SECONDS"); val != "" {
		if delay, err := strconv.Atoi(val); err == nil {
			config.Relay.ReconnectDelaySeconds = delay
		}
	}
	if val := os.Getenv("PULSE_RELAY_HEALTH_CHECK_INTERVAL_SECONDS"); val != "" {
		if interval, err := strconv.Atoi(val); err == nil {
			config.Relay.HealthCheckIntervalSeconds = interval
		}
	}
	if val := os.Getenv("PULSE_RELAY_PUBLISH_RETRY_DELAY_MS"); val != "" {
		if delay, err := strconv.Atoi(val); err == nil {
			config.Relay.PublishRetryDelayMs = delay
		}
	}

	// Redis section
	if val := os.Getenv("PULSE_REDIS_ADDR"); val != "" {
		config.Redis.Addr = val
	}
	if val := os.Getenv("PULSE_REDIS_PASSWORD"); val != "" {
		config.Redis.Password = val
	}
	if val := os.Getenv("PULSE_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			config.Redis.DB = db
		}
	}

	// Kafka section
	if val := os.Getenv("PULSE_KAFKA_BROKERS"); val != "" {
		brokers := strings.Split(val, ",")
		for i, broker := range brokers {
			brokers[i] = strings.TrimSpace(broker)
		}
		config.Kafka.Brokers = brokers
	}

	return config
}

// Validate checks the configuration for values the server cannot run with.
func (c *TOMLConfig) Validate() error {
	if c.Auth.JWTSecret == "" && !c.Server.Debug {
		return fmt.Errorf("auth.jwt_secret is required (set it in the config file or PULSE_AUTH_JWT_SECRET)")
	}

	switch c.Relay.Driver {
	case "redis", "kafka":
	default:
		return fmt.Errorf("relay.driver must be \"redis\" or \"kafka\", got %q", c.Relay.Driver)
	}

	if c.Relay.Driver == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must list at least one broker when relay.driver is \"kafka\"")
	}

	if c.Presence.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("presence.heartbeat_interval_seconds must be positive, got %d", c.Presence.HeartbeatIntervalSeconds)
	}

	return nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Active settings use defaults, commented settings show available options
	content := `# Pulse Server Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change server behavior
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PULSE_SECTION_KEY (e.g., PULSE_SERVER_WS_PORT=9000)

[server]
# Port for the WebSocket endpoint (/ws)
ws_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Never expose this port publicly. Set to 0 to disable.
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.pulse/pulse.db"

# Maximum message content length in bytes
max_message_length = 4096

# Enable debug logging (also allows running without a JWT secret)
debug = false

[auth]
# Shared secret for verifying connection tokens (HMAC-SHA256 JWT).
# Required unless debug mode is enabled. Prefer the environment variable:
# PULSE_AUTH_JWT_SECRET=...
jwt_secret = ""

# Query string parameter carrying the token on the upgrade request
token_query_param = "token"

[presence]
# How often each connection refreshes its user's presence entry
heartbeat_interval_seconds = 60

[relay]
# Transport for cross-process call signaling: "redis" or "kafka"
driver = "redis"

# Pub/sub topic shared by all server processes
topic = "call-signals"

# Delay before resubscribing after the shared channel drops
reconnect_delay_seconds = 3

# How often the health check verifies the subscription
health_check_interval_seconds = 30

# Delay before the single publish retry after a forced channel recreation
publish_retry_delay_ms = 500

[redis]
addr = "localhost:6379"
password = ""
db = 0

[kafka]
# Uncomment and extend when relay.driver = "kafka":
# brokers = ["localhost:9092"]
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ServerConfig holds the runtime configuration consumed by the Server
type ServerConfig struct {
	WSPort            int
	MetricsPort       int
	MaxMessageLength  int
	HeartbeatInterval time.Duration
	TokenQueryParam   string
	Relay             relay.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		WSPort:            8080,
		MetricsPort:       9090,
		MaxMessageLength:  4096,
		HeartbeatInterval: 60 * time.Second,
		TokenQueryParam:   "token",
		Relay:             relay.DefaultConfig(),
	}
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.WSPort != 0 {
		cfg.WSPort = c.Server.WSPort
	}

	cfg.MetricsPort = c.Server.MetricsPort

	if c.Server.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Server.MaxMessageLength
	}

	if c.Presence.HeartbeatIntervalSeconds != 0 {
		cfg.HeartbeatInterval = time.Duration(c.Presence.HeartbeatIntervalSeconds) * time.Second
	}

	if strings.TrimSpace(c.Auth.TokenQueryParam) != "" {
		cfg.TokenQueryParam = c.Auth.TokenQueryParam
	}

	if strings.TrimSpace(c.Relay.Topic) != "" {
		cfg.Relay.Topic = c.Relay.Topic
	}

	if c.Relay.ReconnectDelaySeconds != 0 {
		cfg.Relay.ReconnectDelay = time.Duration(c.Relay.ReconnectDelaySeconds) * time.Second
	}

	if c.Relay.HealthCheckIntervalSeconds != 0 {
		cfg.Relay.HealthInterval = time.Duration(c.Relay.HealthCheckIntervalSeconds) * time.Second
	}

	if c.Relay.PublishRetryDelayMs != 0 {
		cfg.Relay.PublishRetryDelay = time.Duration(c.Relay.PublishRetryDelayMs) * time.Millisecond
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
