package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Durable message store settings
	Redis     RedisConfig     `toml:"redis"`     // Fast presence store settings
	Routing   RoutingConfig   `toml:"routing"`   // Session routing and assignment settings
	Heartbeat HeartbeatConfig `toml:"heartbeat"` // Connection liveness probing settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS and WebSocket upgrades (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, required for long-lived WebSocket connections)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains durable message store configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Directory for the SQLite database file
}

// RedisConfig contains fast presence store configuration. When disabled,
// an in-process store is used instead; presence state is rebuildable from
// connection events either way.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`  // Use Redis for presence/assignment state instead of the in-memory store
	Addr     string `toml:"addr"`     // Redis address (host:port)
	Password string `toml:"password"` // Redis password (empty for none)
	DB       int    `toml:"db"`       // Redis database number
}

// RoutingConfig contains session routing and assignment settings
type RoutingConfig struct {
	// AgentCapacity is the maximum number of concurrently assigned sessions
	// one agent may hold. An agent is available for new assignment only while
	// online and below this count.
	AgentCapacity int `toml:"agent_capacity"`

	// AllowSessionResume controls whether a customer reconnecting with a
	// prior session id is re-bound to that session (if it has not ended)
	// instead of starting a new one. Defaults to true when unset.
	AllowSessionResume *bool `toml:"allow_session_resume"`

	// AuthTimeoutSecs is how long a new connection may remain unauthenticated
	// before it is closed.
	AuthTimeoutSecs int `toml:"auth_timeout_seconds"`
}

// HeartbeatConfig contains connection liveness probing settings
type HeartbeatConfig struct {
	IntervalSecs int `toml:"interval_seconds"` // Seconds between liveness probes on each connection
	MissedProbes int `toml:"missed_probes"`    // Consecutive missed probes before the connection is treated as disconnected
}

// ResumeEnabled reports whether customer session resume is enabled,
// applying the default when the option is unset.
func (c *RoutingConfig) ResumeEnabled() bool {
	if c.AllowSessionResume == nil {
		return true
	}
	return *c.AllowSessionResume
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills defaults for unset values
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	// Validate AdditionalPorts
	portsSeen := make(map[int]bool)
	portsSeen[c.Server.Port] = true
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}

	// Validate logging config
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("sqlite_base_path is required")
	}

	// Validate redis config
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis db: %d", c.Redis.DB)
	}

	// Validate routing config
	if c.Routing.AgentCapacity < 0 {
		return fmt.Errorf("agent_capacity must be non-negative: %d", c.Routing.AgentCapacity)
	}
	if c.Routing.AgentCapacity == 0 {
		c.Routing.AgentCapacity = 3
	}
	if c.Routing.AuthTimeoutSecs < 0 {
		return fmt.Errorf("auth_timeout_seconds must be non-negative: %d", c.Routing.AuthTimeoutSecs)
	}
	if c.Routing.AuthTimeoutSecs == 0 {
		c.Routing.AuthTimeoutSecs = 10
	}

	// Validate heartbeat config
	if c.Heartbeat.IntervalSecs < 0 {
		return fmt.Errorf("heartbeat interval_seconds must be non-negative: %d", c.Heartbeat.IntervalSecs)
	}
	if c.Heartbeat.IntervalSecs == 0 {
		c.Heartbeat.IntervalSecs = 30
	}
	if c.Heartbeat.MissedProbes < 0 {
		return fmt.Errorf("heartbeat missed_probes must be non-negative: %d", c.Heartbeat.MissedProbes)
	}
	if c.Heartbeat.MissedProbes == 0 {
		c.Heartbeat.MissedProbes = 2
	}

	return nil
}
