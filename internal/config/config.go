// ABOUTME: Configuration loading and parsing for wisp-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default limits applied when the config file omits them.
const (
	DefaultMaxMessageBytes = 64 * 1024
	DefaultRateWindow      = 60 * time.Second
	DefaultRateMaxMessages = 20
	DefaultHistoryLimit    = 200
	DefaultAgentTurnLimit  = 50

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDrainTimeout      = 10 * time.Second

	DefaultSessionKey = "main"
)

// Config represents the complete wisp-gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Backend BackendConfig `yaml:"backend"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GatewayConfig holds connection supervision configuration
type GatewayConfig struct {
	// Token is the shared-secret bearer token clients must present.
	// Empty disables the check.
	Token string `yaml:"token"`

	// DefaultSessionKey is the session created on connect when the client
	// names none.
	DefaultSessionKey string `yaml:"default_session_key"`

	HeartbeatInterval time.Duration `yaml:"-"`
	DrainTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	DrainTimeoutRaw      string `yaml:"drain_timeout"`
}

// BackendConfig holds the inference backend connection settings
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// LimitsConfig holds admission control and history bounds
type LimitsConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes"`
	RateMaxMessages int `yaml:"rate_max_messages"`
	HistoryLimit    int `yaml:"history_limit"`
	AgentTurnLimit  int `yaml:"agent_turn_limit"`

	RateWindow time.Duration `yaml:"-"`

	RateWindowRaw string `yaml:"rate_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults are
// applied for any field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Gateway.DefaultSessionKey == "" {
		c.Gateway.DefaultSessionKey = DefaultSessionKey
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Gateway.DrainTimeout == 0 {
		c.Gateway.DrainTimeout = DefaultDrainTimeout
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:11434/v1"
	}
	if c.Backend.Model == "" {
		c.Backend.Model = "default"
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Limits.RateWindow == 0 {
		c.Limits.RateWindow = DefaultRateWindow
	}
	if c.Limits.RateMaxMessages == 0 {
		c.Limits.RateMaxMessages = DefaultRateMaxMessages
	}
	if c.Limits.HistoryLimit == 0 {
		c.Limits.HistoryLimit = DefaultHistoryLimit
	}
	if c.Limits.AgentTurnLimit == 0 {
		c.Limits.AgentTurnLimit = DefaultAgentTurnLimit
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Limits.MaxMessageBytes < 0 {
		return fmt.Errorf("limits.max_message_bytes must not be negative")
	}
	if c.Limits.RateMaxMessages < 0 {
		return fmt.Errorf("limits.rate_max_messages must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.HeartbeatIntervalRaw != "" {
		cfg.Gateway.HeartbeatInterval, err = time.ParseDuration(cfg.Gateway.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Gateway.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Gateway.DrainTimeoutRaw != "" {
		cfg.Gateway.DrainTimeout, err = time.ParseDuration(cfg.Gateway.DrainTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing drain_timeout %q: %w", cfg.Gateway.DrainTimeoutRaw, err)
		}
	}

	if cfg.Backend.TimeoutRaw != "" {
		cfg.Backend.Timeout, err = time.ParseDuration(cfg.Backend.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing backend timeout %q: %w", cfg.Backend.TimeoutRaw, err)
		}
	}

	if cfg.Limits.RateWindowRaw != "" {
		cfg.Limits.RateWindow, err = time.ParseDuration(cfg.Limits.RateWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_window %q: %w", cfg.Limits.RateWindowRaw, err)
		}
	}

	return nil
}
