// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Content    ContentConfig    `yaml:"content"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AssignmentConfig holds assignment and presence timing configuration
type AssignmentConfig struct {
	AvailabilityTimeout time.Duration `yaml:"-"`
	ReconnectDebounce   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AvailabilityTimeoutRaw string `yaml:"availability_timeout"`
	ReconnectDebounceRaw   string `yaml:"reconnect_debounce"`
}

// ContentConfig selects the built-in message text middlewares
type ContentConfig struct {
	Sanitize bool `yaml:"sanitize"`
	Markdown bool `yaml:"markdown"`
}

// EventsConfig holds the optional AMQP lifecycle event publisher
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8080"},
		Assignment: AssignmentConfig{
			AvailabilityTimeout: time.Second,
		},
		Content: ContentConfig{Sanitize: true},
		Events:  EventsConfig{Exchange: "support.chat"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Events.Enabled {
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required when events are enabled")
		}
		if c.Events.Exchange == "" {
			return fmt.Errorf("events.exchange is required when events are enabled")
		}
	}
	if c.Assignment.AvailabilityTimeout < 0 {
		return fmt.Errorf("assignment.availability_timeout must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Assignment.AvailabilityTimeoutRaw != "" {
		cfg.Assignment.AvailabilityTimeout, err = time.ParseDuration(cfg.Assignment.AvailabilityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing availability_timeout %q: %w", cfg.Assignment.AvailabilityTimeoutRaw, err)
		}
	}

	if cfg.Assignment.ReconnectDebounceRaw != "" {
		cfg.Assignment.ReconnectDebounce, err = time.ParseDuration(cfg.Assignment.ReconnectDebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_debounce %q: %w", cfg.Assignment.ReconnectDebounceRaw, err)
		}
	}

	return nil
}
