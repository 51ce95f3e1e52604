package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultServerPort      = 8420
	DefaultDatabasePath    = "toolforge.db"
	DefaultAgentTimeout    = 2 * time.Minute
	DefaultAgentMaxRetries = 3
	DefaultLogLevel        = "info"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: DefaultServerPort,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		Agent: AgentConfig{
			Timeout:    DefaultAgentTimeout,
			MaxRetries: DefaultAgentMaxRetries,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Load reads and parses a toolforge.yaml config file.
// If the file doesn't exist, returns the default config.
// Applies defaults for any missing fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that all config values are valid.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if cfg.Database.Path == "" {
		return ValidationError{Field: "database.path", Message: "must not be empty"}
	}
	if cfg.Agent.Timeout <= 0 {
		return ValidationError{Field: "agent.timeout", Message: "must be positive"}
	}
	if cfg.Agent.MaxRetries < 0 {
		return ValidationError{Field: "agent.max_retries", Message: "must not be negative"}
	}
	return nil
}
