// Package config defines the toolforged configuration file format and
// loading with defaults and validation.
package config

import "time"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the SQLite store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds settings for the generation agent collaborator.
// Endpoint empty means the built-in mock agent is used.
type AgentConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config represents the toolforge.yaml file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}
