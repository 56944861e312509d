// Package config loads mongoengine settings from defaults, files, secrets,
// environment variables, and command-line flags.
package config

import (
	"net/url"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Engine        EngineConfig        `mapstructure:"engine" yaml:"engine"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// DatabaseConfig configures the MongoDB connection and the bound collection.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	DatabaseName   string        `mapstructure:"database_name" yaml:"database_name"`
	Collection     string        `mapstructure:"collection" yaml:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
}

// EngineConfig configures the document engine.
type EngineConfig struct {
	IDProperty     string               `mapstructure:"id_property" yaml:"id_property"`
	StreamBuffer   int                  `mapstructure:"stream_buffer" yaml:"stream_buffer"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the optional store circuit breaker.
// MaxFailures of zero disables it.
type CircuitBreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// Enabled reports whether a breaker should guard store calls.
func (c CircuitBreakerConfig) Enabled() bool {
	return c.MaxFailures > 0
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "mongoengine",
			Environment: "development",
		},
		Database: DatabaseConfig{
			URL:            "mongodb://localhost:27017",
			DatabaseName:   "mongoengine",
			Collection:     "documents",
			ConnectTimeout: 10 * time.Second,
			QueryTimeout:   5 * time.Second,
		},
		Engine: EngineConfig{
			IDProperty:   "_id",
			StreamBuffer: 16,
			CircuitBreaker: CircuitBreakerConfig{
				ResetTimeout: 30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEndpoint:   "localhost:4317",
			TracingSampleRate: 1.0,
		},
	}
}

// Redacted returns a copy safe to print: credentials in the database URL are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if u, err := url.Parse(c.Database.URL); err == nil && u.User != nil {
		out.Database.URL = u.Redacted()
	}
	return &out
}
