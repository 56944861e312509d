package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/security"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes environment variables when none is given.
const DefaultEnvPrefix = "MONGOENGINE"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	flagKeys   map[string]string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "MONGOENGINE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds command-line flags to configuration keys. keys maps a flag name
// to its dotted key, e.g. "url" -> "database.url". Only flags the user set
// override other sources.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet, keys map[string]string) *ViperLoader {
	l.flags = flags
	l.flagKeys = keys
	return l
}

// Load loads configuration with precedence: flags > ENV > secrets file > config file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		configFile, err := security.ValidateFile(l.configFile)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", l.configFile, err)
		}
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	if secretsFile != "" {
		secrets := viper.New()
		secrets.SetConfigFile(secretsFile)
		if err := secrets.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		if err := v.MergeConfigMap(secrets.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	if err := l.bindEnvVars(v); err != nil {
		return nil, err
	}
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var envKeys = map[string]string{
	"service.name":                         "SERVICE_NAME",
	"service.environment":                  "SERVICE_ENVIRONMENT",
	"database.url":                         "DATABASE_URL",
	"database.database_name":               "DATABASE_NAME",
	"database.collection":                  "DATABASE_COLLECTION",
	"database.connect_timeout":             "DATABASE_CONNECT_TIMEOUT",
	"database.query_timeout":               "DATABASE_QUERY_TIMEOUT",
	"engine.id_property":                   "ENGINE_ID_PROPERTY",
	"engine.stream_buffer":                 "ENGINE_STREAM_BUFFER",
	"engine.circuit_breaker.max_failures":  "ENGINE_CIRCUIT_BREAKER_MAX_FAILURES",
	"engine.circuit_breaker.reset_timeout": "ENGINE_CIRCUIT_BREAKER_RESET_TIMEOUT",
	"observability.log_level":              "LOG_LEVEL",
	"observability.log_format":             "LOG_FORMAT",
	"observability.tracing_enabled":        "TRACING_ENABLED",
	"observability.tracing_endpoint":       "TRACING_ENDPOINT",
	"observability.tracing_sample_rate":    "TRACING_SAMPLE_RATE",
}

// bindEnvVars explicitly binds environment variables for nested keys
func (l *ViperLoader) bindEnvVars(v *viper.Viper) error {
	for key, suffix := range envKeys {
		if err := v.BindEnv(key, l.prefixedEnv(suffix)); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range l.flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. <ENV_PREFIX>_SECRETS_FILE, which must name a readable file
// 2. secrets.{ext} next to the config file
// Without either, no secrets file is used.
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		clean, err := security.ValidateFile(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s: %w", secretsEnv, err)
		}
		return clean, nil
	}

	if l.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if clean, err := security.ValidateFile(secretsFile); err == nil {
			return clean, nil
		}
	}
	return "", nil
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.database_name", cfg.Database.DatabaseName)
	v.SetDefault("database.collection", cfg.Database.Collection)
	v.SetDefault("database.connect_timeout", cfg.Database.ConnectTimeout)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)

	v.SetDefault("engine.id_property", cfg.Engine.IDProperty)
	v.SetDefault("engine.stream_buffer", cfg.Engine.StreamBuffer)
	v.SetDefault("engine.circuit_breaker.max_failures", cfg.Engine.CircuitBreaker.MaxFailures)
	v.SetDefault("engine.circuit_breaker.reset_timeout", cfg.Engine.CircuitBreaker.ResetTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}

// Validate checks cfg and returns every problem found.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

// Validate checks the configuration and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("database.url is required"))
	} else if !strings.HasPrefix(c.Database.URL, "mongodb://") && !strings.HasPrefix(c.Database.URL, "mongodb+srv://") {
		errs = append(errs, fmt.Errorf("database.url must use the mongodb:// or mongodb+srv:// scheme"))
	}
	if strings.TrimSpace(c.Database.DatabaseName) == "" {
		errs = append(errs, errors.New("database.database_name is required"))
	}
	if strings.TrimSpace(c.Database.Collection) == "" {
		errs = append(errs, errors.New("database.collection is required"))
	}
	if c.Database.ConnectTimeout < 0 {
		errs = append(errs, errors.New("database.connect_timeout must not be negative"))
	}
	if c.Database.QueryTimeout < 0 {
		errs = append(errs, errors.New("database.query_timeout must not be negative"))
	}

	if strings.TrimSpace(c.Engine.IDProperty) == "" {
		errs = append(errs, errors.New("engine.id_property is required"))
	} else if strings.HasPrefix(c.Engine.IDProperty, "$") {
		errs = append(errs, fmt.Errorf("engine.id_property %q must not start with $", c.Engine.IDProperty))
	}
	if c.Engine.StreamBuffer < 1 {
		errs = append(errs, errors.New("engine.stream_buffer must be at least 1"))
	}
	if c.Engine.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, errors.New("engine.circuit_breaker.max_failures must not be negative"))
	}
	if c.Engine.CircuitBreaker.Enabled() && c.Engine.CircuitBreaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("engine.circuit_breaker.reset_timeout must be positive when the breaker is enabled"))
	}

	if _, err := logger.ParseLogLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_level: %w", err))
	}
	if _, err := logger.ParseLogFormat(c.Observability.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_format: %w", err))
	}
	if c.Observability.TracingEnabled && strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
