package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perteval/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	UI         UIConfig         `yaml:"ui"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	// LogLevel is ERROR, WARN, INFO or DEBUG
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig holds the optional run cache settings
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	DB   int           `yaml:"db"`
	TTL  time.Duration `yaml:"ttl"`
}

// Enabled reports whether a redis address was configured
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ServerConfig holds JSON API settings
type ServerConfig struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`
}

// UIConfig holds report UI settings
type UIConfig struct {
	Port string `yaml:"port"`
}

// EvaluationConfig holds the knobs of an evaluation run
type EvaluationConfig struct {
	Device                string        `yaml:"device"`
	SingleOut             bool          `yaml:"single_out"`
	NumDEIdx              int           `yaml:"num_de_idx"`
	GeneIdx               []int         `yaml:"gene_idx"`
	BatchSize             int           `yaml:"batch_size"`
	Parallelism           int           `yaml:"parallelism"`
	ExcludeDEPlaceholders bool          `yaml:"exclude_de_placeholders"`
	ModelEndpoint         string        `yaml:"model_endpoint"`
	ModelTimeout          time.Duration `yaml:"model_timeout"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "file:perteval.db?_pragma=foreign_keys(1)",
		},
		Redis: RedisConfig{
			TTL: 0,
		},
		Server: ServerConfig{
			Port:    "8080",
			GinMode: "release",
		},
		UI: UIConfig{
			Port: "8081",
		},
		Evaluation: EvaluationConfig{
			Device:       "cpu",
			NumDEIdx:     20,
			BatchSize:    32,
			Parallelism:  1,
			ModelTimeout: 30 * time.Second,
		},
		LogLevel: "INFO",
	}
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := Default()
	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

// LoadFile reads a YAML run file, applies environment overrides and validates
func LoadFile(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WithCode(errors.CodeConfigInvalid, errors.Wrapf(err, "failed to parse config file %s", path))
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func applyEnv(c *Config) {
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)

	c.Database.Driver = getEnvOrDefault("DB_DRIVER", c.Database.Driver)
	c.Database.URL = getEnvOrDefault("DATABASE_URL", c.Database.URL)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getEnvDurationOrDefault("REDIS_TTL", c.Redis.TTL)

	c.Server.Port = getEnvOrDefault("PORT", c.Server.Port)
	c.Server.GinMode = getEnvOrDefault("GIN_MODE", c.Server.GinMode)
	c.UI.Port = getEnvOrDefault("UI_PORT", c.UI.Port)

	e := &c.Evaluation
	e.Device = getEnvOrDefault("EVAL_DEVICE", e.Device)
	e.SingleOut = getEnvBoolOrDefault("EVAL_SINGLE_OUT", e.SingleOut)
	e.NumDEIdx = getEnvIntOrDefault("EVAL_NUM_DE_IDX", e.NumDEIdx)
	e.GeneIdx = getEnvIntsOrDefault("EVAL_GENE_IDX", e.GeneIdx)
	e.BatchSize = getEnvIntOrDefault("EVAL_BATCH_SIZE", e.BatchSize)
	e.Parallelism = getEnvIntOrDefault("EVAL_PARALLELISM", e.Parallelism)
	e.ExcludeDEPlaceholders = getEnvBoolOrDefault("EVAL_EXCLUDE_DE_PLACEHOLDERS", e.ExcludeDEPlaceholders)
	e.ModelEndpoint = getEnvOrDefault("MODEL_ENDPOINT", e.ModelEndpoint)
	e.ModelTimeout = getEnvDurationOrDefault("MODEL_TIMEOUT", e.ModelTimeout)
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.ConfigInvalid("DB_DRIVER must be postgres or sqlite, got " + strconv.Quote(c.Database.Driver))
	}
	if c.Database.URL == "" {
		return errors.ConfigInvalid("DATABASE_URL is required")
	}
	if c.Evaluation.NumDEIdx <= 0 {
		return errors.ConfigInvalid("num_de_idx must be positive")
	}
	if c.Evaluation.BatchSize <= 0 {
		return errors.ConfigInvalid("batch_size must be positive")
	}
	for _, g := range c.Evaluation.GeneIdx {
		if g < 0 {
			return errors.ConfigInvalid("gene_idx entries must be non-negative")
		}
	}
	if c.Redis.TTL < 0 {
		return errors.ConfigInvalid("redis ttl must not be negative")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvIntsOrDefault parses a comma-separated index list such as "3,17,42"
func getEnvIntsOrDefault(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}
