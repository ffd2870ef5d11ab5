// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Training, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Training TrainingConfig `yaml:"training"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TrainingConfig controls the EM loop.
type TrainingConfig struct {
	// Iterations is the fixed number of EM iterations to run. Ignored when
	// Threshold is positive.
	Iterations int `yaml:"iterations"`
	// Threshold switches training to convergence mode: iterate until the
	// per-iteration probability delta falls to this value or below.
	Threshold float64 `yaml:"threshold"`
	// Prune controls when zero-probability rules are removed from the
	// grammar: "once" (after the first iteration), "always", or "never".
	Prune string `yaml:"prune"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Training: TrainingConfig{
			Iterations: 3,
			Threshold:  0,
			Prune:      "once",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PCFG_TRAINING_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Training.Iterations = n
		}
	}
	if v := os.Getenv("PCFG_TRAINING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Training.Threshold = f
		}
	}
	if v := os.Getenv("PCFG_TRAINING_PRUNE"); v != "" {
		cfg.Training.Prune = v
	}
	if v := os.Getenv("PCFG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PCFG_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PCFG_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("PCFG_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
}

// Validate checks the configuration for values the trainer cannot run with.
func (c *Config) Validate() error {
	if c.Training.Iterations <= 0 {
		return fmt.Errorf("training.iterations must be positive, got %d", c.Training.Iterations)
	}
	if c.Training.Threshold < 0 {
		return fmt.Errorf("training.threshold must not be negative, got %g", c.Training.Threshold)
	}
	switch c.Training.Prune {
	case "once", "always", "never":
	default:
		return fmt.Errorf("training.prune must be one of once, always, never; got %q", c.Training.Prune)
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}
