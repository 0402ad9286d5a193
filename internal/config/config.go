// ABOUTME: Configuration loading and parsing for relayd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relayd configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Workers     WorkersConfig     `yaml:"workers"`
	Translation TranslationConfig `yaml:"translation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkersConfig holds background task manager configuration
type WorkersConfig struct {
	Count       int `yaml:"count"`
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay      time.Duration `yaml:"-"`
	MaxDelay       time.Duration `yaml:"-"`
	AttemptTimeout time.Duration `yaml:"-"`
	Jitter         float64       `yaml:"jitter"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw      string `yaml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay"`
	AttemptTimeoutRaw string `yaml:"attempt_timeout"`
}

// TranslationConfig holds translation pipeline configuration
type TranslationConfig struct {
	// Languages is the set of target language codes every delivered
	// message is translated into
	Languages []string `yaml:"languages"`

	// RatePerSecond and Burst throttle calls to the translation vendor.
	// Zero disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RetentionConfig holds the terminal-record retention policy
type RetentionConfig struct {
	TranslationAge time.Duration `yaml:"-"`

	TranslationAgeRaw string `yaml:"translation_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must not be negative")
	}
	if c.Workers.Jitter < 0 || c.Workers.Jitter >= 1 {
		return fmt.Errorf("workers.jitter must be in [0, 1)")
	}

	for _, lang := range c.Translation.Languages {
		if lang == "" {
			return fmt.Errorf("translation.languages must not contain empty codes")
		}
	}
	if c.Translation.RatePerSecond < 0 {
		return fmt.Errorf("translation.rate_per_second must not be negative")
	}
	if c.Translation.RatePerSecond > 0 && c.Translation.Burst <= 0 {
		return fmt.Errorf("translation.burst is required when rate_per_second is set")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Workers.BaseDelayRaw != "" {
		cfg.Workers.BaseDelay, err = time.ParseDuration(cfg.Workers.BaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing base_delay %q: %w", cfg.Workers.BaseDelayRaw, err)
		}
	}

	if cfg.Workers.MaxDelayRaw != "" {
		cfg.Workers.MaxDelay, err = time.ParseDuration(cfg.Workers.MaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_delay %q: %w", cfg.Workers.MaxDelayRaw, err)
		}
	}

	if cfg.Workers.AttemptTimeoutRaw != "" {
		cfg.Workers.AttemptTimeout, err = time.ParseDuration(cfg.Workers.AttemptTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing attempt_timeout %q: %w", cfg.Workers.AttemptTimeoutRaw, err)
		}
	}

	if cfg.Retention.TranslationAgeRaw != "" {
		cfg.Retention.TranslationAge, err = time.ParseDuration(cfg.Retention.TranslationAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing translation_age %q: %w", cfg.Retention.TranslationAgeRaw, err)
		}
	}

	return nil
}
