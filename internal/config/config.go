// ABOUTME: Configuration loading and parsing for braid
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete braid configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logs     LogsConfig     `yaml:"logs"`
	Model    ModelConfig    `yaml:"model"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogsConfig holds raw session log configuration
type LogsConfig struct {
	// Dir is where per-conversation JSONL session logs live. Empty disables
	// log reconciliation on resume.
	Dir string `yaml:"dir"`
}

// ModelConfig holds model CLI invocation configuration
type ModelConfig struct {
	// Path is the CLI binary to spawn for model turns
	Path string `yaml:"path"`
	// DefinitionsDir holds agent definition TOML files
	DefinitionsDir string `yaml:"definitions_dir"`
	// DefaultDefinition names the definition used when none is chosen
	DefaultDefinition string `yaml:"default_definition"`

	TurnTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// EngineConfig holds conversation engine tuning
type EngineConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	ShutdownGrace time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ShutdownGraceRaw string `yaml:"shutdown_grace"`
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

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is supplied. Data
// lands under the user's home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".braid")
	return &Config{
		Database: DatabaseConfig{Path: filepath.Join(base, "braid.db")},
		Logs:     LogsConfig{Dir: filepath.Join(base, "logs")},
		Model: ModelConfig{
			Path:        "claude",
			TurnTimeout: 10 * time.Minute,
		},
		Engine: EngineConfig{
			SubscriberBuffer: 64,
			ShutdownGrace:    5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
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
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.Engine.SubscriberBuffer < 0 {
		return fmt.Errorf("engine.subscriber_buffer must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Model.TurnTimeoutRaw != "" {
		cfg.Model.TurnTimeout, err = time.ParseDuration(cfg.Model.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Model.TurnTimeoutRaw, err)
		}
	}

	if cfg.Engine.ShutdownGraceRaw != "" {
		cfg.Engine.ShutdownGrace, err = time.ParseDuration(cfg.Engine.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Engine.ShutdownGraceRaw, err)
		}
	}

	return nil
}
