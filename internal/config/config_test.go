// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

logs:
  dir: "./logs"

model:
  path: "claude"
  definitions_dir: "./definitions"
  default_definition: "default"
  turn_timeout: "5m"

engine:
  subscriber_buffer: 32
  shutdown_grace: "10s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("expected database path ./test.db, got %s", cfg.Database.Path)
	}
	if cfg.Logs.Dir != "./logs" {
		t.Errorf("expected logs dir ./logs, got %s", cfg.Logs.Dir)
	}
	if cfg.Model.TurnTimeout != 5*time.Minute {
		t.Errorf("expected turn timeout 5m, got %v", cfg.Model.TurnTimeout)
	}
	if cfg.Engine.SubscriberBuffer != 32 {
		t.Errorf("expected subscriber buffer 32, got %d", cfg.Engine.SubscriberBuffer)
	}
	if cfg.Engine.ShutdownGrace != 10*time.Second {
		t.Errorf("expected shutdown grace 10s, got %v", cfg.Engine.ShutdownGrace)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	// A minimal file keeps the built-in defaults for everything unset.
	configPath := writeConfig(t, `
database:
  path: "./only.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Path != "claude" {
		t.Errorf("expected default model path claude, got %s", cfg.Model.Path)
	}
	if cfg.Model.TurnTimeout != 10*time.Minute {
		t.Errorf("expected default turn timeout 10m, got %v", cfg.Model.TurnTimeout)
	}
	if cfg.Engine.SubscriberBuffer != 64 {
		t.Errorf("expected default subscriber buffer 64, got %d", cfg.Engine.SubscriberBuffer)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %s", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("BRAID_TEST_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, `
database:
  path: "${BRAID_TEST_DB}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("expected expanded path /tmp/expanded.db, got %s", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "${BRAID_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("expected database.path error, got: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
model:
  turn_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "turn_timeout") {
		t.Errorf("expected turn_timeout error, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
