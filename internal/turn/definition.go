// ABOUTME: Agent definition: the per-conversation model configuration
// ABOUTME: Loaded from TOML files and switchable at runtime between turns

package turn

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Definition is the agent configuration applied to subsequent turns of a
// conversation: which model to run, with what system prompt, and which
// built-in tools to withhold.
type Definition struct {
	Name                 string   `toml:"name"`
	Model                string   `toml:"model"`
	SystemPrompt         string   `toml:"system_prompt"`
	DisallowedTools      []string `toml:"disallowed_tools"`
	ThinkingBudgetTokens int      `toml:"thinking_budget_tokens"`
}

// DefaultDefinition returns the configuration used when none is supplied.
func DefaultDefinition() *Definition {
	return &Definition{
		Name:  "default",
		Model: "claude-sonnet-4-5",
	}
}

// LoadDefinition reads a definition from a TOML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}

	def := DefaultDefinition()
	if err := toml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parsing definition file: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validating definition: %w", err)
	}
	return def, nil
}

// Validate checks required fields.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Model == "" {
		return fmt.Errorf("model is required")
	}
	if d.ThinkingBudgetTokens < 0 {
		return fmt.Errorf("thinking_budget_tokens must not be negative")
	}
	return nil
}
