package config

import "fmt"

// AIConfig configures the AI caller the background workers share (spec.md
// §4.7/§7), grounded on original_source/.../ai_forms_runner_error_prompter.py
// and its sibling prompters, which each hardcode `model = "claude-sonnet-4-5-20250929"`
// and a `max_tokens` per call site — centralized here instead.
type AIConfig struct {
	Model         string `yaml:"model,omitempty"`
	MaxTokens     int64  `yaml:"max_tokens,omitempty"`
	MaxRetries    int    `yaml:"max_retries,omitempty"`
	RetryBaseWait string `yaml:"retry_base_wait,omitempty"`
}

// SetDefaults applies default values to AIConfig.
func (c *AIConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5-20250929"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 16000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.RetryBaseWait == "" {
		c.RetryBaseWait = "1s"
	}
}

// Validate checks the AIConfig.
func (c *AIConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("ai.max_tokens must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ai.max_retries must be non-negative")
	}
	return nil
}
