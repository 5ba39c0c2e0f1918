package config

import "fmt"

// BudgetConfig configures the Budget Gate (spec.md §4.2).
type BudgetConfig struct {
	// DefaultDailyBudget is used for tenants with no explicit ledger row
	// yet (early-access trial default), in the same currency unit as
	// BudgetLedger.DailySpend.
	DefaultDailyBudget float64 `yaml:"default_daily_budget,omitempty"`

	// TrialDays is the early-access trial length.
	TrialDays int `yaml:"trial_days,omitempty"`

	// SystemAPIKey is the ANTHROPIC_API_KEY fallback used when a tenant
	// has no BYOK key on file.
	SystemAPIKey string `yaml:"-"`

	// InputTokenPrice / OutputTokenPrice price a single token, in the same
	// currency unit as DailyBudget, used to compute forecast and observed
	// cost for a call.
	InputTokenPrice  float64 `yaml:"input_token_price,omitempty"`
	OutputTokenPrice float64 `yaml:"output_token_price,omitempty"`

	// ForecastOutputTokens is the worst-case output token estimate used
	// to forecast cost before a call is made (spec.md §4.2 step 4).
	ForecastOutputTokens int64 `yaml:"forecast_output_tokens,omitempty"`

	// UsageFlushInterval controls how often the fast-store spend counter
	// is flushed to the relational ledger for durability.
	UsageFlushInterval string `yaml:"usage_flush_interval,omitempty"`
}

// SetDefaults applies default values to BudgetConfig.
func (c *BudgetConfig) SetDefaults() {
	if c.DefaultDailyBudget == 0 {
		c.DefaultDailyBudget = 5.0
	}
	if c.TrialDays == 0 {
		c.TrialDays = 14
	}
	if c.InputTokenPrice == 0 {
		c.InputTokenPrice = 0.000003
	}
	if c.OutputTokenPrice == 0 {
		c.OutputTokenPrice = 0.000015
	}
	if c.ForecastOutputTokens == 0 {
		c.ForecastOutputTokens = 4096
	}
	if c.UsageFlushInterval == "" {
		c.UsageFlushInterval = "10s"
	}
}

// Validate checks the BudgetConfig.
func (c *BudgetConfig) Validate() error {
	if c.DefaultDailyBudget < 0 {
		return fmt.Errorf("budget.default_daily_budget must be non-negative")
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("budget.trial_days must be non-negative")
	}
	return nil
}
