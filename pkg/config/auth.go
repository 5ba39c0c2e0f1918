package config

import "fmt"

// JWTConfig configures the HMAC secret used to authenticate the
// user-facing admin endpoints (e.g. api-key rotation), distinct from the
// agent-facing X-Agent-API-Key scheme.
type JWTConfig struct {
	// Secret signs and verifies user session tokens. Read from JWT_SECRET.
	Secret string `yaml:"secret,omitempty"`
}

// SetDefaults applies default values to JWTConfig.
func (c *JWTConfig) SetDefaults() {}

// Validate checks the JWTConfig.
func (c *JWTConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if len(c.Secret) < 16 {
		return fmt.Errorf("jwt.secret must be at least 16 characters")
	}
	return nil
}
