package config

import "fmt"

// SecretStoreConfig configures tenant-bound envelope encryption (spec.md
// §4.1, KMS_KEY_ID).
type SecretStoreConfig struct {
	KMSKeyID  string `yaml:"-"`
	AWSRegion string `yaml:"-"`

	// CacheTTL is how long a decrypted plaintext is cached in the fast
	// store, keyed by (tenant, secret_kind[, network_id]). Ported from
	// original_source/.../encryption_service.py's SECRET_CACHE_TTL = 300s.
	CacheTTL string `yaml:"cache_ttl,omitempty"`
}

// SetDefaults applies default values to SecretStoreConfig.
func (c *SecretStoreConfig) SetDefaults() {
	if c.CacheTTL == "" {
		c.CacheTTL = "5m"
	}
}

// Validate checks the SecretStoreConfig.
func (c *SecretStoreConfig) Validate() error {
	if c.KMSKeyID == "" {
		return fmt.Errorf("secretstore.kms_key_id (KMS_KEY_ID) is required")
	}
	return nil
}
