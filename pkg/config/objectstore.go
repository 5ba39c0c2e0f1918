package config

import "fmt"

// ObjectStoreConfig configures the Object Store Gateway (spec.md §4.3).
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket,omitempty"`
	Region string `yaml:"region,omitempty"`

	// PresignTTL is the lifetime of an upload/download URL. Spec.md pins
	// uploads to 15 minutes; downloads may use a longer TTL.
	PutTTL string `yaml:"put_ttl,omitempty"`
	GetTTL string `yaml:"get_ttl,omitempty"`

	// LogBatchThresholdBytes is the Activity Log Ingestor's inline-vs-presigned
	// cutover (spec.md §4.10: 50 KB).
	LogBatchThresholdBytes int `yaml:"log_batch_threshold_bytes,omitempty"`
}

// SetDefaults applies default values to ObjectStoreConfig.
func (c *ObjectStoreConfig) SetDefaults() {
	if c.Region == "" {
		c.Region = "eu-west-1"
	}
	if c.PutTTL == "" {
		c.PutTTL = "15m"
	}
	if c.GetTTL == "" {
		c.GetTTL = "15m"
	}
	if c.LogBatchThresholdBytes == 0 {
		c.LogBatchThresholdBytes = 50 * 1024
	}
}

// Validate checks the ObjectStoreConfig.
func (c *ObjectStoreConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("objectstore.bucket (S3_BUCKET) is required")
	}
	return nil
}
