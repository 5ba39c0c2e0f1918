package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesEnvOverridesAndDefaults(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("S3_BUCKET", "form-mapper-assets")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("KMS_KEY_ID", "arn:aws:kms:us-east-1:111122223333:key/abcd")
	t.Setenv("JWT_SECRET", "a-sufficiently-long-secret-value")
	t.Setenv("DATABASE_URL", "postgres://user:pass@db:5432/formmapper?sslmode=disable")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "form-mapper-assets", cfg.ObjectStore.Bucket)
	assert.Equal(t, "us-east-1", cfg.ObjectStore.Region)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.PathEvaluator.MaxPaths)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_FailsWithoutRequiredSecrets(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_OTELEndpointEnablesTracing(t *testing.T) {
	t.Setenv("S3_BUCKET", "form-mapper-assets")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("KMS_KEY_ID", "arn:aws:kms:us-east-1:111122223333:key/abcd")
	t.Setenv("JWT_SECRET", "a-sufficiently-long-secret-value")
	t.Setenv("DATABASE_URL", "postgres://user:pass@db:5432/formmapper?sslmode=disable")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Tracing.EndpointURL)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
}
