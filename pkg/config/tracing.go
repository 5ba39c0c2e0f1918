package config

import "fmt"

// TracingConfig configures OpenTelemetry distributed tracing, grounded
// on the teacher's pkg/observability/tracer.go TracerConfig. Disabled by
// default: a deployment opts in by setting OTEL_EXPORTER_OTLP_ENDPOINT
// or the config file's tracing.enabled.
type TracingConfig struct {
	// Enabled turns tracing on. When false, InitGlobalTracer installs a
	// no-op provider and every span is free.
	Enabled bool `yaml:"enabled,omitempty"`

	// EndpointURL is the OTLP/gRPC collector address (e.g.
	// "otel-collector:4317").
	EndpointURL string `yaml:"endpoint_url,omitempty"`

	// SamplingRate is the fraction of traces kept, in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName is the resource attribute reported to the collector.
	ServiceName string `yaml:"service_name,omitempty"`
}

// SetDefaults applies default values to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.EndpointURL == "" {
		c.EndpointURL = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "orchestrator"
	}
}

// Validate checks the tracing configuration.
func (c *TracingConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if c.Enabled && c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required when tracing is enabled")
	}
	return nil
}
