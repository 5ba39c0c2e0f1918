package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quickform/orchestrator/pkg/config"
)

func TestInitDisabledInstallsNoopProvider(t *testing.T) {
	tp, err := Init(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)

	_, ok := tp.(noop.TracerProvider)
	require.True(t, ok, "disabled tracing must install a noop provider, not attempt a real OTLP exporter")

	require.NoError(t, Shutdown(context.Background(), tp))
}

func TestTracerReturnsNamedTracer(t *testing.T) {
	_, err := Init(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)

	tr := Tracer("orchestrator.test")
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "test-span")
	defer span.End()
	require.NotNil(t, span)
}
