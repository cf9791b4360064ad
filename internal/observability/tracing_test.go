package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.False(t, tp.Enabled())

	_, span := tp.Tracer().Start(context.Background(), "invoicerelay.test")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestEnabledTracingBuildsProvider(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318",
		ServiceName: "invoicerelay-test",
		SampleRate:  1,
	})
	require.NoError(t, err)
	assert.True(t, tp.Enabled())

	_, span := tp.Tracer().Start(context.Background(), "invoicerelay.test")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The collector is absent; shutdown with a cancelled context must still return.
	_ = tp.Shutdown(ctx)
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(""), 2)
	assert.Len(t, exporterOptions("collector:4318"), 2)
	assert.Len(t, exporterOptions("http://collector:4318/v1/traces"), 2)
	assert.Len(t, exporterOptions("https://collector.example.com/v1/traces"), 1)
}
