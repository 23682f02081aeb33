package observability

import (
	"context"
	"testing"

	"chatdesk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHost(t *testing.T) {
	tests := map[string]string{
		"http://localhost:4317":       "localhost:4317",
		"https://collector:4317/":     "collector:4317",
		"otel-collector.monitor:4317": "otel-collector.monitor:4317",
	}
	for in, want := range tests {
		assert.Equal(t, want, EndpointHost(in))
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_Enabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4317",
		Insecure:    true,
		SampleRatio: 5,
	})
	require.NoError(t, err)
	assert.NotNil(t, shutdown)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "0.1")
	assert.Contains(t, Sampler(0.5).Description(), "0.5")
}
