package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestSampler(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  string
	}{
		{name: "zero samples everything", ratio: 0, want: "AlwaysOnSampler"},
		{name: "one samples everything", ratio: 1, want: "AlwaysOnSampler"},
		{name: "above one samples everything", ratio: 2, want: "AlwaysOnSampler"},
		{name: "fraction", ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, sampler(tt.ratio).Description(), tt.want)
		})
	}
}

func TestSamplerIsParentBased(t *testing.T) {
	assert.Contains(t, sampler(0.5).Description(), "ParentBased")
	var _ trace.Sampler = sampler(0)
}

func TestSetupOTelSDKDisabled(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), "arena-test", Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupOTelSDKPrometheusOnly(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), "arena-test", Config{
		Prometheus: true,
		Provider:   "docker",
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	// Shutdown is idempotent once the providers are flushed.
	assert.NoError(t, shutdown(context.Background()))
}
