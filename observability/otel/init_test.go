package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = s3cret ,broken, =empty,tenant=ballot,")
	require.Equal(t, map[string]string{"api-key": "s3cret", "tenant": "ballot"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=ballot")
	t.Setenv("BALLOT_TRACE_SAMPLE_RATIO", "0.25")

	cfg := ConfigFromEnv("ballotd", "staging")
	require.True(t, cfg.Enabled())
	require.False(t, cfg.Insecure)
	require.Equal(t, "ballot", cfg.Headers["x-team"])
	require.InDelta(t, 0.25, cfg.SampleRatio, 1e-9)

	t.Setenv("BALLOT_TRACE_SAMPLE_RATIO", "7")
	require.Zero(t, ConfigFromEnv("ballotd", "").SampleRatio)
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "ballotd", Network: "amoy"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestAttributes(t *testing.T) {
	cfg := Config{ServiceName: "ballotd", Environment: "prod", Network: "amoy", Registry: "0xabc"}
	keys := map[string]string{}
	for _, kv := range cfg.attributes() {
		keys[string(kv.Key)] = kv.Value.AsString()
	}
	require.Equal(t, "ballotd", keys["service.name"])
	require.Equal(t, "prod", keys["deployment.environment"])
	require.Equal(t, "amoy", keys["ballot.network"])
	require.Equal(t, "0xabc", keys["ballot.registry"])
}
