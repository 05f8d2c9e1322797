// ABOUTME: Tests for configuration parsing, defaults, and validation.
// ABOUTME: Covers env var expansion, duration strings, and secret redaction.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Gateway.Token)
	assert.Equal(t, "main", cfg.Gateway.DefaultSessionKey)
	assert.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Gateway.DrainTimeout)
	assert.Equal(t, 64*1024, cfg.Limits.MaxMessageBytes)
	assert.Equal(t, 60*time.Second, cfg.Limits.RateWindow)
	assert.Equal(t, 20, cfg.Limits.RateMaxMessages)
	assert.Equal(t, 200, cfg.Limits.HistoryLimit)
	assert.Equal(t, 50, cfg.Limits.AgentTurnLimit)
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  http_addr: "0.0.0.0:9100"
gateway:
  token: "hunter2"
  default_session_key: "primary"
  heartbeat_interval: "15s"
  drain_timeout: "5s"
backend:
  base_url: "https://api.example.com/v1"
  api_key: "sk-123"
  model: "big-model"
  timeout: "2m"
limits:
  max_message_bytes: 1024
  rate_window: "30s"
  rate_max_messages: 5
  history_limit: 10
  agent_turn_limit: 8
logging:
  level: "debug"
  format: "json"
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.HTTPAddr)
	assert.Equal(t, "hunter2", cfg.Gateway.Token)
	assert.Equal(t, "primary", cfg.Gateway.DefaultSessionKey)
	assert.Equal(t, 15*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Gateway.DrainTimeout)
	assert.Equal(t, "https://api.example.com/v1", cfg.Backend.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Backend.Timeout)
	assert.Equal(t, 1024, cfg.Limits.MaxMessageBytes)
	assert.Equal(t, 30*time.Second, cfg.Limits.RateWindow)
	assert.Equal(t, 5, cfg.Limits.RateMaxMessages)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
gateway:
  token: "hunter2"
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultSessionKey, cfg.Gateway.DefaultSessionKey)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.Limits.MaxMessageBytes)
	assert.Equal(t, DefaultRateWindow, cfg.Limits.RateWindow)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("WISP_TEST_TOKEN", "secret-from-env")

	cfg, err := Parse([]byte(`
gateway:
  token: "${WISP_TEST_TOKEN}"
`))
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Gateway.Token)
}

func TestEnvVarExpansionUnsetIsEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`
gateway:
  token: "${WISP_TEST_DOES_NOT_EXIST}"
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Gateway.Token)
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte(`
gateway:
  heartbeat_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse([]byte(`[unclosed`))
	require.Error(t, err)
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	_, err := Parse([]byte(`
limits:
  max_message_bytes: -1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_message_bytes")

	_, err = Parse([]byte(`
limits:
  rate_max_messages: -5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_max_messages")
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "hunter2"
	cfg.Backend.APIKey = "sk-123"

	redacted := cfg.Redacted()

	gw := redacted["gateway"].(map[string]any)
	assert.Equal(t, "[redacted]", gw["token"])
	be := redacted["backend"].(map[string]any)
	assert.Equal(t, "[redacted]", be["api_key"])

	// Unset secrets stay visibly empty.
	cfg2 := Default()
	gw2 := cfg2.Redacted()["gateway"].(map[string]any)
	assert.Equal(t, "", gw2["token"])
}

func TestSchemaCoversEveryField(t *testing.T) {
	schema := Schema()
	assert.Equal(t, "string", schema["gateway.token"])
	assert.Equal(t, "duration", schema["gateway.heartbeat_interval"])
	assert.Equal(t, "int", schema["limits.max_message_bytes"])
	assert.NotEmpty(t, schema["backend.base_url"])
}
