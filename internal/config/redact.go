// ABOUTME: Client-facing config views: secret redaction and the field schema.
// ABOUTME: Backs the config.get and config.schema protocol methods.

package config

const redactedPlaceholder = "[redacted]"

// Redacted returns the configuration as a nested map with secret values
// masked. Secrets are masked only when set, so clients can tell whether a
// token is configured without learning it.
func (c *Config) Redacted() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redactedPlaceholder
	}

	return map[string]any{
		"server": map[string]any{
			"http_addr": c.Server.HTTPAddr,
		},
		"gateway": map[string]any{
			"token":               mask(c.Gateway.Token),
			"default_session_key": c.Gateway.DefaultSessionKey,
			"heartbeat_interval":  c.Gateway.HeartbeatInterval.String(),
			"drain_timeout":       c.Gateway.DrainTimeout.String(),
		},
		"backend": map[string]any{
			"base_url": c.Backend.BaseURL,
			"api_key":  mask(c.Backend.APIKey),
			"model":    c.Backend.Model,
			"timeout":  c.Backend.Timeout.String(),
		},
		"limits": map[string]any{
			"max_message_bytes": c.Limits.MaxMessageBytes,
			"rate_window":       c.Limits.RateWindow.String(),
			"rate_max_messages": c.Limits.RateMaxMessages,
			"history_limit":     c.Limits.HistoryLimit,
			"agent_turn_limit":  c.Limits.AgentTurnLimit,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}
}

// Schema maps every configuration field to its value type.
func Schema() map[string]string {
	return map[string]string{
		"server.http_addr":            "string",
		"gateway.token":               "string",
		"gateway.default_session_key": "string",
		"gateway.heartbeat_interval":  "duration",
		"gateway.drain_timeout":       "duration",
		"backend.base_url":            "string",
		"backend.api_key":             "string",
		"backend.model":               "string",
		"backend.timeout":             "duration",
		"limits.max_message_bytes":    "int",
		"limits.rate_window":          "duration",
		"limits.rate_max_messages":    "int",
		"limits.history_limit":        "int",
		"limits.agent_turn_limit":     "int",
		"logging.level":               "string",
		"logging.format":              "string",
	}
}
