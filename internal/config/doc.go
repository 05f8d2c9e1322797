// Package config handles configuration loading for wisp-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WISP_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wisp/gateway.yaml
//  3. ~/.config/wisp/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${WISP_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  heartbeat_interval: "30s"
//	  drain_timeout: "10s"
//	limits:
//	  rate_window: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket and health endpoints
//
// Gateway supervision:
//
//	gateway:
//	  token: "${WISP_GATEWAY_TOKEN}"  # Empty disables the auth check
//	  default_session_key: "main"
//	  heartbeat_interval: "30s"
//	  drain_timeout: "10s"
//
// Inference backend:
//
//	backend:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${WISP_BACKEND_KEY}"
//	  model: "gpt-4o-mini"
//	  timeout: "120s"
//
// Admission and history limits:
//
//	limits:
//	  max_message_bytes: 65536
//	  rate_window: "60s"
//	  rate_max_messages: 20
//	  history_limit: 200
//	  agent_turn_limit: 50
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
