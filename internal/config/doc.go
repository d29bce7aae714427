// Package config handles configuration loading for parley.
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
//  1. Path from PARLEY_CONFIG environment variable
//  2. ./parley.yaml (current directory)
//  3. ~/.config/parley/parley.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bot:
//	  app_password: "${BOT_APP_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  pending_ttl: "5m"
//	  prompt_window: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:3978"
//	  public_base_url: "bot.example.com"   # https:// added automatically
//
// Bot Framework registration:
//
//	bot:
//	  app_id: "${BOT_APP_ID}"
//	  app_password: "${BOT_APP_PASSWORD}"
//	  tenant_id: ""                        # empty for multi-tenant apps
//	  connection_name: "teams-sso"
//
// Identity verification:
//
//	auth:
//	  allowed_tenants: []                  # empty accepts all tenants
//	  pending_ttl: "5m"
//	  prompt_window: "10m"
//	  max_prompts: 3
//	  user:
//	    issuers: ["https://login.microsoftonline.com/<tenant>/v2.0"]
//	    audience: "api://bot.example.com"
//	    jwks_url: "https://login.microsoftonline.com/common/discovery/v2.0/keys"
//	  channel:
//	    issuers: ["https://api.botframework.com"]
//	    audience: "${BOT_APP_ID}"
//	    jwks_url: "https://login.botframework.com/v1/.well-known/keys"
//
// Agent backend:
//
//	foundry:
//	  endpoint: "${AZURE_FOUNDRY_PROJECT_ENDPOINT}"
//	  agent_name: "${AZURE_FOUNDRY_AGENT_NAME}"
//	  api_key: "${AZURE_FOUNDRY_API_KEY}"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/parley.db"
//	  seal_key: "${PARLEY_SEAL_KEY}"       # 32 bytes, encrypts cached tokens
//
// Tailscale (optional public HTTPS without a reverse proxy):
//
//	tailscale:
//	  enabled: false
//	  hostname: "parley"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/parley/parley.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
