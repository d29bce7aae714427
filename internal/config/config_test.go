// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and URL normalization

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimal valid sections used by tests that only care about one area
const validCore = `
server:
  http_addr: "0.0.0.0:3978"

bot:
  app_id: "00000000-0000-0000-0000-000000000001"
  app_password: "secret"
  connection_name: "teams-sso"

foundry:
  endpoint: "https://proj.services.ai.azure.com/api/projects/demo"
  agent_name: "helpdesk"

database:
  path: "./test.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:3978"
  public_base_url: "bot.example.com"

bot:
  app_id: "00000000-0000-0000-0000-000000000001"
  app_password: "secret"
  tenant_id: "contoso-tenant"
  connection_name: "teams-sso"

auth:
  allowed_tenants:
    - "contoso-tenant"
    - "fabrikam-tenant"
  pending_ttl: "2m"
  prompt_window: "20m"
  max_prompts: 5
  user:
    issuers:
      - "https://login.microsoftonline.com/contoso-tenant/v2.0"
    audience: "api://bot.example.com"
    jwks_url: "https://login.microsoftonline.com/common/discovery/v2.0/keys"

foundry:
  endpoint: "https://proj.services.ai.azure.com/api/projects/demo"
  agent_name: "helpdesk"
  api_key: "foundry-key"

database:
  path: "./test.db"
  seal_key: "0123456789abcdef0123456789abcdef"

relay:
  update_interval: "2s"
  replay_ttl: "10m"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3978" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:3978")
	}
	if cfg.Server.PublicBaseURL != "https://bot.example.com" {
		t.Errorf("Server.PublicBaseURL = %q, want normalized https URL", cfg.Server.PublicBaseURL)
	}

	if cfg.Bot.AppID != "00000000-0000-0000-0000-000000000001" {
		t.Errorf("Bot.AppID = %q", cfg.Bot.AppID)
	}
	if cfg.Bot.ConnectionName != "teams-sso" {
		t.Errorf("Bot.ConnectionName = %q, want %q", cfg.Bot.ConnectionName, "teams-sso")
	}
	if cfg.Bot.TokenServiceURL != "https://api.botframework.com" {
		t.Errorf("Bot.TokenServiceURL = %q, want default", cfg.Bot.TokenServiceURL)
	}

	if len(cfg.Auth.AllowedTenants) != 2 {
		t.Errorf("Auth.AllowedTenants len = %d, want 2", len(cfg.Auth.AllowedTenants))
	}
	if cfg.Auth.PendingTTL != 2*time.Minute {
		t.Errorf("Auth.PendingTTL = %v, want %v", cfg.Auth.PendingTTL, 2*time.Minute)
	}
	if cfg.Auth.PromptWindow != 20*time.Minute {
		t.Errorf("Auth.PromptWindow = %v, want %v", cfg.Auth.PromptWindow, 20*time.Minute)
	}
	if cfg.Auth.MaxPrompts != 5 {
		t.Errorf("Auth.MaxPrompts = %d, want 5", cfg.Auth.MaxPrompts)
	}
	if cfg.Auth.User.Audience != "api://bot.example.com" {
		t.Errorf("Auth.User.Audience = %q", cfg.Auth.User.Audience)
	}
	if cfg.Auth.Channel.Empty() != true {
		t.Error("Auth.Channel.Empty() = false, want true for unset channel trust")
	}

	if cfg.Foundry.Endpoint != "https://proj.services.ai.azure.com/api/projects/demo" {
		t.Errorf("Foundry.Endpoint = %q", cfg.Foundry.Endpoint)
	}
	if cfg.Foundry.AgentName != "helpdesk" {
		t.Errorf("Foundry.AgentName = %q, want %q", cfg.Foundry.AgentName, "helpdesk")
	}
	if cfg.Foundry.APIVersion != "v1" {
		t.Errorf("Foundry.APIVersion = %q, want default v1", cfg.Foundry.APIVersion)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.Relay.UpdateInterval != 2*time.Second {
		t.Errorf("Relay.UpdateInterval = %v, want %v", cfg.Relay.UpdateInterval, 2*time.Second)
	}
	if cfg.Relay.ReplayTTL != 10*time.Minute {
		t.Errorf("Relay.ReplayTTL = %v, want %v", cfg.Relay.ReplayTTL, 10*time.Minute)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte(validCore), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.PendingTTL != 5*time.Minute {
		t.Errorf("Auth.PendingTTL default = %v, want 5m", cfg.Auth.PendingTTL)
	}
	if cfg.Auth.PromptWindow != 10*time.Minute {
		t.Errorf("Auth.PromptWindow default = %v, want 10m", cfg.Auth.PromptWindow)
	}
	if cfg.Auth.MaxPrompts != 3 {
		t.Errorf("Auth.MaxPrompts default = %d, want 3", cfg.Auth.MaxPrompts)
	}
	if cfg.Relay.UpdateInterval != 1500*time.Millisecond {
		t.Errorf("Relay.UpdateInterval default = %v, want 1.5s", cfg.Relay.UpdateInterval)
	}
	if cfg.Relay.ReplayTTL != 5*time.Minute {
		t.Errorf("Relay.ReplayTTL default = %v, want 5m", cfg.Relay.ReplayTTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging defaults = %q/%q, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_PASSWORD", "pw-from-env")
	t.Setenv("TEST_FOUNDRY_KEY", "key-from-env")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:3978"

bot:
  app_id: "00000000-0000-0000-0000-000000000001"
  app_password: "${TEST_BOT_PASSWORD}"
  connection_name: "teams-sso"

foundry:
  endpoint: "https://proj.services.ai.azure.com/api/projects/demo"
  agent_name: "helpdesk"
  api_key: "${TEST_FOUNDRY_KEY}"

database:
  path: "./test.db"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bot.AppPassword != "pw-from-env" {
		t.Errorf("Bot.AppPassword = %q, want %q", cfg.Bot.AppPassword, "pw-from-env")
	}
	if cfg.Foundry.APIKey != "key-from-env" {
		t.Errorf("Foundry.APIKey = %q, want %q", cfg.Foundry.APIKey, "key-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := validCore + `
relay:
  update_interval: "${UNSET_VAR_FOR_TEST}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env var expands to empty, which falls back to the default
	if cfg.Relay.UpdateInterval != 1500*time.Millisecond {
		t.Errorf("Relay.UpdateInterval = %v, want default after empty expansion", cfg.Relay.UpdateInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr "missing colon"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := validCore + `
auth:
  pending_ttl: "invalid-duration"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
bot:
  app_id: "id"
  app_password: "pw"
  connection_name: "conn"
foundry:
  endpoint: "https://x"
  agent_name: "a"
database:
  path: "./test.db"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing app_id",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_password: "pw"
  connection_name: "conn"
foundry:
  endpoint: "https://x"
  agent_name: "a"
database:
  path: "./test.db"
`,
			wantErrSubstr: "bot.app_id is required",
		},
		{
			name: "missing app_password",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_id: "id"
  connection_name: "conn"
foundry:
  endpoint: "https://x"
  agent_name: "a"
database:
  path: "./test.db"
`,
			wantErrSubstr: "bot.app_password is required",
		},
		{
			name: "missing connection_name",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_id: "id"
  app_password: "pw"
foundry:
  endpoint: "https://x"
  agent_name: "a"
database:
  path: "./test.db"
`,
			wantErrSubstr: "bot.connection_name is required",
		},
		{
			name: "missing foundry endpoint",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_id: "id"
  app_password: "pw"
  connection_name: "conn"
foundry:
  agent_name: "a"
database:
  path: "./test.db"
`,
			wantErrSubstr: "foundry.endpoint is required",
		},
		{
			name: "missing agent name",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_id: "id"
  app_password: "pw"
  connection_name: "conn"
foundry:
  endpoint: "https://x"
database:
  path: "./test.db"
`,
			wantErrSubstr: "foundry.agent_name is required",
		},
		{
			name: "missing database path",
			configContent: `
server:
  http_addr: "0.0.0.0:3978"
bot:
  app_id: "id"
  app_password: "pw"
  connection_name: "conn"
foundry:
  endpoint: "https://x"
  agent_name: "a"
`,
			wantErrSubstr: "database.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.configContent), 0644)
			if err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err = Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare hostname gets https",
			input:    "bot.example.com",
			expected: "https://bot.example.com",
		},
		{
			name:     "existing https kept",
			input:    "https://bot.example.com",
			expected: "https://bot.example.com",
		},
		{
			name:     "existing http kept",
			input:    "http://bot.example.com",
			expected: "http://bot.example.com",
		},
		{
			name:     "trailing slash trimmed",
			input:    "https://bot.example.com/",
			expected: "https://bot.example.com",
		},
		{
			name:     "localhost stays http",
			input:    "localhost:3978",
			expected: "http://localhost:3978",
		},
		{
			name:     "loopback stays http",
			input:    "127.0.0.1:3978",
			expected: "http://127.0.0.1:3978",
		},
		{
			name:     "empty passes through",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeBaseURL(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	base := func() Config {
		return Config{
			Bot:      BotConfig{AppID: "id", AppPassword: "pw", ConnectionName: "conn"},
			Foundry:  FoundryConfig{Endpoint: "https://x", AgentName: "a"},
			Database: DatabaseConfig{Path: "./test.db"},
		}
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty server address",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "parley"}
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires server address",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: false, Hostname: "parley"}
			},
			wantErr:       true,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "tailscale with all options set",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{
					Enabled:   true,
					Hostname:  "parley",
					AuthKey:   "tskey-auth-xxx",
					StateDir:  "/tmp/ts-state",
					Ephemeral: true,
					Funnel:    true,
				}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}
