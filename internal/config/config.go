// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Bot       BotConfig       `yaml:"bot"`
	Auth      AuthConfig      `yaml:"auth"`
	Foundry   FoundryConfig   `yaml:"foundry"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicBaseURL is the externally reachable base URL for the messaging
	// endpoint. Used in the startup summary and sign-in flow diagnostics.
	PublicBaseURL string `yaml:"public_base_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Expose the listener publicly over Funnel (implies HTTPS)
}

// BotConfig holds the Bot Framework channel registration
type BotConfig struct {
	AppID           string `yaml:"app_id"`
	AppPassword     string `yaml:"app_password"`
	TenantID        string `yaml:"tenant_id"`         // single-tenant apps; empty means the multi-tenant botframework.com endpoint
	ConnectionName  string `yaml:"connection_name"`   // OAuth connection configured on the bot registration
	TokenServiceURL string `yaml:"token_service_url"` // user-token service base; defaults to https://api.botframework.com
}

// AuthConfig holds identity verification configuration
type AuthConfig struct {
	// AllowedTenants restricts which tenants may talk to the bot.
	// Empty means all tenants are accepted.
	AllowedTenants []string `yaml:"allowed_tenants"`

	// User verifies tokens obtained through the OAuth connection.
	User TrustConfig `yaml:"user"`
	// Channel verifies inbound requests on /api/messages. When left
	// entirely empty the middleware is disabled (local development).
	Channel TrustConfig `yaml:"channel"`

	// SSO negotiation tuning.
	PendingTTL   time.Duration `yaml:"-"`
	PromptWindow time.Duration `yaml:"-"`
	MaxPrompts   int           `yaml:"max_prompts"`

	// Raw string values for YAML unmarshaling
	PendingTTLRaw   string `yaml:"pending_ttl"`
	PromptWindowRaw string `yaml:"prompt_window"`
}

// TrustConfig describes what makes a token acceptable: who may have
// issued it, who it must be addressed to, and where the keys live.
type TrustConfig struct {
	Issuers    []string `yaml:"issuers"`
	Audience   string   `yaml:"audience"`
	JWKSURL    string   `yaml:"jwks_url"`
	HMACSecret string   `yaml:"hmac_secret"` // symmetric fallback, mostly for development
}

// Empty reports whether no trust parameters were configured at all.
func (t TrustConfig) Empty() bool {
	return len(t.Issuers) == 0 && t.Audience == "" && t.JWKSURL == "" && t.HMACSecret == ""
}

// FoundryConfig holds the agent backend connection
type FoundryConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AgentName  string `yaml:"agent_name"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"` // defaults to "v1"
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// SealKey encrypts cached tokens at rest. 32 bytes after decoding;
	// accepts raw or base64. Empty disables sealing (development only).
	SealKey string `yaml:"seal_key"`
}

// RelayConfig holds streaming relay tuning
type RelayConfig struct {
	UpdateInterval time.Duration `yaml:"-"`
	ReplayTTL      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	UpdateIntervalRaw string `yaml:"update_interval"`
	ReplayTTLRaw      string `yaml:"replay_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Server.PublicBaseURL = NormalizeBaseURL(cfg.Server.PublicBaseURL)

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible defaults so the rest of
// the program never has to guard against zero values.
func (c *Config) applyDefaults() {
	if c.Bot.TokenServiceURL == "" {
		c.Bot.TokenServiceURL = "https://api.botframework.com"
	}
	if c.Foundry.APIVersion == "" {
		c.Foundry.APIVersion = "v1"
	}
	if c.Auth.PendingTTL == 0 {
		c.Auth.PendingTTL = 5 * time.Minute
	}
	if c.Auth.PromptWindow == 0 {
		c.Auth.PromptWindow = 10 * time.Minute
	}
	if c.Auth.MaxPrompts == 0 {
		c.Auth.MaxPrompts = 3
	}
	if c.Relay.UpdateInterval == 0 {
		c.Relay.UpdateInterval = 1500 * time.Millisecond
	}
	if c.Relay.ReplayTTL == 0 {
		c.Relay.ReplayTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Bot.AppID == "" {
		return fmt.Errorf("bot.app_id is required")
	}
	if c.Bot.AppPassword == "" {
		return fmt.Errorf("bot.app_password is required")
	}
	if c.Bot.ConnectionName == "" {
		return fmt.Errorf("bot.connection_name is required")
	}

	if c.Foundry.Endpoint == "" {
		return fmt.Errorf("foundry.endpoint is required")
	}
	if c.Foundry.AgentName == "" {
		return fmt.Errorf("foundry.agent_name is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.MaxPrompts < 0 {
		return fmt.Errorf("auth.max_prompts must not be negative")
	}

	return nil
}

// NormalizeBaseURL ensures a public base URL carries a scheme and no
// trailing slash. Bare hostnames get https:// prepended; localhost keeps
// plain http for development.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if strings.HasPrefix(u, "localhost") || strings.HasPrefix(u, "127.0.0.1") {
		return "http://" + u
	}
	return "https://" + u
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.PendingTTLRaw != "" {
		cfg.Auth.PendingTTL, err = time.ParseDuration(cfg.Auth.PendingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing pending_ttl %q: %w", cfg.Auth.PendingTTLRaw, err)
		}
	}

	if cfg.Auth.PromptWindowRaw != "" {
		cfg.Auth.PromptWindow, err = time.ParseDuration(cfg.Auth.PromptWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing prompt_window %q: %w", cfg.Auth.PromptWindowRaw, err)
		}
	}

	if cfg.Relay.UpdateIntervalRaw != "" {
		cfg.Relay.UpdateInterval, err = time.ParseDuration(cfg.Relay.UpdateIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing update_interval %q: %w", cfg.Relay.UpdateIntervalRaw, err)
		}
	}

	if cfg.Relay.ReplayTTLRaw != "" {
		cfg.Relay.ReplayTTL, err = time.ParseDuration(cfg.Relay.ReplayTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing replay_ttl %q: %w", cfg.Relay.ReplayTTLRaw, err)
		}
	}

	return nil
}
