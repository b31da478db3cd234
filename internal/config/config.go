package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Auth modes for the session API.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
	AuthModeJWT    = "jwt"
)

// Call site names used for governor policies and metrics.
const (
	CallSiteContactSubmit = "contact.submit"
	CallSiteAdminContacts = "admin.contacts"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Session API
	APIListenAddr      string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode        string `envconfig:"API_AUTH_MODE" default:"api-key"`
	APIKey             string `envconfig:"API_KEY"`
	APIJWTSecret       string `envconfig:"API_JWT_SECRET"`
	APIAdminIdentities string `envconfig:"API_ADMIN_IDENTITIES"` // Comma-separated identities allowed on admin routes
	APIRateLimitRPS    int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst  int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	APICORSOrigins     string `envconfig:"API_CORS_ORIGINS"`

	// Idle monitor
	InactivityWindow time.Duration `envconfig:"INACTIVITY_WINDOW" default:"4h"`
	WarningWindow    time.Duration `envconfig:"WARNING_WINDOW" default:"10m"`
	LogoutCooloff    time.Duration `envconfig:"LOGOUT_COOLOFF" default:"1s"`
	MaxSessions      int           `envconfig:"MAX_SESSIONS" default:"10000"`

	// Request governor defaults; CALL_SITE_POLICY_FILE may override per call site.
	MaxRetries            int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelayBase        time.Duration `envconfig:"RETRY_DELAY_BASE" default:"1s"`
	ContactDebounce       time.Duration `envconfig:"CONTACT_DEBOUNCE" default:"1.5s"`
	AdminContactsDebounce time.Duration `envconfig:"ADMIN_CONTACTS_DEBOUNCE" default:"500ms"`
	GovernorIdleTTL       time.Duration `envconfig:"GOVERNOR_IDLE_TTL" default:"30m"`
	CallSitePolicyFile    string        `envconfig:"CALL_SITE_POLICY_FILE"`

	// Storefront backend (optional; contact routes answer 503 without it)
	StorefrontBaseURL string        `envconfig:"STOREFRONT_BASE_URL"`
	StorefrontTimeout time.Duration `envconfig:"STOREFRONT_TIMEOUT" default:"10s"`

	// Identity-scoped token storage; empty keeps tokens in memory.
	TokenDBPath string `envconfig:"TOKEN_DB_PATH"`

	// Logout webhook to the storefront backend (optional)
	LogoutWebhookURL     string        `envconfig:"LOGOUT_WEBHOOK_URL"`
	LogoutWebhookTimeout time.Duration `envconfig:"LOGOUT_WEBHOOK_TIMEOUT" default:"5s"`
	LogoutWebhookRetries int           `envconfig:"LOGOUT_WEBHOOK_RETRIES" default:"2"`

	// Slack audit of idle logouts (optional)
	SlackBotToken     string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAuditChannel string `envconfig:"SLACK_AUDIT_CHANNEL"`
}

// SlackAuditEnabled returns true if Slack audit posting is configured.
func (c *Config) SlackAuditEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAuditChannel != ""
}

// StorefrontEnabled returns true if the storefront backend URL is configured.
func (c *Config) StorefrontEnabled() bool {
	return c.StorefrontBaseURL != ""
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitList(c.APICORSOrigins)
}

// AdminIdentityList returns the identities allowed on admin routes.
// Returns nil if not configured, so nobody is admin.
func (c *Config) AdminIdentityList() []string {
	return splitList(c.APIAdminIdentities)
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	switch c.APIAuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("API_KEY is required when API_AUTH_MODE=%s", AuthModeAPIKey)
		}
	case AuthModeJWT:
		if c.APIJWTSecret == "" {
			return fmt.Errorf("API_JWT_SECRET is required when API_AUTH_MODE=%s", AuthModeJWT)
		}
	default:
		return fmt.Errorf("unknown API_AUTH_MODE %q", c.APIAuthMode)
	}
	if c.WarningWindow >= c.InactivityWindow {
		return fmt.Errorf("WARNING_WINDOW (%s) must be shorter than INACTIVITY_WINDOW (%s)",
			c.WarningWindow, c.InactivityWindow)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelayBase <= 0 {
		return fmt.Errorf("RETRY_DELAY_BASE must be positive")
	}
	if c.LogoutWebhookRetries < 0 {
		return fmt.Errorf("LOGOUT_WEBHOOK_RETRIES must not be negative")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
