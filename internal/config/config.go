// Package config loads environment-based configuration for calconnect.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// callbackPath is where the OAuth provider redirects after consent.
// It is appended to BaseURL to form the registered redirect URI.
const callbackPath = "/oauth/callback"

// Config holds all environment-based configuration for calconnect.
type Config struct {
	// HTTP listen address for the service.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8086"`

	// External base URL of this service. Used to build connect links
	// and the OAuth callback URI registered with the provider.
	BaseURL string `env:"BASE_URL"`

	// Frontend base URL for post-flow redirects (success and error pages).
	FrontendURL string `env:"FRONTEND_URL"`

	// Google OAuth client credentials.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	// Secret used to HMAC-sign the OAuth state parameter. Hex or raw;
	// only its byte content matters.
	StateSecret string `env:"STATE_SECRET"`

	// Path to the bbolt database file.
	StorePath string `env:"STORE_PATH" envDefault:""`

	// Comma-separated admin user:bcrypt_hash pairs guarding the
	// administrative API endpoints.
	AdminAPIKeys string `env:"ADMIN_API_KEYS"`

	// Validity window for issued connection links.
	ConnectTokenTTL time.Duration `env:"CONNECT_TOKEN_TTL" envDefault:"24h"`

	// Upper bound on outbound provider calls (exchange, refresh).
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	// How often expired connection tokens are pruned from the store.
	// Zero disables pruning.
	TokenPruneInterval time.Duration `env:"TOKEN_PRUNE_INTERVAL" envDefault:"1h"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the client secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}

	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL")
	}

	if c.FrontendURL == "" {
		return fmt.Errorf("FRONTEND_URL is required")
	}

	if c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}

	if c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}

	if len(c.StateSecret) < stateSecretMinLen {
		return fmt.Errorf("STATE_SECRET must be at least %d characters", stateSecretMinLen)
	}

	if c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required")
	}

	if c.AdminAPIKeys == "" {
		return fmt.Errorf("ADMIN_API_KEYS is required")
	}

	if c.ConnectTokenTTL <= 0 {
		return fmt.Errorf("CONNECT_TOKEN_TTL must be greater than zero")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be greater than zero")
	}

	if c.TokenPruneInterval < 0 {
		return fmt.Errorf("TOKEN_PRUNE_INTERVAL must be zero or a positive duration")
	}

	return nil
}

const (
	// stateSecretMinLen is the minimum length for the state signing
	// secret. Shorter secrets do not provide enough entropy for
	// HMAC-SHA256 to make forged state values infeasible.
	stateSecretMinLen = 32
)

// RedirectURL returns the OAuth callback URI derived from BaseURL.
func (c *Config) RedirectURL() string {
	return c.BaseURL + callbackPath
}

// ConnectURL builds the public connect link for a token. The link embeds
// only the token value, never tenant or staff identifiers.
func (c *Config) ConnectURL(token string) string {
	return c.BaseURL + "/connect?token=" + url.QueryEscape(token)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AdminKey holds a pre-configured admin user and the bcrypt hash of
// their API key, parsed from ADMIN_API_KEYS.
type AdminKey struct {
	User string
	Hash string
}

// ParseAdminKeys parses the ADMIN_API_KEYS string.
// Format: "admin1:bcrypt_hash1,admin2:bcrypt_hash2"
func (c *Config) ParseAdminKeys() ([]AdminKey, error) {
	if c.AdminAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []AdminKey

	for _, pair := range strings.Split(c.AdminAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid admin key entry (missing ':')")
		}

		user := pair[:idx]

		hash := pair[idx+1:]
		if user == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("admin key hash must be a bcrypt hash in entry %d", len(keys)+1)
		}

		if _, dup := seen[user]; dup {
			return nil, fmt.Errorf("duplicate user %q in ADMIN_API_KEYS", user)
		}

		seen[user] = struct{}{}
		keys = append(keys, AdminKey{User: user, Hash: hash})
	}

	return keys, nil
}

// CheckResult reports, per required configuration value, whether it is
// present. Values themselves are never echoed back.
type CheckResult struct {
	BaseURL            bool   `json:"base_url"`
	FrontendURL        bool   `json:"frontend_url"`
	GoogleClientID     bool   `json:"google_client_id"`
	GoogleClientSecret bool   `json:"google_client_secret"`
	StateSecret        bool   `json:"state_secret"`
	StorePath          bool   `json:"store_path"`
	AdminAPIKeys       bool   `json:"admin_api_keys"`
	CallbackURL        string `json:"callback_url"`
}

// Check reports presence of each required configuration value along with
// the computed callback URL. Purely diagnostic.
func (c *Config) Check() CheckResult {
	return CheckResult{
		BaseURL:            c.BaseURL != "",
		FrontendURL:        c.FrontendURL != "",
		GoogleClientID:     c.GoogleClientID != "",
		GoogleClientSecret: c.GoogleClientSecret != "",
		StateSecret:        c.StateSecret != "",
		StorePath:          c.StorePath != "",
		AdminAPIKeys:       c.AdminAPIKeys != "",
		CallbackURL:        c.RedirectURL(),
	}
}
