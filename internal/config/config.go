// Package config loads environment configuration for the backend and the
// mock identity provider.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/authflow/internal/auth"
	"github.com/alexjbarnes/authflow/internal/kv"
)

// minSecretLen matches the token codec's floor for HMAC secrets.
const minSecretLen = 16

// Config holds all environment-based configuration for the backend.
type Config struct {
	// Environment controls log format and the Secure cookie flag.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":3001"`

	// Access and refresh tokens are signed with separate secrets.
	AccessSecret  string        `env:"JWT_ACCESS_SECRET"`
	RefreshSecret string        `env:"JWT_REFRESH_SECRET"`
	AccessTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15s"`
	RefreshTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	Issuer        string        `env:"TOKEN_ISSUER" envDefault:"authflow"`
	Audience      string        `env:"TOKEN_AUDIENCE" envDefault:"authflow-api"`

	// AuthUsers is "user:password" or "user:bcrypthash", comma separated.
	AuthUsers string `env:"AUTH_USERS" envDefault:"demo:password123"`

	FrontendURL string   `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3003" envSeparator:","`

	// OAuth client settings. OAuthClients overrides the built-in client
	// registrations with "provider:client_id:client_secret" entries.
	IdPURL          string        `env:"IDP_URL" envDefault:"http://localhost:3002"`
	PublicURL       string        `env:"PUBLIC_URL" envDefault:"http://localhost:3001"`
	OAuthClients    string        `env:"OAUTH_CLIENTS"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`

	StoreBackend  string        `env:"STORE_BACKEND" envDefault:"memory"`
	StorePath     string        `env:"STORE_PATH" envDefault:"authflow.db"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	// LoginRateLimit is login attempts per minute per client IP. Zero
	// disables limiting.
	LoginRateLimit int `env:"LOGIN_RATE_LIMIT" envDefault:"10"`
	// AdminToken guards token invalidation. Empty disables the endpoint.
	AdminToken string `env:"ADMIN_TOKEN"`
}

// IdPConfig holds all environment-based configuration for the mock
// identity provider.
type IdPConfig struct {
	Environment string   `env:"ENVIRONMENT" envDefault:"development"`
	ListenAddr  string   `env:"IDP_LISTEN_ADDR" envDefault:":3002"`
	Issuer      string   `env:"IDP_ISSUER" envDefault:"http://localhost:3002"`
	CORSOrigins []string `env:"IDP_CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3003" envSeparator:","`

	Secret        string        `env:"IDP_JWT_SECRET"`
	RefreshSecret string        `env:"IDP_JWT_REFRESH_SECRET"`
	AccessTTL     time.Duration `env:"IDP_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTTL    time.Duration `env:"IDP_REFRESH_TOKEN_TTL" envDefault:"168h"`
	CodeTTL       time.Duration `env:"IDP_CODE_TTL" envDefault:"10m"`

	// ProvidersFile is an optional YAML provider registry, reloaded on
	// change. The built-in providers are used when it is empty.
	ProvidersFile string `env:"IDP_PROVIDERS_FILE"`

	StoreBackend  string        `env:"IDP_STORE_BACKEND" envDefault:"memory"`
	StorePath     string        `env:"IDP_STORE_PATH" envDefault:"authflow-idp.db"`
	RedisAddr     string        `env:"IDP_REDIS_ADDR" envDefault:"localhost:6379"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing secrets to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads backend configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadIdP reads identity provider configuration the same way as Load.
func LoadIdP() (*IdPConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &IdPConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := checkSecret("JWT_ACCESS_SECRET", c.AccessSecret); err != nil {
		return err
	}

	if err := checkSecret("JWT_REFRESH_SECRET", c.RefreshSecret); err != nil {
		return err
	}

	if c.AccessSecret == c.RefreshSecret {
		return errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}

	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}

	for name, v := range map[string]string{
		"FRONTEND_URL": c.FrontendURL,
		"IDP_URL":      c.IdPURL,
		"PUBLIC_URL":   c.PublicURL,
	} {
		if err := checkURL(name, v); err != nil {
			return err
		}
	}

	if c.UpstreamTimeout <= 0 {
		return errors.New("UPSTREAM_TIMEOUT must be positive")
	}

	if c.LoginRateLimit < 0 {
		return errors.New("LOGIN_RATE_LIMIT must not be negative")
	}

	if err := checkStore("STORE", c.StoreBackend, c.StorePath, c.RedisAddr, c.SweepInterval); err != nil {
		return err
	}

	if _, err := c.ParseUsers(); err != nil {
		return err
	}

	if _, err := c.ParseOAuthClients(); err != nil {
		return err
	}

	return nil
}

func (c *IdPConfig) validate() error {
	if err := checkSecret("IDP_JWT_SECRET", c.Secret); err != nil {
		return err
	}

	if err := checkSecret("IDP_JWT_REFRESH_SECRET", c.RefreshSecret); err != nil {
		return err
	}

	if c.Secret == c.RefreshSecret {
		return errors.New("IDP_JWT_SECRET and IDP_JWT_REFRESH_SECRET must differ")
	}

	if err := checkURL("IDP_ISSUER", c.Issuer); err != nil {
		return err
	}

	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.CodeTTL <= 0 {
		return errors.New("IDP_ACCESS_TOKEN_TTL, IDP_REFRESH_TOKEN_TTL and IDP_CODE_TTL must be positive")
	}

	return checkStore("IDP_STORE", c.StoreBackend, c.StorePath, c.RedisAddr, c.SweepInterval)
}

func checkSecret(name, secret string) error {
	if secret == "" {
		return fmt.Errorf("%s is required", name)
	}

	if len(secret) < minSecretLen {
		return fmt.Errorf("%s must be at least %d characters", name, minSecretLen)
	}

	return nil
}

func checkURL(name, raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}

	return nil
}

func checkStore(prefix, backend, path, redisAddr string, sweep time.Duration) error {
	switch backend {
	case kv.BackendMemory:
	case kv.BackendBolt:
		if path == "" {
			return fmt.Errorf("%s_PATH is required for the bolt backend", prefix)
		}
	case kv.BackendRedis:
		if redisAddr == "" {
			return fmt.Errorf("%sREDIS_ADDR is required for the redis backend", strings.TrimSuffix(prefix, "STORE"))
		}
	default:
		return fmt.Errorf("%s_BACKEND must be memory, bolt or redis, got %q", prefix, backend)
	}

	if sweep <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// StoreOptions selects the key/value backend.
func (c *Config) StoreOptions() kv.Options {
	return kv.Options{Backend: c.StoreBackend, Path: c.StorePath, RedisAddr: c.RedisAddr}
}

// StoreOptions selects the key/value backend.
func (c *IdPConfig) StoreOptions() kv.Options {
	return kv.Options{Backend: c.StoreBackend, Path: c.StorePath, RedisAddr: c.RedisAddr}
}

// ParseUsers parses AUTH_USERS.
// Format: "user1:password1,user2:$2a$10$..."
func (c *Config) ParseUsers() ([]auth.Credential, error) {
	var creds []auth.Credential

	seen := make(map[string]struct{})

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		username, secret, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid AUTH_USERS entry (missing ':')")
		}

		if username == "" || secret == "" {
			return nil, fmt.Errorf("empty username or password in AUTH_USERS entry %d", len(creds)+1)
		}

		if _, dup := seen[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		seen[username] = struct{}{}
		creds = append(creds, auth.Credential{Username: username, Secret: secret})
	}

	if len(creds) == 0 {
		return nil, errors.New("AUTH_USERS must define at least one user")
	}

	return creds, nil
}

// ParseOAuthClients returns the built-in client registrations with any
// OAUTH_CLIENTS overrides applied.
// Format: "google:client-id:client-secret,acme:id:secret"
func (c *Config) ParseOAuthClients() (map[string]auth.ProviderClient, error) {
	clients := auth.DefaultProviderClients()

	for i, entry := range strings.Split(c.OAuthClients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid OAUTH_CLIENTS entry %d (want provider:client_id:client_secret)", i+1)
		}

		client, known := clients[parts[0]]
		if !known {
			client = auth.ProviderClient{Provider: parts[0], Scopes: []string{"openid", "profile", "email"}}
		}

		client.ClientID = parts[1]
		client.ClientSecret = parts[2]
		clients[parts[0]] = client
	}

	return clients, nil
}

// IsProduction returns true when the environment is set to production.
func (c *IdPConfig) IsProduction() bool {
	return c.Environment == "production"
}
