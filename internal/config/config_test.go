package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authflow/internal/auth"
)

const (
	accessSecret  = "access-secret-0123456789"
	refreshSecret = "refresh-secret-0123456789"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LISTEN_ADDR",
		"JWT_ACCESS_SECRET",
		"JWT_REFRESH_SECRET",
		"ACCESS_TOKEN_TTL",
		"REFRESH_TOKEN_TTL",
		"TOKEN_ISSUER",
		"TOKEN_AUDIENCE",
		"AUTH_USERS",
		"FRONTEND_URL",
		"CORS_ORIGINS",
		"IDP_URL",
		"PUBLIC_URL",
		"OAUTH_CLIENTS",
		"UPSTREAM_TIMEOUT",
		"STORE_BACKEND",
		"STORE_PATH",
		"REDIS_ADDR",
		"SWEEP_INTERVAL",
		"LOGIN_RATE_LIMIT",
		"ADMIN_TOKEN",
		"IDP_LISTEN_ADDR",
		"IDP_ISSUER",
		"IDP_CORS_ORIGINS",
		"IDP_JWT_SECRET",
		"IDP_JWT_REFRESH_SECRET",
		"IDP_ACCESS_TOKEN_TTL",
		"IDP_REFRESH_TOKEN_TTL",
		"IDP_CODE_TTL",
		"IDP_PROVIDERS_FILE",
		"IDP_STORE_BACKEND",
		"IDP_STORE_PATH",
		"IDP_REDIS_ADDR",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setSecrets sets the minimum env vars for the backend.
func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", accessSecret)
	t.Setenv("JWT_REFRESH_SECRET", refreshSecret)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setSecrets(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":3001", cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "http://localhost:3002", cfg.IdPURL)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3003"}, cfg.CORSOrigins)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 10, cfg.LoginRateLimit)
	assert.Empty(t, cfg.AdminToken)
	assert.False(t, cfg.IsProduction())

	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	assert.Equal(t, []auth.Credential{{Username: "demo", Secret: "password123"}}, users)
}

func TestLoad_Custom(t *testing.T) {
	clearConfigEnv(t)
	setSecrets(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("REFRESH_TOKEN_TTL", "24h")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")
	t.Setenv("STORE_BACKEND", "bolt")
	t.Setenv("STORE_PATH", "/var/lib/authflow/store.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)

	opts := cfg.StoreOptions()
	assert.Equal(t, "bolt", opts.Backend)
	assert.Equal(t, "/var/lib/authflow/store.db", opts.Path)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing access secret", map[string]string{"JWT_ACCESS_SECRET": ""}, "JWT_ACCESS_SECRET is required"},
		{"short refresh secret", map[string]string{"JWT_REFRESH_SECRET": "short"}, "JWT_REFRESH_SECRET must be at least"},
		{"same secrets", map[string]string{"JWT_REFRESH_SECRET": accessSecret}, "must differ"},
		{"access not shorter", map[string]string{"ACCESS_TOKEN_TTL": "1h", "REFRESH_TOKEN_TTL": "1h"}, "ACCESS_TOKEN_TTL must be shorter"},
		{"negative ttl", map[string]string{"ACCESS_TOKEN_TTL": "-1s"}, "must be positive"},
		{"bad duration", map[string]string{"ACCESS_TOKEN_TTL": "soon"}, "parsing config"},
		{"relative idp url", map[string]string{"IDP_URL": "localhost:3002"}, "IDP_URL"},
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd"}, "STORE_BACKEND must be"},
		{"zero sweep", map[string]string{"SWEEP_INTERVAL": "0s"}, "SWEEP_INTERVAL"},
		{"negative rate limit", map[string]string{"LOGIN_RATE_LIMIT": "-1"}, "LOGIN_RATE_LIMIT"},
		{"bad users", map[string]string{"AUTH_USERS": "nocolon"}, "AUTH_USERS"},
		{"bad oauth clients", map[string]string{"OAUTH_CLIENTS": "google:only-id"}, "OAUTH_CLIENTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setSecrets(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// --- ParseUsers ---

func TestParseUsers(t *testing.T) {
	cfg := &Config{AuthUsers: " demo:password123 , ops:$2a$10$abcdefghijklmnopqrstuv ,"}

	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ops", users[1].Username)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", users[1].Secret)
}

func TestParseUsers_PasswordMayContainColon(t *testing.T) {
	cfg := &Config{AuthUsers: "demo:pa:ss"}

	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	assert.Equal(t, "pa:ss", users[0].Secret)
}

func TestParseUsers_Invalid(t *testing.T) {
	for _, raw := range []string{"", "demo", ":pw", "demo:", "a:1,a:2"} {
		cfg := &Config{AuthUsers: raw}

		_, err := cfg.ParseUsers()
		assert.Error(t, err, raw)
	}
}

// --- ParseOAuthClients ---

func TestParseOAuthClients_DefaultsAndOverrides(t *testing.T) {
	cfg := &Config{OAuthClients: "google:real-id:real-secret, acme:acme-id:acme:secret"}

	clients, err := cfg.ParseOAuthClients()
	require.NoError(t, err)

	assert.Equal(t, "real-id", clients["google"].ClientID)
	assert.Equal(t, "real-secret", clients["google"].ClientSecret)
	assert.Equal(t, []string{"openid", "profile", "email"}, clients["google"].Scopes)

	assert.Equal(t, "fake-strava-client-id", clients["strava"].ClientID)
	assert.Equal(t, []string{"read", "activity:read"}, clients["strava"].Scopes)

	acme := clients["acme"]
	assert.Equal(t, "acme", acme.Provider)
	assert.Equal(t, "acme:secret", acme.ClientSecret)
}

func TestParseOAuthClients_Empty(t *testing.T) {
	clients, err := (&Config{}).ParseOAuthClients()
	require.NoError(t, err)
	assert.Len(t, clients, 4)
}

// --- LoadIdP ---

func TestLoadIdP_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("IDP_JWT_SECRET", "idp-secret-0123456789")
	t.Setenv("IDP_JWT_REFRESH_SECRET", "idp-refresh-secret-0123456789")

	cfg, err := LoadIdP()
	require.NoError(t, err)
	assert.Equal(t, ":3002", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:3002", cfg.Issuer)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 10*time.Minute, cfg.CodeTTL)
	assert.Empty(t, cfg.ProvidersFile)
	assert.Equal(t, "memory", cfg.StoreOptions().Backend)
}

func TestLoadIdP_Rejects(t *testing.T) {
	clearConfigEnv(t)

	_, err := LoadIdP()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_JWT_SECRET is required")

	t.Setenv("IDP_JWT_SECRET", "idp-secret-0123456789")

	_, err = LoadIdP()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_JWT_REFRESH_SECRET is required")

	t.Setenv("IDP_JWT_REFRESH_SECRET", "idp-secret-0123456789")

	_, err = LoadIdP()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")

	t.Setenv("IDP_JWT_REFRESH_SECRET", "idp-refresh-secret-0123456789")
	t.Setenv("IDP_CODE_TTL", "0s")

	_, err = LoadIdP()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_CODE_TTL")
}

func TestCheckStore(t *testing.T) {
	assert.NoError(t, checkStore("STORE", "memory", "", "", time.Minute))
	assert.NoError(t, checkStore("STORE", "bolt", "x.db", "", time.Minute))
	assert.NoError(t, checkStore("STORE", "redis", "", "localhost:6379", time.Minute))

	err := checkStore("STORE", "bolt", "", "", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_PATH is required")

	err = checkStore("IDP_STORE", "redis", "", "", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}
