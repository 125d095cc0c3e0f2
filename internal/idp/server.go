// Package idp is a mock OAuth 2.0 / OpenID Connect identity provider. It
// hosts several named providers, each with one registered client that may
// authenticate with its secret, with PKCE, or with both.
package idp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/authcode"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/nonce"
	"github.com/alexjbarnes/authflow/internal/token"
)

// Audience is the aud claim of access tokens the provider issues. ID
// tokens are addressed to the client instead.
const Audience = "idp"

// RefreshAudience is the aud claim of refresh tokens. They are signed with
// a separate secret and are never accepted as bearer tokens.
const RefreshAudience = "idp-refresh"

// maxRequestBody caps form and JSON bodies.
const maxRequestBody = 64 << 10

// Config wires a Server.
type Config struct {
	// Issuer is the provider's public base URL; it is also the iss claim
	// of every token, so Tokens must be built with the same value.
	Issuer        string
	Registry      *Registry
	Codes         *authcode.Store
	CSRF          *nonce.Store
	Tokens        *token.Codec
	// RefreshTokens signs refresh tokens. It must use a different secret
	// from Tokens.
	RefreshTokens *token.Codec
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         clock.PassiveClock
}

// Server implements the provider endpoints.
type Server struct {
	issuer     string
	registry   *Registry
	codes      *authcode.Store
	csrf       *nonce.Store
	tokens     *token.Codec
	refresh    *token.Codec
	accessTTL  time.Duration
	refreshTTL time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	clock      clock.PassiveClock
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Server{
		issuer:     strings.TrimRight(cfg.Issuer, "/"),
		registry:   cfg.Registry,
		codes:      cfg.Codes,
		csrf:       cfg.CSRF,
		tokens:     cfg.Tokens,
		refresh:    cfg.RefreshTokens,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clock:      clk,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	body := map[string]string{"error": errCode}
	if description != "" {
		body["error_description"] = description
	}

	writeJSON(w, status, body)
}
