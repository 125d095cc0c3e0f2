package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/nonce"
	"github.com/alexjbarnes/authflow/internal/pkce"
	"github.com/alexjbarnes/authflow/internal/token"
)

// StateTTL is how long an OAuth state parameter stays acceptable.
const StateTTL = time.Hour

// stateClockSkew tolerates state timestamps slightly in the future.
const stateClockSkew = time.Minute

// Providers is the fixed set of upstream providers the backend offers.
var Providers = []string{"google", "microsoft", "strava", "company"}

// ProviderClient is the backend's registration with one provider.
type ProviderClient struct {
	Provider     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// DefaultProviderClients returns the demo registrations the mock identity
// provider ships with.
func DefaultProviderClients() map[string]ProviderClient {
	clients := make(map[string]ProviderClient, len(Providers))

	for _, p := range Providers {
		scopes := []string{"openid", "profile", "email"}
		if p == "strava" {
			scopes = []string{"read", "activity:read"}
		}

		clients[p] = ProviderClient{
			Provider:     p,
			ClientID:     "fake-" + p + "-client-id",
			ClientSecret: "fake-" + p + "-client-secret",
			Scopes:       scopes,
		}
	}

	return clients
}

// OAuthConfig wires an OAuthFlow.
type OAuthConfig struct {
	// IdPURL is where the browser is sent to authorize.
	IdPURL string
	// PublicURL is this backend's externally reachable base URL; callback
	// URIs are PublicURL + "/api/auth/callback/<provider>".
	PublicURL string
	Clients   map[string]ProviderClient
	Upstream  IdentityProvider
	Nonces    *nonce.Store
	// Verifiers holds PKCE verifiers between Begin and Complete.
	Verifiers kv.Store
	Service   *Service
	Logger    *slog.Logger
	Clock     clock.PassiveClock
}

// OAuthFlow runs the authorization code flow as a confidential client
// that also uses PKCE.
type OAuthFlow struct {
	idpURL    string
	publicURL string
	clients   map[string]ProviderClient
	upstream  IdentityProvider
	nonces    *nonce.Store
	verifiers kv.Store
	service   *Service
	logger    *slog.Logger
	clock     clock.PassiveClock

	// verifierMu spans the read and delete in takeVerifier.
	verifierMu sync.Mutex
}

// NewOAuthFlow builds the flow from cfg.
func NewOAuthFlow(cfg OAuthConfig) *OAuthFlow {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &OAuthFlow{
		idpURL:    strings.TrimRight(cfg.IdPURL, "/"),
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		clients:   cfg.Clients,
		upstream:  cfg.Upstream,
		nonces:    cfg.Nonces,
		verifiers: cfg.Verifiers,
		service:   cfg.Service,
		logger:    cfg.Logger,
		clock:     clk,
	}
}

// oauthState round-trips through the provider to recover the device and
// reject stale callbacks. Timestamp is in milliseconds.
type oauthState struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func encodeState(s oauthState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeState(raw string) (oauthState, error) {
	var s oauthState

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return s, fmt.Errorf("%w: %v", apperrors.ErrInvalidState, err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", apperrors.ErrInvalidState, err)
	}

	if s.DeviceID == "" || s.Timestamp == 0 {
		return s, fmt.Errorf("%w: incomplete state", apperrors.ErrInvalidState)
	}

	return s, nil
}

// CallbackURI returns the redirect URI registered for provider.
func (f *OAuthFlow) CallbackURI(provider string) string {
	return f.publicURL + "/api/auth/callback/" + provider
}

func (f *OAuthFlow) client(provider string) (ProviderClient, error) {
	c, ok := f.clients[provider]
	if !ok {
		return ProviderClient{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownProvider, provider)
	}

	return c, nil
}

type pendingVerifier struct {
	Verifier  string    `json:"verifier"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func stateKey(state string) string {
	h := sha256.Sum256([]byte(state))
	return hex.EncodeToString(h[:])
}

// Begin starts a login through provider for deviceID and returns the
// authorization URL the browser should visit.
func (f *OAuthFlow) Begin(ctx context.Context, provider, deviceID string) (string, error) {
	c, err := f.client(provider)
	if err != nil {
		return "", err
	}

	if deviceID == "" {
		return "", apperrors.ErrMissingDeviceContext
	}

	n, err := f.nonces.Generate(ctx)
	if err != nil {
		return "", err
	}

	state, err := encodeState(oauthState{DeviceID: deviceID, Timestamp: f.clock.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}

	verifier := pkce.GenerateVerifier()

	pending := pendingVerifier{Verifier: verifier, ExpiresAt: f.clock.Now().Add(StateTTL)}
	if err := kv.PutJSON(ctx, f.verifiers, stateKey(state), pending); err != nil {
		return "", fmt.Errorf("storing pkce verifier: %w", err)
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.ClientID)
	params.Set("redirect_uri", f.CallbackURI(provider))
	params.Set("scope", strings.Join(c.Scopes, " "))
	params.Set("state", state)
	params.Set("nonce", n)
	params.Set("provider", provider)
	params.Set("code_challenge", pkce.DeriveChallenge(verifier))
	params.Set("code_challenge_method", pkce.MethodS256)

	f.logger.Debug("oauth flow started", slog.String("provider", provider), slog.String("device_id", deviceID))

	return f.idpURL + "/oauth/authorize?" + params.Encode(), nil
}

// takeVerifier returns and deletes the verifier stored for state.
func (f *OAuthFlow) takeVerifier(ctx context.Context, state string) (string, error) {
	key := stateKey(state)

	f.verifierMu.Lock()
	defer f.verifierMu.Unlock()

	var p pendingVerifier

	err := kv.GetJSON(ctx, f.verifiers, key, &p)
	if errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("%w: no pending authorization", apperrors.ErrInvalidState)
	}

	if delErr := f.verifiers.Delete(ctx, key); delErr != nil {
		return "", fmt.Errorf("consuming pkce verifier: %w", delErr)
	}

	if err != nil {
		return "", err
	}

	if f.clock.Now().After(p.ExpiresAt) {
		return "", fmt.Errorf("%w: pending authorization expired", apperrors.ErrInvalidState)
	}

	return p.Verifier, nil
}

// Complete handles the provider callback: it checks state, exchanges the
// code, validates the ID token nonce, fetches the profile and opens a
// session on the device recorded in state.
func (f *OAuthFlow) Complete(ctx context.Context, provider, code, rawState string, info models.DeviceInfo) (*Tokens, error) {
	tokens, err := f.complete(ctx, provider, code, rawState, info)
	if err != nil {
		f.service.metrics.Login(methodOAuth, metrics.OutcomeRejected)
		return nil, err
	}

	f.service.metrics.Login(methodOAuth, metrics.OutcomeSuccess)

	return tokens, nil
}

func (f *OAuthFlow) complete(ctx context.Context, provider, code, rawState string, info models.DeviceInfo) (*Tokens, error) {
	c, err := f.client(provider)
	if err != nil {
		return nil, err
	}

	if code == "" || rawState == "" {
		return nil, fmt.Errorf("%w: code and state are required", apperrors.ErrInvalidRequest)
	}

	state, err := decodeState(rawState)
	if err != nil {
		return nil, err
	}

	issued := time.UnixMilli(state.Timestamp)
	now := f.clock.Now()

	if now.Sub(issued) > StateTTL || issued.Sub(now) > stateClockSkew {
		return nil, fmt.Errorf("%w: state expired", apperrors.ErrInvalidState)
	}

	verifier, err := f.takeVerifier(ctx, rawState)
	if err != nil {
		return nil, err
	}

	upstream, err := f.upstream.Exchange(ctx, ExchangeRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  f.CallbackURI(provider),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		CodeVerifier: verifier,
		Provider:     provider,
	})
	if err != nil {
		return nil, err
	}

	if upstream.IDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing", apperrors.ErrUpstreamProvider)
	}

	idClaims, err := token.ParseUnverified(upstream.IDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUpstreamProvider, err)
	}

	if !slices.Contains(idClaims.Audience, c.ClientID) {
		return nil, fmt.Errorf("%w: id_token audience mismatch", apperrors.ErrUpstreamProvider)
	}

	ok, err := f.nonces.Validate(ctx, idClaims.Nonce)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, apperrors.ErrInvalidNonce
	}

	profile, err := f.upstream.UserInfo(ctx, upstream.AccessToken)
	if err != nil {
		return nil, err
	}

	user := models.User{
		ID:       userIDFromProfile(profile.ID),
		Username: profile.Name,
		Email:    profile.Email,
		Scope:    defaultScope,
	}

	if info.UserAgent == "" {
		info.UserAgent = "unknown"
	}

	tokens, err := f.service.openSession(ctx, user, state.DeviceID, info)
	if err != nil {
		return nil, err
	}

	f.logger.Info("oauth login successful",
		slog.String("provider", provider),
		slog.Int("user_id", user.ID),
		slog.String("device_id", state.DeviceID),
	)

	return tokens, nil
}

// userIDFromProfile maps a provider subject such as "google-123" to a
// local numeric id, using the numeric suffix when there is one and a
// stable hash otherwise.
func userIDFromProfile(subject string) int {
	if i := strings.LastIndex(subject, "-"); i >= 0 {
		if n, err := strconv.Atoi(subject[i+1:]); err == nil && n > 0 {
			return n
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))

	return int(h.Sum32()&0x7fffffff) + 1
}

// SweepVerifiers deletes PKCE verifiers whose flow was never completed.
func (f *OAuthFlow) SweepVerifiers(ctx context.Context) (int, error) {
	now := f.clock.Now()

	keys, err := kv.Keys(ctx, f.verifiers, func(_ string, value []byte) bool {
		var p pendingVerifier
		if json.Unmarshal(value, &p) != nil {
			return true
		}

		return now.After(p.ExpiresAt)
	})
	if err != nil {
		return 0, fmt.Errorf("scanning pkce verifiers: %w", err)
	}

	for _, k := range keys {
		if err := f.verifiers.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("deleting pkce verifier: %w", err)
		}
	}

	return len(keys), nil
}
