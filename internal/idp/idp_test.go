package idp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/alexjbarnes/authflow/internal/authcode"
	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/nonce"
	"github.com/alexjbarnes/authflow/internal/pkce"
	"github.com/alexjbarnes/authflow/internal/token"
)

const (
	testIssuer      = "http://localhost:3002"
	backendCallback = "http://localhost:3001/api/auth/callback/google"
	spaCallback     = "http://localhost:3003/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testIdP struct {
	srv     *Server
	handler http.Handler
	clock   *testingclock.FakeClock
	codec   *token.Codec
	refresh *token.Codec
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()

	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	codec, err := token.NewCodec("idp-secret-0123456789", testIssuer, Audience, clk)
	require.NoError(t, err)

	refresh, err := token.NewCodec("idp-refresh-secret-0123456789", testIssuer, RefreshAudience, clk)
	require.NoError(t, err)

	srv := New(Config{
		Issuer:        testIssuer,
		Registry:      NewRegistry(DefaultProviders()),
		Codes:         authcode.NewStore(kv.NewMemory(), clk, authcode.DefaultTTL),
		CSRF:          nonce.NewStore(kv.NewMemory(), clk, 10*time.Minute),
		Tokens:        codec,
		RefreshTokens: refresh,
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Metrics:       metrics.New(),
		Logger:        testLogger(),
		Clock:         clk,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/authorize", srv.Authorize)
	mux.HandleFunc("POST /oauth/authorize/confirm", srv.Confirm)
	mux.HandleFunc("POST /oauth/token", srv.Token)
	mux.HandleFunc("GET /oauth/userinfo", srv.UserInfo)
	mux.HandleFunc("GET /.well-known/openid-configuration", srv.Discovery)

	return &testIdP{srv: srv, handler: mux, clock: clk, codec: codec, refresh: refresh}
}

func authorizeParams(redirectURI string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {"fake-google-client-id"},
		"redirect_uri":  {redirectURI},
		"scope":         {"openid profile email"},
		"state":         {"state-123"},
		"nonce":         {"nonce-abc"},
		"provider":      {"google"},
	}
}

func (e *testIdP) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

var csrfField = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// consent renders the consent page and returns the form that submitting
// it would post.
func (e *testIdP) consent(t *testing.T, params url.Values) url.Values {
	t.Helper()

	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	m := csrfField.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "csrf token not found in consent page")

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}

	form.Set("csrf_token", m[1])
	form.Set("decision", "approve")

	return form
}

func (e *testIdP) confirm(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return e.do(req)
}

// issueCode runs authorize and confirm and returns the code.
func (e *testIdP) issueCode(t *testing.T, params url.Values) string {
	t.Helper()

	rec := e.confirm(e.consent(t, params))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	return code
}

func (e *testIdP) exchange(body map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")

	return e.do(req)
}

func confidentialExchange(code string) map[string]string {
	return map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  backendCallback,
		"client_id":     "fake-google-client-id",
		"client_secret": "fake-google-client-secret",
		"provider":      "google",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body["error"], body["error_description"]
}

// --- authorize ---

func TestAuthorize_RendersConsent(t *testing.T) {
	e := newTestIdP(t)

	params := authorizeParams(backendCallback)
	params.Set("code_challenge", pkce.DeriveChallenge(testVerifier))
	params.Set("code_challenge_method", "S256")

	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))

	body := rec.Body.String()
	assert.Contains(t, body, "Google")
	assert.Contains(t, body, `name="nonce" value="nonce-abc"`)
	assert.Contains(t, body, `name="state" value="state-123"`)
	assert.Contains(t, body, `name="code_challenge" value="`+pkce.DeriveChallenge(testVerifier)+`"`)
	assert.Contains(t, body, `name="code_challenge_method" value="S256"`)
}

func TestAuthorize_Rejects(t *testing.T) {
	e := newTestIdP(t)

	tests := []struct {
		name    string
		mutate  func(url.Values)
		errCode string
	}{
		{"response type", func(v url.Values) { v.Set("response_type", "token") }, "invalid_request"},
		{"unknown provider", func(v url.Values) { v.Set("provider", "github") }, "invalid_request"},
		{"wrong client", func(v url.Values) { v.Set("client_id", "fake-strava-client-id") }, "invalid_client"},
		{"unregistered redirect", func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/cb") }, "invalid_request"},
		{"other provider callback", func(v url.Values) {
			v.Set("redirect_uri", "http://localhost:3001/api/auth/callback/strava")
		}, "invalid_request"},
		{"missing redirect", func(v url.Values) { v.Del("redirect_uri") }, "invalid_request"},
		{"method without challenge", func(v url.Values) { v.Set("code_challenge_method", "S256") }, "invalid_request"},
		{"unknown method", func(v url.Values) {
			v.Set("code_challenge", "abc")
			v.Set("code_challenge_method", "S512")
		}, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := authorizeParams(backendCallback)
			tt.mutate(params)

			rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code)

			code, _ := decodeError(t, rec)
			assert.Equal(t, tt.errCode, code)
		})
	}
}

// --- confirm ---

func TestConfirm_IssuesCodeAndEchoesState(t *testing.T) {
	e := newTestIdP(t)

	rec := e.confirm(e.consent(t, authorizeParams(backendCallback)))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:3001", loc.Host)
	assert.Equal(t, "/api/auth/callback/google", loc.Path)
	assert.Len(t, loc.Query().Get("code"), 64)
	assert.Equal(t, "state-123", loc.Query().Get("state"))
	assert.Equal(t, testIssuer, loc.Query().Get("iss"))
}

func TestConfirm_OmitsAbsentState(t *testing.T) {
	e := newTestIdP(t)

	params := authorizeParams(backendCallback)
	params.Del("state")

	rec := e.confirm(e.consent(t, params))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	_, present := loc.Query()["state"]
	assert.False(t, present)
}

func TestConfirm_Deny(t *testing.T) {
	e := newTestIdP(t)

	form := e.consent(t, authorizeParams(backendCallback))
	form.Set("decision", "deny")

	rec := e.confirm(form)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "state-123", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestConfirm_CSRF(t *testing.T) {
	e := newTestIdP(t)

	form := e.consent(t, authorizeParams(backendCallback))

	t.Run("bound to redirect", func(t *testing.T) {
		forged := url.Values{}
		for k, v := range form {
			forged[k] = v
		}

		forged.Set("redirect_uri", spaCallback)

		assert.Equal(t, http.StatusForbidden, e.confirm(forged).Code)
	})

	t.Run("missing", func(t *testing.T) {
		other := e.consent(t, authorizeParams(backendCallback))
		other.Del("csrf_token")

		assert.Equal(t, http.StatusForbidden, e.confirm(other).Code)
	})

	t.Run("single use", func(t *testing.T) {
		fresh := e.consent(t, authorizeParams(backendCallback))

		assert.Equal(t, http.StatusFound, e.confirm(fresh).Code)
		assert.Equal(t, http.StatusForbidden, e.confirm(fresh).Code)
	})
}

func TestConfirm_RevalidatesRedirect(t *testing.T) {
	e := newTestIdP(t)

	form := e.consent(t, authorizeParams(backendCallback))
	form.Set("redirect_uri", "https://evil.example.com/cb")

	rec := e.confirm(form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

// --- token ---

func TestToken_ConfidentialClient(t *testing.T) {
	e := newTestIdP(t)

	code := e.issueCode(t, authorizeParams(backendCallback))

	rec := e.exchange(confidentialExchange(code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.NotEmpty(t, resp.RefreshToken)

	id, err := token.ParseUnverified(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "nonce-abc", id.Nonce)
	assert.Equal(t, "google-123", id.Subject)
	assert.Equal(t, testIssuer, id.Issuer)
	assert.Contains(t, id.Audience, "fake-google-client-id")

	access, err := e.codec.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "google", access.Provider)
	assert.Equal(t, []string{"openid", "profile", "email"}, access.Scope)

	refresh, err := e.refresh.Verify(resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "google-123", refresh.Subject)

	_, err = e.codec.Verify(resp.RefreshToken)
	assert.Error(t, err, "refresh tokens are signed with their own secret")

	// Reuse of the same code.
	rec = e.exchange(confidentialExchange(code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	errCode, _ := decodeError(t, rec)
	assert.Equal(t, "invalid_grant", errCode)
}

func TestToken_PublicClientPKCE(t *testing.T) {
	e := newTestIdP(t)

	params := authorizeParams(spaCallback)
	params.Set("code_challenge", pkce.DeriveChallenge(testVerifier))
	params.Set("code_challenge_method", "S256")

	public := func(code, verifier string) map[string]string {
		return map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  spaCallback,
			"client_id":     "fake-google-client-id",
			"code_verifier": verifier,
			"provider":      "google",
		}
	}

	rec := e.exchange(public(e.issueCode(t, params), strings.Repeat("x", 43)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errCode, desc := decodeError(t, rec)
	assert.Equal(t, "invalid_grant", errCode)
	assert.Equal(t, "PKCE verification failed", desc)

	rec = e.exchange(public(e.issueCode(t, params), ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.exchange(public(e.issueCode(t, params), testVerifier))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestToken_ConfidentialWithPKCE(t *testing.T) {
	e := newTestIdP(t)

	params := authorizeParams(backendCallback)
	params.Set("code_challenge", pkce.DeriveChallenge(testVerifier))
	params.Set("code_challenge_method", "S256")

	req := confidentialExchange(e.issueCode(t, params))

	rec := e.exchange(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a secret does not waive a bound challenge")

	req = confidentialExchange(e.issueCode(t, params))
	req["code_verifier"] = testVerifier

	rec = e.exchange(req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestToken_Rejects(t *testing.T) {
	e := newTestIdP(t)

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		errCode string
	}{
		{"grant type", func(b map[string]string) { b["grant_type"] = "password" }, "unsupported_grant_type"},
		{"missing code", func(b map[string]string) { b["code"] = "" }, "invalid_request"},
		{"unknown code", func(b map[string]string) { b["code"] = "deadbeef" }, "invalid_grant"},
		{"redirect mismatch", func(b map[string]string) { b["redirect_uri"] = spaCallback }, "invalid_grant"},
		{"provider mismatch", func(b map[string]string) { b["provider"] = "strava" }, "invalid_grant"},
		{"wrong client", func(b map[string]string) { b["client_id"] = "fake-strava-client-id" }, "invalid_client"},
		{"wrong secret", func(b map[string]string) { b["client_secret"] = "nope" }, "invalid_client"},
		{"no authentication", func(b map[string]string) { delete(b, "client_secret") }, "invalid_client"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := confidentialExchange(e.issueCode(t, authorizeParams(backendCallback)))
			tt.mutate(body)

			rec := e.exchange(body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			errCode, _ := decodeError(t, rec)
			assert.Equal(t, tt.errCode, errCode)
		})
	}
}

func TestToken_ExpiredCode(t *testing.T) {
	e := newTestIdP(t)

	code := e.issueCode(t, authorizeParams(backendCallback))
	e.clock.Step(authcode.DefaultTTL + time.Second)

	rec := e.exchange(confidentialExchange(code))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errCode, desc := decodeError(t, rec)
	assert.Equal(t, "invalid_grant", errCode)
	assert.Equal(t, "Authorization code expired", desc)
}

func TestToken_FormEncodedWithBasicAuth(t *testing.T) {
	e := newTestIdP(t)

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {e.issueCode(t, authorizeParams(backendCallback))},
		"redirect_uri": {backendCallback},
	}

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("fake-google-client-id", "fake-google-client-secret")

	rec := e.do(req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// --- userinfo ---

func TestUserInfo(t *testing.T) {
	e := newTestIdP(t)

	rec := e.exchange(confidentialExchange(e.issueCode(t, authorizeParams(backendCallback))))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	get := func(bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		return e.do(req)
	}

	rec = get(resp.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "google-123", profile["id"])
	assert.Equal(t, "google.user@example.com", profile["email"])
	assert.Equal(t, "Google User", profile["name"])
	assert.Equal(t, "google", profile["provider"])

	assert.Equal(t, http.StatusUnauthorized, get("").Code)
	assert.Equal(t, http.StatusUnauthorized, get(resp.IDToken).Code, "id tokens are not access tokens")
	assert.Equal(t, http.StatusUnauthorized, get(resp.RefreshToken).Code, "refresh tokens are not access tokens")
	assert.Equal(t, http.StatusUnauthorized, get("garbage").Code)

	e.clock.Step(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, get(resp.AccessToken).Code)
	assert.Equal(t, http.StatusUnauthorized, get(resp.RefreshToken).Code, "the refresh token outlives the access token but never grants access")
}

func TestDiscovery(t *testing.T) {
	e := newTestIdP(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc DiscoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+"/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, testIssuer+"/oauth/userinfo", doc.UserInfoEndpoint)
	assert.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
}

// --- registry ---

func TestDefaultProviders(t *testing.T) {
	providers := DefaultProviders()
	require.Len(t, providers, 4)

	p := providers["microsoft"]
	assert.Equal(t, "microsoft", p.Name)
	assert.Equal(t, "Microsoft", p.DisplayName)
	assert.Equal(t, "Microsoft User", p.Profile.Name)
	assert.Equal(t, "microsoft-123", p.Profile.ID)
	assert.True(t, p.AllowsRedirect("http://localhost:3001/api/auth/callback/microsoft"))
	assert.True(t, p.AllowsRedirect(spaCallback))
	assert.False(t, p.AllowsRedirect(backendCallback))

	assert.Equal(t, []string{"read", "activity:read"}, providers["strava"].Scopes)
}

func TestValidateRedirectURI(t *testing.T) {
	registered := []string{"https://app.example.com/cb", "http://localhost"}

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://app.example.com/cb", true},
		{"https://app.example.com/cb/extra", false},
		{"http://localhost:8123/any/path", true},
		{"http://localhost.evil.com/cb", false},
		{"https://localhost:8123/cb", false},
		{"http://127.0.0.1:8123/cb", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, validateRedirectURI(registered, tt.uri), tt.uri)
	}
}

const registryYAML = `providers:
  acme:
    client_id: acme-client
    client_secret: acme-secret
    redirect_uris:
      - http://localhost:3001/api/auth/callback/acme
    scopes: [openid, email]
    profile:
      id: acme-42
      email: someone@acme.test
      name: Acme Person
`

func TestLoadProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	providers, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, providers, 1)

	p := providers["acme"]
	assert.Equal(t, "acme", p.Name)
	assert.Equal(t, "Acme", p.DisplayName)
	assert.Equal(t, "acme", p.Profile.Provider)
	assert.Equal(t, "acme-42", p.Profile.ID)
	assert.Equal(t, []string{"openid", "email"}, p.Scopes)
}

func TestLoadProviders_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"empty":       "providers: {}\n",
		"no client":   "providers:\n  x:\n    redirect_uris: [http://localhost]\n    profile: {id: x-1}\n",
		"no redirect": "providers:\n  x:\n    client_id: c\n    profile: {id: x-1}\n",
		"no profile":  "providers:\n  x:\n    client_id: c\n    redirect_uris: [http://localhost]\n",
		"bad yaml":    "providers: [\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := LoadProviders(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadProviders(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	initial, err := LoadProviders(path)
	require.NoError(t, err)

	reg := NewRegistry(initial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- reg.Watch(ctx, path, testLogger()) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, ok := reg.Lookup("acme")
	require.True(t, ok)

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	updated := strings.ReplaceAll(registryYAML, "acme", "globex")
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := reg.Lookup("globex")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	_, ok = reg.Lookup("acme")
	assert.False(t, ok)

	// A broken file keeps the last good set.
	require.NoError(t, os.WriteFile(path, []byte("providers: [\n"), 0o600))
	time.Sleep(2 * reloadDebounce)

	_, ok = reg.Lookup("globex")
	assert.True(t, ok)
	assert.Equal(t, []string{"globex"}, reg.Names())
}
