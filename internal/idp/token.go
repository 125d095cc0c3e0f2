package idp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/alexjbarnes/authflow/internal/authcode"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/pkce"
	"github.com/alexjbarnes/authflow/internal/token"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
	Provider     string `json:"provider"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope,omitempty"`
}

// readTokenRequest accepts JSON and form-encoded bodies.
func readTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}

	req = tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		Provider:     r.PostForm.Get("provider"),
	}

	// RFC 6749 Section 2.3.1: client_secret_basic.
	if id, secret, ok := r.BasicAuth(); ok && req.ClientSecret == "" {
		req.ClientID, req.ClientSecret = id, secret
	}

	return req, nil
}

// Token handles POST /oauth/token for the authorization_code grant. The
// code is consumed before any other check, so a failed exchange still
// burns it.
func (s *Server) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	req, err := readTokenRequest(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if req.GrantType != "authorization_code" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	ac, err := s.codes.Consume(r.Context(), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, authcode.ErrExpired):
			s.metrics.CodeExchange(metrics.OutcomeRejected)
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Authorization code expired")
		case errors.Is(err, authcode.ErrNotFound):
			s.metrics.CodeExchange(metrics.OutcomeRejected)
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code")
		default:
			s.metrics.CodeExchange(metrics.OutcomeError)
			s.logger.Error("consuming authorization code", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		}

		return
	}

	p, errCode, desc := s.authenticateExchange(req, ac)
	if errCode != "" {
		s.metrics.CodeExchange(metrics.OutcomeRejected)
		s.logger.Info("token exchange rejected",
			slog.String("provider", ac.Provider),
			slog.String("client_id", req.ClientID),
			slog.String("error", errCode),
			slog.String("reason", desc),
		)
		writeJSONError(w, http.StatusBadRequest, errCode, desc)

		return
	}

	resp, err := s.mintTokens(p, ac)
	if err != nil {
		s.metrics.CodeExchange(metrics.OutcomeError)
		s.logger.Error("minting provider tokens", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")

		return
	}

	s.metrics.CodeExchange(metrics.OutcomeSuccess)
	s.logger.Info("token exchange successful",
		slog.String("provider", p.Name),
		slog.String("client_id", ac.ClientID),
		slog.Bool("pkce", ac.CodeChallenge != ""),
	)

	writeJSON(w, http.StatusOK, resp)
}

// authenticateExchange checks the request against the consumed code. A
// client proves itself with its secret, with a PKCE verifier when the code
// carries a challenge, or with both; when a challenge is present the
// verifier is always required.
func (s *Server) authenticateExchange(req tokenRequest, ac *models.AuthorizationCode) (Provider, string, string) {
	if req.RedirectURI != ac.RedirectURI {
		return Provider{}, "invalid_grant", "Invalid redirect_uri"
	}

	if req.Provider != "" && req.Provider != ac.Provider {
		return Provider{}, "invalid_grant", "provider mismatch"
	}

	p, ok := s.registry.Lookup(ac.Provider)
	if !ok {
		return Provider{}, "invalid_grant", "provider no longer registered"
	}

	if req.ClientID != ac.ClientID || req.ClientID != p.ClientID {
		return Provider{}, "invalid_client", "Invalid client_id"
	}

	secretOK := false

	if req.ClientSecret != "" {
		if p.ClientSecret == "" || subtle.ConstantTimeCompare([]byte(req.ClientSecret), []byte(p.ClientSecret)) != 1 {
			return Provider{}, "invalid_client", "Invalid client credentials"
		}

		secretOK = true
	}

	if ac.CodeChallenge == "" {
		if !secretOK {
			return Provider{}, "invalid_client", "client authentication required"
		}

		return p, "", ""
	}

	if req.CodeVerifier == "" {
		return Provider{}, "invalid_grant", "code_verifier is required"
	}

	if err := pkce.Verify(req.CodeVerifier, ac.CodeChallenge, ac.CodeChallengeMethod); err != nil {
		return Provider{}, "invalid_grant", "PKCE verification failed"
	}

	return p, "", ""
}

func (s *Server) mintTokens(p Provider, ac *models.AuthorizationCode) (*tokenResponse, error) {
	subject := p.Profile.ID

	var scope []string
	if ac.Scope != "" {
		scope = strings.Fields(ac.Scope)
	}

	base := token.Claims{Provider: p.Name, Scope: scope}

	access, _, err := s.tokens.Mint(subject, base, s.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, _, err := s.refresh.Mint(subject, base, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	idClaims := token.Claims{
		Provider: p.Name,
		Email:    p.Profile.Email,
		Username: p.Profile.Name,
		Nonce:    ac.Nonce,
	}
	idClaims.Audience = []string{ac.ClientID}

	idToken, _, err := s.tokens.Mint(subject, idClaims, s.accessTTL)
	if err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		IDToken:      idToken,
		Scope:        ac.Scope,
	}, nil
}

// UserInfo handles GET /oauth/userinfo. The bearer token must be an
// access token this provider issued; ID tokens are addressed to clients
// and fail the audience check.
func (s *Server) UserInfo(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")

		return
	}

	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.Debug("userinfo token rejected", slog.String("reason", err.Error()))
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")

		return
	}

	p, ok := s.registry.Lookup(claims.Provider)
	if !ok || p.Profile.ID != claims.Subject {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")

		return
	}

	writeJSON(w, http.StatusOK, p.Profile)
}
