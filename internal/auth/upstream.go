package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
)

//go:generate mockgen -destination=mocks/mock_upstream.go -package=mocks -source=upstream.go IdentityProvider

// IdentityProvider is the upstream OAuth server the backend signs users in
// through.
type IdentityProvider interface {
	// Exchange trades an authorization code for tokens. It is never
	// retried because codes are single-use.
	Exchange(ctx context.Context, req ExchangeRequest) (*UpstreamTokens, error)

	// UserInfo fetches the profile the access token was issued for.
	UserInfo(ctx context.Context, accessToken string) (*models.UserInfo, error)
}

// ExchangeRequest is the token endpoint request body.
type ExchangeRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	Provider     string `json:"provider"`
}

// UpstreamTokens is the token endpoint response.
type UpstreamTokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

const (
	// userInfoAttempts bounds userinfo retries, counting the first call.
	userInfoAttempts = 3

	// maxUpstreamBody caps how much of an upstream response is read.
	maxUpstreamBody = 64 << 10
)

// HTTPIdentityProvider talks to the identity provider over HTTP.
type HTTPIdentityProvider struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPIdentityProvider returns a client for the provider at baseURL.
// Every request is bounded by timeout.
func NewHTTPIdentityProvider(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPIdentityProvider {
	return &HTTPIdentityProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *HTTPIdentityProvider) Exchange(ctx context.Context, req ExchangeRequest) (*UpstreamTokens, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	data, err := p.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	var tokens UpstreamTokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %v", apperrors.ErrUpstreamProvider, err)
	}

	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", apperrors.ErrUpstreamProvider)
	}

	return &tokens, nil
}

// UserInfo retries transient failures with exponential backoff. Client
// errors such as 401 are returned immediately.
func (p *HTTPIdentityProvider) UserInfo(ctx context.Context, accessToken string) (*models.UserInfo, error) {
	attempt := 0

	op := func() (*models.UserInfo, error) {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/oauth/userinfo", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req.Header.Set("Authorization", "Bearer "+accessToken)

		data, err := p.do(req)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.status < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}

			p.logger.Debug("userinfo attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))

			return nil, err
		}

		var info models.UserInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: decoding userinfo: %v", apperrors.ErrUpstreamProvider, err))
		}

		return &info, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	info, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(userInfoAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	return info, nil
}

// statusError is a non-2xx upstream response.
type statusError struct {
	status      int
	code        string
	description string
}

func (e *statusError) Error() string {
	msg := fmt.Sprintf("%s: status %d", apperrors.ErrUpstreamProvider, e.status)
	if e.code != "" {
		msg += " " + e.code
	}

	if e.description != "" {
		msg += ": " + e.description
	}

	return msg
}

func (e *statusError) Unwrap() error { return apperrors.ErrUpstreamProvider }

// do sends req and returns the body of a 2xx response. Timeouts map to
// ErrUpstreamTimeout; OAuth error bodies are surfaced in the error.
func (p *HTTPIdentityProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrUpstreamTimeout, err)
		}

		return nil, fmt.Errorf("%w: %v", apperrors.ErrUpstreamProvider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrUpstreamTimeout, err)
		}

		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrUpstreamProvider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{
			status:      resp.StatusCode,
			code:        gjson.GetBytes(data, "error").String(),
			description: gjson.GetBytes(data, "error_description").String(),
		}
	}

	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
