package refresher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

const maxResponseBody = 64 << 10

// ErrRejected is returned when the backend refuses a login or refresh.
var ErrRejected = errors.New("backend rejected credentials")

// Transport attaches the scheduler's access token to each request. A 401
// triggers one refresh, after which the request is replayed with the new
// token. Requests whose body cannot be replayed are not retried.
type Transport struct {
	Base      http.RoundTripper
	Scheduler *Scheduler
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(withBearer(req, t.Scheduler.Token()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	tok, err := t.Scheduler.Refresh(req.Context())
	if err != nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()

	retry := withBearer(req, tok)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}

		retry.Body = body
	}

	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}

	return http.DefaultTransport
}

func withBearer(req *http.Request, tok string) *http.Request {
	r := req.Clone(req.Context())
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}

	return r
}

// Login posts a password login to the backend and returns the access
// token. The refresh cookie lands in client's jar.
func Login(ctx context.Context, client *http.Client, baseURL, deviceID, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return accessToken(client, req, deviceID)
}

// BackendRefresh returns a RefreshFunc that presents the refresh cookie
// held in client's jar. client must not itself use a Transport backed by
// the same Scheduler.
func BackendRefresh(client *http.Client, baseURL, deviceID string) RefreshFunc {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/refresh", http.NoBody)
		if err != nil {
			return "", fmt.Errorf("creating refresh request: %w", err)
		}

		return accessToken(client, req, deviceID)
	}
}

func accessToken(client *http.Client, req *http.Request, deviceID string) (string, error) {
	req.Header.Set("X-Device-Id", deviceID)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, gjson.GetBytes(data, "message").String())
	}

	tok := gjson.GetBytes(data, "accessToken").String()
	if tok == "" {
		return "", fmt.Errorf("%s response has no accessToken", req.URL.Path)
	}

	return tok, nil
}
