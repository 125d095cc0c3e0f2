package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
)

// Request headers carrying device context.
const (
	HeaderDeviceID   = "X-Device-Id"
	HeaderPlatform   = "Sec-Ch-Ua-Platform"
	HeaderAdminToken = "X-Admin-Token"
)

// maxBodyBytes caps JSON request bodies on the auth endpoints.
const maxBodyBytes = 64 << 10

// APIConfig wires the backend HTTP handlers.
type APIConfig struct {
	Service *Service
	OAuth   *OAuthFlow
	Cookies CookieConfig
	Limiter *LoginLimiter
	// AdminToken guards token invalidation. Empty rejects every call.
	AdminToken  string
	FrontendURL string
	Logger      *slog.Logger
}

// API holds the backend auth handlers.
type API struct {
	svc         *Service
	oauth       *OAuthFlow
	cookies     CookieConfig
	limiter     *LoginLimiter
	adminToken  string
	frontendURL string
	logger      *slog.Logger
}

// NewAPI builds the handler set from cfg.
func NewAPI(cfg APIConfig) *API {
	return &API{
		svc:         cfg.Service,
		oauth:       cfg.OAuth,
		cookies:     cfg.Cookies,
		limiter:     cfg.Limiter,
		adminToken:  cfg.AdminToken,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		logger:      cfg.Logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// deviceInfo reads the client description from request headers. The
// platform client hint arrives quoted.
func deviceInfo(r *http.Request) models.DeviceInfo {
	platform := strings.Trim(r.Header.Get(HeaderPlatform), `"`)
	if platform == "" {
		platform = "unknown"
	}

	return models.DeviceInfo{
		UserAgent: r.Header.Get("User-Agent"),
		Platform:  platform,
		OS:        platform,
	}
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !a.limiter.Allow(ip) {
		a.logger.Warn("login rate limited", slog.String("ip", ip))
		w.Header().Set("Retry-After", "60")
		writeMessage(w, http.StatusTooManyRequests, "Too many login attempts")

		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deviceID := r.Header.Get(HeaderDeviceID)
	info := deviceInfo(r)

	switch {
	case deviceID == "":
		writeMessage(w, http.StatusBadRequest, "Device ID is required")
		return
	case info.UserAgent == "":
		writeMessage(w, http.StatusBadRequest, "User agent is required")
		return
	}

	tokens, err := a.svc.Login(r.Context(), req.Username, req.Password, deviceID, info)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			a.logger.Info("login failed",
				slog.String("username", req.Username),
				slog.String("ip", ip),
			)
		}

		a.writeError(w, err)

		return
	}

	a.cookies.setRefresh(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: tokens.AccessToken})
}

// Refresh handles POST /auth/refresh.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil || c.Value == "" {
		writeMessage(w, http.StatusUnauthorized, "No refresh token provided")
		return
	}

	deviceID := r.Header.Get(HeaderDeviceID)
	if deviceID == "" {
		writeMessage(w, http.StatusUnauthorized, "Device ID is required")
		return
	}

	tokens, err := a.svc.Refresh(r.Context(), c.Value, deviceID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.cookies.setRefresh(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: tokens.AccessToken})
}

// Logout handles POST /auth/logout. The refresh cookie is cleared even
// when revocation fails.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	claims := RequestClaims(r.Context())

	if err := a.svc.Logout(r.Context(), claims, r.Header.Get(HeaderDeviceID)); err != nil {
		a.logger.Error("logout cleanup failed",
			slog.Int("user_id", claims.UserID),
			slog.String("ip", RequestRemoteIP(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	a.cookies.clearRefresh(w)
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

type sessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
}

// Sessions handles GET /auth/sessions.
func (a *API) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := RequestClaims(r.Context())

	sessions, err := a.svc.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if sessions == nil {
		sessions = []models.Session{}
	}

	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

type revokeRequest struct {
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
}

// RevokeSession handles POST /auth/sessions/revoke.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := RequestClaims(r.Context())

	var req revokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.svc.RevokeSession(r.Context(), claims.UserID, req.DeviceID, req.SessionID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "No active session found")
			return
		}

		a.writeError(w, err)

		return
	}

	a.logger.Info("session revoked",
		slog.Int("user_id", claims.UserID),
		slog.String("device_id", req.DeviceID),
		slog.String("session_id", req.SessionID),
		slog.String("ip", RequestRemoteIP(r.Context())),
	)

	writeMessage(w, http.StatusOK, "Session revoked successfully")
}

type invalidateRequest struct {
	Token string `json:"token"`
	JTI   string `json:"jti"`
}

// InvalidateToken handles POST /auth/invalidate-token. It is an
// administrative operation authenticated by a static header token; the
// token to revoke comes from the body, or the Authorization header when
// the body names none.
func (a *API) InvalidateToken(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(HeaderAdminToken)
	if a.adminToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminToken)) != 1 {
		a.logger.Warn("invalidate-token: admin authentication failed", slog.String("ip", remoteIP(r)))
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")

		return
	}

	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	target := req.Token
	if target == "" {
		target = req.JTI
	}

	if target == "" {
		target, _ = bearerToken(r)
	}

	if target == "" {
		writeMessage(w, http.StatusBadRequest, "No access token provided")
		return
	}

	if err := a.svc.InvalidateToken(r.Context(), target); err != nil {
		a.writeError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "Token invalidated successfully")
}

type redirectResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

// OAuthStart handles GET /auth/oauth/{provider}.
func (a *API) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	deviceID := r.Header.Get(HeaderDeviceID)
	if deviceID == "" {
		writeMessage(w, http.StatusBadRequest, "Device ID is required")
		return
	}

	redirectURL, err := a.oauth.Begin(r.Context(), provider, deviceID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: redirectURL})
}

// OAuthCallback handles GET /auth/callback/{provider}. Every outcome is
// a redirect to the frontend since the browser is mid-flow.
func (a *API) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		a.logger.Info("oauth authorization denied",
			slog.String("provider", provider),
			slog.String("error", denied),
		)
		a.redirectFrontend(w, r, url.Values{"success": {"false"}, "error": {denied}})

		return
	}

	tokens, err := a.oauth.Complete(r.Context(), provider, q.Get("code"), q.Get("state"), deviceInfo(r))
	if err != nil {
		a.logger.Warn("oauth callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		a.redirectFrontend(w, r, url.Values{"success": {"false"}, "error": {callbackMessage(err)}})

		return
	}

	a.cookies.setRefresh(w, tokens.RefreshToken)
	a.redirectFrontend(w, r, url.Values{"success": {"true"}, "token": {tokens.AccessToken}})
}

func (a *API) redirectFrontend(w http.ResponseWriter, r *http.Request, params url.Values) {
	http.Redirect(w, r, a.frontendURL+"/auth/callback?"+params.Encode(), http.StatusFound)
}

// callbackMessage is the short reason shown on the frontend login screen.
func callbackMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnknownProvider):
		return "Invalid provider"
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return "Missing required parameters"
	case errors.Is(err, apperrors.ErrInvalidState):
		return "Invalid or expired state parameter"
	case errors.Is(err, apperrors.ErrInvalidNonce):
		return "Invalid nonce parameter"
	case errors.Is(err, apperrors.ErrUpstreamTimeout):
		return "Identity provider timed out"
	case errors.Is(err, apperrors.ErrUpstreamProvider):
		return "Identity provider error"
	default:
		return "Authentication failed"
	}
}

// writeError maps an orchestrator error onto a status and a generic
// message. Unexpected errors are logged and reported as 500.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, apperrors.ErrInvalidToken), errors.Is(err, apperrors.ErrTokenRevoked):
		writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
	case errors.Is(err, apperrors.ErrMissingDeviceContext):
		writeMessage(w, http.StatusBadRequest, "Device ID and user agent are required")
	case errors.Is(err, apperrors.ErrUnknownProvider):
		writeMessage(w, http.StatusBadRequest, "Invalid provider")
	case errors.Is(err, apperrors.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, apperrors.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found")
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// RefreshCookieName is the cookie carrying the refresh token.
const RefreshCookieName = "refreshToken"

// RefreshCookiePath limits the refresh cookie to the refresh endpoint.
const RefreshCookiePath = "/api/auth/refresh"

// CookieConfig controls the refresh token cookie.
type CookieConfig struct {
	// Secure is set in production.
	Secure bool
	MaxAge time.Duration
}

func (c CookieConfig) setRefresh(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     RefreshCookiePath,
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) clearRefresh(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     RefreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
