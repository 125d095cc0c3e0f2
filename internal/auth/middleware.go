package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/token"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxRemoteIP
)

// RequestClaims returns the verified access token claims from the
// context, or nil.
func RequestClaims(ctx context.Context) *token.Claims {
	v, _ := ctx.Value(ctxClaims).(*token.Claims)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, ctxClaims, claims)
}

// Middleware returns HTTP middleware that requires a valid, non-revoked
// Bearer access token. The response body never says why a token was
// rejected; the WWW-Authenticate header tells clients to refresh.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const wwwAuthNoToken = `Bearer realm="api"`

	const wwwAuthInvalid = `Bearer realm="api", error="invalid_token"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			raw, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeMessage(w, http.StatusUnauthorized, "No token provided")

				return
			}

			claims, err := svc.VerifyAccess(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, apperrors.ErrInvalidToken) && !errors.Is(err, apperrors.ErrTokenRevoked) {
					logger.Error("middleware: verifying access token", slog.String("error", err.Error()))
					writeMessage(w, http.StatusInternalServerError, "Internal server error")

					return
				}

				logger.Debug("middleware: access token rejected",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("reason", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeMessage(w, http.StatusUnauthorized, "Invalid token")

				return
			}

			ctx := WithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")

	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	raw = strings.TrimSpace(raw)

	return raw, raw != ""
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
