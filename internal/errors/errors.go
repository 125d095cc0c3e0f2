package errors

import "errors"

// Client errors. Token failures are deliberately coarse: callers must not
// be able to tell an expired token from a revoked, used, or foreign one.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrMissingDeviceContext = errors.New("device id and user agent are required")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrTokenRevoked         = errors.New("token has been revoked")
	ErrInvalidState         = errors.New("invalid or expired state parameter")
	ErrInvalidNonce         = errors.New("invalid nonce parameter")
	ErrNotFound             = errors.New("not found")
	ErrUnknownProvider      = errors.New("unknown provider")
)

// OAuth protocol errors.
var (
	ErrInvalidRequest         = errors.New("invalid_request")
	ErrInvalidClient          = errors.New("invalid_client")
	ErrInvalidGrant           = errors.New("invalid_grant")
	ErrUnsupportedGrantType   = errors.New("unsupported_grant_type")
	ErrPKCEVerificationFailed = errors.New("PKCE verification failed")
	ErrAccessDenied           = errors.New("access_denied")
)

// Server/transport errors.
var (
	ErrUpstreamProvider = errors.New("upstream provider request failed")
	ErrUpstreamTimeout  = errors.New("upstream provider timed out")
)
