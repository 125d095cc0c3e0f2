// Package token mints and verifies the signed JWTs used for access, refresh
// and ID tokens. Each Codec is bound to one secret, so access and refresh
// tokens are handled by two independent codecs.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Verification failures.
var (
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrClaimMismatch    = errors.New("token claim mismatch")
	ErrMalformed        = errors.New("token malformed")
)

// minSecretLen is the shortest HMAC secret a Codec accepts.
const minSecretLen = 16

// signingMethod is the only algorithm minted or accepted.
var signingMethod = jwt.SigningMethodHS256

// Claims are the registered JWT claims plus the custom claims carried by
// every token class. Unused fields are omitted from the payload.
type Claims struct {
	UserID   int      `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	DeviceID string   `json:"deviceId,omitempty"`
	Scope    []string `json:"scope,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Nonce    string   `json:"nonce,omitempty"`
	Version  string   `json:"version,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a single HMAC secret.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	clock    clock.PassiveClock
}

// NewCodec returns a codec pinned to issuer and audience. A nil clock uses
// wall time.
func NewCodec(secret, issuer, audience string, clk clock.PassiveClock) (*Codec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}

	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("token issuer and audience are required")
	}

	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Codec{secret: []byte(secret), issuer: issuer, audience: audience, clock: clk}, nil
}

// Issuer returns the issuer the codec mints and accepts.
func (c *Codec) Issuer() string { return c.issuer }

// Mint signs claims for subject, filling in iss, sub, aud, jti, iat and exp.
// claims.Audience is kept when set so ID tokens can target a client id.
// The returned Claims are exactly what was signed.
func (c *Codec) Mint(subject string, claims Claims, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("token ttl must be positive")
	}

	now := c.clock.Now()

	claims.Issuer = c.issuer
	claims.Subject = subject
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}

	return signed, &claims, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		return nil, classify(err)
	}

	return claims, nil
}

// ParseUnverified decodes a token's claims without checking the signature.
// Only for tokens received directly from a trusted upstream over TLS.
func ParseUnverified(raw string) (*Claims, error) {
	claims := &Claims{}

	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %w", ErrClaimMismatch, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}
