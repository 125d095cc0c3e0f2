// Package pkce implements the RFC 7636 code verifier and challenge checks.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

var (
	ErrInvalidVerifier = errors.New("invalid code_verifier format")
	ErrInvalidMethod   = errors.New("unsupported code_challenge_method")
	ErrMismatch        = errors.New("code_verifier does not match code_challenge")
)

// ValidateVerifier checks length (43-128) and the unreserved charset
// [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return fmt.Errorf("%w: length %d", ErrInvalidVerifier, len(verifier))
	}

	for i := 0; i < len(verifier); i++ {
		if !unreserved(verifier[i]) {
			return fmt.Errorf("%w: character at %d", ErrInvalidVerifier, i)
		}
	}

	return nil
}

func unreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}

	return false
}

// DeriveChallenge returns base64url(sha256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// ValidMethod reports whether method is accepted. Empty means S256.
func ValidMethod(method string) bool {
	return method == "" || method == MethodS256 || method == MethodPlain
}

// Verify checks verifier against the stored challenge under method. An
// empty method is treated as S256.
func Verify(verifier, challenge, method string) error {
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}

	var computed string

	switch method {
	case "", MethodS256:
		computed = DeriveChallenge(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrMismatch
	}

	return nil
}

// GenerateVerifier returns a random 43-character verifier. It panics if
// the system random source fails.
func GenerateVerifier() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
