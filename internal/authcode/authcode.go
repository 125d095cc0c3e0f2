// Package authcode stores short-lived, single-use OAuth authorization
// codes. Consume is the only read path: it deletes the code before any
// validation so a code can never be presented twice.
package authcode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/models"
)

// DefaultTTL is the lifetime of an issued code.
const DefaultTTL = 10 * time.Minute

var (
	ErrNotFound = errors.New("authorization code not found")
	ErrExpired  = errors.New("authorization code expired")
)

// Request carries everything a code is bound to at issuance.
type Request struct {
	ClientID            string
	RedirectURI         string
	Provider            string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Store holds outstanding codes.
type Store struct {
	mu    sync.Mutex
	kv    kv.Store
	clock clock.PassiveClock
	ttl   time.Duration
}

// NewStore wraps a keyspace. A nil clock uses wall time; a zero ttl uses
// DefaultTTL.
func NewStore(store kv.Store, clk clock.PassiveClock, ttl time.Duration) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{kv: store, clock: clk, ttl: ttl}
}

// Issue mints a random code bound to req.
func (s *Store) Issue(ctx context.Context, req Request) (*models.AuthorizationCode, error) {
	ac := &models.AuthorizationCode{
		Code:                randomHex(32),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Provider:            req.Provider,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           s.clock.Now().Add(s.ttl),
	}

	if err := kv.PutJSON(ctx, s.kv, ac.Code, ac); err != nil {
		return nil, fmt.Errorf("storing authorization code: %w", err)
	}

	return ac, nil
}

// Consume deletes code and returns its record if it had not expired.
func (s *Store) Consume(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	if code == "" {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ac := &models.AuthorizationCode{}

	err := kv.GetJSON(ctx, s.kv, code, ac)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}

	if delErr := s.kv.Delete(ctx, code); delErr != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", delErr)
	}

	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}

	if s.clock.Now().After(ac.ExpiresAt) {
		return nil, ErrExpired
	}

	return ac, nil
}

// Sweep deletes expired codes.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	keys, err := kv.Keys(ctx, s.kv, func(_ string, value []byte) bool {
		var ac models.AuthorizationCode
		if json.Unmarshal(value, &ac) != nil {
			return true
		}

		return now.After(ac.ExpiresAt)
	})
	if err != nil {
		return 0, fmt.Errorf("scanning authorization codes: %w", err)
	}

	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("deleting authorization code: %w", err)
		}
	}

	return len(keys), nil
}

// randomHex returns a hex-encoded string of byteLen random bytes.
// Panics if the system random source fails.
func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
