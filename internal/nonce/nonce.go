// Package nonce issues one-time values. A nonce validates at most once and
// is deleted on the first validation attempt whatever the outcome.
package nonce

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/kv"
)

// DefaultTTL is how long an unclaimed nonce stays valid.
const DefaultTTL = time.Hour

type record struct {
	CreatedAt time.Time `json:"createdAt"`
	Binding   string    `json:"binding,omitempty"`
}

// Store holds outstanding nonces.
type Store struct {
	// mu spans the read and delete in ValidateFor so a nonce is consumed
	// by exactly one caller.
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

// Generate stores and returns a fresh nonce.
func (s *Store) Generate(ctx context.Context) (string, error) {
	return s.GenerateFor(ctx, "")
}

// GenerateFor stores a nonce that only validates together with binding.
func (s *Store) GenerateFor(ctx context.Context, binding string) (string, error) {
	n := uuid.NewString()

	if err := kv.PutJSON(ctx, s.kv, n, record{CreatedAt: s.clock.Now(), Binding: binding}); err != nil {
		return "", fmt.Errorf("storing nonce: %w", err)
	}

	return n, nil
}

// Validate consumes nonce and reports whether it was outstanding and
// within its TTL.
func (s *Store) Validate(ctx context.Context, nonce string) (bool, error) {
	return s.ValidateFor(ctx, nonce, "")
}

// ValidateFor consumes nonce and additionally requires the binding given
// at generation time.
func (s *Store) ValidateFor(ctx context.Context, nonce, binding string) (bool, error) {
	if nonce == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec record

	err := kv.GetJSON(ctx, s.kv, nonce, &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}

	if delErr := s.kv.Delete(ctx, nonce); delErr != nil {
		return false, fmt.Errorf("consuming nonce: %w", delErr)
	}

	if err != nil {
		return false, nil
	}

	if s.clock.Since(rec.CreatedAt) > s.ttl {
		return false, nil
	}

	return subtle.ConstantTimeCompare([]byte(rec.Binding), []byte(binding)) == 1, nil
}

// Sweep deletes nonces older than the TTL.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	keys, err := kv.Keys(ctx, s.kv, func(_ string, value []byte) bool {
		var rec record
		if json.Unmarshal(value, &rec) != nil {
			return true
		}

		return now.Sub(rec.CreatedAt) > s.ttl
	})
	if err != nil {
		return 0, fmt.Errorf("scanning nonces: %w", err)
	}

	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("deleting nonce: %w", err)
		}
	}

	return len(keys), nil
}
