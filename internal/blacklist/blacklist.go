// Package blacklist tracks access tokens revoked before their natural
// expiry. Only SHA-256 digests of token ids are stored, each alongside the
// token's own expiry so entries can be dropped once the token is dead.
package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/kv"
)

type entry struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// Blacklist is safe for concurrent use; every operation is a single kv call
// or a scan followed by deletes of already-dead entries.
type Blacklist struct {
	kv    kv.Store
	clock clock.PassiveClock
}

// New wraps a keyspace. A nil clock uses wall time.
func New(store kv.Store, clk clock.PassiveClock) *Blacklist {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Blacklist{kv: store, clock: clk}
}

func hashJTI(jti string) string {
	h := sha256.Sum256([]byte(jti))
	return hex.EncodeToString(h[:])
}

// Add blacklists jti until expiresAt. Re-adding keeps the later expiry.
func (b *Blacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("blacklisting token: empty jti")
	}

	key := hashJTI(jti)

	var existing entry
	err := kv.GetJSON(ctx, b.kv, key, &existing)

	switch {
	case err == nil:
		if existing.ExpiresAt.After(expiresAt) {
			return nil
		}
	case !errors.Is(err, kv.ErrNotFound):
		return fmt.Errorf("blacklisting token: %w", err)
	}

	if err := kv.PutJSON(ctx, b.kv, key, entry{ExpiresAt: expiresAt}); err != nil {
		return fmt.Errorf("blacklisting token: %w", err)
	}

	return nil
}

// Contains reports whether jti has been blacklisted.
func (b *Blacklist) Contains(ctx context.Context, jti string) (bool, error) {
	_, err := b.kv.Get(ctx, hashJTI(jti))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking blacklist: %w", err)
	}

	return true, nil
}

// Sweep removes entries whose token has expired. Entries for tokens that
// are still valid are kept.
func (b *Blacklist) Sweep(ctx context.Context) (int, error) {
	now := b.clock.Now()

	keys, err := kv.Keys(ctx, b.kv, func(_ string, value []byte) bool {
		var e entry
		if json.Unmarshal(value, &e) != nil {
			return false
		}

		return now.After(e.ExpiresAt)
	})
	if err != nil {
		return 0, fmt.Errorf("scanning blacklist: %w", err)
	}

	for _, k := range keys {
		if err := b.kv.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("pruning blacklist: %w", err)
		}
	}

	return len(keys), nil
}
