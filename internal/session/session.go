// Package session stores issued refresh tokens and enforces their
// single-use, expiry and revocation rules. Records are keyed by the SHA-256
// of the raw token so the keyspace never holds a usable credential.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/models"
)

// ErrNotFound is returned when no usable record matches.
var ErrNotFound = errors.New("refresh token not found")

// Store is the refresh token store. A single mutex serializes every
// read-modify-write so find-then-mark-used cannot interleave.
type Store struct {
	mu    sync.Mutex
	kv    kv.Store
	clock clock.PassiveClock
}

// NewStore wraps a keyspace. A nil clock uses wall time.
func NewStore(store kv.Store, clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Store{kv: store, clock: clk}
}

// HashToken returns the SHA-256 hex digest used as the record key.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Save inserts a fresh record for raw.
func (s *Store) Save(ctx context.Context, raw string, userID int, deviceID string, info models.DeviceInfo, ttl time.Duration) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(ctx, raw, userID, deviceID, info, ttl)
}

func (s *Store) saveLocked(ctx context.Context, raw string, userID int, deviceID string, info models.DeviceInfo, ttl time.Duration) (*models.RefreshToken, error) {
	now := s.clock.Now()
	rec := &models.RefreshToken{
		ID:         uuid.NewString(),
		TokenHash:  HashToken(raw),
		UserID:     userID,
		DeviceID:   deviceID,
		DeviceInfo: info,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := kv.PutJSON(ctx, s.kv, rec.TokenHash, rec); err != nil {
		return nil, fmt.Errorf("saving refresh token: %w", err)
	}

	return rec, nil
}

// Find returns the record for raw only if it exists, has not expired, is
// neither used nor revoked, and belongs to userID on deviceID. Any other
// outcome returns nil with no error. Expired records are deleted.
func (s *Store) Find(ctx context.Context, raw string, userID int, deviceID string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.findLocked(ctx, raw, userID, deviceID)
}

func (s *Store) findLocked(ctx context.Context, raw string, userID int, deviceID string) (*models.RefreshToken, error) {
	rec, err := s.load(ctx, HashToken(raw))
	if err != nil || rec == nil {
		return nil, err
	}

	if !s.clock.Now().Before(rec.ExpiresAt) {
		if err := s.kv.Delete(ctx, rec.TokenHash); err != nil {
			return nil, fmt.Errorf("deleting expired refresh token: %w", err)
		}

		return nil, nil
	}

	if rec.IsRevoked || rec.IsUsed {
		return nil, nil
	}

	if rec.UserID != userID || rec.DeviceID != deviceID {
		return nil, nil
	}

	return rec, nil
}

// MarkUsed flags raw as consumed. Absent tokens are ignored.
func (s *Store) MarkUsed(ctx context.Context, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, HashToken(raw), func(rec *models.RefreshToken) {
		rec.IsUsed = true
		rec.LastUsedAt = s.clock.Now()
	})
}

// Revoke flags raw as revoked. Absent tokens are ignored; records are
// never deleted by revocation.
func (s *Store) Revoke(ctx context.Context, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, HashToken(raw), func(rec *models.RefreshToken) {
		rec.IsRevoked = true
	})
}

// RevokeDevice revokes every unrevoked record userID holds on deviceID and
// returns how many were flipped. Other users' records on the same device
// are untouched.
func (s *Store) RevokeDevice(ctx context.Context, userID int, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.all(ctx, func(rec *models.RefreshToken) bool {
		return rec.UserID == userID && rec.DeviceID == deviceID && !rec.IsRevoked
	})
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		rec.IsRevoked = true
		if err := kv.PutJSON(ctx, s.kv, rec.TokenHash, rec); err != nil {
			return 0, fmt.Errorf("revoking refresh token: %w", err)
		}
	}

	return len(recs), nil
}

// RevokeLatestForDevice revokes the most recently created active record
// for userID on deviceID.
func (s *Store) RevokeLatestForDevice(ctx context.Context, userID int, deviceID string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	recs, err := s.all(ctx, func(rec *models.RefreshToken) bool {
		return rec.UserID == userID && rec.DeviceID == deviceID && rec.Active(now)
	})
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, ErrNotFound
	}

	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}

	latest.IsRevoked = true
	if err := kv.PutJSON(ctx, s.kv, latest.TokenHash, latest); err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}

	return latest, nil
}

// RevokeSession revokes the active record with the given session id owned
// by userID.
func (s *Store) RevokeSession(ctx context.Context, userID int, sessionID string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	recs, err := s.all(ctx, func(rec *models.RefreshToken) bool {
		return rec.ID == sessionID && rec.UserID == userID && rec.Active(now)
	})
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, ErrNotFound
	}

	rec := recs[0]
	rec.IsRevoked = true

	if err := kv.PutJSON(ctx, s.kv, rec.TokenHash, rec); err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}

	return rec, nil
}

// ActiveSessions lists the user's active records, most recently used first.
func (s *Store) ActiveSessions(ctx context.Context, userID int) ([]models.Session, error) {
	now := s.clock.Now()

	recs, err := s.all(ctx, func(rec *models.RefreshToken) bool {
		return rec.UserID == userID && rec.Active(now)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastUsedAt.After(recs[j].LastUsedAt)
	})

	sessions := make([]models.Session, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, models.Session{
			ID:         rec.ID,
			DeviceID:   rec.DeviceID,
			DeviceInfo: rec.DeviceInfo,
			LastUsedAt: rec.LastUsedAt,
			ExpiresAt:  rec.ExpiresAt,
			IsRevoked:  rec.IsRevoked,
		})
	}

	return sessions, nil
}

// Rotate atomically exchanges oldRaw for newRaw: the old record must pass
// Find, is marked used, and a new record inheriting its device info is
// stored. Returns ErrNotFound when oldRaw is not usable.
func (s *Store) Rotate(ctx context.Context, oldRaw string, userID int, deviceID string, newRaw string, ttl time.Duration) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.findLocked(ctx, oldRaw, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if old == nil {
		return nil, ErrNotFound
	}

	old.IsUsed = true
	old.LastUsedAt = s.clock.Now()

	if err := kv.PutJSON(ctx, s.kv, old.TokenHash, old); err != nil {
		return nil, fmt.Errorf("marking refresh token used: %w", err)
	}

	return s.saveLocked(ctx, newRaw, userID, deviceID, old.DeviceInfo, ttl)
}

// Sweep deletes every expired record and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	keys, err := kv.Keys(ctx, s.kv, func(_ string, value []byte) bool {
		var rec models.RefreshToken
		if json.Unmarshal(value, &rec) != nil {
			return true
		}

		return !now.Before(rec.ExpiresAt)
	})
	if err != nil {
		return 0, fmt.Errorf("scanning refresh tokens: %w", err)
	}

	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("deleting refresh token: %w", err)
		}
	}

	return len(keys), nil
}

func (s *Store) load(ctx context.Context, hash string) (*models.RefreshToken, error) {
	rec := &models.RefreshToken{}

	err := kv.GetJSON(ctx, s.kv, hash, rec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	return rec, nil
}

func (s *Store) update(ctx context.Context, hash string, mutate func(*models.RefreshToken)) error {
	rec, err := s.load(ctx, hash)
	if err != nil || rec == nil {
		return err
	}

	mutate(rec)

	return kv.PutJSON(ctx, s.kv, hash, rec)
}

// all returns every decodable record matching keep. Undecodable entries
// are skipped; Sweep removes them.
func (s *Store) all(ctx context.Context, keep func(*models.RefreshToken) bool) ([]*models.RefreshToken, error) {
	var out []*models.RefreshToken

	err := s.kv.Scan(ctx, func(_ string, value []byte) error {
		rec := &models.RefreshToken{}
		if json.Unmarshal(value, rec) != nil {
			return nil
		}

		if keep(rec) {
			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning refresh tokens: %w", err)
	}

	return out, nil
}
