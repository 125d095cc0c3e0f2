package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/models"
)

const week = 7 * 24 * time.Hour

var testDevice = models.DeviceInfo{UserAgent: "Mozilla/5.0", Platform: "macOS", OS: "macOS"}

func testStore(t *testing.T) (*Store, *kv.Memory, *testingclock.FakeClock) {
	t.Helper()

	fc := testingclock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	mem := kv.NewMemory()

	return NewStore(mem, fc), mem, fc
}

func TestHashToken(t *testing.T) {
	assert.Len(t, HashToken("x"), 64)
	assert.Equal(t, HashToken("x"), HashToken("x"))
	assert.NotEqual(t, HashToken("x"), HashToken("y"))
}

func TestSave_KeyedByHash(t *testing.T) {
	ctx := context.Background()
	s, mem, fc := testStore(t)

	rec, err := s.Save(ctx, "raw-token", 1, "d1", testDevice, week)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.IsUsed)
	assert.False(t, rec.IsRevoked)
	assert.Equal(t, fc.Now().Add(week), rec.ExpiresAt)

	_, err = mem.Get(ctx, "raw-token")
	assert.ErrorIs(t, err, kv.ErrNotFound, "raw token must not be a key")

	_, err = mem.Get(ctx, HashToken("raw-token"))
	assert.NoError(t, err)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testStore(t)

	_, err := s.Save(ctx, "tok", 1, "d1", testDevice, week)
	require.NoError(t, err)

	rec, err := s.Find(ctx, "tok", 1, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testDevice, rec.DeviceInfo)

	tests := []struct {
		name     string
		raw      string
		userID   int
		deviceID string
	}{
		{"unknown token", "other", 1, "d1"},
		{"wrong user", "tok", 2, "d1"},
		{"wrong device", "tok", 1, "d2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.Find(ctx, tt.raw, tt.userID, tt.deviceID)
			assert.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestFind_ExpiredIsDeleted(t *testing.T) {
	ctx := context.Background()
	s, mem, fc := testStore(t)

	_, err := s.Save(ctx, "tok", 1, "d1", testDevice, time.Minute)
	require.NoError(t, err)

	fc.Step(time.Minute)

	rec, err := s.Find(ctx, "tok", 1, "d1")
	assert.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, mem.Len())
}

func TestMarkUsed_SingleUse(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testStore(t)

	_, err := s.Save(ctx, "tok", 1, "d1", testDevice, week)
	require.NoError(t, err)

	require.NoError(t, s.MarkUsed(ctx, "tok"))
	require.NoError(t, s.MarkUsed(ctx, "tok"))
	require.NoError(t, s.MarkUsed(ctx, "absent"))

	rec, err := s.Find(ctx, "tok", 1, "d1")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := testStore(t)

	_, err := s.Save(ctx, "tok", 1, "d1", testDevice, week)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, "tok"))
	require.NoError(t, s.Revoke(ctx, "absent"))

	rec, err := s.Find(ctx, "tok", 1, "d1")
	assert.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, mem.Len(), "revocation keeps the record")
}

func TestRevokeDevice_OnlyThatDevice(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testStore(t)

	for _, tok := range []string{"a1", "a2"} {
		_, err := s.Save(ctx, tok, 1, "dA", testDevice, week)
		require.NoError(t, err)
	}

	_, err := s.Save(ctx, "b1", 1, "dB", testDevice, week)
	require.NoError(t, err)

	_, err = s.Save(ctx, "other-user", 2, "dA", testDevice, week)
	require.NoError(t, err)

	n, err := s.RevokeDevice(ctx, 1, "dA")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{"a1", "a2"} {
		rec, err := s.Find(ctx, tok, 1, "dA")
		require.NoError(t, err)
		assert.Nil(t, rec)
	}

	rec, err := s.Find(ctx, "b1", 1, "dB")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	rec, err = s.Find(ctx, "other-user", 2, "dA")
	require.NoError(t, err)
	assert.NotNil(t, rec, "another user's session on the same device survives")

	n, err = s.RevokeDevice(ctx, 1, "dA")
	require.NoError(t, err)
	assert.Zero(t, n, "already revoked")
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	s, _, fc := testStore(t)

	_, err := s.Save(ctx, "old", 1, "d1", testDevice, week)
	require.NoError(t, err)

	fc.Step(time.Minute)

	next, err := s.Rotate(ctx, "old", 1, "d1", "new", week)
	require.NoError(t, err)
	assert.Equal(t, testDevice, next.DeviceInfo)
	assert.Equal(t, fc.Now(), next.CreatedAt)

	rec, err := s.Find(ctx, "old", 1, "d1")
	require.NoError(t, err)
	assert.Nil(t, rec, "old token is single-use")

	rec, err = s.Find(ctx, "new", 1, "d1")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	_, err = s.Rotate(ctx, "old", 1, "d1", "newer", week)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Rotate(ctx, "new", 1, "other-device", "newer", week)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotate_ConcurrentReplayWinsOnce(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testStore(t)

	_, err := s.Save(ctx, "old", 1, "d1", testDevice, week)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Rotate(ctx, "old", 1, "d1", "new-"+string(rune('a'+i)), week); err == nil {
				wins.Add(1)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestActiveSessions(t *testing.T) {
	ctx := context.Background()
	s, _, fc := testStore(t)

	_, err := s.Save(ctx, "t1", 1, "d1", testDevice, week)
	require.NoError(t, err)
	fc.Step(time.Second)
	latest, err := s.Save(ctx, "t2", 1, "d2", models.DeviceInfo{UserAgent: "curl"}, week)
	require.NoError(t, err)
	_, err = s.Save(ctx, "used", 1, "d3", testDevice, week)
	require.NoError(t, err)
	_, err = s.Save(ctx, "short", 1, "d4", testDevice, time.Second)
	require.NoError(t, err)
	_, err = s.Save(ctx, "other-user", 2, "d1", testDevice, week)
	require.NoError(t, err)

	require.NoError(t, s.MarkUsed(ctx, "used"))
	fc.Step(2 * time.Second)

	sessions, err := s.ActiveSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, latest.ID, sessions[0].ID)
	assert.Equal(t, "d2", sessions[0].DeviceID)
	assert.Equal(t, "curl", sessions[0].DeviceInfo.UserAgent)
	assert.False(t, sessions[0].IsRevoked)
}

func TestRevokeLatestForDevice(t *testing.T) {
	ctx := context.Background()
	s, _, fc := testStore(t)

	older, err := s.Save(ctx, "t1", 1, "d1", testDevice, week)
	require.NoError(t, err)
	fc.Step(time.Second)
	newer, err := s.Save(ctx, "t2", 1, "d1", testDevice, week)
	require.NoError(t, err)

	got, err := s.RevokeLatestForDevice(ctx, 1, "d1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	rec, err := s.Find(ctx, "t1", 1, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, older.ID, rec.ID)

	_, err = s.RevokeLatestForDevice(ctx, 2, "d1")
	assert.ErrorIs(t, err, ErrNotFound, "other user's device")

	_, err = s.RevokeLatestForDevice(ctx, 1, "d1")
	require.NoError(t, err)
	_, err = s.RevokeLatestForDevice(ctx, 1, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeSession(t *testing.T) {
	ctx := context.Background()
	s, _, _ := testStore(t)

	rec, err := s.Save(ctx, "t1", 1, "d1", testDevice, week)
	require.NoError(t, err)

	_, err = s.RevokeSession(ctx, 2, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound, "not the owner")

	got, err := s.RevokeSession(ctx, 1, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked)

	_, err = s.RevokeSession(ctx, 1, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RevokeSession(ctx, 1, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s, mem, fc := testStore(t)

	_, err := s.Save(ctx, "short", 1, "d1", testDevice, time.Minute)
	require.NoError(t, err)
	_, err = s.Save(ctx, "long", 1, "d1", testDevice, week)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, "garbage", []byte("{")))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the undecodable entry")

	fc.Step(2 * time.Minute)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mem.Len())

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "idempotent")
}

func TestStore_BoltBackend(t *testing.T) {
	ctx := context.Background()

	b, err := kv.OpenBolt(t.TempDir() + "/sessions.db")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	ns, err := b.Namespace("refresh_tokens")
	require.NoError(t, err)

	s := NewStore(ns, nil)

	_, err = s.Save(ctx, "tok", 1, "d1", testDevice, week)
	require.NoError(t, err)

	_, err = s.Rotate(ctx, "tok", 1, "d1", "tok2", week)
	require.NoError(t, err)

	rec, err := s.Find(ctx, "tok", 1, "d1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	sessions, err := s.ActiveSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
