package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshToken_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  RefreshToken
		want bool
	}{
		{"fresh", RefreshToken{ExpiresAt: now.Add(time.Minute)}, true},
		{"expired", RefreshToken{ExpiresAt: now.Add(-time.Second)}, false},
		{"expires now", RefreshToken{ExpiresAt: now}, false},
		{"used", RefreshToken{ExpiresAt: now.Add(time.Minute), IsUsed: true}, false},
		{"revoked", RefreshToken{ExpiresAt: now.Add(time.Minute), IsRevoked: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Active(now))
		})
	}
}
