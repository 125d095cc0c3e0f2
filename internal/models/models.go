// Package models defines types shared across internal packages.
package models

import "time"

// DeviceInfo describes the client a refresh token was issued to.
type DeviceInfo struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
	OS        string `json:"os"`
}

// RefreshToken is the server-side record of an issued refresh token. The
// raw token value is never stored; records are keyed by its SHA-256 hash.
type RefreshToken struct {
	ID         string     `json:"id"`
	TokenHash  string     `json:"tokenHash"`
	UserID     int        `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt time.Time  `json:"lastUsedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	IsRevoked  bool       `json:"isRevoked"`
	IsUsed     bool       `json:"isUsed"`
}

// Active reports whether the record can still be exchanged at now.
func (r *RefreshToken) Active(now time.Time) bool {
	return !r.IsRevoked && !r.IsUsed && now.Before(r.ExpiresAt)
}

// Session is the user-facing projection of an active refresh token.
type Session struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"deviceId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	LastUsedAt time.Time  `json:"lastUsedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	IsRevoked  bool       `json:"isRevoked"`
}

// AuthorizationCode binds an issued code to the request that produced it.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	Provider            string    `json:"provider"`
	Scope               string    `json:"scope,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// UserInfo is the profile an identity provider returns for a subject.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// User is a backend account permitted to log in with a password.
type User struct {
	ID       int      `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Scope    []string `json:"scope,omitempty"`
}
