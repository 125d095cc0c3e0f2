// Package auth implements the backend side of the system: password login,
// refresh token rotation, logout, device session management, access token
// invalidation, and the OAuth client flow against the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/blacklist"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/logging"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/session"
	"github.com/alexjbarnes/authflow/internal/token"
)

// tokenVersion is stamped on every access token.
const tokenVersion = "1.0"

// Login methods used as metric labels.
const (
	methodPassword = "password"
	methodOAuth    = "oauth"
)

// Tokens is the result of a successful login, refresh or OAuth callback.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Access       *token.Claims
	Session      *models.RefreshToken
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	AccessCodec  *token.Codec
	RefreshCodec *token.Codec
	Sessions     *session.Store
	Blacklist    *blacklist.Blacklist
	Users        *Users
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Clock        clock.PassiveClock
}

// Service is the authentication orchestrator.
type Service struct {
	access     *token.Codec
	refresh    *token.Codec
	sessions   *session.Store
	blacklist  *blacklist.Blacklist
	users      *Users
	accessTTL  time.Duration
	refreshTTL time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	clock      clock.PassiveClock
}

// NewService builds the orchestrator from cfg.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Service{
		access:     cfg.AccessCodec,
		refresh:    cfg.RefreshCodec,
		sessions:   cfg.Sessions,
		blacklist:  cfg.Blacklist,
		users:      cfg.Users,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clock:      clk,
	}
}

// RefreshTTL is the lifetime of issued refresh tokens and their cookie.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Login authenticates a password user and opens a session on deviceID.
func (s *Service) Login(ctx context.Context, username, password, deviceID string, info models.DeviceInfo) (*Tokens, error) {
	if deviceID == "" || info.UserAgent == "" {
		return nil, apperrors.ErrMissingDeviceContext
	}

	user, ok := s.users.Authenticate(username, password)
	if !ok {
		s.metrics.Login(methodPassword, metrics.OutcomeRejected)
		return nil, apperrors.ErrInvalidCredentials
	}

	tokens, err := s.openSession(ctx, user, deviceID, info)
	if err != nil {
		s.metrics.Login(methodPassword, metrics.OutcomeError)
		return nil, err
	}

	s.metrics.Login(methodPassword, metrics.OutcomeSuccess)
	s.logger.Info("login successful",
		slog.Int("user_id", user.ID),
		slog.String("device_id", deviceID),
	)

	return tokens, nil
}

// openSession mints an access and refresh token pair for user and stores
// the refresh token against deviceID.
func (s *Service) openSession(ctx context.Context, user models.User, deviceID string, info models.DeviceInfo) (*Tokens, error) {
	claims := sessionClaims(user, deviceID)

	access, accessClaims, err := s.access.Mint(strconv.Itoa(user.ID), claims, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("minting access token: %w", err)
	}

	refresh, _, err := s.refresh.Mint(strconv.Itoa(user.ID), claims, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}

	rec, err := s.sessions.Save(ctx, refresh, user.ID, deviceID, info, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &Tokens{AccessToken: access, RefreshToken: refresh, Access: accessClaims, Session: rec}, nil
}

func sessionClaims(user models.User, deviceID string) token.Claims {
	return token.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		DeviceID: deviceID,
		Scope:    user.Scope,
		Version:  tokenVersion,
	}
}

// Refresh rotates refreshRaw for a new token pair. Every failure is
// reported as ErrInvalidToken so callers cannot tell a stolen token from
// an expired, used, revoked or wrong-device one.
func (s *Service) Refresh(ctx context.Context, refreshRaw, deviceID string) (*Tokens, error) {
	tokens, err := s.rotate(ctx, refreshRaw, deviceID)
	if err != nil {
		outcome := metrics.OutcomeRejected
		if !errors.Is(err, apperrors.ErrInvalidToken) {
			outcome = metrics.OutcomeError
		}

		s.metrics.Refresh(outcome)

		return nil, err
	}

	s.metrics.Refresh(metrics.OutcomeSuccess)

	return tokens, nil
}

func (s *Service) rotate(ctx context.Context, refreshRaw, deviceID string) (*Tokens, error) {
	if refreshRaw == "" || deviceID == "" {
		return nil, apperrors.ErrInvalidToken
	}

	prev, err := s.refresh.Verify(refreshRaw)
	if err != nil {
		s.logger.Debug("refresh token rejected", slog.String("reason", err.Error()))
		return nil, apperrors.ErrInvalidToken
	}

	user := models.User{ID: prev.UserID, Username: prev.Username, Email: prev.Email, Scope: prev.Scope}
	claims := sessionClaims(user, deviceID)
	subject := strconv.Itoa(user.ID)

	next, _, err := s.refresh.Mint(subject, claims, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}

	// Rotate marks the presented token used before the new record is
	// written; the response is only built after it returns.
	rec, err := s.sessions.Rotate(ctx, refreshRaw, user.ID, deviceID, next, s.refreshTTL)
	if errors.Is(err, session.ErrNotFound) {
		s.logger.Debug("refresh token not usable",
			slog.Int("user_id", user.ID),
			slog.String("device_id", deviceID),
			slog.String("token_hash", logging.TokenPrefix(session.HashToken(refreshRaw))),
		)

		return nil, apperrors.ErrInvalidToken
	}

	if err != nil {
		return nil, err
	}

	access, accessClaims, err := s.access.Mint(subject, claims, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("minting access token: %w", err)
	}

	s.logger.Debug("refresh token rotated",
		slog.Int("user_id", user.ID),
		slog.String("device_id", deviceID),
		slog.String("session_id", rec.ID),
	)

	return &Tokens{AccessToken: access, RefreshToken: next, Access: accessClaims, Session: rec}, nil
}

// VerifyAccess validates a bearer access token and rejects blacklisted ids.
func (s *Service) VerifyAccess(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.access.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	revoked, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		return nil, err
	}

	if revoked {
		return nil, apperrors.ErrTokenRevoked
	}

	return claims, nil
}

// Logout revokes the caller's refresh tokens on deviceID and blacklists
// the presented access token. Both steps are attempted even if one fails; the
// joined error is returned for logging only.
func (s *Service) Logout(ctx context.Context, access *token.Claims, deviceID string) error {
	if deviceID == "" {
		deviceID = access.DeviceID
	}

	var errs []error

	if deviceID != "" {
		n, err := s.sessions.RevokeDevice(ctx, access.UserID, deviceID)
		if err != nil {
			errs = append(errs, fmt.Errorf("revoking device tokens: %w", err))
		} else {
			s.logger.Debug("revoked device tokens", slog.String("device_id", deviceID), slog.Int("count", n))
		}
	}

	if err := s.blacklistClaims(ctx, access); err != nil {
		errs = append(errs, err)
	}

	s.metrics.Logout()
	s.logger.Info("logout",
		slog.Int("user_id", access.UserID),
		slog.String("device_id", deviceID),
	)

	return errors.Join(errs...)
}

func (s *Service) blacklistClaims(ctx context.Context, c *token.Claims) error {
	exp := s.clock.Now().Add(s.accessTTL)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}

	if err := s.blacklist.Add(ctx, c.ID, exp); err != nil {
		return err
	}

	s.metrics.Blacklisted()

	return nil
}

// ListSessions returns the user's active device sessions.
func (s *Service) ListSessions(ctx context.Context, userID int) ([]models.Session, error) {
	return s.sessions.ActiveSessions(ctx, userID)
}

// RevokeSession revokes one of the user's sessions, by session id when
// given, otherwise the newest active session on deviceID.
func (s *Service) RevokeSession(ctx context.Context, userID int, deviceID, sessionID string) error {
	var (
		rec *models.RefreshToken
		err error
	)

	switch {
	case sessionID != "":
		rec, err = s.sessions.RevokeSession(ctx, userID, sessionID)
	case deviceID != "":
		rec, err = s.sessions.RevokeLatestForDevice(ctx, userID, deviceID)
	default:
		return fmt.Errorf("%w: deviceId or sessionId is required", apperrors.ErrInvalidRequest)
	}

	if errors.Is(err, session.ErrNotFound) {
		return apperrors.ErrNotFound
	}

	if err != nil {
		return err
	}

	s.logger.Info("session revoked",
		slog.Int("user_id", userID),
		slog.String("device_id", rec.DeviceID),
		slog.String("session_id", rec.ID),
	)

	return nil
}

// InvalidateToken blacklists an access token or a bare token id. A
// token that has already expired needs no entry. A bare id is kept for
// one access token lifetime, the longest any token bearing it can live.
func (s *Service) InvalidateToken(ctx context.Context, tokenOrJTI string) error {
	tokenOrJTI = strings.TrimSpace(tokenOrJTI)
	if tokenOrJTI == "" {
		return fmt.Errorf("%w: token is required", apperrors.ErrInvalidRequest)
	}

	if strings.Count(tokenOrJTI, ".") != 2 {
		if err := s.blacklist.Add(ctx, tokenOrJTI, s.clock.Now().Add(s.accessTTL)); err != nil {
			return err
		}

		s.metrics.Blacklisted()

		return nil
	}

	claims, err := s.access.Verify(tokenOrJTI)
	if errors.Is(err, token.ErrExpired) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	if err := s.blacklistClaims(ctx, claims); err != nil {
		return err
	}

	s.logger.Info("access token invalidated", slog.Int("user_id", claims.UserID))

	return nil
}
