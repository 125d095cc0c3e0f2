// Package refresher keeps a client's short-lived access token fresh. A
// Scheduler refreshes proactively just before expiry, and Transport
// refreshes reactively when a request comes back 401.
package refresher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

const (
	// DefaultThreshold is how long before expiry a refresh is attempted.
	DefaultThreshold = 2 * time.Second

	defaultTimeout = 10 * time.Second
)

// ErrNoExpiry is returned when a token carries no readable exp claim.
var ErrNoExpiry = errors.New("token has no exp claim")

// RefreshFunc obtains a new access token, typically by presenting the
// refresh cookie to the backend.
type RefreshFunc func(ctx context.Context) (string, error)

// Config configures a Scheduler.
type Config struct {
	Refresh RefreshFunc
	// OnLogout runs after a failed refresh has cleared the token.
	OnLogout  func()
	Threshold time.Duration
	Timeout   time.Duration
	Clock     clock.WithDelayedExecution
	Logger    *slog.Logger
}

// Scheduler holds the current access token and arms a single-shot timer
// to refresh it shortly before it expires.
type Scheduler struct {
	refresh   RefreshFunc
	onLogout  func()
	threshold time.Duration
	timeout   time.Duration
	clock     clock.WithDelayedExecution
	logger    *slog.Logger

	flight singleflight.Group

	mu    sync.Mutex
	token string
	timer clock.Timer
	// gen increments on every token change so a timer armed for an
	// older token does nothing when it fires.
	gen uint64
}

// New creates a Scheduler. It holds no token until SetToken is called.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		refresh:   cfg.Refresh,
		onLogout:  cfg.OnLogout,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}

	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}

	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	if s.clock == nil {
		s.clock = clock.RealClock{}
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// Token returns the current access token, or "" when logged out.
func (s *Scheduler) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token
}

// SetToken stores tok and schedules its refresh. Any previously armed
// timer is cancelled first.
func (s *Scheduler) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.token = tok
	s.gen++

	if tok == "" {
		return
	}

	exp, err := Expiry(tok)
	if err != nil {
		s.logger.Warn("access token not scheduled for refresh", slog.String("error", err.Error()))
		return
	}

	gen := s.gen
	delay := exp.Sub(s.clock.Now()) - s.threshold

	if delay <= 0 {
		go s.fire(gen)
		return
	}

	// The callback hops to its own goroutine so it never runs while the
	// clock implementation holds its own lock.
	s.timer = s.clock.AfterFunc(delay, func() { go s.fire(gen) })

	s.logger.Debug("refresh scheduled", slog.Duration("in", delay))
}

// Clear drops the token and cancels any pending refresh. Call it on
// logout so a stale timer cannot revive the session.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.token = ""
	s.gen++
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	current, tok := s.gen, s.token
	s.mu.Unlock()

	if gen != current || tok == "" {
		return
	}

	exp, err := Expiry(tok)
	if err == nil && exp.Sub(s.clock.Now()) > s.threshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, _ = s.Refresh(ctx)
}

// Refresh obtains a new token, stores it and reschedules. Concurrent
// callers share one in-flight refresh. On failure the token is cleared
// and the logout callback runs.
func (s *Scheduler) Refresh(ctx context.Context) (string, error) {
	v, err, _ := s.flight.Do("refresh", func() (any, error) {
		tok, err := s.refresh(ctx)
		if err == nil && tok == "" {
			err = errors.New("refresh returned an empty token")
		}

		if err != nil {
			s.logger.Info("token refresh failed, logging out", slog.String("error", err.Error()))
			s.Clear()

			if s.onLogout != nil {
				s.onLogout()
			}

			return "", err
		}

		s.SetToken(tok)

		return tok, nil
	})
	if err != nil {
		return "", fmt.Errorf("refreshing access token: %w", err)
	}

	return v.(string), nil
}

// Expiry reads the exp claim of a JWT without verifying it.
func Expiry(tok string) (time.Time, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("malformed token: %d segments", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding token payload: %w", err)
	}

	exp := gjson.GetBytes(payload, "exp")
	if exp.Type != gjson.Number {
		return time.Time{}, ErrNoExpiry
	}

	return time.Unix(exp.Int(), 0), nil
}
