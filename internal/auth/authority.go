// Package auth owns admin authentication: one-time login codes, opaque
// session tokens and their two-phase rotation. All state lives in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/metrics"
)

var (
	// ErrInvalidToken is returned when no active session matches a token
	ErrInvalidToken = errors.New("invalid session token")
	// ErrSessionExpired is returned when the session TTL has elapsed or it was revoked
	ErrSessionExpired = errors.New("session expired")
	// ErrRotationPending is returned when another request already holds this generation's rotation
	ErrRotationPending = errors.New("rotation already pending for this generation")
	// ErrStaleRotation is returned when committing a rotation whose generation has moved on
	ErrStaleRotation = errors.New("stale rotation")
)

// Clock is the time source used by the authority
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// A pending rotation older than this is treated as abandoned so the session
// can rotate again.
const rotationAbandonAfter = 30 * time.Second

// Options configures an Authority
type Options struct {
	CodeLength  int
	CodeTTL     time.Duration
	MaxAttempts int
	SessionTTL  time.Duration
	Salt        string
	RotateOnUse bool
	Clock       Clock
}

// DefaultOptions returns production defaults; Salt must still be set
func DefaultOptions() Options {
	return Options{
		CodeLength:  constants.OTPCodeLength,
		CodeTTL:     constants.DefaultCodeTTL,
		MaxAttempts: constants.DefaultOTPAttempts,
		SessionTTL:  constants.DefaultSessionTTL,
		RotateOnUse: true,
	}
}

// Session is the server side state of one admin login
type Session struct {
	ID           string
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastRotation time.Time

	token        string
	pendingToken string
	pendingSince time.Time
	generation   uint64
	active       bool
	mu           sync.Mutex
}

// SessionInfo is an immutable snapshot of a session
type SessionInfo struct {
	ID           string
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastRotation time.Time
	Generation   uint64
}

// Credential is handed to an admin after a successful login
type Credential struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Rotation is a minted but not yet committed replacement token
type Rotation struct {
	SessionID  string
	Token      string
	ExpiresAt  time.Time
	generation uint64
}

// Authority is the single owner of challenges and sessions
type Authority struct {
	opts   Options
	salt   []byte
	clock  Clock
	logger *golog.Logger

	challengeMu sync.Mutex
	challenge   *Challenge

	mu       sync.RWMutex
	sessions map[string]*Session // session id -> session
	byToken  map[string]string   // sha256(token) -> session id
	onEnd    func(sessionID string)

	stopCleanup chan struct{}
	cleanupOnce sync.Once
	cleanupWg   sync.WaitGroup
}

// NewAuthority creates an authority. The salt must be at least
// constants.MinSaltLength bytes.
func NewAuthority(opts Options, logger *golog.Logger) (*Authority, error) {
	if len(opts.Salt) < constants.MinSaltLength {
		return nil, fmt.Errorf("otp hash salt must be at least %d characters", constants.MinSaltLength)
	}
	if opts.CodeLength <= 0 || opts.MaxAttempts <= 0 || opts.CodeTTL <= 0 || opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("code length, max attempts and TTLs must be positive")
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &Authority{
		opts:        opts,
		salt:        []byte(opts.Salt),
		clock:       clock,
		logger:      logger.WithGroup("auth"),
		sessions:    make(map[string]*Session),
		byToken:     make(map[string]string),
		stopCleanup: make(chan struct{}),
	}, nil
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, constants.SessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Session) info() *SessionInfo {
	return &SessionInfo{
		ID:           s.ID,
		ClientIP:     s.ClientIP,
		UserAgent:    s.UserAgent,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastRotation: s.LastRotation,
		Generation:   s.generation,
	}
}

// usable must be called with s.mu held
func (s *Session) usable(now time.Time) bool {
	return s.active && now.Before(s.ExpiresAt)
}

func unauthorized(cause error) error {
	return chaterrors.ErrUnauthorized(cause)
}

func (a *Authority) lookup(token string) *Session {
	if token == "" {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, ok := a.byToken[tokenKey(token)]
	if !ok {
		return nil
	}
	return a.sessions[id]
}

func (a *Authority) createSession(clientIP, userAgent string) (*Credential, error) {
	token, err := newToken()
	if err != nil {
		return nil, chaterrors.ErrUpstreamUnavailable(err)
	}

	now := a.clock.Now()
	s := &Session{
		ID:           uuid.NewString(),
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.opts.SessionTTL),
		LastRotation: now,
		token:        token,
		active:       true,
	}

	a.mu.Lock()
	a.sessions[s.ID] = s
	a.byToken[tokenKey(token)] = s.ID
	count := len(a.sessions)
	a.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	a.logger.Info("Admin session created", "session_id", s.ID, "client_ip", clientIP)

	return &Credential{SessionID: s.ID, Token: token, ExpiresAt: s.ExpiresAt}, nil
}

// Validate checks a presented token against active, unexpired sessions
func (a *Authority) Validate(token string) (*SessionInfo, error) {
	s := a.lookup(token)
	if s == nil {
		return nil, unauthorized(ErrInvalidToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.usable(a.clock.Now()) {
		return nil, unauthorized(ErrSessionExpired)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return nil, unauthorized(ErrInvalidToken)
	}
	return s.info(), nil
}

// Revoke invalidates the session owning token immediately
func (a *Authority) Revoke(token string) error {
	s := a.lookup(token)
	if s == nil {
		return unauthorized(ErrInvalidToken)
	}

	s.mu.Lock()
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		s.mu.Unlock()
		return unauthorized(ErrInvalidToken)
	}
	s.active = false
	s.pendingToken = ""
	a.remove(s)
	s.mu.Unlock()

	a.logger.Info("Admin session revoked", "session_id", s.ID)
	a.ended(s.ID)
	return nil
}

// OnSessionEnd registers fn to run, outside any authority lock, whenever a
// session is revoked or removed as expired.
func (a *Authority) OnSessionEnd(fn func(sessionID string)) {
	a.mu.Lock()
	a.onEnd = fn
	a.mu.Unlock()
}

func (a *Authority) ended(ids ...string) {
	a.mu.RLock()
	fn := a.onEnd
	a.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id)
	}
}

// remove drops s from the indexes. Callers hold s.mu; a.mu is always taken after s.mu.
func (a *Authority) remove(s *Session) {
	a.mu.Lock()
	delete(a.sessions, s.ID)
	delete(a.byToken, tokenKey(s.token))
	count := len(a.sessions)
	a.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
}

// ActiveSessions returns the number of live sessions
func (a *Authority) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// Cleanup drops expired sessions and a spent challenge. It returns the
// number of sessions removed.
func (a *Authority) Cleanup() int {
	now := a.clock.Now()

	a.challengeMu.Lock()
	if a.challenge != nil && (a.challenge.used || !now.Before(a.challenge.expiresAt)) {
		a.challenge = nil
	}
	a.challengeMu.Unlock()

	a.mu.RLock()
	snapshot := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		snapshot = append(snapshot, s)
	}
	a.mu.RUnlock()

	var removed []string
	for _, s := range snapshot {
		s.mu.Lock()
		if !s.usable(now) {
			a.remove(s)
			removed = append(removed, s.ID)
		}
		s.mu.Unlock()
	}

	if len(removed) > 0 {
		a.logger.Info("Expired admin sessions removed", "count", len(removed))
		a.ended(removed...)
	}
	return len(removed)
}

// StartCleanup runs Cleanup every interval until StopCleanup
func (a *Authority) StartCleanup(interval time.Duration) {
	a.cleanupWg.Add(1)
	go func() {
		defer a.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Cleanup()
			case <-a.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish
func (a *Authority) StopCleanup() {
	a.cleanupOnce.Do(func() {
		close(a.stopCleanup)
	})
	a.cleanupWg.Wait()
}
