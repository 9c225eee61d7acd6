package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/metrics"
)

var (
	// ErrNoChallenge is returned when no login code has been issued
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrChallengeExpired is returned when the login code TTL has elapsed
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeUsed is returned when the login code was already consumed
	ErrChallengeUsed = errors.New("challenge already used")
	// ErrCodeMismatch is returned when the presented code is wrong
	ErrCodeMismatch = errors.New("code mismatch")
)

// Challenge is the single pending login code. Only its HMAC is kept.
type Challenge struct {
	hash      []byte
	createdAt time.Time
	expiresAt time.Time
	used      bool
	attempts  int
}

func (a *Authority) hashCode(code string) []byte {
	mac := hmac.New(sha256.New, a.salt)
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

func randomDigits(n int) (string, error) {
	ten := big.NewInt(10)
	buf := make([]byte, n)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code digit: %w", err)
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

// IssueChallenge mints a new numeric login code, replacing any pending one.
// The plaintext code is returned once, for delivery to the operator.
func (a *Authority) IssueChallenge() (string, time.Time, error) {
	code, err := randomDigits(a.opts.CodeLength)
	if err != nil {
		return "", time.Time{}, chaterrors.ErrUpstreamUnavailable(err)
	}

	now := a.clock.Now()
	ch := &Challenge{
		hash:      a.hashCode(code),
		createdAt: now,
		expiresAt: now.Add(a.opts.CodeTTL),
	}

	a.challengeMu.Lock()
	replaced := a.challenge != nil
	a.challenge = ch
	a.challengeMu.Unlock()

	a.logger.Info("Login code issued", "expires_at", ch.expiresAt, "replaced_pending", replaced)
	return code, ch.expiresAt, nil
}

func notFound(cause error) error {
	e := chaterrors.ErrChallengeNotFound()
	e.Cause = cause
	return e
}

func locked() error {
	e := chaterrors.ErrChallengeLocked()
	e.Cause = ErrCodeMismatch
	return e
}

// Verify checks code against the pending challenge and, on success, opens a
// session. Failures never reveal the code.
func (a *Authority) Verify(code, clientIP, userAgent string) (*Credential, error) {
	now := a.clock.Now()

	a.challengeMu.Lock()
	ch := a.challenge
	switch {
	case ch == nil:
		a.challengeMu.Unlock()
		metrics.OTPVerifications.WithLabelValues("not_found").Inc()
		return nil, notFound(ErrNoChallenge)
	case !now.Before(ch.expiresAt):
		a.challenge = nil
		a.challengeMu.Unlock()
		metrics.OTPVerifications.WithLabelValues("not_found").Inc()
		return nil, notFound(ErrChallengeExpired)
	case ch.used:
		a.challengeMu.Unlock()
		metrics.OTPVerifications.WithLabelValues("not_found").Inc()
		return nil, notFound(ErrChallengeUsed)
	case ch.attempts >= a.opts.MaxAttempts:
		a.challengeMu.Unlock()
		metrics.OTPVerifications.WithLabelValues("locked").Inc()
		return nil, locked()
	}

	if !hmac.Equal(ch.hash, a.hashCode(code)) {
		ch.attempts++
		attempts := ch.attempts
		a.challengeMu.Unlock()

		a.logger.Warn("Login code mismatch", "client_ip", clientIP, "attempts", attempts)
		if attempts >= a.opts.MaxAttempts {
			metrics.OTPVerifications.WithLabelValues("locked").Inc()
			return nil, locked()
		}
		metrics.OTPVerifications.WithLabelValues("mismatch").Inc()
		return nil, unauthorized(ErrCodeMismatch)
	}

	ch.used = true
	a.challengeMu.Unlock()

	metrics.OTPVerifications.WithLabelValues("success").Inc()
	return a.createSession(clientIP, userAgent)
}
