package auth

import (
	"crypto/subtle"
	"errors"

	"github.com/real-rm/supportdesk/internal/metrics"
)

// Rotation is two-phase. BeginRotation mints a pending token while the
// presented token stays valid. CommitRotation makes the pending token current
// once the response carrying it has been written; AbortRotation throws it
// away. At most one rotation is in flight per token generation.

func (a *Authority) session(id string) *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessions[id]
}

// BeginRotation mints a pending replacement for presentedToken
func (a *Authority) BeginRotation(sessionID, presentedToken string) (*Rotation, error) {
	s := a.session(sessionID)
	if s == nil {
		return nil, unauthorized(ErrInvalidToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := a.clock.Now()
	if !s.usable(now) {
		return nil, unauthorized(ErrSessionExpired)
	}
	if subtle.ConstantTimeCompare([]byte(presentedToken), []byte(s.token)) != 1 {
		return nil, unauthorized(ErrInvalidToken)
	}
	if s.pendingToken != "" && now.Sub(s.pendingSince) < rotationAbandonAfter {
		metrics.TokenRotations.WithLabelValues("conflict").Inc()
		return nil, ErrRotationPending
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	s.pendingToken = token
	s.pendingSince = now

	return &Rotation{
		SessionID:  s.ID,
		Token:      token,
		ExpiresAt:  now.Add(a.opts.SessionTTL),
		generation: s.generation,
	}, nil
}

// CommitRotation swaps in the pending token. The prior token stops working now.
func (a *Authority) CommitRotation(rot *Rotation) error {
	s := a.session(rot.SessionID)
	if s == nil {
		return unauthorized(ErrInvalidToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != rot.generation || s.pendingToken != rot.Token || !s.active {
		return ErrStaleRotation
	}

	now := a.clock.Now()
	oldKey := tokenKey(s.token)

	s.token = s.pendingToken
	s.pendingToken = ""
	s.generation++
	s.ExpiresAt = now.Add(a.opts.SessionTTL)
	s.LastRotation = now

	a.mu.Lock()
	delete(a.byToken, oldKey)
	a.byToken[tokenKey(s.token)] = s.ID
	a.mu.Unlock()

	metrics.TokenRotations.WithLabelValues("committed").Inc()
	a.logger.Debug("Session token rotated", "session_id", s.ID, "generation", s.generation)
	return nil
}

// AbortRotation discards a pending token; the prior token remains current
func (a *Authority) AbortRotation(rot *Rotation) {
	s := a.session(rot.SessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation == rot.generation && s.pendingToken == rot.Token {
		s.pendingToken = ""
		metrics.TokenRotations.WithLabelValues("aborted").Inc()
	}
}

// Authenticate validates token and, when rotation on use is enabled, begins a
// rotation. A nil Rotation with a nil error means the request proceeds
// without rotating.
func (a *Authority) Authenticate(token string) (*SessionInfo, *Rotation, error) {
	info, err := a.Validate(token)
	if err != nil {
		return nil, nil, err
	}
	if !a.opts.RotateOnUse {
		return info, nil, nil
	}

	rot, err := a.BeginRotation(info.ID, token)
	if errors.Is(err, ErrRotationPending) {
		return info, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return info, rot, nil
}
