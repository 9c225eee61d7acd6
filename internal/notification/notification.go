// Package notification relays support desk events to operators outside the
// admin console: a Telegram bot, or an AMQP exchange consumed by a relay worker.
package notification

import (
	"context"
	"time"

	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/ratelimit"
)

// Relay delivers operator notices. Implementations are safe for concurrent use.
type Relay interface {
	// NewConversation announces a visitor that just joined
	NewConversation(ctx context.Context, conversationID, visitorName string) error
	// VisitorMessage forwards a visitor's message
	VisitorMessage(ctx context.Context, conversationID, visitorName, content string) error
	// LoginCode delivers an admin login code valid for ttl
	LoginCode(ctx context.Context, code string, ttl time.Duration) error
}

// LinkStore persists which relayed message belongs to which conversation so
// operator replies can be threaded back.
type LinkStore interface {
	SaveLink(ctx context.Context, conversationID string, chatID, relayMessageID int64) error
	LatestLink(ctx context.Context, conversationID string) (int64, bool, error)
	FindLink(ctx context.Context, chatID, relayMessageID int64) (string, bool, error)
}

// NoopRelay drops every notice. Used when no relay is configured.
type NoopRelay struct {
	logger *golog.Logger
}

// NewNoopRelay creates a relay that only logs at debug level
func NewNoopRelay(logger *golog.Logger) *NoopRelay {
	return &NoopRelay{logger: logger.WithGroup("notification")}
}

func (n *NoopRelay) NewConversation(_ context.Context, conversationID, _ string) error {
	n.logger.Debug("Relay disabled, dropping new conversation notice", "conversation_id", conversationID)
	return nil
}

func (n *NoopRelay) VisitorMessage(_ context.Context, conversationID, _, _ string) error {
	n.logger.Debug("Relay disabled, dropping visitor message notice", "conversation_id", conversationID)
	return nil
}

func (n *NoopRelay) LoginCode(_ context.Context, _ string, _ time.Duration) error {
	n.logger.Warn("Relay disabled, login code was not delivered")
	return nil
}

// Throttled limits visitor message notices per conversation so a chatty
// visitor cannot flood the operator channel. Other notices pass through.
type Throttled struct {
	next    Relay
	limiter *ratelimit.Limiter
	logger  *golog.Logger
}

// NewThrottled wraps next with a per-conversation limiter
func NewThrottled(next Relay, family ratelimit.Family, logger *golog.Logger) *Throttled {
	return &Throttled{
		next:    next,
		limiter: ratelimit.NewLimiter(family, nil),
		logger:  logger.WithGroup("notification"),
	}
}

func (t *Throttled) NewConversation(ctx context.Context, conversationID, visitorName string) error {
	return t.next.NewConversation(ctx, conversationID, visitorName)
}

func (t *Throttled) VisitorMessage(ctx context.Context, conversationID, visitorName, content string) error {
	if !t.limiter.Allow(conversationID) {
		t.logger.Warn("Visitor message notice rate limited", "conversation_id", conversationID)
		return nil
	}
	return t.next.VisitorMessage(ctx, conversationID, visitorName, content)
}

func (t *Throttled) LoginCode(ctx context.Context, code string, ttl time.Duration) error {
	return t.next.LoginCode(ctx, code, ttl)
}

// Limiter exposes the underlying limiter so its idle buckets can be swept
func (t *Throttled) Limiter() *ratelimit.Limiter {
	return t.limiter
}
