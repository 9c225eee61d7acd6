package delivery

import (
	"context"

	"github.com/google/uuid"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
)

// Visitors without a live transport use the poll operations. They share the
// store and routing semantics of the live path; replies are picked up with
// PollFetch.

// PollJoin opens a conversation without registering a connection
func (c *Coordinator) PollJoin(ctx context.Context, displayName string, meta VisitorMeta) (string, string, error) {
	name := c.displayName(displayName)
	conversationID := uuid.NewString()

	if err := c.store.CreateConversation(ctx, conversationID, name, meta.ClientIP, meta.UserAgent); err != nil {
		c.logger.Error("Failed to persist new conversation", "conversation_id", conversationID, "error", err)
		return "", "", chaterrors.ErrUpstreamUnavailable(err)
	}

	c.opened(conversationID, name)
	c.logger.Info("Visitor joined over HTTP", "conversation_id", conversationID, "client_ip", meta.ClientIP)
	return conversationID, name, nil
}

// PollSend posts a visitor message; a live connection for the same
// conversation still receives the echo
func (c *Coordinator) PollSend(ctx context.Context, conversationID, content string) (*message.Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chaterrors.ErrConversationNotFound(conversationID)
	}
	return c.VisitorMessage(ctx, conversationID, content)
}

// PollFetch returns messages after cursor for a visitor polling for replies
func (c *Coordinator) PollFetch(ctx context.Context, conversationID, cursor string, limit int) (*message.MessagePage, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chaterrors.ErrConversationNotFound(conversationID)
	}
	return c.FetchMessages(ctx, conversationID, cursor, limit)
}
