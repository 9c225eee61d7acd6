// Package delivery orchestrates persistence, routing, caching and operator
// notification for every chat action. It owns no connection state itself.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/cache"
	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/notification"
	"github.com/real-rm/supportdesk/internal/registry"
	"github.com/real-rm/supportdesk/internal/util"
)

// ErrNilConnection is returned when a nil transport is handed to the coordinator
var ErrNilConnection = errors.New("connection cannot be nil")

// Store is the durable state the coordinator needs. storage.Service satisfies it.
type Store interface {
	CreateConversation(ctx context.Context, id, visitorName, clientIP, userAgent string) error
	ActiveConversation(ctx context.Context, id string) (string, error)
	SaveMessage(ctx context.Context, msg *message.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*message.MessagePage, error)
	ListConversations(ctx context.Context, limit, offset int) ([]message.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error
	MarkRead(ctx context.Context, messageID string, at time.Time) (string, error)
	Search(ctx context.Context, query string, limit int) ([]message.SearchResult, error)
	Statistics(ctx context.Context, now time.Time) (*message.Statistics, error)
	LogActivity(ctx context.Context, sessionID, action, conversationID string, meta map[string]string) error
}

// Router is the live connection surface. registry.Registry satisfies it.
type Router interface {
	Join(displayName string, conn registry.Conn) (string, error)
	Resume(ctx context.Context, conversationID string, conn registry.Conn) (*registry.VisitorConnection, error)
	DetachVisitor(conversationID string, conn registry.Conn)
	AdmitAdmin(token, remoteIP string, conn registry.Conn) (*registry.AdminConnection, error)
	RemoveAdmin(conn registry.Conn)
	Visitor(conversationID string) (*registry.VisitorConnection, bool)
	IsOnline(conversationID string) bool
	RouteVisitorMessage(conversationID string, frame message.ServerFrame) error
	RouteAdminMessage(conversationID string, frame message.ServerFrame) error
	SendToVisitor(conversationID string, frame message.ServerFrame) (bool, error)
	BroadcastAdmins(frame message.ServerFrame) (int, error)
	DeleteConversation(conversationID string)
	Stats() registry.Stats
}

// VisitorMeta is request metadata recorded with a new conversation
type VisitorMeta struct {
	ClientIP  string
	UserAgent string
}

// Options tunes the coordinator. Zero values take the defaults.
type Options struct {
	MaxMessageLength int
	HistoryLimit     int
	CacheTTL         time.Duration
	CacheMaxEntries  int
	Clock            func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = constants.DefaultMaxMessageLength
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = constants.DefaultHistoryLimit
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = constants.DefaultCacheTTL
	}
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = constants.DefaultCacheMaxEntries
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Coordinator sequences store, registry, cache and relay for each operation
type Coordinator struct {
	store    Store
	router   Router
	relay    notification.Relay
	listings *cache.Cache[[]message.ConversationSummary]
	pages    *cache.Cache[*message.MessagePage]
	opts     Options
	logger   *golog.Logger

	// in-flight relay notifications
	notifying sync.WaitGroup
}

// New creates a coordinator. A nil relay disables operator notifications.
func New(store Store, router Router, relay notification.Relay, opts Options, logger *golog.Logger) *Coordinator {
	opts.applyDefaults()
	logger = logger.WithGroup("delivery")
	if relay == nil {
		relay = notification.NewNoopRelay(logger)
	}

	listings := cache.New[[]message.ConversationSummary](opts.CacheTTL, opts.CacheMaxEntries)
	pages := cache.New[*message.MessagePage](opts.CacheTTL, opts.CacheMaxEntries)
	listings.SetClock(opts.Clock)
	pages.SetClock(opts.Clock)

	return &Coordinator{
		store:    store,
		router:   router,
		relay:    relay,
		listings: listings,
		pages:    pages,
		opts:     opts,
		logger:   logger,
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Clock().UTC().Truncate(time.Millisecond)
}

func conversationTag(conversationID string) string {
	return "conv:" + conversationID
}

const listingTag = "listing:head"

// invalidate drops exactly the cached entries that mention the conversation
func (c *Coordinator) invalidate(conversationID string) {
	pages := c.pages.InvalidateTag(conversationTag(conversationID))
	listings := c.listings.InvalidateTag(listingTag)
	c.logger.Debug("Cache invalidated", "conversation_id", conversationID, "pages", pages, "listings", listings)
}

// notify runs a relay call in the background. Failures are logged only.
func (c *Coordinator) notify(operation string, fn func(ctx context.Context) error) {
	c.notifying.Add(1)
	util.SafeGo(c.logger, "relay", func() {
		defer c.notifying.Done()
		ctx, cancel := util.NewTimeoutContext(constants.RelayTimeout * constants.MaxRetryAttempts)
		defer cancel()
		if err := fn(ctx); err != nil {
			util.LogError(c.logger, "relay", operation, err)
		}
	})
}

// WaitNotifications blocks until in-flight relay calls finish or ctx ends
func (c *Coordinator) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.notifying.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) audit(ctx context.Context, sessionID, action, conversationID string, meta map[string]string) {
	if err := c.store.LogActivity(ctx, sessionID, action, conversationID, meta); err != nil {
		util.LogError(c.logger, "delivery", "log activity", err, "action", action, "session_id", sessionID)
	}
}

func (c *Coordinator) sanitize(content string) (string, error) {
	clean, err := message.Sanitize(content, c.opts.MaxMessageLength)
	if err != nil {
		metrics.MessageErrors.Inc()
		return "", chaterrors.FromValidation(err)
	}
	return clean, nil
}

func (c *Coordinator) displayName(name string) string {
	return message.SanitizeDisplayName(name, constants.MaxDisplayNameLength, constants.DefaultDisplayName)
}

// opened announces a stored conversation to admins and the relay
func (c *Coordinator) opened(conversationID, name string) {
	c.invalidate(conversationID)
	if _, err := c.router.BroadcastAdmins(message.ConversationOpened{ConversationID: conversationID, VisitorName: name}); err != nil {
		util.LogError(c.logger, "delivery", "broadcast conversation opened", err, "conversation_id", conversationID)
	}
	c.notify("new conversation", func(ctx context.Context) error {
		return c.relay.NewConversation(ctx, conversationID, name)
	})
}

// Join opens a conversation for a live visitor and confirms it on the connection
func (c *Coordinator) Join(ctx context.Context, displayName string, conn registry.Conn, meta VisitorMeta) (string, string, error) {
	if conn == nil {
		return "", "", ErrNilConnection
	}
	name := c.displayName(displayName)

	conversationID, err := c.router.Join(name, conn)
	if err != nil {
		return "", "", err
	}

	if err := c.store.CreateConversation(ctx, conversationID, name, meta.ClientIP, meta.UserAgent); err != nil {
		c.router.DetachVisitor(conversationID, conn)
		c.logger.Error("Failed to persist new conversation", "conversation_id", conversationID, "error", err)
		return "", "", chaterrors.ErrUpstreamUnavailable(err)
	}

	if _, err := c.router.SendToVisitor(conversationID, message.Joined{ConversationID: conversationID, VisitorName: name}); err != nil {
		util.LogError(c.logger, "delivery", "send joined", err, "conversation_id", conversationID)
	}

	c.opened(conversationID, name)
	c.logger.Info("Visitor joined", "conversation_id", conversationID, "client_ip", meta.ClientIP)
	return conversationID, name, nil
}

// Resume reattaches a visitor to an existing conversation and replays its
// recent history on the connection
func (c *Coordinator) Resume(ctx context.Context, conversationID string, conn registry.Conn) (*message.History, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	vc, err := c.router.Resume(ctx, conversationID, conn)
	if err != nil {
		return nil, err
	}

	recent, err := c.store.RecentMessages(ctx, conversationID, c.opts.HistoryLimit)
	if err != nil {
		c.router.DetachVisitor(conversationID, conn)
		return nil, chaterrors.AsChatError(err)
	}

	history := &message.History{
		ConversationID: conversationID,
		VisitorName:    vc.DisplayName,
		Messages:       recent,
	}
	if _, err := c.router.SendToVisitor(conversationID, *history); err != nil {
		util.LogError(c.logger, "delivery", "send history", err, "conversation_id", conversationID)
	}
	c.logger.Info("Visitor resumed", "conversation_id", conversationID, "history", len(recent))
	return history, nil
}

// Leave detaches a visitor connection that has gone away
func (c *Coordinator) Leave(conversationID string, conn registry.Conn) {
	c.router.DetachVisitor(conversationID, conn)
}

// visitorName finds the display name of a conversation, preferring the live connection
func (c *Coordinator) visitorName(ctx context.Context, conversationID string) (string, error) {
	if vc, ok := c.router.Visitor(conversationID); ok {
		return vc.DisplayName, nil
	}
	return c.store.ActiveConversation(ctx, conversationID)
}

// newMessageID returns a time-ordered id, so messages stored within the same
// millisecond still sort in the order they were saved.
func newMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// VisitorMessage persists and routes a visitor's message, then notifies the relay
func (c *Coordinator) VisitorMessage(ctx context.Context, conversationID, content string) (*message.Message, error) {
	clean, err := c.sanitize(content)
	if err != nil {
		return nil, err
	}

	name, err := c.visitorName(ctx, conversationID)
	if err != nil {
		return nil, chaterrors.AsChatError(err)
	}

	msg := &message.Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Sender:         message.SenderVisitor,
		Content:        clean,
		CreatedAt:      c.now(),
	}
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		metrics.MessageErrors.Inc()
		return nil, chaterrors.AsChatError(err)
	}
	metrics.MessagesReceived.WithLabelValues(constants.SenderVisitor).Inc()
	c.invalidate(conversationID)

	if err := c.router.RouteVisitorMessage(conversationID, message.MessageEvent{Message: *msg}); err != nil {
		util.LogError(c.logger, "delivery", "route visitor message", err, "conversation_id", conversationID)
	}

	c.notify("visitor message", func(ctx context.Context) error {
		return c.relay.VisitorMessage(ctx, conversationID, name, clean)
	})
	return msg, nil
}

// VisitorTyping tells every admin the visitor is typing
func (c *Coordinator) VisitorTyping(conversationID string) {
	if _, err := c.router.BroadcastAdmins(message.TypingEvent{ConversationID: conversationID, Sender: message.SenderVisitor}); err != nil {
		util.LogError(c.logger, "delivery", "broadcast typing", err, "conversation_id", conversationID)
	}
}

// AdminMessageInput is one admin reply
type AdminMessageInput struct {
	SessionID      string
	ConversationID string
	Content        string
	Via            string
	Attachment     *message.Attachment
}

// AdminMessage persists and routes an admin reply and records it in the activity log
func (c *Coordinator) AdminMessage(ctx context.Context, sessionID, conversationID, content, via string) (*message.Message, error) {
	return c.SendAdminMessage(ctx, AdminMessageInput{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Content:        content,
		Via:            via,
	})
}

// SendAdminMessage is AdminMessage with an optional attachment reference
func (c *Coordinator) SendAdminMessage(ctx context.Context, in AdminMessageInput) (*message.Message, error) {
	clean, err := c.sanitize(in.Content)
	if err != nil {
		return nil, err
	}
	if in.Attachment != nil {
		if err := util.ValidateFileURL(in.Attachment.URL); err != nil {
			return nil, chaterrors.ErrInvalidMessage(err.Error(), err)
		}
	}
	if in.Via == "" {
		in.Via = constants.ViaHTTP
	}

	msg := &message.Message{
		ID:             newMessageID(),
		ConversationID: in.ConversationID,
		Sender:         message.SenderAdmin,
		Content:        clean,
		CreatedAt:      c.now(),
		Via:            in.Via,
		Attachment:     in.Attachment,
	}
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		metrics.MessageErrors.Inc()
		return nil, chaterrors.AsChatError(err)
	}
	metrics.MessagesReceived.WithLabelValues(constants.SenderAdmin).Inc()
	c.invalidate(in.ConversationID)

	if err := c.router.RouteAdminMessage(in.ConversationID, message.MessageEvent{Message: *msg}); err != nil {
		util.LogError(c.logger, "delivery", "route admin message", err, "conversation_id", in.ConversationID)
	}

	meta := map[string]string{"message_id": msg.ID, "via": in.Via}
	if in.Attachment != nil {
		meta["attachment"] = redactURLQuery(in.Attachment.URL)
	}
	c.audit(ctx, in.SessionID, constants.ActionSendMessage, in.ConversationID, meta)
	return msg, nil
}

// redactURLQuery strips query parameters, which may carry signing keys, before logging
func redactURLQuery(rawURL string) string {
	if idx := strings.Index(rawURL, "?"); idx != -1 {
		return rawURL[:idx] + "?[REDACTED]"
	}
	return rawURL
}

// AdminTyping tells the visitor an admin is typing
func (c *Coordinator) AdminTyping(conversationID string) {
	if _, err := c.router.SendToVisitor(conversationID, message.TypingEvent{ConversationID: conversationID, Sender: message.SenderAdmin}); err != nil {
		util.LogError(c.logger, "delivery", "send typing", err, "conversation_id", conversationID)
	}
}

// DeleteConversation removes a conversation durably, then from the live registry
func (c *Coordinator) DeleteConversation(ctx context.Context, sessionID, conversationID string) error {
	if err := c.store.DeleteConversation(ctx, conversationID); err != nil {
		return chaterrors.AsChatError(err)
	}
	c.invalidate(conversationID)
	c.router.DeleteConversation(conversationID)
	c.audit(ctx, sessionID, constants.ActionDeleteConversation, conversationID, nil)
	c.logger.Info("Conversation deleted", "conversation_id", conversationID, "session_id", sessionID)
	return nil
}

func clampPage(limit int) int {
	if limit <= 0 {
		return constants.DefaultPageLimit
	}
	if limit > constants.MaxPageLimit {
		return constants.MaxPageLimit
	}
	return limit
}

// ListConversations returns open conversations, most recent activity first,
// with each row's live status filled in
func (c *Coordinator) ListConversations(ctx context.Context, limit, offset int) ([]message.ConversationSummary, error) {
	limit = clampPage(limit)
	if offset < 0 {
		offset = 0
	}
	key := fmt.Sprintf("listing:%d:%d", limit, offset)

	rows, hit := c.listings.Get(key)
	if !hit {
		fresh, err := c.store.ListConversations(ctx, limit, offset)
		if err != nil {
			return nil, chaterrors.AsChatError(err)
		}
		rows = fresh
		c.listings.Set(key, rows, listingTag)
	}

	out := make([]message.ConversationSummary, len(rows))
	copy(out, rows)
	for i := range out {
		out[i].Online = c.router.IsOnline(out[i].ConversationID)
	}
	return out, nil
}

// FetchMessages returns one page of a conversation's messages, oldest first
func (c *Coordinator) FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (*message.MessagePage, error) {
	limit = clampPage(limit)
	key := fmt.Sprintf("page:%s:%s:%d", conversationID, cursor, limit)

	if page, ok := c.pages.Get(key); ok {
		return page, nil
	}

	page, err := c.store.ListMessages(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, chaterrors.AsChatError(err)
	}
	c.pages.Set(key, page, conversationTag(conversationID))
	return page, nil
}

// MarkRead stamps a message as read and returns its conversation
func (c *Coordinator) MarkRead(ctx context.Context, sessionID, messageID string) (string, error) {
	conversationID, err := c.store.MarkRead(ctx, messageID, c.now())
	if err != nil {
		return "", chaterrors.AsChatError(err)
	}
	c.invalidate(conversationID)
	c.audit(ctx, sessionID, constants.ActionMarkRead, conversationID, map[string]string{"message_id": messageID})
	return conversationID, nil
}

// Search finds messages containing query, case-insensitively
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]message.SearchResult, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < constants.MinSearchQueryLength {
		return nil, chaterrors.ErrInvalidMessage(
			fmt.Sprintf("search query must be at least %d characters", constants.MinSearchQueryLength), nil)
	}
	if limit <= 0 || limit > constants.MaxPageLimit {
		limit = constants.DefaultSearchLimit
	}
	results, err := c.store.Search(ctx, query, limit)
	if err != nil {
		return nil, chaterrors.AsChatError(err)
	}
	return results, nil
}

// Statistics combines stored totals with live connection counts
func (c *Coordinator) Statistics(ctx context.Context) (*message.Statistics, error) {
	stats, err := c.store.Statistics(ctx, c.opts.Clock())
	if err != nil {
		return nil, chaterrors.AsChatError(err)
	}
	live := c.router.Stats()
	stats.OnlineVisitors = live.Visitors
	stats.OnlineAdmins = live.Admins
	return stats, nil
}

// AdmitAdmin registers an admin connection and sends it the current
// conversation listing
func (c *Coordinator) AdmitAdmin(ctx context.Context, token, remoteIP string, conn registry.Conn) (*registry.AdminConnection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	admin, err := c.router.AdmitAdmin(token, remoteIP, conn)
	if err != nil {
		return nil, err
	}

	items, err := c.ListConversations(ctx, constants.MaxPageLimit, 0)
	if err != nil {
		util.LogError(c.logger, "delivery", "load admin snapshot", err, "session_id", admin.SessionID)
		items = []message.ConversationSummary{}
	}
	if err := conn.Send(message.MustEncode(message.ConversationsSnapshot{Items: items})); err != nil {
		c.logger.Warn("Failed to send snapshot to admin", "session_id", admin.SessionID, "error", err)
	}
	return admin, nil
}

// ReleaseAdmin removes an admin connection that has gone away
func (c *Coordinator) ReleaseAdmin(conn registry.Conn) {
	c.router.RemoveAdmin(conn)
}
