// Package storage persists conversations, messages, relay links and the admin
// activity log in MongoDB through gomongo.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/gohelper"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/metrics"
)

var (
	// ErrInvalidConversationID is returned when a conversation id is empty
	ErrInvalidConversationID = errors.New("conversation ID cannot be empty")
	// ErrInvalidMessage is returned when a message is nil or incomplete
	ErrInvalidMessage = errors.New("message must have an id and a conversation id")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Service manages support desk persistence in MongoDB using gomongo
type Service struct {
	mongo         *gomongo.Mongo
	conversations *gomongo.MongoCollection
	messages      *gomongo.MongoCollection
	links         *gomongo.MongoCollection
	activity      *gomongo.MongoCollection
	logger        *golog.Logger

	// afterTouch runs between the conversation update and the message insert
	afterTouch func(conversationID string)
}

// ConversationDocument represents a conversation stored in MongoDB
type ConversationDocument struct {
	ID           string    `bson:"_id"`
	VisitorName  string    `bson:"vn"`
	ClientIP     string    `bson:"ip,omitempty"`
	UserAgent    string    `bson:"ua,omitempty"`
	Status       string    `bson:"st"`
	CreatedAt    time.Time `bson:"ts"`
	LastActivity time.Time `bson:"lastTs"`
	MessageCount int64     `bson:"mc"`
}

// MessageDocument represents a message stored in MongoDB
type MessageDocument struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"cid"`
	Sender         string              `bson:"sender"`
	Content        string              `bson:"content"`
	CreatedAt      time.Time           `bson:"ts"`
	Date           int                 `bson:"dt"` // yyyymmdd, for daily statistics
	Via            string              `bson:"via,omitempty"`
	ReadAt         *time.Time          `bson:"readTs,omitempty"`
	Attachment     *message.Attachment `bson:"att,omitempty"`
}

// LinkDocument maps a relayed notification back to its conversation
type LinkDocument struct {
	ConversationID string    `bson:"cid"`
	ChatID         int64     `bson:"chat"`
	RelayMessageID int64     `bson:"rmid"`
	CreatedAt      time.Time `bson:"ts"`
}

// ActivityDocument is one admin audit log entry
type ActivityDocument struct {
	SessionID      string            `bson:"sid"`
	Action         string            `bson:"act"`
	ConversationID string            `bson:"cid,omitempty"`
	Meta           map[string]string `bson:"meta,omitempty"`
	CreatedAt      time.Time         `bson:"ts"`
}

// NewService creates a storage service on the given database
func NewService(mongo *gomongo.Mongo, dbName string, logger *golog.Logger) *Service {
	return &Service{
		mongo:         mongo,
		conversations: mongo.Coll(dbName, constants.CollConversations),
		messages:      mongo.Coll(dbName, constants.CollMessages),
		links:         mongo.Coll(dbName, constants.CollRelayLinks),
		activity:      mongo.Coll(dbName, constants.CollActivity),
		logger:        logger.WithGroup("storage"),
	}
}

func observe(operation string) func() {
	start := time.Now()
	return func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": operation}).Observe(time.Since(start).Seconds())
	}
}

// upstream wraps a driver failure so callers see UpstreamUnavailable
func upstream(operation string, err error) error {
	return chaterrors.ErrUpstreamUnavailable(fmt.Errorf("failed to %s: %w", operation, err))
}

// isRetryableError reports whether err looks like a transient network or
// server selection failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	errStr := err.Error()
	return containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// EnsureIndexes creates the indexes every query here relies on
func (s *Service) EnsureIndexes(ctx context.Context) error {
	sets := []struct {
		coll    *gomongo.MongoCollection
		indexes []mongo.IndexModel
	}{
		{s.conversations, []mongo.IndexModel{{
			Keys: bson.D{
				{Key: constants.MongoFieldStatus, Value: 1},
				{Key: constants.MongoFieldLastActivity, Value: -1},
			},
			Options: options.Index().SetName(constants.IndexConvStatusActivity),
		}}},
		{s.messages, []mongo.IndexModel{
			{
				Keys: bson.D{
					{Key: constants.MongoFieldConversationID, Value: 1},
					{Key: constants.MongoFieldCreatedAt, Value: 1},
					{Key: constants.MongoFieldID, Value: 1},
				},
				Options: options.Index().SetName(constants.IndexMsgConvCreated),
			},
			{
				Keys:    bson.D{{Key: constants.MongoFieldDate, Value: 1}},
				Options: options.Index().SetName(constants.IndexMsgDate),
			},
		}},
		{s.links, []mongo.IndexModel{
			{
				Keys: bson.D{
					{Key: constants.MongoFieldConversationID, Value: 1},
					{Key: constants.MongoFieldCreatedAt, Value: -1},
				},
				Options: options.Index().SetName(constants.IndexLinkConvCreated),
			},
			{
				Keys: bson.D{
					{Key: constants.MongoFieldChatID, Value: 1},
					{Key: constants.MongoFieldRelayMessageID, Value: 1},
				},
				Options: options.Index().SetName(constants.IndexLinkChatMessage).SetUnique(true),
			},
		}},
		{s.activity, []mongo.IndexModel{{
			Keys: bson.D{
				{Key: constants.MongoFieldSessionID, Value: 1},
				{Key: constants.MongoFieldCreatedAt, Value: -1},
			},
			Options: options.Index().SetName(constants.IndexActivitySession),
		}}},
	}

	for _, set := range sets {
		if _, err := set.coll.CreateIndexes(ctx, set.indexes); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	s.logger.Info("MongoDB indexes created successfully",
		"indexes", []string{
			constants.IndexConvStatusActivity, constants.IndexMsgConvCreated, constants.IndexMsgDate,
			constants.IndexLinkConvCreated, constants.IndexLinkChatMessage, constants.IndexActivitySession,
		})
	return nil
}

// Ping checks connectivity for readiness probes
func (s *Service) Ping(ctx context.Context) error {
	return s.conversations.Ping(ctx)
}

// CreateConversation stores a new active conversation
func (s *Service) CreateConversation(ctx context.Context, id, visitorName, clientIP, userAgent string) error {
	if id == "" {
		return ErrInvalidConversationID
	}
	defer observe("create_conversation")()

	now := time.Now().UTC()
	doc := &ConversationDocument{
		ID:           id,
		VisitorName:  visitorName,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		Status:       constants.ConversationActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	err := s.retryOperation(ctx, "CreateConversation", func() error {
		_, err := s.conversations.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		return upstream("create conversation", err)
	}
	return nil
}

// ActiveConversation returns the visitor name of an active conversation
func (s *Service) ActiveConversation(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", chaterrors.ErrConversationNotFound(id)
	}
	defer observe("active_conversation")()

	filter := bson.M{constants.MongoFieldID: id, constants.MongoFieldStatus: constants.ConversationActive}
	var doc ConversationDocument
	err := s.retryOperation(ctx, "ActiveConversation", func() error {
		return s.conversations.FindOne(ctx, filter).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", chaterrors.ErrConversationNotFound(id)
		}
		return "", upstream("get conversation", err)
	}
	return doc.VisitorName, nil
}

// SaveMessage appends msg to its conversation. A missing or deleted
// conversation yields NotFound and nothing is written.
func (s *Service) SaveMessage(ctx context.Context, msg *message.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return ErrInvalidMessage
	}
	defer observe("save_message")()

	// Touch the conversation first so a deleted conversation gains no messages
	filter := bson.M{constants.MongoFieldID: msg.ConversationID, constants.MongoFieldStatus: constants.ConversationActive}
	update := bson.M{
		"$set": bson.M{constants.MongoFieldLastActivity: msg.CreatedAt.UTC()},
		"$inc": bson.M{constants.MongoFieldMessageCount: 1},
	}

	var result *mongo.UpdateResult
	err := s.retryOperation(ctx, "TouchConversation", func() error {
		var err error
		result, err = s.conversations.UpdateOne(ctx, filter, update)
		return err
	})
	if err != nil {
		return upstream("update conversation", err)
	}
	if result.MatchedCount == 0 {
		return chaterrors.ErrConversationNotFound(msg.ConversationID)
	}
	if s.afterTouch != nil {
		s.afterTouch(msg.ConversationID)
	}

	doc := messageToDocument(msg)
	err = s.retryOperation(ctx, "SaveMessage", func() error {
		_, err := s.messages.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		return upstream("save message", err)
	}

	// A delete that landed between the update and the insert has already
	// swept the conversation's messages, so remove this one ourselves.
	if _, err := s.ActiveConversation(ctx, msg.ConversationID); err != nil {
		if !chaterrors.Is(err, chaterrors.CategoryNotFound) {
			s.logger.Warn("Could not confirm conversation after saving message",
				"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
			return nil
		}
		if _, derr := s.messages.DeleteOne(ctx, bson.M{constants.MongoFieldID: msg.ID}); derr != nil {
			s.logger.Warn("Failed to remove message of deleted conversation",
				"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", derr)
		}
		return err
	}
	return nil
}

func messageToDocument(msg *message.Message) *MessageDocument {
	created := msg.CreatedAt.UTC()
	return &MessageDocument{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         string(msg.Sender),
		Content:        msg.Content,
		CreatedAt:      created,
		Date:           int(gohelper.TimeToDateInt(created)),
		Via:            msg.Via,
		ReadAt:         msg.ReadAt,
		Attachment:     msg.Attachment,
	}
}

func documentToMessage(doc *MessageDocument) message.Message {
	return message.Message{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		Sender:         message.SenderType(doc.Sender),
		Content:        doc.Content,
		CreatedAt:      doc.CreatedAt,
		Via:            doc.Via,
		ReadAt:         doc.ReadAt,
		Attachment:     doc.Attachment,
	}
}

func (s *Service) findMessages(ctx context.Context, operation string, filter bson.M, opts gomongo.QueryOptions) ([]message.Message, error) {
	var out []message.Message
	err := s.retryOperation(ctx, operation, func() error {
		cursor, err := s.messages.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		out = make([]message.Message, 0)
		for cursor.Next(ctx) {
			var doc MessageDocument
			if err := cursor.Decode(&doc); err != nil {
				return fmt.Errorf("failed to decode message document: %w", err)
			}
			out = append(out, documentToMessage(&doc))
		}
		return cursor.Err()
	})
	return out, err
}

// RecentMessages returns the last limit messages of a conversation in
// chronological order.
func (s *Service) RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	defer observe("recent_messages")()

	msgs, err := s.findMessages(ctx, "RecentMessages",
		bson.M{constants.MongoFieldConversationID: conversationID},
		gomongo.QueryOptions{
			Sort: bson.D{
				{Key: constants.MongoFieldCreatedAt, Value: -1},
				{Key: constants.MongoFieldID, Value: -1},
			},
			Limit: int64(limit),
		})
	if err != nil {
		return nil, upstream("list recent messages", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// EncodeCursor builds the opaque pagination cursor for a message
func EncodeCursor(m message.Message) string {
	return strconv.FormatInt(m.CreatedAt.UTC().UnixMilli(), 10) + ":" + m.ID
}

// DecodeCursor parses a cursor produced by EncodeCursor
func DecodeCursor(cursor string) (time.Time, string, bool) {
	ms, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(n).UTC(), id, true
}

// ListMessages pages forward through a conversation oldest first. An
// unparseable cursor starts from the beginning.
func (s *Service) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*message.MessagePage, error) {
	if _, err := s.ActiveConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = constants.DefaultPageLimit
	}
	if limit > constants.MaxPageLimit {
		limit = constants.MaxPageLimit
	}
	defer observe("list_messages")()

	filter := bson.M{constants.MongoFieldConversationID: conversationID}
	if ts, id, ok := DecodeCursor(cursor); ok {
		filter["$or"] = bson.A{
			bson.M{constants.MongoFieldCreatedAt: bson.M{"$gt": ts}},
			bson.M{constants.MongoFieldCreatedAt: ts, constants.MongoFieldID: bson.M{"$gt": id}},
		}
	}

	msgs, err := s.findMessages(ctx, "ListMessages", filter, gomongo.QueryOptions{
		Sort: bson.D{
			{Key: constants.MongoFieldCreatedAt, Value: 1},
			{Key: constants.MongoFieldID, Value: 1},
		},
		Limit: int64(limit + 1),
	})
	if err != nil {
		return nil, upstream("list messages", err)
	}

	page := &message.MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Messages[limit-1])
	}
	return page, nil
}

// ListConversations returns active conversations, most recently active first
func (s *Service) ListConversations(ctx context.Context, limit, offset int) ([]message.ConversationSummary, error) {
	if limit <= 0 {
		limit = constants.DefaultPageLimit
	}
	if limit > constants.MaxPageLimit {
		limit = constants.MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	defer observe("list_conversations")()

	var out []message.ConversationSummary
	err := s.retryOperation(ctx, "ListConversations", func() error {
		cursor, err := s.conversations.Find(ctx,
			bson.M{constants.MongoFieldStatus: constants.ConversationActive},
			gomongo.QueryOptions{
				Sort:  bson.D{{Key: constants.MongoFieldLastActivity, Value: -1}},
				Limit: int64(limit),
				Skip:  int64(offset),
			})
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		out = make([]message.ConversationSummary, 0)
		for cursor.Next(ctx) {
			var doc ConversationDocument
			if err := cursor.Decode(&doc); err != nil {
				return fmt.Errorf("failed to decode conversation document: %w", err)
			}
			out = append(out, message.ConversationSummary{
				ConversationID: doc.ID,
				VisitorName:    doc.VisitorName,
				Status:         doc.Status,
				CreatedAt:      doc.CreatedAt,
				LastActivityAt: doc.LastActivity,
				MessageCount:   doc.MessageCount,
			})
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, upstream("list conversations", err)
	}
	return out, nil
}

// DeleteConversation marks the conversation deleted and removes its messages
// and relay links. The conversation document stays as a durable tombstone.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	defer observe("delete_conversation")()

	filter := bson.M{constants.MongoFieldID: id, constants.MongoFieldStatus: constants.ConversationActive}
	update := bson.M{"$set": bson.M{
		constants.MongoFieldStatus:       constants.ConversationDeleted,
		constants.MongoFieldLastActivity: time.Now().UTC(),
	}}

	var result *mongo.UpdateResult
	err := s.retryOperation(ctx, "DeleteConversation", func() error {
		var err error
		result, err = s.conversations.UpdateOne(ctx, filter, update)
		return err
	})
	if err != nil {
		return upstream("delete conversation", err)
	}
	if result.MatchedCount == 0 {
		return chaterrors.ErrConversationNotFound(id)
	}

	byConversation := bson.M{constants.MongoFieldConversationID: id}
	if _, err := s.messages.DeleteMany(ctx, byConversation); err != nil {
		s.logger.Warn("Failed to remove messages of deleted conversation", "conversation_id", id, "error", err)
	}
	if _, err := s.links.DeleteMany(ctx, byConversation); err != nil {
		s.logger.Warn("Failed to remove relay links of deleted conversation", "conversation_id", id, "error", err)
	}
	return nil
}

// MarkRead stamps a message as read and returns its conversation id
func (s *Service) MarkRead(ctx context.Context, messageID string, at time.Time) (string, error) {
	defer observe("mark_read")()

	var doc MessageDocument
	err := s.retryOperation(ctx, "MarkRead", func() error {
		return s.messages.FindOneAndUpdate(ctx,
			bson.M{constants.MongoFieldID: messageID},
			bson.M{"$set": bson.M{constants.MongoFieldReadAt: at.UTC()}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", chaterrors.ErrMessageNotFound(messageID)
		}
		return "", upstream("mark message read", err)
	}
	return doc.ConversationID, nil
}

// Search finds messages whose content contains query, case-insensitively,
// newest first. The query is matched literally.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]message.SearchResult, error) {
	if limit <= 0 {
		limit = constants.DefaultSearchLimit
	}
	if limit > constants.MaxPageLimit {
		limit = constants.MaxPageLimit
	}
	defer observe("search_messages")()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			constants.MongoFieldContent: bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: constants.MongoFieldCreatedAt, Value: -1}}}},
		{{Key: "$limit", Value: int64(limit)}},
		{{Key: "$lookup", Value: bson.M{
			"from":         constants.CollConversations,
			"localField":   constants.MongoFieldConversationID,
			"foreignField": constants.MongoFieldID,
			"as":           "conv",
		}}},
		{{Key: "$unwind", Value: "$conv"}},
		{{Key: "$match", Value: bson.M{"conv." + constants.MongoFieldStatus: constants.ConversationActive}}},
	}

	var out []message.SearchResult
	err := s.retryOperation(ctx, "Search", func() error {
		cursor, err := s.messages.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		out = make([]message.SearchResult, 0)
		for cursor.Next(ctx) {
			var row struct {
				MessageDocument `bson:",inline"`
				Conv            ConversationDocument `bson:"conv"`
			}
			if err := cursor.Decode(&row); err != nil {
				return fmt.Errorf("failed to decode search result: %w", err)
			}
			out = append(out, message.SearchResult{
				MessageID:      row.ID,
				ConversationID: row.ConversationID,
				VisitorName:    row.Conv.VisitorName,
				Sender:         message.SenderType(row.Sender),
				Content:        row.Content,
				CreatedAt:      row.CreatedAt,
			})
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, upstream("search messages", err)
	}
	return out, nil
}

func (s *Service) count(ctx context.Context, coll *gomongo.MongoCollection, filter bson.M) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$count", Value: "n"}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result struct {
		N int64 `bson:"n"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("failed to decode count: %w", err)
		}
	}
	return result.N, cursor.Err()
}

// Statistics computes dashboard totals. Live connection counts are filled in
// by the caller.
func (s *Service) Statistics(ctx context.Context, now time.Time) (*message.Statistics, error) {
	defer observe("statistics")()

	stats := &message.Statistics{}
	queries := []struct {
		coll   *gomongo.MongoCollection
		filter bson.M
		dst    *int64
	}{
		{s.conversations, bson.M{}, &stats.TotalConversations},
		{s.conversations, bson.M{constants.MongoFieldStatus: constants.ConversationActive}, &stats.OpenConversations},
		{s.messages, bson.M{}, &stats.TotalMessages},
		{s.messages, bson.M{constants.MongoFieldDate: int(gohelper.TimeToDateInt(now.UTC()))}, &stats.MessagesToday},
	}

	for _, q := range queries {
		n, err := s.count(ctx, q.coll, q.filter)
		if err != nil {
			return nil, upstream("compute statistics", err)
		}
		*q.dst = n
	}
	return stats, nil
}

// SaveLink records that a relay notification belongs to a conversation
func (s *Service) SaveLink(ctx context.Context, conversationID string, chatID, relayMessageID int64) error {
	defer observe("save_link")()

	doc := &LinkDocument{
		ConversationID: conversationID,
		ChatID:         chatID,
		RelayMessageID: relayMessageID,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.retryOperation(ctx, "SaveLink", func() error {
		_, err := s.links.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		return upstream("save relay link", err)
	}
	return nil
}

// LatestLink returns the most recent relay message id for a conversation
func (s *Service) LatestLink(ctx context.Context, conversationID string) (int64, bool, error) {
	defer observe("latest_link")()

	var doc LinkDocument
	err := s.retryOperation(ctx, "LatestLink", func() error {
		cursor, err := s.links.Find(ctx,
			bson.M{constants.MongoFieldConversationID: conversationID},
			gomongo.QueryOptions{
				Sort:  bson.D{{Key: constants.MongoFieldCreatedAt, Value: -1}},
				Limit: 1,
			})
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		if !cursor.Next(ctx) {
			if err := cursor.Err(); err != nil {
				return err
			}
			return mongo.ErrNoDocuments
		}
		return cursor.Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, upstream("find latest relay link", err)
	}
	return doc.RelayMessageID, true, nil
}

// FindLink resolves a relay reply back to its conversation
func (s *Service) FindLink(ctx context.Context, chatID, relayMessageID int64) (string, bool, error) {
	defer observe("find_link")()

	var doc LinkDocument
	err := s.retryOperation(ctx, "FindLink", func() error {
		return s.links.FindOne(ctx, bson.M{
			constants.MongoFieldChatID:         chatID,
			constants.MongoFieldRelayMessageID: relayMessageID,
		}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, upstream("find relay link", err)
	}
	return doc.ConversationID, true, nil
}

// LogActivity appends an admin audit entry
func (s *Service) LogActivity(ctx context.Context, sessionID, action, conversationID string, meta map[string]string) error {
	defer observe("log_activity")()

	doc := &ActivityDocument{
		SessionID:      sessionID,
		Action:         action,
		ConversationID: conversationID,
		Meta:           meta,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.activity.InsertOne(ctx, doc); err != nil {
		return upstream("log admin activity", err)
	}
	return nil
}

// retryOperation executes an operation with retry logic for transient errors
// using exponential backoff.
func (s *Service) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
