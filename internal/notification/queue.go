package notification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/util"
)

// Event types published to the exchange
const (
	EventConversationOpened = "support.conversation.opened.v1"
	EventVisitorMessage     = "support.message.visitor.v1"
	EventAdminLoginCode     = "support.admin.login_code.v1"
)

const producerName = "supportdesk"

// EventMeta identifies one published event
type EventMeta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer"`
}

// Envelope wraps every event body
type Envelope struct {
	Meta EventMeta `json:"meta"`
	Data any       `json:"data"`
}

// ConversationOpened is the body of EventConversationOpened
type ConversationOpened struct {
	ConversationID string `json:"conversation_id"`
	VisitorName    string `json:"visitor_name"`
}

// VisitorMessageEvent is the body of EventVisitorMessage
type VisitorMessageEvent struct {
	ConversationID string `json:"conversation_id"`
	VisitorName    string `json:"visitor_name"`
	Content        string `json:"content"`
}

// LoginCodeEvent is the body of EventAdminLoginCode
type LoginCodeEvent struct {
	Code       string `json:"code"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// NewEnvelope stamps data with a fresh event id
func NewEnvelope(eventType, correlationID string, data any, now time.Time) Envelope {
	return Envelope{
		Meta: EventMeta{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Type:          eventType,
			Time:          now.UTC(),
			Producer:      producerName,
		},
		Data: data,
	}
}

// QueueConfig configures the AMQP relay
type QueueConfig struct {
	URL         string
	Exchange    string
	DialRetries int
}

type publishFunc func(ctx context.Context, key string, env Envelope) error

// QueueRelay publishes operator notices to a topic exchange for an external
// relay worker. Routing keys equal the event type.
type QueueRelay struct {
	conn     *amqp.Connection
	exchange string
	publish  publishFunc
	logger   *golog.Logger
}

// DialWithRetry connects to the broker with exponential backoff
func DialWithRetry(ctx context.Context, url string, attempts int, logger *golog.Logger) (*amqp.Connection, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(i))) * time.Second
		logger.Warn("AMQP dial failed, retrying", "attempt", i+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to AMQP broker after %d attempts: %w", attempts, lastErr)
}

// NewQueueRelay dials the broker and declares the exchange
func NewQueueRelay(ctx context.Context, cfg QueueConfig, logger *golog.Logger) (*QueueRelay, error) {
	if cfg.URL == "" || cfg.Exchange == "" {
		return nil, errors.New("amqp url and exchange are required")
	}
	logger = logger.WithGroup("queue")

	conn, err := DialWithRetry(ctx, cfg.URL, cfg.DialRetries, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	q := &QueueRelay{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger,
	}
	q.publish = q.publishAMQP
	return q, nil
}

func (q *QueueRelay) publishAMQP(ctx context.Context, key string, env Envelope) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := util.EncodeOutbound("relay envelope", env)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, q.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

func (q *QueueRelay) emit(ctx context.Context, eventType, correlationID string, data any) error {
	env := NewEnvelope(eventType, correlationID, data, time.Now())
	if err := q.publish(ctx, eventType, env); err != nil {
		metrics.RelayNotifications.WithLabelValues("amqp", "failed").Inc()
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	metrics.RelayNotifications.WithLabelValues("amqp", "sent").Inc()
	q.logger.Debug("Published event", "type", eventType, "id", env.Meta.ID)
	return nil
}

func (q *QueueRelay) NewConversation(ctx context.Context, conversationID, visitorName string) error {
	return q.emit(ctx, EventConversationOpened, conversationID, ConversationOpened{
		ConversationID: conversationID,
		VisitorName:    visitorName,
	})
}

func (q *QueueRelay) VisitorMessage(ctx context.Context, conversationID, visitorName, content string) error {
	return q.emit(ctx, EventVisitorMessage, conversationID, VisitorMessageEvent{
		ConversationID: conversationID,
		VisitorName:    visitorName,
		Content:        content,
	})
}

func (q *QueueRelay) LoginCode(ctx context.Context, code string, ttl time.Duration) error {
	return q.emit(ctx, EventAdminLoginCode, "", LoginCodeEvent{
		Code:       code,
		TTLSeconds: int(ttl.Seconds()),
	})
}

// Close closes the broker connection
func (q *QueueRelay) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}
