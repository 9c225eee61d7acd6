package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/util"
)

var (
	// ErrBadSecret is returned when a webhook call carries the wrong secret header
	ErrBadSecret = errors.New("webhook secret mismatch")
	// ErrUntrustedSource is returned when a webhook call comes from outside the bot API ranges
	ErrUntrustedSource = errors.New("webhook source address not allowed")
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures the bot relay
type TelegramConfig struct {
	Token          string
	ChatID         int64
	APIBase        string // defaults to the public bot API
	Language       string
	Retries        int
	InitialBackoff time.Duration
	Timeout        time.Duration
}

// TelegramRelay posts notices to one operator chat and threads visitor
// messages as replies to the conversation's last notice.
type TelegramRelay struct {
	cfg    TelegramConfig
	client *http.Client
	links  LinkStore
	logger *golog.Logger
}

// NewTelegramRelay creates a relay. links may be nil, which disables threading.
func NewTelegramRelay(cfg TelegramConfig, links LinkStore, logger *golog.Logger) (*TelegramRelay, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegramAPI
	}
	if cfg.Language == "" {
		cfg.Language = constants.DefaultLanguage
	}
	if cfg.Retries <= 0 {
		cfg.Retries = constants.MaxRetryAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = constants.RelayInitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.RelayTimeout
	}

	return &TelegramRelay{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		links:  links,
		logger: logger.WithGroup("telegram"),
	}, nil
}

type sendMessageRequest struct {
	ChatID                   int64  `json:"chat_id"`
	Text                     string `json:"text"`
	ReplyToMessageID         int64  `json:"reply_to_message_id,omitempty"`
	AllowSendingWithoutReply bool   `json:"allow_sending_without_reply,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// apiError is a non-2xx reply from the bot API
type apiError struct {
	status      int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram api returned %d: %s", e.status, e.description)
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status == http.StatusTooManyRequests || apiErr.status >= 500
	}
	return true
}

// send posts text to the operator chat with retry, returning the bot's message id
func (t *TelegramRelay) send(ctx context.Context, text string, replyTo int64) (int64, error) {
	req := sendMessageRequest{
		ChatID: t.cfg.ChatID,
		Text:   Truncate(text, constants.TelegramMaxMessageLength),
	}
	if replyTo != 0 {
		req.ReplyToMessageID = replyTo
		req.AllowSendingWithoutReply = true
	}

	body, err := util.EncodeOutbound("telegram sendMessage", req)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < t.cfg.Retries; attempt++ {
		id, err := t.post(ctx, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retryable(err) || attempt == t.cfg.Retries-1 {
			break
		}

		// exponential backoff with up to one base interval of jitter
		backoff := t.cfg.InitialBackoff*time.Duration(1<<attempt) +
			time.Duration(rand.Float64()*float64(t.cfg.InitialBackoff))
		t.logger.Warn("Telegram API error, retrying",
			"attempt", attempt+1,
			"max_attempts", t.cfg.Retries,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("telegram send cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return 0, fmt.Errorf("failed to send telegram message after %d attempts: %w", t.cfg.Retries, lastErr)
}

func (t *TelegramRelay) post(ctx context.Context, body []byte) (int64, error) {
	url := t.cfg.APIBase + "/bot" + t.cfg.Token + "/sendMessage"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, err
	}

	var out sendMessageResponse
	decodeErr := util.DecodeInbound("telegram response", raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		desc := out.Description
		if desc == "" && decodeErr != nil {
			desc = decodeErr.Error()
		}
		return 0, &apiError{status: resp.StatusCode, description: desc}
	}
	return out.Result.MessageID, nil
}

func (t *TelegramRelay) record(ctx context.Context, conversationID string, messageID int64) {
	if t.links == nil {
		return
	}
	if err := t.links.SaveLink(ctx, conversationID, t.cfg.ChatID, messageID); err != nil {
		util.LogError(t.logger, "telegram", "save relay link", err, "conversation_id", conversationID)
	}
}

// NewConversation posts a new visitor notice and records it for reply threading
func (t *TelegramRelay) NewConversation(ctx context.Context, conversationID, visitorName string) error {
	text := Render(t.cfg.Language, KeyNewVisitor, map[string]string{
		"name":    visitorName,
		"conv_id": conversationID,
	})
	id, err := t.send(ctx, text, 0)
	if err != nil {
		metrics.RelayNotifications.WithLabelValues("telegram", "failed").Inc()
		return err
	}
	metrics.RelayNotifications.WithLabelValues("telegram", "sent").Inc()
	t.record(ctx, conversationID, id)
	return nil
}

// VisitorMessage forwards a message as a reply to the conversation's latest notice
func (t *TelegramRelay) VisitorMessage(ctx context.Context, conversationID, visitorName, content string) error {
	text := Render(t.cfg.Language, KeyVisitorMessage, map[string]string{
		"name":    visitorName,
		"content": content,
		"conv_id": conversationID,
	})

	var replyTo int64
	if t.links != nil {
		latest, found, err := t.links.LatestLink(ctx, conversationID)
		if err != nil {
			t.logger.Warn("Relay link lookup failed, sending unthreaded", "conversation_id", conversationID, "error", err)
		} else if found {
			replyTo = latest
		}
	}

	id, err := t.send(ctx, text, replyTo)
	if err != nil {
		metrics.RelayNotifications.WithLabelValues("telegram", "failed").Inc()
		return err
	}
	metrics.RelayNotifications.WithLabelValues("telegram", "sent").Inc()
	t.record(ctx, conversationID, id)
	return nil
}

// LoginCode sends the admin login code to the operator chat
func (t *TelegramRelay) LoginCode(ctx context.Context, code string, ttl time.Duration) error {
	text := Render(t.cfg.Language, KeyLoginCode, map[string]string{
		"code": code,
		"ttl":  strconv.Itoa(int(ttl.Minutes())),
	})
	if _, err := t.send(ctx, text, 0); err != nil {
		metrics.RelayNotifications.WithLabelValues("telegram", "failed").Inc()
		return err
	}
	metrics.RelayNotifications.WithLabelValues("telegram", "sent").Inc()
	return nil
}

// Update is the subset of a bot API update the webhook consumes
type Update struct {
	Message       *TelegramMessage `json:"message"`
	EditedMessage *TelegramMessage `json:"edited_message"`
}

// TelegramMessage is the subset of a bot API message the webhook consumes
type TelegramMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text           string           `json:"text"`
	ReplyToMessage *TelegramMessage `json:"reply_to_message"`
}

// ResolveReply maps an operator reply back to its conversation. ok is false
// for updates that are not text replies to a relayed notice.
func (t *TelegramRelay) ResolveReply(ctx context.Context, upd *Update) (conversationID, text string, ok bool, err error) {
	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil || msg.ReplyToMessage == nil {
		return "", "", false, nil
	}
	text = strings.TrimSpace(msg.Text)
	if text == "" || t.links == nil {
		return "", "", false, nil
	}

	conversationID, found, err := t.links.FindLink(ctx, msg.Chat.ID, msg.ReplyToMessage.MessageID)
	if err != nil || !found {
		return "", "", false, err
	}
	return conversationID, text, true, nil
}

// WebhookGuard authenticates inbound bot API webhook calls
type WebhookGuard struct {
	Secret   string
	Networks []*net.IPNet
}

// Check verifies the secret header and the source address. An empty network
// list accepts any source.
func (g *WebhookGuard) Check(secretHeader, remoteIP string) error {
	if g.Secret == "" || !util.ConstantTimeEqual(secretHeader, g.Secret) {
		return ErrBadSecret
	}
	if len(g.Networks) > 0 && !util.IPInNetworks(remoteIP, g.Networks) {
		return ErrUntrustedSource
	}
	return nil
}
