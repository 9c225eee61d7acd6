// Package websocket upgrades visitor and admin HTTP requests to WebSocket
// connections and translates their frames into coordinator calls.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/delivery"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/ratelimit"
	"github.com/real-rm/supportdesk/internal/registry"
	"github.com/real-rm/supportdesk/internal/util"
)

// upgrader configures the WebSocket upgrade. CheckOrigin is set per handler.
// TLS is terminated by the reverse proxy in front of the service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Coordinator is the subset of delivery.Coordinator the transport drives
type Coordinator interface {
	Join(ctx context.Context, displayName string, conn registry.Conn, meta delivery.VisitorMeta) (string, string, error)
	Resume(ctx context.Context, conversationID string, conn registry.Conn) (*message.History, error)
	Leave(conversationID string, conn registry.Conn)
	VisitorMessage(ctx context.Context, conversationID, content string) (*message.Message, error)
	VisitorTyping(conversationID string)
	AdmitAdmin(ctx context.Context, token, remoteIP string, conn registry.Conn) (*registry.AdminConnection, error)
	ReleaseAdmin(conn registry.Conn)
	AdminMessage(ctx context.Context, sessionID, conversationID, content, via string) (*message.Message, error)
	AdminTyping(conversationID string)
	DeleteConversation(ctx context.Context, sessionID, conversationID string) error
}

// Handler serves the visitor and admin WebSocket endpoints
type Handler struct {
	coord          Coordinator
	governor       *ratelimit.Governor
	logger         *golog.Logger
	maxFrameSize   int64
	joinTimeout    time.Duration
	allowedOrigins map[string]bool
	mu             sync.RWMutex
}

// NewHandler creates a handler. Frames above maxFrameSize bytes are rejected.
func NewHandler(coord Coordinator, governor *ratelimit.Governor, maxFrameSize int64, logger *golog.Logger) *Handler {
	if maxFrameSize <= 0 {
		maxFrameSize = constants.DefaultMaxFrameSize
	}
	return &Handler{
		coord:          coord,
		governor:       governor,
		logger:         logger.WithGroup("websocket"),
		maxFrameSize:   maxFrameSize,
		joinTimeout:    constants.JoinFrameTimeout,
		allowedOrigins: make(map[string]bool),
	}
}

// SetAllowedOrigins restricts upgrades to the given origins. An empty list
// accepts every origin.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}
	h.logger.Info("Configured allowed origins", "count", len(origins), "origins", origins)
}

// SetJoinTimeout changes how long a visitor may wait before its first frame
func (h *Handler) SetJoinTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinTimeout = d
}

func (h *Handler) currentJoinTimeout() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.joinTimeout
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn("Origin not allowed", "origin", origin)
	return false
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, clientIP string) (*Connection, error) {
	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	ws, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	// gorilla drops the connection past the read limit; leave headroom so
	// moderately oversized frames get a proper error frame first
	ws.SetReadLimit(h.maxFrameSize * 2)

	c := newConnection(ws, clientIP)
	util.SafeGo(h.logger, "writePump", func() { c.writePump(h.logger) })
	return c, nil
}

// sendError writes an error frame for err on c
func (h *Handler) sendError(c *Connection, err error) {
	ce := chaterrors.AsChatError(err)
	if sendErr := c.Send(message.MustEncode(ce.ToErrorEvent())); sendErr != nil {
		h.logger.Debug("Error frame not delivered", "conn_id", c.ID(), "code", ce.Code, "error", sendErr)
	}
}

// closeFor picks the close code for a rejected connection
func closeFor(err error) (int, string) {
	switch chaterrors.CategoryOf(err) {
	case chaterrors.CategoryCapacity:
		return constants.CloseTryAgainLater, "capacity exceeded"
	case chaterrors.CategoryAuth:
		return constants.ClosePolicyViolation, "unauthorized"
	case chaterrors.CategoryForbidden:
		return constants.ClosePolicyViolation, "forbidden"
	default:
		return constants.CloseInternalError, "service unavailable"
	}
}

// readFrame reads one text frame, enforcing the frame size limit
func (h *Handler) readFrame(c *Connection) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := message.CheckFrameSize(data, int(h.maxFrameSize)); err != nil {
		return data, err
	}
	return data, nil
}

func (h *Handler) logReadError(err error, kv ...interface{}) {
	if errors.Is(err, websocket.ErrReadLimit) {
		h.logger.Warn("WebSocket frame size limit exceeded", append(kv, "limit", h.maxFrameSize)...)
	} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		util.LogError(h.logger, "websocket", "read frame", err, kv...)
	} else {
		h.logger.Debug("WebSocket connection closing", kv...)
	}
}

func armHeartbeat(c *Connection) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// ServeVisitor upgrades a visitor request. The first frame must be join or
// resume; every later frame is a message or a typing indicator.
func (h *Handler) ServeVisitor(w http.ResponseWriter, r *http.Request, clientIP string) {
	c, err := h.upgrade(w, r, clientIP)
	if err != nil {
		util.LogError(h.logger, "websocket", "upgrade visitor connection", err, "client_ip", clientIP)
		return
	}
	meta := delivery.VisitorMeta{ClientIP: clientIP, UserAgent: r.UserAgent()}
	util.SafeGo(h.logger, "visitorReadPump", func() { h.visitorReadPump(c, meta) })
}

// bindVisitor reads frames until the connection is bound to a conversation.
// A failed resume leaves the connection open for another attempt.
func (h *Handler) bindVisitor(c *Connection, meta delivery.VisitorMeta) (string, bool) {
	c.conn.SetReadDeadline(time.Now().Add(h.currentJoinTimeout()))

	for {
		data, err := h.readFrame(c)
		if err != nil && data == nil {
			h.logReadError(err, "conn_id", c.ID(), "stage", "bind")
			c.Close(constants.ClosePolicyViolation, "join or resume required")
			return "", false
		}
		if err != nil {
			h.sendError(c, err)
			continue
		}

		frame, err := message.DecodeClientFrame(data)
		if err != nil {
			metrics.MessageErrors.Inc()
			h.sendError(c, err)
			continue
		}

		ctx, cancel := util.NewDefaultTimeoutContext()
		switch f := frame.(type) {
		case message.JoinFrame:
			conversationID, _, err := h.coord.Join(ctx, f.DisplayName, c, meta)
			cancel()
			if err != nil {
				h.sendError(c, err)
				c.Close(closeFor(err))
				return "", false
			}
			return conversationID, true

		case message.ResumeFrame:
			_, err := h.coord.Resume(ctx, f.ConversationID, c)
			cancel()
			if err == nil {
				return f.ConversationID, true
			}
			h.sendError(c, err)
			if chaterrors.Is(err, chaterrors.CategoryNotFound) {
				continue
			}
			c.Close(closeFor(err))
			return "", false

		default:
			cancel()
			h.sendError(c, chaterrors.ErrInvalidMessage("join or resume required", nil))
			c.Close(constants.ClosePolicyViolation, "join or resume required")
			return "", false
		}
	}
}

func (h *Handler) visitorReadPump(c *Connection, meta delivery.VisitorMeta) {
	conversationID, ok := h.bindVisitor(c, meta)
	if !ok {
		return
	}
	defer func() {
		h.coord.Leave(conversationID, c)
		c.Close(constants.CloseNormal, "")
		h.logger.Info("Visitor disconnected", "conversation_id", conversationID, "conn_id", c.ID())
	}()

	armHeartbeat(c)
	rateKey := ratelimit.VisitorKey(meta.ClientIP, conversationID)

	for {
		data, err := h.readFrame(c)
		if err != nil && data == nil {
			h.logReadError(err, "conversation_id", conversationID, "conn_id", c.ID())
			return
		}
		if err != nil {
			metrics.MessageErrors.Inc()
			h.sendError(c, err)
			continue
		}

		frame, err := message.DecodeClientFrame(data)
		if err != nil {
			metrics.MessageErrors.Inc()
			h.sendError(c, err)
			continue
		}

		switch f := frame.(type) {
		case message.MessageFrame:
			if !h.governor.VisitorMessages.Allow(rateKey) {
				retry := h.governor.VisitorMessages.RetryAfter(rateKey)
				h.sendError(c, chaterrors.ErrRateLimited(int(retry.Milliseconds())))
				continue
			}
			ctx, cancel := util.NewTimeoutContext(constants.MessageSaveTimeout)
			_, err := h.coord.VisitorMessage(ctx, conversationID, f.Content)
			cancel()
			if err != nil {
				h.sendError(c, err)
				if chaterrors.Is(err, chaterrors.CategoryNotFound) {
					return
				}
			}

		case message.TypingFrame:
			h.coord.VisitorTyping(conversationID)

		default:
			h.sendError(c, chaterrors.ErrInvalidMessage("conversation already bound", nil))
		}
	}
}

// adminToken reads the session token from the Authorization header, falling
// back to the token query parameter that browsers need for WebSocket upgrades
func adminToken(r *http.Request) string {
	if token, err := util.ExtractBearerToken(r.Header.Get(constants.HeaderAuthorization)); err == nil {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeAdmin upgrades an admin request, admits it against the session
// authority and the admin ceiling, then serves admin frames.
func (h *Handler) ServeAdmin(w http.ResponseWriter, r *http.Request, clientIP string) {
	token := adminToken(r)

	c, err := h.upgrade(w, r, clientIP)
	if err != nil {
		util.LogError(h.logger, "websocket", "upgrade admin connection", err, "client_ip", clientIP)
		return
	}

	ctx, cancel := util.NewDefaultTimeoutContext()
	admin, err := h.coord.AdmitAdmin(ctx, token, clientIP, c)
	cancel()
	if err != nil {
		h.logger.Warn("Admin connection rejected", "client_ip", clientIP, "error", err)
		h.sendError(c, err)
		c.Close(closeFor(err))
		return
	}

	util.SafeGo(h.logger, "adminReadPump", func() { h.adminReadPump(c, admin.SessionID) })
}

func (h *Handler) adminReadPump(c *Connection, sessionID string) {
	defer func() {
		h.coord.ReleaseAdmin(c)
		c.Close(constants.CloseNormal, "")
		h.logger.Info("Admin disconnected", "session_id", sessionID, "conn_id", c.ID())
	}()

	armHeartbeat(c)

	for {
		data, err := h.readFrame(c)
		if err != nil && data == nil {
			h.logReadError(err, "session_id", sessionID, "conn_id", c.ID())
			return
		}
		if err != nil {
			h.sendError(c, err)
			continue
		}

		if !h.governor.AdminAPI.Allow(sessionID) {
			retry := h.governor.AdminAPI.RetryAfter(sessionID)
			h.sendError(c, chaterrors.ErrRateLimited(int(retry.Milliseconds())))
			continue
		}

		frame, err := message.DecodeAdminFrame(data)
		if err != nil {
			metrics.MessageErrors.Inc()
			h.sendError(c, err)
			continue
		}

		ctx, cancel := util.NewTimeoutContext(constants.MessageSaveTimeout)
		switch f := frame.(type) {
		case message.AdminMessageFrame:
			_, err = h.coord.AdminMessage(ctx, sessionID, f.ConversationID, f.Content, constants.ViaWebSocket)
		case message.AdminTypingFrame:
			h.coord.AdminTyping(f.ConversationID)
		case message.DeleteConversationFrame:
			err = h.coord.DeleteConversation(ctx, sessionID, f.ConversationID)
		}
		cancel()
		if err != nil {
			h.sendError(c, err)
		}
	}
}
