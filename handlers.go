package supportdesk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/delivery"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/httperrors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/notification"
	"github.com/real-rm/supportdesk/internal/ratelimit"
	"github.com/real-rm/supportdesk/internal/util"
)

// telegramSessionID attributes Telegram replies in the activity log
const telegramSessionID = "telegram"

type joinRequest struct {
	DisplayName string `json:"display_name"`
}

type sendRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Content        string `json:"content"`
}

type adminSendRequest struct {
	ConversationID string              `json:"conversation_id" binding:"required"`
	Content        string              `json:"content"`
	Attachment     *message.Attachment `json:"attachment,omitempty"`
}

type loginRequest struct {
	Code string `json:"code" binding:"required"`
}

// requestContext bounds a handler's store work by the request lifetime and a timeout
func requestContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

// bindJSON decodes the body. Oversized bodies and malformed JSON are answered here.
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, httperrors.ErrorResponse{
				Error: constants.ErrMsgRequestTooLarge,
				Code:  string(chaterrors.ErrCodeMessageTooLarge),
			})
			return false
		}
		httperrors.RespondError(c, chaterrors.ErrInvalidJSON(err))
		return false
	}
	return true
}

// queryInt reads an optional non-negative integer query parameter
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httperrors.RespondBadRequest(c, "invalid "+key)
		return 0, false
	}
	return n, true
}

// handleVisitorSocket upgrades a visitor connection
func (s *Service) handleVisitorSocket(c *gin.Context) {
	s.ws.ServeVisitor(c.Writer, c.Request, c.ClientIP())
}

// handleAdminSocket upgrades an admin connection. A token passed as a query
// parameter is moved to the Authorization header and dropped from the URL so
// it never reaches access logs.
func (s *Service) handleAdminSocket(c *gin.Context) {
	if token := c.Query("token"); token != "" {
		if c.Request.Header.Get(constants.HeaderAuthorization) == "" {
			c.Request.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
		}
		q := c.Request.URL.Query()
		q.Del("token")
		c.Request.URL.RawQuery = q.Encode()
	}
	s.ws.ServeAdmin(c.Writer, c.Request, c.ClientIP())
}

func (s *Service) handleVisitorJoin(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	conversationID, name, err := s.coord.PollJoin(ctx, req.DisplayName, delivery.VisitorMeta{
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"conversation_id": conversationID,
		"display_name":    name,
	})
}

func (s *Service) handleVisitorSend(c *gin.Context) {
	var req sendRequest
	if !bindJSON(c, &req) {
		return
	}

	key := ratelimit.VisitorKey(c.ClientIP(), req.ConversationID)
	if !s.governor.VisitorMessages.Allow(key) {
		respondRateLimited(c, s.governor.VisitorMessages.RetryAfter(key))
		return
	}

	ctx, cancel := requestContext(c, constants.MessageSaveTimeout)
	defer cancel()

	msg, err := s.coord.PollSend(ctx, req.ConversationID, req.Content)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Service) handleVisitorMessages(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	page, err := s.coord.PollFetch(ctx, c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// handleChallenge mints a login code and relays it to the operator channel.
// The code itself is never part of the response.
func (s *Service) handleChallenge(c *gin.Context) {
	ip := c.ClientIP()
	if !s.governor.OTPVerify.Allow("challenge:" + ip) {
		respondRateLimited(c, s.governor.OTPVerify.RetryAfter("challenge:"+ip))
		return
	}
	if s.relay == nil {
		s.logger.Warn("Login code requested but no operator relay is configured", "client_ip", ip)
		httperrors.RespondError(c, chaterrors.ErrUpstreamUnavailable(errors.New("no operator relay")))
		return
	}

	code, expiresAt, err := s.authority.IssueChallenge()
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}

	ctx, cancel := requestContext(c, constants.RelayTimeout)
	defer cancel()
	if err := s.relay.LoginCode(ctx, code, s.cfg.Auth.CodeTTL); err != nil {
		util.LogError(s.logger, "auth", "relay login code", err, "client_ip", ip)
		httperrors.RespondError(c, chaterrors.ErrUpstreamUnavailable(err))
		return
	}

	s.logger.Info("Login code issued", "client_ip", ip, "expires_at", expiresAt)
	c.JSON(http.StatusAccepted, gin.H{"expires_at": expiresAt})
}

func (s *Service) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	ip := c.ClientIP()
	if !s.governor.OTPVerify.Allow(ip) {
		s.logger.Warn("Login attempts rate limited", "client_ip", ip)
		respondRateLimited(c, s.governor.OTPVerify.RetryAfter(ip))
		return
	}

	cred, err := s.authority.Verify(req.Code, ip, c.Request.UserAgent())
	if err != nil {
		s.logger.Warn("Admin login failed", "client_ip", ip, "error", err)
		httperrors.RespondError(c, err)
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()
	if err := s.store.LogActivity(ctx, cred.SessionID, constants.ActionLogin, "", map[string]string{
		"client_ip": ip,
	}); err != nil {
		util.LogError(s.logger, "auth", "log activity", err, "action", constants.ActionLogin)
	}

	c.JSON(http.StatusOK, cred)
}

func (s *Service) handleLogout(c *gin.Context) {
	info := sessionFrom(c)
	if err := s.authority.Revoke(c.GetString(ctxKeyToken)); err != nil {
		httperrors.RespondError(c, err)
		return
	}
	if w, ok := c.Writer.(*rotationWriter); ok {
		w.withhold()
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()
	if err := s.store.LogActivity(ctx, info.ID, constants.ActionLogout, "", nil); err != nil {
		util.LogError(s.logger, "auth", "log activity", err, "action", constants.ActionLogout)
	}

	c.Status(http.StatusNoContent)
}

func (s *Service) handleListConversations(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	rows, err := s.coord.ListConversations(ctx, limit, offset)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": rows})
}

func (s *Service) handleAdminMessages(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	page, err := s.coord.FetchMessages(ctx, c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Service) handleAdminSend(c *gin.Context) {
	var req adminSendRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, constants.MessageSaveTimeout)
	defer cancel()

	msg, err := s.coord.SendAdminMessage(ctx, delivery.AdminMessageInput{
		SessionID:      sessionFrom(c).ID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Via:            constants.ViaHTTP,
		Attachment:     req.Attachment,
	})
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Service) handleDeleteConversation(c *gin.Context) {
	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	if err := s.coord.DeleteConversation(ctx, sessionFrom(c).ID, c.Param("id")); err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleMarkRead(c *gin.Context) {
	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	conversationID, err := s.coord.MarkRead(ctx, sessionFrom(c).ID, c.Param("id"))
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message_id":      c.Param("id"),
		"conversation_id": conversationID,
	})
}

func (s *Service) handleSearch(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	results, err := s.coord.Search(ctx, c.Query("q"), limit)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Service) handleStatistics(c *gin.Context) {
	ctx, cancel := requestContext(c, constants.DefaultContextTimeout)
	defer cancel()

	stats, err := s.coord.Statistics(ctx)
	if err != nil {
		httperrors.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleTelegramWebhook turns operator replies in the Telegram chat into
// admin messages. Updates that are not replies are acknowledged and dropped;
// only upstream failures are reported so Telegram redelivers them.
func (s *Service) handleTelegramWebhook(c *gin.Context) {
	if err := s.guard.Check(c.GetHeader(constants.HeaderTelegramSecret), c.ClientIP()); err != nil {
		s.logger.Warn("Telegram webhook rejected", "client_ip", c.ClientIP(), "error", err)
		if errors.Is(err, notification.ErrBadSecret) {
			httperrors.RespondUnauthorized(c, "")
			return
		}
		httperrors.RespondForbidden(c)
		return
	}

	var upd notification.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		s.logger.Warn("Malformed Telegram update", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "handled": false})
		return
	}

	ctx, cancel := requestContext(c, constants.MessageSaveTimeout)
	defer cancel()

	conversationID, text, ok, err := s.replies.ResolveReply(ctx, &upd)
	if err != nil {
		util.LogError(s.logger, "telegram", "resolve reply", err)
		httperrors.RespondError(c, chaterrors.ErrUpstreamUnavailable(err))
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ok": true, "handled": false})
		return
	}

	if _, err := s.coord.AdminMessage(ctx, telegramSessionID, conversationID, text, constants.ViaTelegram); err != nil {
		if chaterrors.Is(err, chaterrors.CategoryUpstream) {
			httperrors.RespondError(c, err)
			return
		}
		s.logger.Warn("Telegram reply dropped", "conversation_id", conversationID, "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "handled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "handled": true})
}

// handleHealthCheck is the liveness probe. If we can respond, we're alive.
func handleHealthCheck(c *gin.Context) {
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe. It pings the store and reports
// live connection counts.
func (s *Service) handleReadyCheck(c *gin.Context) {
	checks := make(map[string]interface{})
	allReady := true

	ctx, cancel := requestContext(c, constants.HealthCheckTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("MongoDB health check failed", "error", err, "component", "health")
		checks["mongodb"] = map[string]interface{}{
			"status": "not ready",
			"reason": "Database connectivity check failed",
		}
		allReady = false
	} else {
		checks["mongodb"] = map[string]interface{}{"status": "ready"}
	}

	stats := s.registry.Stats()
	checks["connections"] = map[string]interface{}{
		"status":   "ready",
		"visitors": stats.Visitors,
		"admins":   stats.Admins,
	}

	status := "ready"
	statusCode := constants.StatusOK
	if !allReady {
		status = "not ready"
		statusCode = constants.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
