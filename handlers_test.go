package supportdesk

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/supportdesk/internal/config"
	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/testutil"
)

func TestVisitorJoin_DefaultsDisplayName(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/support/api/visitor/join", nil, "")
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["conversation_id"])
	assert.NotEmpty(t, body["display_name"])

	w = env.do(t, http.MethodPost, "/support/api/visitor/join", map[string]string{"display_name": "Ayşe"}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Ayşe", decode(t, w)["display_name"])

	require.NoError(t, env.svc.coord.WaitNotifications(context.Background()))
	kinds := map[string]int{}
	for _, c := range env.relay.Calls() {
		kinds[c.Kind]++
	}
	assert.Equal(t, 2, kinds["new_conversation"])
}

func TestVisitorSendAndFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	cid := env.joinVisitor(t, "Can")

	w := env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         "my order is late",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "visitor", decode(t, w)["sender"])

	w = env.do(t, http.MethodGet, "/support/api/visitor/messages/"+cid, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "my order is late", msgs[0].(map[string]interface{})["content"])
}

func TestVisitorSend_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/support/api/visitor/send", "{not json", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_json", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": uuid.NewString(),
		"content":         "hello",
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "conversation_not_found", decode(t, w)["code"])

	cid := env.joinVisitor(t, "Can")
	w = env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         "   ",
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/support/api/visitor/messages/"+cid+"?limit=lots", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVisitorSend_RateLimited(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.Limits.VisitorBurst = 1
		c.Limits.VisitorRate = 0.01
	})
	cid := env.joinVisitor(t, "Can")
	body := map[string]string{"conversation_id": cid, "content": "hi"}

	w := env.do(t, http.MethodPost, "/support/api/visitor/send", body, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/support/api/visitor/send", body, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, w)["code"])
	assert.Len(t, env.store.Messages(cid), 1)
}

func TestRequestSizeLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.Server.MaxRequestSize = 64 })
	cid := env.joinVisitor(t, "Can")

	w := env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         strings.Repeat("x", 200),
	}, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, env.store.Messages(cid))
}

func TestMessageLengthLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t)
	cid := env.joinVisitor(t, "Can")
	tooLong := strings.Repeat("a", constants.DefaultMaxMessageLength+1)

	w := env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         tooLong,
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "message_too_large", decode(t, w)["code"])

	w = env.admin(t, http.MethodPost, "/support/api/admin/send", map[string]string{
		"conversation_id": cid,
		"content":         tooLong,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "message_too_large", decode(t, w)["code"])
	assert.Empty(t, env.store.Messages(cid))

	w = env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         tooLong[1:],
	}, "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, env.store.Messages(cid), 1)
}

func TestAdminChallenge_NeverReturnsCode(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/support/api/admin/challenge", nil, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	code := env.loginCode(t)
	assert.Len(t, code, constants.OTPCodeLength)
	assert.NotContains(t, w.Body.String(), code)
	assert.Contains(t, decode(t, w), "expires_at")
}

func TestAdminChallenge_RelayFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.relay.Err = errors.New("telegram down")

	w := env.do(t, http.MethodPost, "/support/api/admin/challenge", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_unavailable", decode(t, w)["code"])
}

func TestAdminChallenge_WithoutRelay(t *testing.T) {
	svc, err := NewService(testConfig(), testutil.NewMemoryStore(), nil, nil, testutil.CreateTestLogger(t))
	require.NoError(t, err)
	env := &testEnv{svc: svc, router: newRouter(t, svc)}

	w := env.do(t, http.MethodPost, "/support/api/admin/challenge", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAdminLogin_WrongCodeAndLockout(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.Auth.MaxAttempts = 2 })

	w := env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": "000000"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "no challenge pending")

	w = env.do(t, http.MethodPost, "/support/api/admin/challenge", nil, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	code := env.loginCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	w = env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": wrong}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": wrong}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "challenge_locked", decode(t, w)["code"])

	// the right code no longer works once the challenge is locked
	w = env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": code}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLogin_RateLimitedPerIP(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.Limits.OTPAttempts = 1
		c.Limits.OTPWindow = time.Hour
	})

	w := env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": "123456"}, "")
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)

	w = env.do(t, http.MethodPost, "/support/api/admin/login", map[string]string{"code": "123456"}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAdminLogin_RecordsActivity(t *testing.T) {
	env := newTestEnv(t, nil)
	cred := env.login(t)

	assert.NotEmpty(t, cred.SessionID)
	assert.NotEmpty(t, cred.Token)
	acts := env.store.Activities()
	require.NotEmpty(t, acts)
	assert.Equal(t, constants.ActionLogin, acts[len(acts)-1].Action)
}

func TestAdminAuth_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, "not-a-session")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_RotatesTokenOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	cred := env.login(t)

	w := env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, cred.Token)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := w.Header().Get("X-New-Token")
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, cred.Token, rotated)
	assert.Equal(t, "true", w.Header().Get("X-Token-Rotated"))

	// the prior token stopped working once the response was written
	w = env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, cred.Token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, rotated)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-New-Token"))
}

func TestAdminAuth_FailedRequestKeepsToken(t *testing.T) {
	env := newTestEnv(t, nil)
	cred := env.login(t)

	w := env.do(t, http.MethodGet, "/support/api/admin/conversations?limit=-3", nil, cred.Token)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("X-New-Token"))
	assert.Empty(t, w.Header().Get("X-Token-Rotated"))

	w = env.do(t, http.MethodGet, "/support/api/admin/conversations", nil, cred.Token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-New-Token"))
}

func TestAdminAuth_NoRotationWhenDisabled(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.Auth.RotateOnUse = false })
	cred := env.login(t)

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodGet, "/support/api/admin/statistics", nil, cred.Token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-New-Token"))
	}
}

func TestAdminLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t)

	w := env.admin(t, http.MethodPost, "/support/api/admin/logout", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("X-New-Token"))

	w = env.admin(t, http.MethodGet, "/support/api/admin/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	acts := env.store.Activities()
	require.NotEmpty(t, acts)
	assert.Equal(t, constants.ActionLogout, acts[len(acts)-1].Action)
}

func TestAdminRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.Limits.AdminRequests = 2
		c.Limits.AdminWindow = time.Hour
	})
	env.login(t)

	for i := 0; i < 2; i++ {
		w := env.admin(t, http.MethodGet, "/support/api/admin/statistics", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := env.admin(t, http.MethodGet, "/support/api/admin/statistics", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Empty(t, w.Header().Get("X-New-Token"))
}

func TestAdminNetworkAllowList(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.Server.AdminAllowedNetworks = "10.0.0.0/8" })

	w := env.do(t, http.MethodPost, "/support/api/admin/challenge", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, env.relay.Calls())

	// visitor routes are not restricted
	w = env.do(t, http.MethodPost, "/support/api/visitor/join", nil, "")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAdminConversationWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	cid := env.joinVisitor(t, "Deniz")
	w := env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         "where is my refund",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	visitorMsgID := decode(t, w)["id"].(string)

	env.login(t)

	w = env.admin(t, http.MethodGet, "/support/api/admin/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode(t, w)["conversations"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, cid, rows[0].(map[string]interface{})["conversation_id"])

	w = env.admin(t, http.MethodPost, "/support/api/admin/send", map[string]string{
		"conversation_id": cid,
		"content":         "refund issued today",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reply := decode(t, w)
	assert.Equal(t, "admin", reply["sender"])
	assert.Equal(t, constants.ViaHTTP, reply["via"])

	w = env.do(t, http.MethodGet, "/support/api/visitor/messages/"+cid, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"].([]interface{}), 2)

	w = env.admin(t, http.MethodGet, "/support/api/admin/messages/"+cid+"?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Len(t, page["messages"].([]interface{}), 1)
	assert.Equal(t, true, page["has_more"])

	w = env.admin(t, http.MethodPost, "/support/api/admin/messages/"+visitorMsgID+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cid, decode(t, w)["conversation_id"])

	w = env.admin(t, http.MethodPost, "/support/api/admin/messages/"+uuid.NewString()+"/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.admin(t, http.MethodGet, "/support/api/admin/search?q=refund", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["results"].([]interface{}), 2)

	w = env.admin(t, http.MethodGet, "/support/api/admin/search?q=r", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.admin(t, http.MethodGet, "/support/api/admin/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total_conversations"])

	w = env.admin(t, http.MethodDelete, "/support/api/admin/conversations/"+cid, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/support/api/visitor/send", map[string]string{
		"conversation_id": cid,
		"content":         "hello?",
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	actions := map[string]bool{}
	for _, a := range env.store.Activities() {
		actions[a.Action] = true
	}
	for _, want := range []string{constants.ActionLogin, constants.ActionSendMessage, constants.ActionMarkRead, constants.ActionDeleteConversation} {
		assert.True(t, actions[want], "missing activity %s", want)
	}
}

func TestAdminSend_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	cid := env.joinVisitor(t, "Deniz")
	env.login(t)

	w := env.admin(t, http.MethodPost, "/support/api/admin/send", map[string]interface{}{
		"conversation_id": cid,
		"content":         "see attached",
		"attachment":      message.Attachment{Type: "file", URL: "javascript:alert(1)"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.admin(t, http.MethodPost, "/support/api/admin/send", map[string]interface{}{
		"conversation_id": cid,
		"content":         "see attached",
		"attachment":      message.Attachment{Type: "file", URL: "https://files.example.com/invoice.pdf", Size: 2048},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotNil(t, decode(t, w)["attachment"])

	w = env.admin(t, http.MethodPost, "/support/api/admin/send", map[string]string{
		"conversation_id": uuid.NewString(),
		"content":         "anyone there",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func webhookEnv(t *testing.T, resolver *fakeResolver, networks string) *testEnv {
	return newTestEnv(t, resolver, func(c *config.Config) {
		c.Telegram.WebhookSecret = "hook-secret"
		c.Telegram.WebhookNetworks = networks
	})
}

func TestTelegramWebhook_DeliversReply(t *testing.T) {
	resolver := &fakeResolver{text: "we are looking into it", ok: true}
	env := webhookEnv(t, resolver, "192.0.2.0/24")
	resolver.conversationID = env.joinVisitor(t, "Ece")

	w := env.do(t, http.MethodPost, "/support/telegram/webhook", `{"message":{"message_id":7}}`, "",
		constants.HeaderTelegramSecret, "hook-secret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["handled"])

	msgs := env.store.Messages(resolver.conversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, constants.ViaTelegram, msgs[0].Via)
	assert.Equal(t, "we are looking into it", msgs[0].Content)
}

func TestTelegramWebhook_Guard(t *testing.T) {
	env := webhookEnv(t, &fakeResolver{}, "192.0.2.0/24")

	w := env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "", constants.HeaderTelegramSecret, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	env = webhookEnv(t, &fakeResolver{}, "10.0.0.0/8")
	w = env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "", constants.HeaderTelegramSecret, "hook-secret")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTelegramWebhook_AcknowledgesUnhandledUpdates(t *testing.T) {
	resolver := &fakeResolver{}
	env := webhookEnv(t, resolver, "")

	w := env.do(t, http.MethodPost, "/support/telegram/webhook", `{"message":{"text":"hi"}}`, "",
		constants.HeaderTelegramSecret, "hook-secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["handled"])

	w = env.do(t, http.MethodPost, "/support/telegram/webhook", `not json`, "",
		constants.HeaderTelegramSecret, "hook-secret")
	assert.Equal(t, http.StatusOK, w.Code)

	// reply to a conversation that was deleted meanwhile
	resolver.ok = true
	resolver.text = "late reply"
	resolver.conversationID = uuid.NewString()
	w = env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "",
		constants.HeaderTelegramSecret, "hook-secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["handled"])
}

func TestTelegramWebhook_ResolverFailureIsRetried(t *testing.T) {
	env := webhookEnv(t, &fakeResolver{err: errors.New("mongo down")}, "")

	w := env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "", constants.HeaderTelegramSecret, "hook-secret")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTelegramWebhook_NotMountedWithoutSecret(t *testing.T) {
	env := newTestEnv(t, &fakeResolver{})

	w := env.do(t, http.MethodPost, "/support/telegram/webhook", `{}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/support/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = env.do(t, http.MethodGet, "/support/readyz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Contains(t, checks, "mongodb")
	assert.Contains(t, checks, "connections")
}

// unreachableStore fails every ping
type unreachableStore struct {
	*testutil.MemoryStore
}

func (unreachableStore) Ping(context.Context) error { return errors.New("no reachable servers") }

func TestReadiness_StoreDown(t *testing.T) {
	svc, err := NewService(testConfig(), unreachableStore{testutil.NewMemoryStore()}, nil, nil, testutil.CreateTestLogger(t))
	require.NoError(t, err)
	env := &testEnv{svc: svc, router: newRouter(t, svc)}

	w := env.do(t, http.MethodGet, "/support/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", decode(t, w)["status"])
	assert.NotContains(t, w.Body.String(), "no reachable servers")
}

func TestMetricsEndpoint_NetworkRestriction(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/support/metrics/prometheus", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	env = newTestEnv(t, nil, func(c *config.Config) { c.Server.MetricsAllowedNetworks = "10.0.0.0/8" })
	w = env.do(t, http.MethodGet, "/support/metrics/prometheus", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
