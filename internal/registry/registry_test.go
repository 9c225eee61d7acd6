package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/supportdesk/internal/auth"
	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/testutil"
)

type fakeDirectory struct {
	mu    sync.Mutex
	names map[string]string
	err   error
}

func (d *fakeDirectory) add(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[id] = name
}

func (d *fakeDirectory) ActiveConversation(_ context.Context, id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	name, ok := d.names[id]
	if !ok {
		return "", chaterrors.ErrConversationNotFound(id)
	}
	return name, nil
}

type fakeValidator struct{}

func (fakeValidator) Validate(token string) (*auth.SessionInfo, error) {
	if token != "good-token" {
		return nil, chaterrors.ErrUnauthorized(auth.ErrInvalidToken)
	}
	return &auth.SessionInfo{ID: "session-1"}, nil
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{names: make(map[string]string)}
	return New(opts, dir, fakeValidator{}, testutil.CreateTestLogger(t)), dir
}

func visitorMessage(conversationID, content string) message.MessageEvent {
	return message.MessageEvent{Message: message.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         message.SenderVisitor,
		Content:        content,
		CreatedAt:      time.Now(),
	}}
}

func TestJoin_AllocatesConversation(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	conn := testutil.NewMockConn("10.0.0.1")

	id, err := r.Join("Ayşe", conn)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.True(t, r.IsOnline(id))
	assert.Equal(t, Stats{Visitors: 1}, r.Stats())
}

func TestJoin_CapacityExceeded(t *testing.T) {
	r, _ := newTestRegistry(t, Options{MaxVisitors: 2})

	for i := 0; i < 2; i++ {
		_, err := r.Join("v", testutil.NewMockConn("10.0.0.1"))
		require.NoError(t, err)
	}
	_, err := r.Join("v", testutil.NewMockConn("10.0.0.1"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryCapacity))
	assert.Equal(t, 2, r.Stats().Visitors)
}

func TestResume_SupersedesLiveConnection(t *testing.T) {
	r, dir := newTestRegistry(t, Options{})
	first := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("Ayşe", first)
	require.NoError(t, err)
	dir.add(id, "Ayşe")

	second := testutil.NewMockConn("10.0.0.2")
	vc, err := r.Resume(context.Background(), id, second)
	require.NoError(t, err)
	assert.Equal(t, "Ayşe", vc.DisplayName)

	assert.True(t, first.IsClosed())
	assert.Equal(t, constants.CloseNormal, first.CloseCode)
	assert.Equal(t, "superseded", first.CloseReason)
	assert.Equal(t, 1, r.Stats().Visitors)

	require.NoError(t, r.RouteAdminMessage(id, visitorMessage(id, "hello")))
	assert.Equal(t, 0, first.FrameCount())
	assert.Equal(t, 1, second.FrameCount())

	// the superseded transport detaching must not remove the new one
	r.DetachVisitor(id, first)
	assert.True(t, r.IsOnline(id))
}

func TestResume_UnknownOrMalformed(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	_, err := r.Resume(context.Background(), "not-a-uuid", testutil.NewMockConn("ip"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryNotFound))

	_, err = r.Resume(context.Background(), uuid.NewString(), testutil.NewMockConn("ip"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryNotFound))
}

func TestResume_DirectoryFailure(t *testing.T) {
	r, dir := newTestRegistry(t, Options{})
	dir.err = chaterrors.ErrUpstreamUnavailable(errors.New("mongo down"))

	_, err := r.Resume(context.Background(), uuid.NewString(), testutil.NewMockConn("ip"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryUpstream))
}

func TestDeleteConversation_ThenResumeIsNotFound(t *testing.T) {
	r, dir := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("v", visitor)
	require.NoError(t, err)
	dir.add(id, "v")

	admin := testutil.NewMockConn("10.0.0.9")
	_, err = r.AdmitAdmin("good-token", "10.0.0.9", admin)
	require.NoError(t, err)

	r.DeleteConversation(id)

	assert.Equal(t, []string{"conversation_deleted"}, visitor.Types())
	assert.True(t, visitor.IsClosed())
	assert.Equal(t, constants.CloseNormal, visitor.CloseCode)
	assert.Equal(t, []string{"conversation_deleted"}, admin.Types())
	assert.False(t, r.IsOnline(id))

	// directory still answers (store lag), but the tombstone wins
	_, err = r.Resume(context.Background(), id, testutil.NewMockConn("10.0.0.1"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryNotFound))
}

func TestDeleteConversation_TombstonesExpire(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	r.now = clock.Now

	old := uuid.NewString()
	r.DeleteConversation(old)
	clock.Advance(constants.TombstoneTTL / 2)
	recent := uuid.NewString()
	r.DeleteConversation(recent)

	r.mu.RLock()
	assert.Len(t, r.deleted, 2)
	r.mu.RUnlock()

	clock.Advance(constants.TombstoneTTL/2 + time.Second)
	r.DeleteConversation(uuid.NewString())

	r.mu.RLock()
	_, oldKept := r.deleted[old]
	_, recentKept := r.deleted[recent]
	count := len(r.deleted)
	r.mu.RUnlock()
	assert.False(t, oldKept, "expired tombstone pruned")
	assert.True(t, recentKept)
	assert.Equal(t, 2, count)
}

func TestResume_AfterTombstoneExpiryDefersToDirectory(t *testing.T) {
	r, dir := newTestRegistry(t, Options{})
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	r.now = clock.Now

	id := uuid.NewString()
	dir.add(id, "v")
	r.DeleteConversation(id)
	_, err := r.Resume(context.Background(), id, testutil.NewMockConn("10.0.0.1"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryNotFound))

	clock.Advance(constants.TombstoneTTL)
	_, err = r.Resume(context.Background(), id, testutil.NewMockConn("10.0.0.1"))
	assert.NoError(t, err)
}

func TestAdmitAdmin(t *testing.T) {
	_, allowed, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	r, _ := newTestRegistry(t, Options{MaxAdmins: 1, AdminAllowList: []*net.IPNet{allowed}})

	_, err = r.AdmitAdmin("bad-token", "10.0.0.1", testutil.NewMockConn("10.0.0.1"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryAuth))

	_, err = r.AdmitAdmin("good-token", "192.168.1.1", testutil.NewMockConn("192.168.1.1"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryForbidden))
	assert.True(t, chaterrors.AsChatError(err).IsFatal())

	ac, err := r.AdmitAdmin("good-token", "10.0.0.1", testutil.NewMockConn("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "session-1", ac.SessionID)

	_, err = r.AdmitAdmin("good-token", "10.0.0.2", testutil.NewMockConn("10.0.0.2"))
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryCapacity))
	assert.Equal(t, 1, r.Stats().Admins)
}

func newAuthority(t *testing.T, clock *testutil.FakeClock) *auth.Authority {
	t.Helper()
	opts := auth.DefaultOptions()
	opts.Salt = "registry-test-salt-0123456789abcdef"
	opts.Clock = clock
	a, err := auth.NewAuthority(opts, testutil.CreateTestLogger(t))
	require.NoError(t, err)
	return a
}

func adminLogin(t *testing.T, a *auth.Authority) *auth.Credential {
	t.Helper()
	code, _, err := a.IssueChallenge()
	require.NoError(t, err)
	cred, err := a.Verify(code, "10.0.0.1", "desk")
	require.NoError(t, err)
	return cred
}

func TestEvictSession_RevokeClosesAdminSockets(t *testing.T) {
	authority := newAuthority(t, testutil.NewFakeClock(time.Now()))
	r := New(Options{}, &fakeDirectory{names: map[string]string{}}, authority, testutil.CreateTestLogger(t))
	authority.OnSessionEnd(func(id string) { r.EvictSession(id) })

	revoked := adminLogin(t, authority)
	other := adminLogin(t, authority)
	first, second := testutil.NewMockConn("10.0.0.1"), testutil.NewMockConn("10.0.0.1")
	survivor := testutil.NewMockConn("10.0.0.2")
	for _, c := range []*testutil.MockConn{first, second} {
		_, err := r.AdmitAdmin(revoked.Token, "10.0.0.1", c)
		require.NoError(t, err)
	}
	_, err := r.AdmitAdmin(other.Token, "10.0.0.2", survivor)
	require.NoError(t, err)
	require.Equal(t, 3, r.Stats().Admins)

	require.NoError(t, authority.Revoke(revoked.Token))

	assert.Equal(t, 1, r.Stats().Admins)
	assert.True(t, first.IsClosed())
	assert.True(t, second.IsClosed())
	assert.Equal(t, constants.ClosePolicyViolation, first.CloseCode)
	assert.False(t, survivor.IsClosed())

	// revoked admins no longer receive conversation traffic
	require.NoError(t, r.RouteVisitorMessage("c1", visitorMessage("c1", "hello")))
	assert.Equal(t, 0, first.FrameCount())
	assert.Equal(t, 1, survivor.FrameCount())
}

func TestEvictSession_ExpiredSessionsAreClosedOnCleanup(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	authority := newAuthority(t, clock)
	r := New(Options{}, &fakeDirectory{names: map[string]string{}}, authority, testutil.CreateTestLogger(t))
	authority.OnSessionEnd(func(id string) { r.EvictSession(id) })

	cred := adminLogin(t, authority)
	conn := testutil.NewMockConn("10.0.0.1")
	_, err := r.AdmitAdmin(cred.Token, "10.0.0.1", conn)
	require.NoError(t, err)

	clock.Advance(constants.DefaultSessionTTL + time.Minute)
	assert.Equal(t, 1, authority.Cleanup())

	assert.Equal(t, 0, r.Stats().Admins)
	assert.True(t, conn.IsClosed())
}

func TestEvictSession_UnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	admin := testutil.NewMockConn("10.0.0.1")
	_, err := r.AdmitAdmin("good-token", "10.0.0.1", admin)
	require.NoError(t, err)

	assert.Equal(t, 0, r.EvictSession("session-2"))
	assert.Equal(t, 1, r.EvictSession("session-1"))
	assert.Equal(t, 0, r.Stats().Admins)

	// the read pump's deferred removal after eviction is a no-op
	r.RemoveAdmin(admin)
	assert.Equal(t, 0, r.Stats().Admins)
}

func TestIPAllowed_EmptyListAllowsAll(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	assert.True(t, r.IPAllowed("203.0.113.5"))
}

func TestRouteVisitorMessage_NoAdminsIsNotAnError(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("v", visitor)
	require.NoError(t, err)

	require.NoError(t, r.RouteVisitorMessage(id, visitorMessage(id, "hi")))
	assert.Equal(t, []string{"message"}, visitor.Types(), "visitor gets its own echo")
}

func TestRouteVisitorMessage_FailedAdminIsEvicted(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("v", visitor)
	require.NoError(t, err)

	healthy := testutil.NewMockConn("10.0.0.2")
	broken := testutil.NewMockConn("10.0.0.3")
	broken.SendError = errors.New("buffer full")
	_, err = r.AdmitAdmin("good-token", "10.0.0.2", healthy)
	require.NoError(t, err)
	_, err = r.AdmitAdmin("good-token", "10.0.0.3", broken)
	require.NoError(t, err)

	require.NoError(t, r.RouteVisitorMessage(id, visitorMessage(id, "hi")))

	assert.Equal(t, 1, healthy.FrameCount())
	assert.True(t, broken.IsClosed())
	assert.Equal(t, constants.CloseInternalError, broken.CloseCode)
	assert.Equal(t, 1, r.Stats().Admins)
	assert.Equal(t, 1, visitor.FrameCount())
}

func TestRouteAdminMessage_VisitorAbsent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	admin := testutil.NewMockConn("10.0.0.2")
	_, err := r.AdmitAdmin("good-token", "10.0.0.2", admin)
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, r.RouteAdminMessage(id, visitorMessage(id, "anyone there?")))
	assert.Equal(t, 1, admin.FrameCount(), "admins still see the mirror")
}

func TestSendToVisitor_DeadVisitorIsDetached(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("v", visitor)
	require.NoError(t, err)

	visitor.SendError = errors.New("gone")
	ok, err := r.SendToVisitor(id, message.TypingEvent{ConversationID: id, Sender: message.SenderAdmin})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, r.IsOnline(id))
}

func TestBroadcastAdmins(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := r.AdmitAdmin("good-token", "10.0.0.1", testutil.NewMockConn("10.0.0.1"))
		require.NoError(t, err)
	}

	n, err := r.BroadcastAdmins(message.ConversationOpened{ConversationID: "c", VisitorName: "v"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRemoveAdmin(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	admin := testutil.NewMockConn("10.0.0.1")
	_, err := r.AdmitAdmin("good-token", "10.0.0.1", admin)
	require.NoError(t, err)

	r.RemoveAdmin(admin)
	r.RemoveAdmin(admin)
	assert.Equal(t, 0, r.Stats().Admins)
}

func TestRouting_PerConversationFIFO(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	id, err := r.Join("v", visitor)
	require.NoError(t, err)
	admin := testutil.NewMockConn("10.0.0.2")
	_, err = r.AdmitAdmin("good-token", "10.0.0.2", admin)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, r.RouteVisitorMessage(id, visitorMessage(id, fmt.Sprintf("m%d", i))))
	}

	for _, conn := range []*testutil.MockConn{visitor, admin} {
		frames := conn.Decoded()
		require.Len(t, frames, n)
		for i, f := range frames {
			assert.Equal(t, fmt.Sprintf("m%d", i), f["content"])
		}
	}
}

func TestRouting_ConcurrentConversations(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	admin := testutil.NewMockConn("10.0.0.2")
	_, err := r.AdmitAdmin("good-token", "10.0.0.2", admin)
	require.NoError(t, err)

	const conversations, perConversation = 10, 20
	var wg sync.WaitGroup
	for c := 0; c < conversations; c++ {
		id, err := r.Join("v", testutil.NewMockConn("10.0.0.1"))
		require.NoError(t, err)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perConversation; i++ {
				_ = r.RouteVisitorMessage(id, visitorMessage(id, fmt.Sprintf("%d", i)))
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, conversations*perConversation, admin.FrameCount())

	// within each conversation the admin saw messages in send order
	last := make(map[string]int)
	for _, f := range admin.Decoded() {
		cid := f["conversation_id"].(string)
		var seq int
		_, err := fmt.Sscanf(f["content"].(string), "%d", &seq)
		require.NoError(t, err)
		if prev, ok := last[cid]; ok {
			assert.Equal(t, prev+1, seq)
		}
		last[cid] = seq
	}
}

func TestShutdown_ClosesEverything(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	visitor := testutil.NewMockConn("10.0.0.1")
	_, err := r.Join("v", visitor)
	require.NoError(t, err)
	admin := testutil.NewMockConn("10.0.0.2")
	_, err = r.AdmitAdmin("good-token", "10.0.0.2", admin)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.True(t, visitor.IsClosed())
	assert.True(t, admin.IsClosed())
	assert.Equal(t, Stats{}, r.Stats())
}
