// Package registry tracks live visitor and admin connections and fans chat
// frames out to them.
//
// Maps are guarded by an RWMutex held only for map reads and writes. Frames
// for one conversation are routed under that conversation's lane lock so they
// are enqueued in FIFO order. Conn.Send only enqueues; transport writes happen
// on each connection's own goroutine, so no lock here is held across I/O.
package registry

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/auth"
	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/util"
)

// Conn is a live transport
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send enqueues frame without blocking. An error means the transport is
	// dead or saturated.
	Send(frame []byte) error
	// Close flushes queued frames, then closes with the given code.
	Close(code int, reason string) error
}

// Directory resolves conversations that may be resumed
type Directory interface {
	ActiveConversation(ctx context.Context, conversationID string) (displayName string, err error)
}

// SessionValidator checks admin credentials
type SessionValidator interface {
	Validate(token string) (*auth.SessionInfo, error)
}

// VisitorConnection binds a transport to a conversation
type VisitorConnection struct {
	ConversationID string
	DisplayName    string
	JoinedAt       time.Time
	Conn           Conn
}

// AdminConnection is an authenticated admin transport
type AdminConnection struct {
	SessionID   string
	ConnectedAt time.Time
	Conn        Conn
}

// Options configures ceilings and the admin allow-list
type Options struct {
	MaxVisitors    int
	MaxAdmins      int
	AdminAllowList []*net.IPNet
}

// Stats is a point-in-time count of live connections
type Stats struct {
	Visitors int `json:"visitors"`
	Admins   int `json:"admins"`
}

const laneCount = 64

// Registry owns every live connection
type Registry struct {
	opts      Options
	directory Directory
	validator SessionValidator
	logger    *golog.Logger

	mu       sync.RWMutex
	visitors map[string]*VisitorConnection // conversation id -> live visitor
	admins   map[string]*AdminConnection   // conn id -> admin
	deleted  map[string]time.Time          // tombstoned conversation id -> deletion time
	now      func() time.Time

	lanes [laneCount]sync.Mutex
}

// New creates a registry. Zero ceilings fall back to the defaults.
func New(opts Options, directory Directory, validator SessionValidator, logger *golog.Logger) *Registry {
	if opts.MaxVisitors <= 0 {
		opts.MaxVisitors = constants.DefaultMaxVisitors
	}
	if opts.MaxAdmins <= 0 {
		opts.MaxAdmins = constants.DefaultMaxAdmins
	}
	return &Registry{
		opts:      opts,
		directory: directory,
		validator: validator,
		logger:    logger.WithGroup("registry"),
		visitors:  make(map[string]*VisitorConnection),
		admins:    make(map[string]*AdminConnection),
		deleted:   make(map[string]time.Time),
		now:       time.Now,
	}
}

func (r *Registry) lane(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &r.lanes[h.Sum32()%laneCount]
}

// Join allocates a new conversation for conn
func (r *Registry) Join(displayName string, conn Conn) (string, error) {
	id := uuid.NewString()

	r.mu.Lock()
	if len(r.visitors) >= r.opts.MaxVisitors {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("visitor", "capacity").Inc()
		r.logger.Error("Visitor connection ceiling reached", "ceiling", r.opts.MaxVisitors, "remote", conn.RemoteAddr())
		return "", chaterrors.ErrCapacityExceeded("visitor", r.opts.MaxVisitors)
	}
	r.visitors[id] = &VisitorConnection{
		ConversationID: id,
		DisplayName:    displayName,
		JoinedAt:       time.Now(),
		Conn:           conn,
	}
	r.mu.Unlock()

	metrics.VisitorConnections.Inc()
	r.logger.Info("Visitor joined", "conversation_id", id, "conn_id", conn.ID())
	return id, nil
}

// Resume binds conn to an existing conversation, superseding any live
// connection already bound to it.
func (r *Registry) Resume(ctx context.Context, conversationID string, conn Conn) (*VisitorConnection, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chaterrors.ErrConversationNotFound(conversationID)
	}

	displayName, err := r.directory.ActiveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	vc := &VisitorConnection{
		ConversationID: conversationID,
		DisplayName:    displayName,
		JoinedAt:       time.Now(),
		Conn:           conn,
	}

	r.mu.Lock()
	if at, gone := r.deleted[conversationID]; gone && r.now().Sub(at) < constants.TombstoneTTL {
		r.mu.Unlock()
		return nil, chaterrors.ErrConversationNotFound(conversationID)
	}
	old, existed := r.visitors[conversationID]
	if !existed && len(r.visitors) >= r.opts.MaxVisitors {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("visitor", "capacity").Inc()
		r.logger.Error("Visitor connection ceiling reached", "ceiling", r.opts.MaxVisitors, "remote", conn.RemoteAddr())
		return nil, chaterrors.ErrCapacityExceeded("visitor", r.opts.MaxVisitors)
	}
	r.visitors[conversationID] = vc
	r.mu.Unlock()

	if existed {
		if err := old.Conn.Close(constants.CloseNormal, "superseded"); err != nil {
			r.logger.Debug("Closing superseded connection failed", "conversation_id", conversationID, "error", err)
		}
		r.logger.Info("Visitor connection superseded", "conversation_id", conversationID, "old_conn", old.Conn.ID(), "new_conn", conn.ID())
	} else {
		metrics.VisitorConnections.Inc()
	}
	return vc, nil
}

// AdmitAdmin validates token, checks the allow-list and the admin ceiling
func (r *Registry) AdmitAdmin(token, remoteIP string, conn Conn) (*AdminConnection, error) {
	info, err := r.validator.Validate(token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("admin", "unauthorized").Inc()
		return nil, err
	}

	if !r.allowed(remoteIP) {
		metrics.ConnectionsRejected.WithLabelValues("admin", "forbidden").Inc()
		r.logger.Warn("Admin connection from address outside allow-list", "remote", remoteIP, "session_id", info.ID)
		return nil, chaterrors.ErrForbidden(remoteIP)
	}

	ac := &AdminConnection{SessionID: info.ID, ConnectedAt: time.Now(), Conn: conn}

	r.mu.Lock()
	if len(r.admins) >= r.opts.MaxAdmins {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("admin", "capacity").Inc()
		r.logger.Error("Admin connection ceiling reached", "ceiling", r.opts.MaxAdmins, "remote", remoteIP)
		return nil, chaterrors.ErrCapacityExceeded("admin", r.opts.MaxAdmins)
	}
	r.admins[conn.ID()] = ac
	r.mu.Unlock()

	metrics.AdminConnections.Inc()
	r.logger.Info("Admin connected", "session_id", info.ID, "conn_id", conn.ID())
	return ac, nil
}

// IPAllowed reports whether remoteIP may open admin connections
func (r *Registry) IPAllowed(remoteIP string) bool {
	return r.allowed(remoteIP)
}

func (r *Registry) allowed(remoteIP string) bool {
	if len(r.opts.AdminAllowList) == 0 {
		return true
	}
	return util.IPInNetworks(remoteIP, r.opts.AdminAllowList)
}

// DetachVisitor removes conn if it is still the live connection for the conversation
func (r *Registry) DetachVisitor(conversationID string, conn Conn) {
	r.mu.Lock()
	vc, ok := r.visitors[conversationID]
	if !ok || vc.Conn.ID() != conn.ID() {
		r.mu.Unlock()
		return
	}
	delete(r.visitors, conversationID)
	r.mu.Unlock()

	metrics.VisitorConnections.Dec()
	r.logger.Debug("Visitor detached", "conversation_id", conversationID, "conn_id", conn.ID())
}

// RemoveAdmin deregisters an admin connection
func (r *Registry) RemoveAdmin(conn Conn) {
	r.mu.Lock()
	_, ok := r.admins[conn.ID()]
	delete(r.admins, conn.ID())
	r.mu.Unlock()

	if ok {
		metrics.AdminConnections.Dec()
	}
}

// EvictSession closes and removes every admin connection opened under
// sessionID. It returns how many were removed.
func (r *Registry) EvictSession(sessionID string) int {
	r.mu.Lock()
	var evicted []*AdminConnection
	for id, a := range r.admins {
		if a.SessionID == sessionID {
			delete(r.admins, id)
			evicted = append(evicted, a)
		}
	}
	r.mu.Unlock()

	for _, a := range evicted {
		metrics.AdminConnections.Dec()
		_ = a.Conn.Close(constants.ClosePolicyViolation, "session ended")
	}
	if len(evicted) > 0 {
		r.logger.Info("Admin session ended, connections closed", "session_id", sessionID, "count", len(evicted))
	}
	return len(evicted)
}

// IsOnline reports whether a visitor is connected to the conversation
func (r *Registry) IsOnline(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.visitors[conversationID]
	return ok
}

// Visitor returns the live visitor connection for a conversation, if any
func (r *Registry) Visitor(conversationID string) (*VisitorConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vc, ok := r.visitors[conversationID]
	return vc, ok
}

// Stats returns the number of live connections
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Visitors: len(r.visitors), Admins: len(r.admins)}
}

func (r *Registry) adminSnapshot() []*AdminConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AdminConnection, 0, len(r.admins))
	for _, a := range r.admins {
		out = append(out, a)
	}
	return out
}

// fanOutAdmins enqueues frame to every admin; a failed send evicts only that admin
func (r *Registry) fanOutAdmins(frame []byte) int {
	delivered := 0
	for _, a := range r.adminSnapshot() {
		if err := a.Conn.Send(frame); err != nil {
			r.evictAdmin(a, err)
			continue
		}
		delivered++
	}
	metrics.MessagesRouted.Add(float64(delivered))
	return delivered
}

func (r *Registry) evictAdmin(a *AdminConnection, cause error) {
	r.mu.Lock()
	current, ok := r.admins[a.Conn.ID()]
	if ok && current == a {
		delete(r.admins, a.Conn.ID())
	}
	r.mu.Unlock()

	if !ok || current != a {
		return
	}
	metrics.AdminConnections.Dec()
	metrics.AdminEvictions.Inc()
	r.logger.Warn("Evicting admin after failed send", "session_id", a.SessionID, "conn_id", a.Conn.ID(), "error", cause)
	_ = a.Conn.Close(constants.CloseInternalError, "send failed")
}

func (r *Registry) sendVisitor(conversationID string, frame []byte) bool {
	vc, ok := r.Visitor(conversationID)
	if !ok {
		return false
	}
	if err := vc.Conn.Send(frame); err != nil {
		r.logger.Warn("Dropping dead visitor connection", "conversation_id", conversationID, "error", err)
		r.DetachVisitor(conversationID, vc.Conn)
		_ = vc.Conn.Close(constants.CloseInternalError, "send failed")
		return false
	}
	metrics.MessagesRouted.Inc()
	return true
}

// RouteVisitorMessage delivers a visitor's message to every admin and echoes
// it to the visitor. No admin being connected is not an error.
func (r *Registry) RouteVisitorMessage(conversationID string, frame message.ServerFrame) error {
	data, err := message.Encode(frame)
	if err != nil {
		return err
	}

	lane := r.lane(conversationID)
	lane.Lock()
	defer lane.Unlock()

	r.fanOutAdmins(data)
	r.sendVisitor(conversationID, data)
	return nil
}

// RouteAdminMessage delivers an admin's message to the visitor if present and
// mirrors it to every admin.
func (r *Registry) RouteAdminMessage(conversationID string, frame message.ServerFrame) error {
	data, err := message.Encode(frame)
	if err != nil {
		return err
	}

	lane := r.lane(conversationID)
	lane.Lock()
	defer lane.Unlock()

	r.sendVisitor(conversationID, data)
	r.fanOutAdmins(data)
	return nil
}

// SendToVisitor delivers frame only to the conversation's visitor
func (r *Registry) SendToVisitor(conversationID string, frame message.ServerFrame) (bool, error) {
	data, err := message.Encode(frame)
	if err != nil {
		return false, err
	}

	lane := r.lane(conversationID)
	lane.Lock()
	defer lane.Unlock()

	return r.sendVisitor(conversationID, data), nil
}

// BroadcastAdmins delivers frame to every admin and returns how many received it
func (r *Registry) BroadcastAdmins(frame message.ServerFrame) (int, error) {
	data, err := message.Encode(frame)
	if err != nil {
		return 0, err
	}
	return r.fanOutAdmins(data), nil
}

// pruneTombstonesLocked drops tombstones old enough that the store no longer
// reports their conversations as active. Callers hold r.mu.
func (r *Registry) pruneTombstonesLocked(now time.Time) {
	for id, at := range r.deleted {
		if now.Sub(at) >= constants.TombstoneTTL {
			delete(r.deleted, id)
		}
	}
}

// DeleteConversation tombstones the conversation, tells and closes its
// visitor, and notifies every admin.
func (r *Registry) DeleteConversation(conversationID string) {
	notice := message.MustEncode(message.ConversationDeleted{ConversationID: conversationID})

	lane := r.lane(conversationID)
	lane.Lock()
	defer lane.Unlock()

	r.mu.Lock()
	now := r.now()
	r.pruneTombstonesLocked(now)
	r.deleted[conversationID] = now
	vc, live := r.visitors[conversationID]
	delete(r.visitors, conversationID)
	r.mu.Unlock()

	if live {
		metrics.VisitorConnections.Dec()
		if err := vc.Conn.Send(notice); err != nil {
			r.logger.Debug("Visitor gone before deletion notice", "conversation_id", conversationID, "error", err)
		}
		_ = vc.Conn.Close(constants.CloseNormal, "conversation deleted")
	}

	r.fanOutAdmins(notice)
	r.logger.Info("Conversation removed from registry", "conversation_id", conversationID, "visitor_was_live", live)
}

// Shutdown closes every connection, respecting the context deadline
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.visitors)+len(r.admins))
	for _, v := range r.visitors {
		conns = append(conns, v.Conn)
	}
	for _, a := range r.admins {
		conns = append(conns, a.Conn)
	}
	visitors, admins := len(r.visitors), len(r.admins)
	r.visitors = make(map[string]*VisitorConnection)
	r.admins = make(map[string]*AdminConnection)
	r.mu.Unlock()

	metrics.VisitorConnections.Sub(float64(visitors))
	metrics.AdminConnections.Sub(float64(admins))
	r.logger.Info("Closing live connections", "visitors", visitors, "admins", admins)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			_ = c.Close(constants.CloseNormal, "server shutting down")
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("Shutdown deadline reached before all connections closed")
		return ctx.Err()
	}
}
