package testutil

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/message"
)

// Activity is one recorded admin action
type Activity struct {
	SessionID      string
	Action         string
	ConversationID string
	Meta           map[string]string
}

type memConversation struct {
	name      string
	clientIP  string
	userAgent string
	deleted   bool
	createdAt time.Time
	lastTs    time.Time
	count     int64
}

// MemoryStore is an in-memory conversation store with the same observable
// semantics as the Mongo store. Set the *Err fields to inject failures.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*memConversation
	messages      map[string][]message.Message
	activity      []Activity

	CreateErr error
	SaveErr   error
	ListErr   error
	StatsErr  error

	// Calls counts store reads per operation, for cache assertions
	Calls map[string]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*memConversation),
		messages:      make(map[string][]message.Message),
		Calls:         make(map[string]int),
	}
}

func (s *MemoryStore) active(id string) (*memConversation, error) {
	c, ok := s.conversations[id]
	if !ok || c.deleted {
		return nil, chaterrors.ErrConversationNotFound(id)
	}
	return c, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, id, visitorName, clientIP, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return chaterrors.ErrUpstreamUnavailable(s.CreateErr)
	}
	now := time.Now().UTC()
	s.conversations[id] = &memConversation{name: visitorName, clientIP: clientIP, userAgent: userAgent, createdAt: now, lastTs: now}
	return nil
}

func (s *MemoryStore) ActiveConversation(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.active(id)
	if err != nil {
		return "", err
	}
	return c.name, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return chaterrors.ErrUpstreamUnavailable(s.SaveErr)
	}
	c, err := s.active(msg.ConversationID)
	if err != nil {
		return err
	}
	c.count++
	c.lastTs = msg.CreatedAt
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]message.Message{}, all...), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID, cursor string, limit int) (*message.MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["ListMessages"]++
	if s.ListErr != nil {
		return nil, chaterrors.ErrUpstreamUnavailable(s.ListErr)
	}
	if _, err := s.active(conversationID); err != nil {
		return nil, err
	}

	start := 0
	if idx := strings.LastIndex(cursor, ":"); idx > 0 {
		id := cursor[idx+1:]
		for i, m := range s.messages[conversationID] {
			if m.ID == id {
				start = i + 1
			}
		}
	}
	all := s.messages[conversationID][start:]
	page := &message.MessagePage{Messages: []message.Message{}}
	if len(all) > limit {
		page.HasMore = true
		all = all[:limit]
	}
	page.Messages = append(page.Messages, all...)
	if page.HasMore {
		last := all[len(all)-1]
		page.NextCursor = strconv.FormatInt(last.CreatedAt.UnixMilli(), 10) + ":" + last.ID
	}
	return page, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, limit, offset int) ([]message.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["ListConversations"]++
	if s.ListErr != nil {
		return nil, chaterrors.ErrUpstreamUnavailable(s.ListErr)
	}

	rows := []message.ConversationSummary{}
	for id, c := range s.conversations {
		if c.deleted {
			continue
		}
		rows = append(rows, message.ConversationSummary{
			ConversationID: id,
			VisitorName:    c.name,
			Status:         "active",
			CreatedAt:      c.createdAt,
			LastActivityAt: c.lastTs,
			MessageCount:   c.count,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastActivityAt.After(rows[j].LastActivityAt) })
	if offset >= len(rows) {
		return []message.ConversationSummary{}, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.active(id)
	if err != nil {
		return err
	}
	c.deleted = true
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, messageID string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				t := at
				msgs[i].ReadAt = &t
				return cid, nil
			}
		}
	}
	return "", chaterrors.ErrMessageNotFound(messageID)
}

func (s *MemoryStore) Search(_ context.Context, query string, limit int) ([]message.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	results := []message.SearchResult{}
	for cid, msgs := range s.messages {
		for _, m := range msgs {
			if !strings.Contains(strings.ToLower(m.Content), q) {
				continue
			}
			results = append(results, message.SearchResult{
				MessageID:      m.ID,
				ConversationID: cid,
				VisitorName:    s.conversations[cid].name,
				Sender:         m.Sender,
				Content:        m.Content,
				CreatedAt:      m.CreatedAt,
			})
			if len(results) == limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func (s *MemoryStore) Statistics(_ context.Context, now time.Time) (*message.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatsErr != nil {
		return nil, chaterrors.ErrUpstreamUnavailable(s.StatsErr)
	}
	stats := &message.Statistics{TotalConversations: int64(len(s.conversations))}
	y, m, d := now.UTC().Date()
	for id, c := range s.conversations {
		if !c.deleted {
			stats.OpenConversations++
		}
		for _, msg := range s.messages[id] {
			stats.TotalMessages++
			my, mm, md := msg.CreatedAt.UTC().Date()
			if my == y && mm == m && md == d {
				stats.MessagesToday++
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) LogActivity(_ context.Context, sessionID, action, conversationID string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, Activity{SessionID: sessionID, Action: action, ConversationID: conversationID, Meta: meta})
	return nil
}

// Messages returns the stored messages of a conversation
func (s *MemoryStore) Messages(conversationID string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message{}, s.messages[conversationID]...)
}

// Activities returns every recorded admin action
func (s *MemoryStore) Activities() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Activity{}, s.activity...)
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error { return nil }
