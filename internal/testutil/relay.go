package testutil

import (
	"context"
	"sync"
	"time"
)

// RelayCall is one notice received by MockRelay
type RelayCall struct {
	Kind           string
	ConversationID string
	VisitorName    string
	Content        string
}

// MockRelay records every notice. It satisfies notification.Relay.
type MockRelay struct {
	mu    sync.Mutex
	calls []RelayCall
	Err   error
}

func (r *MockRelay) record(c RelayCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *MockRelay) NewConversation(_ context.Context, conversationID, visitorName string) error {
	return r.record(RelayCall{Kind: "new_conversation", ConversationID: conversationID, VisitorName: visitorName})
}

func (r *MockRelay) VisitorMessage(_ context.Context, conversationID, visitorName, content string) error {
	return r.record(RelayCall{Kind: "visitor_message", ConversationID: conversationID, VisitorName: visitorName, Content: content})
}

func (r *MockRelay) LoginCode(_ context.Context, code string, _ time.Duration) error {
	return r.record(RelayCall{Kind: "login_code", Content: code})
}

// Calls returns a copy of the recorded notices
func (r *MockRelay) Calls() []RelayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RelayCall{}, r.calls...)
}
