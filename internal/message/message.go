package message

import (
	"encoding/json"
	"time"
)

// MessageType represents the type discriminant of a WebSocket frame
type MessageType string

const (
	// Visitor -> server
	TypeJoin    MessageType = "join"
	TypeResume  MessageType = "resume"
	TypeMessage MessageType = "message"
	TypeTyping  MessageType = "typing"

	// Admin -> server
	TypeAdminMessage       MessageType = "admin_message"
	TypeDeleteConversation MessageType = "delete_conversation"

	// Server -> client
	TypeJoined              MessageType = "joined"
	TypeHistory             MessageType = "history"
	TypeError               MessageType = "error"
	TypeConversationDeleted MessageType = "conversation_deleted"
	TypeConversationOpened  MessageType = "conversation_opened"
	TypeConversations       MessageType = "conversations"
)

// SenderType represents who sent the message
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAdmin   SenderType = "admin"
	SenderSystem  SenderType = "system"
)

// Attachment describes a file referenced by a message. Files themselves are
// stored elsewhere; only the reference travels with the message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is a single chat message as delivered to clients
type Message struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Sender         SenderType  `json:"sender"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	Via            string      `json:"via,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}

// MarshalJSON renders timestamps in RFC3339 with millisecond precision
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		Alias
		CreatedAt string `json:"created_at"`
	}{
		Alias:     Alias(m),
		CreatedAt: m.CreatedAt.UTC().Format(TimeFormat),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		CreatedAt string `json:"created_at"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.CreatedAt)
		if err != nil {
			return err
		}
		m.CreatedAt = t
	}

	return nil
}

// TimeFormat is the timestamp layout used on the wire
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ConversationSummary is one row of the admin conversation listing
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	VisitorName    string    `json:"visitor_name"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int64     `json:"message_count"`
	Online         bool      `json:"online"`
}

// MessagePage is a cursor-paginated slice of a conversation's messages
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// SearchResult is one message matched by an admin search
type SearchResult struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	VisitorName    string     `json:"visitor_name"`
	Sender         SenderType `json:"sender"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Statistics summarises the desk for the admin dashboard
type Statistics struct {
	TotalConversations int64 `json:"total_conversations"`
	OpenConversations  int64 `json:"open_conversations"`
	TotalMessages      int64 `json:"total_messages"`
	MessagesToday      int64 `json:"messages_today"`
	OnlineVisitors     int   `json:"websocket_clients"`
	OnlineAdmins       int   `json:"websocket_admins"`
}
