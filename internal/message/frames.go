package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ClientFrame is a frame received from a visitor connection.
// The set of implementations is closed: JoinFrame, ResumeFrame, MessageFrame, TypingFrame.
type ClientFrame interface {
	clientFrame()
}

// AdminFrame is a frame received from an admin connection.
// The set of implementations is closed: AdminMessageFrame, AdminTypingFrame, DeleteConversationFrame.
type AdminFrame interface {
	adminFrame()
}

// ServerFrame is a frame sent to visitors or admins
type ServerFrame interface {
	FrameType() MessageType
}

type JoinFrame struct {
	DisplayName string
}

type ResumeFrame struct {
	ConversationID string
}

type MessageFrame struct {
	Content string
}

type TypingFrame struct{}

func (JoinFrame) clientFrame()    {}
func (ResumeFrame) clientFrame()  {}
func (MessageFrame) clientFrame() {}
func (TypingFrame) clientFrame()  {}

type AdminMessageFrame struct {
	ConversationID string
	Content        string
}

type AdminTypingFrame struct {
	ConversationID string
}

type DeleteConversationFrame struct {
	ConversationID string
}

func (AdminMessageFrame) adminFrame()       {}
func (AdminTypingFrame) adminFrame()        {}
func (DeleteConversationFrame) adminFrame() {}

// Joined confirms a new conversation to the visitor
type Joined struct {
	ConversationID string `json:"conversation_id"`
	VisitorName    string `json:"visitor_name"`
}

// History replays recent messages after a resume
type History struct {
	ConversationID string    `json:"conversation_id"`
	VisitorName    string    `json:"visitor_name"`
	Messages       []Message `json:"messages"`
}

// MessageEvent carries one routed chat message
type MessageEvent struct {
	Message
}

// ErrorEvent reports a recoverable error on the connection.
// RetryAfter is in seconds.
type ErrorEvent struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type ConversationDeleted struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationOpened struct {
	ConversationID string `json:"conversation_id"`
	VisitorName    string `json:"visitor_name"`
}

// ConversationsSnapshot is sent to an admin right after it connects
type ConversationsSnapshot struct {
	Items []ConversationSummary `json:"items"`
}

// TypingEvent relays a typing indicator to the other side of a conversation
type TypingEvent struct {
	ConversationID string     `json:"conversation_id"`
	Sender         SenderType `json:"sender"`
}

func (Joined) FrameType() MessageType                { return TypeJoined }
func (History) FrameType() MessageType               { return TypeHistory }
func (MessageEvent) FrameType() MessageType          { return TypeMessage }
func (ErrorEvent) FrameType() MessageType            { return TypeError }
func (ConversationDeleted) FrameType() MessageType   { return TypeConversationDeleted }
func (ConversationOpened) FrameType() MessageType    { return TypeConversationOpened }
func (ConversationsSnapshot) FrameType() MessageType { return TypeConversations }
func (TypingEvent) FrameType() MessageType           { return TypeTyping }

// inbound is the union of every field an inbound frame may carry
type inbound struct {
	Type           MessageType `json:"type"`
	DisplayName    string      `json:"display_name"`
	ConversationID string      `json:"conversation_id"`
	Content        *string     `json:"content"`
}

func decodeInbound(data []byte) (*inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, &ValidationError{Field: "frame", Code: CodeInvalidJSON, Message: err.Error()}
	}
	if in.Type == "" {
		return nil, &ValidationError{Field: "type", Code: CodeInvalidMessage, Message: "type is required"}
	}
	return &in, nil
}

// DecodeClientFrame parses a frame sent by a visitor
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	in, err := decodeInbound(data)
	if err != nil {
		return nil, err
	}

	switch in.Type {
	case TypeJoin:
		return JoinFrame{DisplayName: in.DisplayName}, nil
	case TypeResume:
		if in.ConversationID == "" {
			return nil, &ValidationError{Field: "conversation_id", Code: CodeInvalidMessage, Message: "conversation_id is required for resume"}
		}
		return ResumeFrame{ConversationID: in.ConversationID}, nil
	case TypeMessage:
		if in.Content == nil {
			return nil, &ValidationError{Field: "content", Code: CodeInvalidMessage, Message: "content is required for message"}
		}
		return MessageFrame{Content: *in.Content}, nil
	case TypeTyping:
		return TypingFrame{}, nil
	default:
		return nil, &ValidationError{Field: "type", Code: CodeUnknownType, Message: fmt.Sprintf("unknown frame type: %s", in.Type)}
	}
}

// DecodeAdminFrame parses a frame sent by an admin
func DecodeAdminFrame(data []byte) (AdminFrame, error) {
	in, err := decodeInbound(data)
	if err != nil {
		return nil, err
	}

	if in.ConversationID == "" {
		if in.Type == TypeAdminMessage || in.Type == TypeTyping || in.Type == TypeDeleteConversation {
			return nil, &ValidationError{Field: "conversation_id", Code: CodeInvalidMessage, Message: fmt.Sprintf("conversation_id is required for %s", in.Type)}
		}
	}

	switch in.Type {
	case TypeAdminMessage:
		if in.Content == nil {
			return nil, &ValidationError{Field: "content", Code: CodeInvalidMessage, Message: "content is required for admin_message"}
		}
		return AdminMessageFrame{ConversationID: in.ConversationID, Content: *in.Content}, nil
	case TypeTyping:
		return AdminTypingFrame{ConversationID: in.ConversationID}, nil
	case TypeDeleteConversation:
		return DeleteConversationFrame{ConversationID: in.ConversationID}, nil
	default:
		return nil, &ValidationError{Field: "type", Code: CodeUnknownType, Message: fmt.Sprintf("unknown frame type: %s", in.Type)}
	}
}

// Encode serializes a server frame with its "type" discriminant first
func Encode(f ServerFrame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.FrameType(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(string(f.FrameType()))
	buf.Write(typ)

	inner := bytes.TrimSpace(body)
	inner = inner[1 : len(inner)-1]
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MustEncode is Encode for frames whose fields cannot fail to marshal
func MustEncode(f ServerFrame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}
