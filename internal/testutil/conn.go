package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrMockConnClosed is returned by MockConn.Send after Close or a forced failure
var ErrMockConnClosed = errors.New("mock connection closed")

// MockConn is an in-memory transport that records every frame it is sent.
// It satisfies registry.Conn.
type MockConn struct {
	mu sync.Mutex

	id     string
	remote string

	Frames      [][]byte
	Closed      bool
	CloseCode   int
	CloseReason string

	// Error injection
	SendError error
	SendFunc  func([]byte) error
}

// NewMockConn creates a mock connection from the given remote IP
func NewMockConn(remote string) *MockConn {
	return &MockConn{id: uuid.NewString(), remote: remote}
}

// ID returns the connection identifier
func (m *MockConn) ID() string { return m.id }

// RemoteAddr returns the remote IP
func (m *MockConn) RemoteAddr() string { return m.remote }

// Send records frame, or fails if the connection is closed or an error is injected
func (m *MockConn) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return ErrMockConnClosed
	}
	if m.SendError != nil {
		return m.SendError
	}
	if m.SendFunc != nil {
		if err := m.SendFunc(frame); err != nil {
			return err
		}
	}
	m.Frames = append(m.Frames, append([]byte(nil), frame...))
	return nil
}

// Close marks the connection closed and records the close code
func (m *MockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return nil
	}
	m.Closed = true
	m.CloseCode = code
	m.CloseReason = reason
	return nil
}

// IsClosed reports whether Close has been called
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// FrameCount returns the number of frames sent so far
func (m *MockConn) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Frames)
}

// Decoded returns every recorded frame decoded as a generic JSON object
func (m *MockConn) Decoded() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(m.Frames))
	for _, f := range m.Frames {
		var v map[string]interface{}
		if err := json.Unmarshal(f, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Types returns the "type" field of every recorded frame in order
func (m *MockConn) Types() []string {
	decoded := m.Decoded()
	types := make([]string, 0, len(decoded))
	for _, f := range decoded {
		t, _ := f["type"].(string)
		types = append(types, t)
	}
	return types
}

// Last returns the most recent decoded frame, or nil
func (m *MockConn) Last() map[string]interface{} {
	decoded := m.Decoded()
	if len(decoded) == 0 {
		return nil
	}
	return decoded[len(decoded)-1]
}

// Reset clears recorded frames and injected errors
func (m *MockConn) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Frames = nil
	m.SendError = nil
	m.SendFunc = nil
}
