// Package util holds small helpers shared by the support desk packages.
package util

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/real-rm/supportdesk/internal/constants"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// NewTimeoutContext returns a background context bounded by timeout. Work
// that must finish after the triggering request or socket is gone uses it.
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewDefaultTimeoutContext bounds a single store round trip
func NewDefaultTimeoutContext() (context.Context, context.CancelFunc) {
	return NewTimeoutContext(constants.DefaultContextTimeout)
}

// AcceptRequestID reports whether a caller supplied request id may be echoed
// back and logged: non-empty, at most constants.MaxRequestIDLength bytes, and
// printable ASCII only.
func AcceptRequestID(id string) bool {
	if id == "" || len(id) > constants.MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// NewRequestID mints a request id for requests that arrive without one
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a child context carrying id
func WithRequestID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "" when none is set
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
