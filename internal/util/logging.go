package util

import (
	"fmt"

	"github.com/real-rm/golog"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
)

// LogError logs a failed operation with its component. Failures caused by
// the caller (bad input, unknown conversation, rate limits, bad credentials)
// are logged at warn so error.log only carries faults on our side.
//
//	LogError(logger, "delivery", "send history", err, "conversation_id", id)
func LogError(logger *golog.Logger, component, operation string, err error, fields ...interface{}) {
	kv := append([]interface{}{"error", err, "component", component}, fields...)
	msg := fmt.Sprintf("Failed to %s", operation)
	if errorLevel(err) == "warn" {
		logger.Warn(msg, kv...)
		return
	}
	logger.Error(msg, kv...)
}

func errorLevel(err error) string {
	switch chaterrors.CategoryOf(err) {
	case chaterrors.CategoryValidation, chaterrors.CategoryNotFound, chaterrors.CategoryRateLimit,
		chaterrors.CategoryAuth, chaterrors.CategoryForbidden:
		return "warn"
	}
	return "error"
}
