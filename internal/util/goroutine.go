package util

import (
	"fmt"
	"runtime/debug"

	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/metrics"
)

// SafeGo runs fn on its own goroutine. A panic is logged with its stack and
// counted under component instead of taking down every live chat.
func SafeGo(logger *golog.Logger, component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.GoroutinePanics.WithLabelValues(component).Inc()
				logger.Error("Panic recovered in goroutine",
					"component", component,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
