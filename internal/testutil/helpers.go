// Package testutil provides common test helpers and mock implementations
// shared by the support desk packages.
package testutil

import (
	"runtime"
	"testing"
	"time"

	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
)

// CreateTestLogger creates a logger for testing that writes to a temporary directory
func CreateTestLogger(t *testing.T) *golog.Logger {
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// AssertGoroutineCount fails when more than a handful of goroutines outlive
// the code under test, which usually means a pump or cleanup loop leaked.
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	const tolerance = 5
	t.Logf("goroutines (%s): %d -> %d", description, before, after)
	assert.LessOrEqual(t, after-before, tolerance, "goroutine leak: %s", description)
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines waits for goroutines to stabilize
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
