package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.ntppool.org/common/logger"
)

// TimeController allows controlling time in tests. It is safe for
// concurrent use so it can back a clock shared with goroutines.
type TimeController struct {
	mu      sync.Mutex
	frozen  bool
	current time.Time
	offset  time.Duration
}

// NewTimeController creates a new time controller
func NewTimeController() *TimeController {
	return &TimeController{current: time.Now()}
}

// NewFrozenTime returns a controller frozen at t.
func NewFrozenTime(t time.Time) *TimeController {
	tc := NewTimeController()
	tc.SetTime(t)
	return tc
}

// SetTime sets the current time
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = t
	tc.offset = -time.Until(t)
	tc.frozen = true
}

// Advance advances time by the given duration
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.frozen {
		tc.current = tc.current.Add(d)
	} else {
		tc.offset += d
	}
}

// Now returns the current controlled time
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.frozen {
		return tc.current
	}
	return time.Now().Add(tc.offset)
}

// TestLogger provides a debug level logger for tests
type TestLogger struct {
	t      *testing.T
	logger *slog.Logger
}

// NewTestLogger creates a new test logger
func NewTestLogger(t *testing.T) *TestLogger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	return &TestLogger{
		t:      t,
		logger: slog.New(handler),
	}
}

// Logger returns the slog.Logger instance
func (tl *TestLogger) Logger() *slog.Logger {
	return tl.logger
}

// Context returns a context carrying the test logger, cancelled when
// the test ends.
func (tl *TestLogger) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tl.t.Cleanup(cancel)
	return logger.NewContext(ctx, tl.logger)
}
