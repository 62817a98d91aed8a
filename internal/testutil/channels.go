// Package testutil provides helpers shared by package tests.
package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/logger"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout bounds waits for goroutines and callbacks.
	DefaultTestTimeout = 2 * time.Second

	// PollInterval is the tick used with require.Eventually.
	PollInterval = time.Millisecond
)

// Logger returns a logger that drops everything below error and writes
// nowhere.
func Logger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// Receive waits for a value on ch or fails the test after timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "%s: channel closed", msg)
		return v
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
	var zero T
	return zero
}

// RequireClosed drains ch until it is closed or fails after timeout.
func RequireClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			require.Fail(t, msg)
			return
		}
	}
}
