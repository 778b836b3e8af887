// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"strconv"
	"testing"
	"time"
)

const (
	FuzzMaxBytes = 1 << 16
	FuzzDeadline = 100 * time.Millisecond
)

// FuzzLimits returns the input cap and per-input deadline for fuzz
// targets. PTLND_FUZZ_MAX_BYTES and PTLND_FUZZ_DEADLINE override them.
func FuzzLimits() (int, time.Duration) {
	maxBytes, deadline := FuzzMaxBytes, FuzzDeadline
	if v, err := strconv.Atoi(os.Getenv("PTLND_FUZZ_MAX_BYTES")); err == nil && v > 0 {
		maxBytes = v
	}
	if v, err := time.ParseDuration(os.Getenv("PTLND_FUZZ_DEADLINE")); err == nil && v > 0 {
		deadline = v
	}
	return maxBytes, deadline
}

// Bounded runs fn on data cut to the input cap and fails t when fn is
// still running at the deadline.
func Bounded(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	maxBytes, deadline := FuzzLimits()
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("input of %d bytes still running after %s", len(data), deadline)
	}
}
