// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for engine packages.
package testutil

import (
	"fmt"
	"sync/atomic"
	"time"
)

// testingT is the subset of *testing.T these helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. Encapsulates the timeout safety valve so individual tests do
// not hang on a channel that never delivers.
func RequireReceive[T any](t testingT, ch <-chan T, timeout time.Duration, message string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", message)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, message)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or deliver a value) within
// timeout, or fails the test.
func RequireClosed[T any](t testingT, ch <-chan T, timeout time.Duration, message string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, message)
	}
}

// RequireNoReceive asserts that ch stays silent (and open) for the
// given duration. Use sparingly: it costs real time.
func RequireNoReceive[T any](t testingT, ch <-chan T, wait time.Duration, message string) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", v, message)
		}
		t.Fatalf("channel unexpectedly closed: %s", message)
	case <-time.After(wait):
	}
}

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with a process-unique N. Use for
// program ids and flow ids that must be distinguishable across
// subtests sharing a loopback fabric.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
