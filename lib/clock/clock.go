// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source used by the remote protocol's join-grace
// and RPC timers. Production functions that would otherwise call
// time.Now, time.After, or time.AfterFunc take a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. The returned Timer cancels the pending call with
	// Stop.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was
// still pending; false means the timer already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }
