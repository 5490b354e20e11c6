// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", fake.Now(), start)
	}

	fake.Advance(time.Minute)
	if !fake.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("Now() after Advance = %v, want %v", fake.Now(), start.Add(time.Minute))
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	channel := fake.After(10 * time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before the deadline")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired one second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at the deadline")
	}
}

func TestFakeAfterImmediate(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterFunc(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := 0
	fake.AfterFunc(5*time.Second, func() { fired++ })

	fake.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatal("callback fired before the deadline")
	}

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}

	// A second Advance must not re-fire a one-shot timer.
	fake.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("callback fired %d times after extra Advance, want 1", fired)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	timer := fake.AfterFunc(5*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false for a pending timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}

	fake.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeAfterFuncOrdering(t *testing.T) {
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	fake.AfterFunc(time.Second, func() { order = append(order, "early") })

	fake.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("callbacks fired in order %v, want [early late]", order)
	}
}
