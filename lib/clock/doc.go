// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the engine's timeout-bearing
// components. Production code injects Real(); tests inject Fake() and
// drive timers deterministically with Advance.
package clock
