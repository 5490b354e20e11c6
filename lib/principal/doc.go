// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package principal canonicalizes remote-party addressing for a
// messaging transport.
//
// A distributed-program principal arrives in one of two prefixed
// address forms, "<transport>-account:<id>" for a single account and
// "<transport>-room:<id>" for a feed, or as already-bare identifiers.
// The remote protocol needs the bare form: installs and joins address
// a feed, data relay and schema requests address specific accounts.
// Normalization is pure string work with no transport calls.
package principal
