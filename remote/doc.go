// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the remote program synchronization
// protocol: the session and membership layer that lets one logical
// automation program, identified by a unique id, run simultaneously
// on several participants reachable over a chat-style messaging
// fabric.
//
// The fabric is fire-and-forget: at-least-once, unordered across
// feeds, no replies. On top of it this package coordinates who has
// joined a program, relays per-flow data tuples between participants,
// detects termination with a join-grace deadline that tolerates late
// joiners, and correlates request/response pairs for cross-peer table
// schema lookups.
//
// [Manager] is the entry point: it owns the per-program shared state
// registry and the schema RPC table, consumes the fabric's inbound
// stream on a single dispatch goroutine, and exposes the outbound
// operations (install, join, data, end, abort, schema request) to
// local callers. Per-program state is persisted through
// lib/channelstate so a restarted engine resumes its subscriptions.
//
// No failure of a single message is allowed to halt the dispatch
// loop: every handler catches and logs its own errors. The protocol
// favors availability over stopping on any one message.
package remote
