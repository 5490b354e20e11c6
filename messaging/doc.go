// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the engine's view of the chat-style
// messaging fabric that carries the remote program synchronization
// protocol.
//
// The fabric itself is an external collaborator: delivery guarantees,
// ordering across feeds, and encryption are its concern, not the
// engine's. The engine only needs to resolve feeds (by alias, or by
// the set of accounts that should share one), send structured items,
// list feed members, and consume a single inbound stream of items in
// arrival order.
//
// [Loopback] is an in-process implementation used by tests and by
// single-process deployments that run several engine instances for
// different users (the phone+server simulator does this). It delivers
// items between clients of the same Loopback instance with
// per-client FIFO ordering, which matches the guarantees the protocol
// assumes from a real fabric.
package messaging
