// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding for
// persisted state blobs. Wire messages between peers are JSON (the
// messaging fabric carries chat items); CBOR is used only on disk,
// where deterministic encoding keeps unchanged state byte-stable.
package codec
