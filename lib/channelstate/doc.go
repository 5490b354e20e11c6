// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package channelstate persists namespaced key-value state blobs for
// long-lived engine components. Each namespace (one per distributed
// program) maps to a single row in a SQLite database; the row content
// is a CBOR-encoded map of keys to values.
//
// The access pattern is binder-oriented: a component creates a
// [Binder], points it at its namespace with Init, loads the stored
// blob with Open, reads and writes keys in memory, marks itself dirty
// with Changed or Set, and writes the whole blob back with
// FlushToDisk. Binders for distinct namespaces never contend beyond
// the SQLite write lock.
package channelstate
