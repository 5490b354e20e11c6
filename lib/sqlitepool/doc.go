// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the engine-standard SQLite connection
// pool. It wraps zombiezen.com/go/sqlite with WAL journaling, NORMAL
// synchronous mode (durable across process crashes without per-commit
// fsync cost), and a busy timeout so concurrent writers wait instead
// of failing with SQLITE_BUSY.
//
// The channel-state store keeps every engine's persisted program
// state in one database managed through this pool.
package sqlitepool
