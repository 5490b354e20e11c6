// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package channelstate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Schizo-Joe/thingengine-core/lib/codec"
	"github.com/Schizo-Joe/thingengine-core/lib/sqlitepool"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS channel_state (
	namespace TEXT PRIMARY KEY,
	content   BLOB NOT NULL
);
`

// StoreConfig holds parameters for opening a channel-state store.
type StoreConfig struct {
	// Path is the SQLite database file path. Required.
	Path string

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Store owns the channel_state database. One Store serves every
// binder of one engine instance.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the channel-state database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("channelstate: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Namespaces returns every namespace present in the store, in
// lexicographic order. Used by inspection tooling.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var namespaces []string
	err = sqlitex.Execute(conn, "SELECT namespace FROM channel_state ORDER BY namespace", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			namespaces = append(namespaces, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("channelstate: listing namespaces: %w", err)
	}
	return namespaces, nil
}

// load reads the blob for a namespace. Returns (nil, false, nil) when
// the namespace has no stored state yet.
func (s *Store) load(ctx context.Context, namespace string) (map[string]codec.RawMessage, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn, "SELECT content FROM channel_state WHERE namespace = ?", &sqlitex.ExecOptions{
		Args: []any{namespace},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("channelstate: reading %q: %w", namespace, err)
	}
	if blob == nil {
		return nil, false, nil
	}

	var values map[string]codec.RawMessage
	if err := codec.Unmarshal(blob, &values); err != nil {
		return nil, false, fmt.Errorf("channelstate: decoding %q: %w", namespace, err)
	}
	return values, true, nil
}

// save writes the blob for a namespace, replacing any previous
// content.
func (s *Store) save(ctx context.Context, namespace string, values map[string]codec.RawMessage) error {
	blob, err := codec.Marshal(values)
	if err != nil {
		return fmt.Errorf("channelstate: encoding %q: %w", namespace, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO channel_state (namespace, content) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{namespace, blob},
	})
	if err != nil {
		return fmt.Errorf("channelstate: writing %q: %w", namespace, err)
	}
	return nil
}
