// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the table-schema descriptor exchanged
// between peers. A schema describes one named memory table of the
// automation language: parallel lists of argument names and their
// serialized type strings. Type strings are opaque to the engine
// core; the program compiler owns their meaning.
package schema

import "fmt"

// TableSchema describes the arguments of one memory table.
// Args and Types are parallel: Types[i] is the serialized type of
// Args[i].
type TableSchema struct {
	Args  []string `json:"args"`
	Types []string `json:"types"`
}

// Validate checks the parallel-array invariant.
func (s *TableSchema) Validate() error {
	if len(s.Args) != len(s.Types) {
		return fmt.Errorf("schema: %d args but %d types", len(s.Args), len(s.Types))
	}
	return nil
}
