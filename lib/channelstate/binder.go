// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package channelstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/Schizo-Joe/thingengine-core/lib/codec"
)

// Binder is the in-memory view of one namespace's persisted state.
// Create with NewBinder, point at a namespace with Init, and load with
// Open before the first Get.
//
// Binder is safe for concurrent use, but the usual owner is a single
// component that already serializes its own access.
type Binder struct {
	store *Store

	mu        sync.Mutex
	namespace string
	values    map[string]codec.RawMessage
	opened    bool
	dirty     bool
}

// NewBinder creates an unbound Binder over the store.
func NewBinder(store *Store) *Binder {
	return &Binder{store: store}
}

// Init sets the namespace this binder reads and writes. Must be
// called exactly once, before Open.
func (b *Binder) Init(namespace string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.namespace = namespace
}

// Open loads the stored blob for the namespace. A namespace with no
// stored state opens empty. Calling Open again reloads from disk,
// discarding unflushed changes.
func (b *Binder) Open(ctx context.Context) error {
	b.mu.Lock()
	namespace := b.namespace
	b.mu.Unlock()

	if namespace == "" {
		return fmt.Errorf("channelstate: Open before Init")
	}

	values, found, err := b.store.load(ctx, namespace)
	if err != nil {
		return err
	}
	if !found {
		values = make(map[string]codec.RawMessage)
	}

	b.mu.Lock()
	b.values = values
	b.opened = true
	b.dirty = false
	b.mu.Unlock()
	return nil
}

// Get decodes the value stored under key into out. Returns false when
// the key is absent.
func (b *Binder) Get(key string, out any) (bool, error) {
	b.mu.Lock()
	raw, found := b.values[key]
	b.mu.Unlock()

	if !found {
		return false, nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("channelstate: decoding key %q: %w", key, err)
	}
	return true, nil
}

// Set stores value under key and marks the binder dirty. The value is
// encoded immediately, so later mutations of the caller's copy are
// not visible until the next Set.
func (b *Binder) Set(key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("channelstate: encoding key %q: %w", key, err)
	}

	b.mu.Lock()
	if b.values == nil {
		b.values = make(map[string]codec.RawMessage)
	}
	b.values[key] = raw
	b.dirty = true
	b.mu.Unlock()
	return nil
}

// Changed marks the binder dirty without modifying a key. Callers use
// it after mutating shared in-memory state that the owner re-Sets
// before flushing.
func (b *Binder) Changed() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// FlushToDisk writes the blob back to the store if the binder is
// dirty. A clean binder is a no-op.
func (b *Binder) FlushToDisk(ctx context.Context) error {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	namespace := b.namespace
	snapshot := make(map[string]codec.RawMessage, len(b.values))
	for key, raw := range b.values {
		snapshot[key] = raw
	}
	b.mu.Unlock()

	if err := b.store.save(ctx, namespace, snapshot); err != nil {
		return err
	}

	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return nil
}
