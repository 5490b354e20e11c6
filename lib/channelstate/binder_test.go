// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package channelstate

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.db")
	store, err := OpenStore(StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestBinderRoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	binder := NewBinder(store)
	binder.Init("remote-subscriptions-prog1")
	if err := binder.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := binder.Set("members", []string{"alice", "bob"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := binder.Set("all-ended", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := binder.FlushToDisk(ctx); err != nil {
		t.Fatalf("FlushToDisk: %v", err)
	}
	store.Close()

	// Reopen the database and confirm the state survived.
	reopened, err := OpenStore(StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	binder = NewBinder(reopened)
	binder.Init("remote-subscriptions-prog1")
	if err := binder.Open(ctx); err != nil {
		t.Fatalf("Open after reopen: %v", err)
	}

	var members []string
	found, err := binder.Get("members", &members)
	if err != nil {
		t.Fatalf("Get members: %v", err)
	}
	if !found {
		t.Fatal("members key missing after reopen")
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("members = %v, want [alice bob]", members)
	}

	var ended bool
	if found, err = binder.Get("all-ended", &ended); err != nil || !found {
		t.Fatalf("Get all-ended: found=%v err=%v", found, err)
	}
	if !ended {
		t.Error("all-ended = false, want true")
	}
}

func TestBinderMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	binder := NewBinder(store)
	binder.Init("remote-subscriptions-empty")
	if err := binder.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var value string
	found, err := binder.Get("absent", &value)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get reported a missing key as present")
	}
}

func TestBinderNamespaceIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := NewBinder(store)
	first.Init("remote-subscriptions-a")
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Set("value", "a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.FlushToDisk(ctx); err != nil {
		t.Fatalf("FlushToDisk: %v", err)
	}

	second := NewBinder(store)
	second.Init("remote-subscriptions-b")
	if err := second.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	var value string
	found, err := second.Get("value", &value)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("namespace b sees namespace a's key")
	}

	namespaces, err := store.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	if len(namespaces) != 1 || namespaces[0] != "remote-subscriptions-a" {
		t.Errorf("Namespaces = %v, want [remote-subscriptions-a]", namespaces)
	}
}

func TestFlushCleanBinderIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	binder := NewBinder(store)
	binder.Init("remote-subscriptions-clean")
	if err := binder.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := binder.FlushToDisk(ctx); err != nil {
		t.Fatalf("FlushToDisk on clean binder: %v", err)
	}

	namespaces, err := store.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	if len(namespaces) != 0 {
		t.Errorf("clean flush wrote a row: %v", namespaces)
	}
}
