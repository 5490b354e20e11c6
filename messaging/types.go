// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
)

// Item types delivered by the fabric. Text items carry free-form
// text (which may itself be JSON); app items carry structured JSON
// payloads produced by programs rather than humans.
const (
	ItemText = "text"
	ItemApp  = "app"
)

// Item is one chat item as delivered by the fabric.
type Item struct {
	// Sender is the fabric-level account id of the originating user.
	Sender string

	// Type is ItemText or ItemApp. Other types exist on real fabrics
	// (pictures, receipts); consumers ignore types they do not know.
	Type string

	// Text is the body of a text item.
	Text string

	// JSON is the payload of an app item.
	JSON json.RawMessage
}

// InboundItem couples an Item with the feed it arrived on.
type InboundItem struct {
	FeedID string
	Item   Item
}

// Feed is one communication channel grouping one or more accounts.
type Feed interface {
	// ID returns the fabric-level feed identifier.
	ID() string

	// Open prepares the feed for sending. Idempotent.
	Open(ctx context.Context) error

	// SendItem sends a structured payload to every other member of
	// the feed. The payload is serialized as JSON.
	SendItem(ctx context.Context, payload any) error

	// Members returns the current member account ids of the feed.
	Members(ctx context.Context) ([]string, error)
}

// Fabric is the messaging transport collaborator.
type Fabric interface {
	// Type identifies the transport kind (e.g. "matrix", "loopback").
	// Principal address prefixes are derived from it.
	Type() string

	// Account returns the fabric-level account id of this client.
	Account() string

	// GetFeedByAlias resolves a feed by its alias or id.
	GetFeedByAlias(ctx context.Context, alias string) (Feed, error)

	// GetFeedWithContact finds or creates a feed shared with exactly
	// the given contacts.
	GetFeedWithContact(ctx context.Context, contacts ...string) (Feed, error)

	// Inbound returns the stream of items addressed to this client,
	// in arrival order. The engine's communication manager is the
	// sole consumer. The channel is closed when the client shuts
	// down.
	Inbound() <-chan InboundItem
}
