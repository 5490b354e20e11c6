// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// inboundBuffer is the per-client inbound channel capacity. Senders
// block when a receiver's buffer is full, which preserves FIFO
// delivery under backpressure instead of dropping.
const inboundBuffer = 256

// Loopback is an in-process messaging fabric connecting any number of
// clients. Feeds are shared across clients; an item sent to a feed is
// delivered to every member except the sender, in send order per
// sender.
type Loopback struct {
	mu      sync.Mutex
	feeds   map[string]*loopbackFeed // by feed id
	aliases map[string]string        // alias -> feed id
	clients map[string]*LoopbackClient
}

// loopbackFeed is the shared state of one feed.
type loopbackFeed struct {
	id      string
	members []string
}

// NewLoopback creates an empty in-process fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		feeds:   make(map[string]*loopbackFeed),
		aliases: make(map[string]string),
		clients: make(map[string]*LoopbackClient),
	}
}

// Client registers (or returns) the client for an account.
func (n *Loopback) Client(account string) *LoopbackClient {
	n.mu.Lock()
	defer n.mu.Unlock()

	if client, ok := n.clients[account]; ok {
		return client
	}
	client := &LoopbackClient{
		network: n,
		account: account,
		inbound: make(chan InboundItem, inboundBuffer),
	}
	n.clients[account] = client
	return client
}

// CreateFeed creates a feed with the given alias and members, and
// returns its id. Creating an existing alias returns the existing
// feed's id.
func (n *Loopback) CreateFeed(alias string, members ...string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if id, ok := n.aliases[alias]; ok {
		return id
	}
	feed := &loopbackFeed{
		id:      uuid.NewString(),
		members: append([]string(nil), members...),
	}
	n.feeds[feed.id] = feed
	n.aliases[alias] = feed.id
	return feed.id
}

// SetMembers replaces a feed's member list. Tests use this to model
// membership churn.
func (n *Loopback) SetMembers(feedID string, members ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	feed, ok := n.feeds[feedID]
	if !ok {
		return fmt.Errorf("messaging: no feed %q", feedID)
	}
	feed.members = append([]string(nil), members...)
	return nil
}

// lookup resolves an alias or feed id to the feed.
func (n *Loopback) lookup(ref string) (*loopbackFeed, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if id, ok := n.aliases[ref]; ok {
		ref = id
	}
	feed, ok := n.feeds[ref]
	return feed, ok
}

// deliver sends an item to every member of the feed except the
// sender. Delivery blocks per receiver when its buffer is full.
func (n *Loopback) deliver(feed *loopbackFeed, item Item) {
	n.mu.Lock()
	members := append([]string(nil), feed.members...)
	recipients := make([]*LoopbackClient, 0, len(members))
	for _, member := range members {
		if member == item.Sender {
			continue
		}
		if client, ok := n.clients[member]; ok {
			recipients = append(recipients, client)
		}
	}
	n.mu.Unlock()

	for _, client := range recipients {
		client.inbound <- InboundItem{FeedID: feed.id, Item: item}
	}
}

// LoopbackClient is one account's connection to the fabric.
type LoopbackClient struct {
	network *Loopback
	account string

	closeOnce sync.Once
	inbound   chan InboundItem
}

var _ Fabric = (*LoopbackClient)(nil)

// Type identifies the loopback transport.
func (c *LoopbackClient) Type() string { return "loopback" }

// Account returns the client's account id.
func (c *LoopbackClient) Account() string { return c.account }

// Inbound returns the client's delivery stream.
func (c *LoopbackClient) Inbound() <-chan InboundItem { return c.inbound }

// Close shuts the inbound stream. Idempotent. Items sent to this
// client after Close are dropped.
func (c *LoopbackClient) Close() {
	c.closeOnce.Do(func() {
		c.network.mu.Lock()
		delete(c.network.clients, c.account)
		c.network.mu.Unlock()
		close(c.inbound)
	})
}

// GetFeedByAlias resolves a feed by alias or id.
func (c *LoopbackClient) GetFeedByAlias(ctx context.Context, alias string) (Feed, error) {
	feed, ok := c.network.lookup(alias)
	if !ok {
		return nil, fmt.Errorf("messaging: no feed with alias %q", alias)
	}
	return &boundFeed{network: c.network, feed: feed, account: c.account}, nil
}

// GetFeedWithContact finds a feed whose members are exactly this
// client plus the given contacts, creating one if none exists.
func (c *LoopbackClient) GetFeedWithContact(ctx context.Context, contacts ...string) (Feed, error) {
	if len(contacts) == 0 {
		return nil, fmt.Errorf("messaging: GetFeedWithContact requires at least one contact")
	}

	wanted := append([]string{c.account}, contacts...)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	for _, feed := range c.network.feeds {
		members := append([]string(nil), feed.members...)
		slices.Sort(members)
		if slices.Equal(members, wanted) {
			return &boundFeed{network: c.network, feed: feed, account: c.account}, nil
		}
	}

	feed := &loopbackFeed{
		id:      uuid.NewString(),
		members: wanted,
	}
	c.network.feeds[feed.id] = feed
	return &boundFeed{network: c.network, feed: feed, account: c.account}, nil
}

// boundFeed is a feed viewed by one client; SendItem attributes items
// to that client.
type boundFeed struct {
	network *Loopback
	feed    *loopbackFeed
	account string
}

var _ Feed = (*boundFeed)(nil)

func (f *boundFeed) ID() string { return f.feed.id }

func (f *boundFeed) Open(ctx context.Context) error { return nil }

func (f *boundFeed) SendItem(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: marshaling item: %w", err)
	}
	f.network.deliver(f.feed, Item{
		Sender: f.account,
		Type:   ItemApp,
		JSON:   body,
	})
	return nil
}

func (f *boundFeed) Members(ctx context.Context) ([]string, error) {
	f.network.mu.Lock()
	defer f.network.mu.Unlock()
	return append([]string(nil), f.feed.members...), nil
}
