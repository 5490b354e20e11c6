// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import "strings"

// Principal is a normalized remote party: either a feed (room) or a
// set of one or more accounts. Exactly one of the two forms is set.
// The zero value is neither; use IsZero to check.
type Principal struct {
	feed  string
	users []string
}

// Feed wraps a bare feed alias or id.
func Feed(alias string) Principal { return Principal{feed: alias} }

// Accounts wraps bare account ids.
func Accounts(ids ...string) Principal {
	return Principal{users: append([]string(nil), ids...)}
}

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool { return p.feed == "" && len(p.users) == 0 }

// IsFeed reports whether the principal addresses a whole feed.
func (p Principal) IsFeed() bool { return p.feed != "" }

// FeedAlias returns the bare feed alias. Empty unless IsFeed.
func (p Principal) FeedAlias() string { return p.feed }

// Users returns the bare account ids. Empty when IsFeed.
func (p Principal) Users() []string { return p.users }

// String renders the principal for logging.
func (p Principal) String() string {
	if p.IsFeed() {
		return "feed:" + p.feed
	}
	return "accounts:" + strings.Join(p.users, ",")
}

// accountPrefix returns the account address prefix for a transport
// (e.g. "matrix-account:").
func accountPrefix(transport string) string { return transport + "-account:" }

// roomPrefix returns the room address prefix for a transport.
func roomPrefix(transport string) string { return transport + "-room:" }

// AccountAddress returns the prefixed address form of a bare account
// id for the given transport.
func AccountAddress(transport, user string) string {
	return accountPrefix(transport) + user
}

// RoomAddress returns the prefixed address form of a bare feed id for
// the given transport.
func RoomAddress(transport, feed string) string {
	return roomPrefix(transport) + feed
}

// Parse normalizes a single-string principal for the given transport:
//
//   - "<transport>-account:<id>" becomes a one-account principal;
//   - "<transport>-room:<id>" becomes a feed principal with the bare id;
//   - anything else is treated as a bare feed alias.
func Parse(transport, raw string) Principal {
	if bare, ok := strings.CutPrefix(raw, accountPrefix(transport)); ok {
		return Principal{users: []string{bare}}
	}
	if bare, ok := strings.CutPrefix(raw, roomPrefix(transport)); ok {
		return Principal{feed: bare}
	}
	return Principal{feed: raw}
}

// ParseAccounts normalizes a list-form principal: each element is
// stripped of the transport's account prefix when present;
// already-bare ids pass through unchanged.
func ParseAccounts(transport string, raw []string) Principal {
	users := make([]string, len(raw))
	for i, element := range raw {
		users[i] = StripAccount(transport, element)
	}
	return Principal{users: users}
}

// StripAccount removes the transport's account prefix from an address
// when present. Bare ids pass through unchanged.
func StripAccount(transport, address string) string {
	if bare, ok := strings.CutPrefix(address, accountPrefix(transport)); ok {
		return bare
	}
	return address
}

// IsRoomAddress reports whether the raw address carries the
// transport's room prefix.
func IsRoomAddress(transport, raw string) bool {
	return strings.HasPrefix(raw, roomPrefix(transport))
}
