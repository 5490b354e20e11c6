// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"

	"github.com/Schizo-Joe/thingengine-core/lib/principal"
	"github.com/Schizo-Joe/thingengine-core/lib/schema"
)

type schemaReply struct {
	schema *schema.TableSchema
	err    error
}

// schemaRequest is one pending table schema lookup. Only a reply
// from the account the request was sent to resolves it.
type schemaRequest struct {
	sender string
	result chan schemaReply
}

// GetTableSchemaRemote asks a single remote account for the schema of
// one of its memory tables. rawPrincipal must name one account; rooms
// cannot answer schema requests. A peer answering "no such table"
// yields (nil, nil). The call gives up after the manager's request
// timeout; the request is not retried.
func (m *Manager) GetTableSchemaRemote(ctx context.Context, rawPrincipal, table string) (*schema.TableSchema, error) {
	transport := m.fabric.Type()
	if principal.IsRoomAddress(transport, rawPrincipal) {
		return nil, fmt.Errorf("remote: cannot gather table schemas from a room")
	}
	account := principal.StripAccount(transport, rawPrincipal)

	m.schemaMu.Lock()
	m.nextRequestID++
	id := m.nextRequestID
	req := &schemaRequest{sender: account, result: make(chan schemaReply, 1)}
	m.schemaRequests[id] = req
	m.schemaMu.Unlock()
	defer func() {
		m.schemaMu.Lock()
		delete(m.schemaRequests, id)
		m.schemaMu.Unlock()
	}()

	msg := GetTableSchema{Table: table, RequestID: id}
	if err := m.sendMessage(ctx, principal.Accounts(account), msg); err != nil {
		return nil, fmt.Errorf("remote: sending table schema request: %w", err)
	}

	select {
	case reply := <-req.result:
		return reply.schema, reply.err
	case <-m.clk.After(m.requestTimeout):
		return nil, fmt.Errorf("remote: table schema request for %q timed out", table)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleTableSchemaReply resolves the pending request the reply
// correlates to. Replies with an unknown id, or from a different
// account than the request went to, are dropped; a late reply after
// timeout finds no entry and is dropped the same way.
func (m *Manager) handleTableSchemaReply(sender string, msg TableSchemaReply) {
	m.schemaMu.Lock()
	req := m.schemaRequests[msg.RequestID]
	m.schemaMu.Unlock()
	if req == nil {
		m.logger.Debug("dropping unsolicited table schema reply", "sender", sender, "request", msg.RequestID)
		return
	}
	if sender != req.sender {
		m.logger.Warn("dropping table schema reply from wrong sender",
			"sender", sender, "expected", req.sender, "request", msg.RequestID)
		return
	}

	var reply schemaReply
	switch {
	case msg.Err != nil:
		if msg.Err.Code == CodeNotFound {
			// The peer has no such table. That is an answer, not a
			// failure.
			reply = schemaReply{}
		} else {
			reply = schemaReply{err: msg.Err.RemoteError()}
		}
	case msg.Args == nil, msg.Types == nil, len(msg.Args) != len(msg.Types):
		// A successful reply must carry both column arrays, matched
		// one to one.
		reply = schemaReply{err: &RemoteError{Code: CodeInvalid, Message: "malformed table schema reply"}}
	default:
		reply = schemaReply{schema: &schema.TableSchema{Args: msg.Args, Types: msg.Types}}
	}

	select {
	case req.result <- reply:
	default:
		// A duplicate reply; the first one already resolved the
		// request.
	}
}

// handleGetTableSchema answers a peer's schema request against the
// local memory tables.
func (m *Manager) handleGetTableSchema(ctx context.Context, feedID, sender string, msg GetTableSchema) {
	if !m.schemaPolicy(sender, msg.Table) {
		m.logger.Warn("refusing table schema request", "sender", sender, "table", msg.Table)
		return
	}

	reply := TableSchemaReply{RequestID: msg.RequestID}
	sch, err := m.schemas.GetSchema(ctx, msg.Table)
	switch {
	case err != nil:
		reply.Err = &ErrorDescriptor{Message: err.Error(), Code: errorCode(err)}
	case sch == nil:
		reply.Err = &ErrorDescriptor{Message: fmt.Sprintf("no such table %s", msg.Table), Code: CodeNotFound}
	default:
		reply.Args = sch.Args
		reply.Types = sch.Types
	}

	if err := m.sendMessage(ctx, principal.Feed(feedID), reply); err != nil {
		m.logger.Error("failed to send table schema reply", "sender", sender, "error", err)
	}
}
