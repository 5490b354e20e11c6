// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only envelope version this engine speaks.
// Envelopes carrying any other version are dropped on receive.
const ProtocolVersion = 3

// Opcode identifies the kind of a protocol envelope. The values are
// deliberately terse: envelopes travel inside chat messages and share
// the feed with human-readable traffic.
type Opcode string

const (
	OpInstall          Opcode = "i"
	OpAbort            Opcode = "a"
	OpData             Opcode = "d"
	OpEnd              Opcode = "e"
	OpJoin             Opcode = "j"
	OpGetTableSchema   Opcode = "tg"
	OpTableSchemaReply Opcode = "tr"
)

// Message is a decoded protocol envelope. The concrete types form a
// closed set, one per opcode, plus [Foreign] for opcodes this engine
// does not know.
type Message interface {
	opcode() Opcode
}

// ErrorDescriptor is the wire form of an error attached to an abort
// or a schema reply.
type ErrorDescriptor struct {
	Message string `json:"m"`
	Code    string `json:"c,omitempty"`
}

// RemoteError converts the descriptor into an error value.
func (d *ErrorDescriptor) RemoteError() *RemoteError {
	return &RemoteError{Code: d.Code, Message: d.Message}
}

// Install asks the receiver to typecheck and run a program on behalf
// of the sender.
type Install struct {
	ProgramID string
	Identity  string
	Code      string
}

// Abort tears down the named program on the receiver. Err is the
// cause, or nil for a deliberate stop.
type Abort struct {
	ProgramID string
	Err       *ErrorDescriptor
}

// Data carries one serialized tuple for a flow of a program.
type Data struct {
	ProgramID string
	Flow      string
	Payload   json.RawMessage
}

// End announces that the sender will emit no further data on the
// flow.
type End struct {
	ProgramID string
	Flow      string
}

// Join announces that the sender is participating in the program.
type Join struct {
	ProgramID string
}

// GetTableSchema asks the receiver for the schema of one of its
// memory tables. RequestID correlates the eventual reply.
type GetTableSchema struct {
	Table     string
	RequestID int64
}

// TableSchemaReply answers a GetTableSchema. Exactly one of Err or
// the Args/Types pair is meaningful.
type TableSchemaReply struct {
	RequestID int64
	Err       *ErrorDescriptor
	Args      []string
	Types     []string
}

// Foreign is an envelope with the right version but an opcode this
// engine does not implement. It is delivered so the dispatcher can
// skip it without failing; future protocol extensions must stay
// ignorable by older engines.
type Foreign struct {
	Op string
}

func (Install) opcode() Opcode          { return OpInstall }
func (Abort) opcode() Opcode            { return OpAbort }
func (Data) opcode() Opcode             { return OpData }
func (End) opcode() Opcode              { return OpEnd }
func (Join) opcode() Opcode             { return OpJoin }
func (GetTableSchema) opcode() Opcode   { return OpGetTableSchema }
func (TableSchemaReply) opcode() Opcode { return OpTableSchemaReply }
func (f Foreign) opcode() Opcode        { return Opcode(f.Op) }

// envelope is the flattened wire representation shared by every
// opcode. Field names match the protocol exactly and cannot change.
type envelope struct {
	Version   int              `json:"v"`
	Op        string           `json:"op"`
	UUID      string           `json:"uuid,omitempty"`
	Identity  string           `json:"id,omitempty"`
	Code      string           `json:"c,omitempty"`
	Flow      json.RawMessage  `json:"f,omitempty"`
	Data      json.RawMessage  `json:"d,omitempty"`
	Err       *ErrorDescriptor `json:"err,omitempty"`
	RequestID *int64           `json:"#,omitempty"`
	Table     string           `json:"t,omitempty"`
	Types     []string         `json:"types,omitempty"`
	Args      []string         `json:"args,omitempty"`
}

// Encode serializes a message into its wire envelope, stamping the
// current protocol version.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Version: ProtocolVersion, Op: string(msg.opcode())}
	switch m := msg.(type) {
	case Install:
		env.UUID = m.ProgramID
		env.Identity = m.Identity
		env.Code = m.Code
	case Abort:
		env.UUID = m.ProgramID
		env.Err = m.Err
	case Data:
		env.UUID = m.ProgramID
		env.Flow = encodeFlow(m.Flow)
		env.Data = m.Payload
	case End:
		env.UUID = m.ProgramID
		env.Flow = encodeFlow(m.Flow)
	case Join:
		env.UUID = m.ProgramID
	case GetTableSchema:
		env.Table = m.Table
		id := m.RequestID
		env.RequestID = &id
	case TableSchemaReply:
		id := m.RequestID
		env.RequestID = &id
		env.Err = m.Err
		env.Args = m.Args
		env.Types = m.Types
	default:
		return nil, fmt.Errorf("remote: cannot encode message type %T", msg)
	}
	return json.Marshal(env)
}

// Decode parses a wire envelope. It returns ErrVersionMismatch for a
// foreign protocol version, a Foreign message for an unknown opcode,
// and an error for payloads that are not envelopes at all.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("remote: parsing envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, env.Version, ProtocolVersion)
	}
	switch Opcode(env.Op) {
	case OpInstall:
		return Install{ProgramID: env.UUID, Identity: env.Identity, Code: env.Code}, nil
	case OpAbort:
		return Abort{ProgramID: env.UUID, Err: env.Err}, nil
	case OpData:
		flow, err := decodeFlow(env.Flow)
		if err != nil {
			return nil, err
		}
		return Data{ProgramID: env.UUID, Flow: flow, Payload: env.Data}, nil
	case OpEnd:
		flow, err := decodeFlow(env.Flow)
		if err != nil {
			return nil, err
		}
		return End{ProgramID: env.UUID, Flow: flow}, nil
	case OpJoin:
		return Join{ProgramID: env.UUID}, nil
	case OpGetTableSchema:
		return GetTableSchema{Table: env.Table, RequestID: requestID(env.RequestID)}, nil
	case OpTableSchemaReply:
		return TableSchemaReply{
			RequestID: requestID(env.RequestID),
			Err:       env.Err,
			Args:      env.Args,
			Types:     env.Types,
		}, nil
	default:
		return Foreign{Op: env.Op}, nil
	}
}

func requestID(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func encodeFlow(flow string) json.RawMessage {
	raw, err := json.Marshal(flow)
	if err != nil {
		// A string always marshals.
		panic(err)
	}
	return raw
}

// decodeFlow accepts both string and numeric flow ids: older engines
// send the flow index as a bare JSON number.
func decodeFlow(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("remote: invalid flow id %q", raw)
}
