// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Schizo-Joe/thingengine-core/lib/channelstate"
	"github.com/Schizo-Joe/thingengine-core/lib/clock"
	"github.com/Schizo-Joe/thingengine-core/lib/principal"
	"github.com/Schizo-Joe/thingengine-core/messaging"
)

const (
	// DefaultJoinTimeout is the grace period after a program's state
	// is first created during which the program cannot end, giving
	// slow participants time to join.
	DefaultJoinTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds table schema requests.
	DefaultRequestTimeout = 10 * time.Second
)

// SchemaRequestPolicy decides whether a peer may read the schema of a
// local memory table.
type SchemaRequestPolicy func(sender, table string) bool

// Config carries the collaborators a Manager needs.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Fabric messaging.Fabric
	Store  *channelstate.Store

	Executor Executor
	Compiler Compiler
	Schemas  SchemaProvider
	Tiers    TierManager
	Devices  DeviceRegistry

	// JoinTimeout and RequestTimeout default to the package
	// constants when zero.
	JoinTimeout    time.Duration
	RequestTimeout time.Duration

	// SchemaPolicy gates incoming table schema requests. Nil allows
	// every request, matching the historical behavior.
	SchemaPolicy SchemaRequestPolicy
}

// Manager coordinates remote program execution over a messaging
// fabric. It routes every inbound protocol envelope on a single
// dispatch goroutine (see Run) and exposes the outbound protocol
// operations to the local engine.
type Manager struct {
	logger         *slog.Logger
	clk            clock.Clock
	fabric         messaging.Fabric
	store          *channelstate.Store
	executor       Executor
	compiler       Compiler
	schemas        SchemaProvider
	tiers          TierManager
	devices        DeviceRegistry
	joinTimeout    time.Duration
	requestTimeout time.Duration
	schemaPolicy   SchemaRequestPolicy

	programsMu sync.Mutex
	programs   map[string]*programState

	schemaMu       sync.Mutex
	schemaRequests map[int64]*schemaRequest
	nextRequestID  int64
}

// NewManager validates cfg and builds a Manager. Run must be called
// for inbound traffic to flow.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Fabric == nil:
		return nil, errors.New("remote: config needs a messaging fabric")
	case cfg.Store == nil:
		return nil, errors.New("remote: config needs a channel state store")
	case cfg.Executor == nil:
		return nil, errors.New("remote: config needs an executor")
	case cfg.Compiler == nil:
		return nil, errors.New("remote: config needs a compiler")
	case cfg.Schemas == nil:
		return nil, errors.New("remote: config needs a schema provider")
	case cfg.Tiers == nil:
		return nil, errors.New("remote: config needs a tier manager")
	case cfg.Devices == nil:
		return nil, errors.New("remote: config needs a device registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout == 0 {
		joinTimeout = DefaultJoinTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}
	policy := cfg.SchemaPolicy
	if policy == nil {
		policy = func(sender, table string) bool { return true }
	}
	return &Manager{
		logger:         logger.With("component", "remote"),
		clk:            clk,
		fabric:         cfg.Fabric,
		store:          cfg.Store,
		executor:       cfg.Executor,
		compiler:       cfg.Compiler,
		schemas:        cfg.Schemas,
		tiers:          cfg.Tiers,
		devices:        cfg.Devices,
		joinTimeout:    joinTimeout,
		requestTimeout: requestTimeout,
		schemaPolicy:   policy,
		programs:       make(map[string]*programState),
		schemaRequests: make(map[int64]*schemaRequest),
	}, nil
}

// Run consumes the fabric's inbound stream until ctx is canceled or
// the stream closes. Handlers log their own failures; no single
// message can stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-m.fabric.Inbound():
			if !ok {
				return nil
			}
			m.dispatch(ctx, item)
		}
	}
}

// Stop releases in-memory resources after Run has returned: pending
// timers are stopped and every open subscription's Data channel
// closes. Flow state on disk is untouched; a restarted engine resumes
// where it left off.
func (m *Manager) Stop() {
	m.programsMu.Lock()
	programs := make([]*programState, 0, len(m.programs))
	for _, st := range m.programs {
		programs = append(programs, st)
	}
	m.programsMu.Unlock()
	for _, st := range programs {
		st.shutdown()
	}
}

func (m *Manager) dispatch(ctx context.Context, item messaging.InboundItem) {
	sender := item.Item.Sender
	if sender == m.fabric.Account() {
		return
	}
	var raw []byte
	switch item.Item.Type {
	case messaging.ItemText:
		raw = []byte(item.Item.Text)
	case messaging.ItemApp:
		raw = item.Item.JSON
	default:
		return
	}

	msg, err := Decode(raw)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			m.logger.Warn("dropping envelope with mismatched protocol version",
				"sender", sender, "error", err)
		} else {
			m.logger.Debug("ignoring non-protocol item", "sender", sender, "error", err)
		}
		return
	}

	switch msg := msg.(type) {
	case Install:
		m.handleInstall(ctx, item.FeedID, sender, msg)
	case Abort:
		m.handleAbort(ctx, sender, msg)
	case Data:
		m.handleData(ctx, sender, msg)
	case End:
		m.handleEnd(ctx, sender, msg)
	case Join:
		m.handleJoin(ctx, sender, msg)
	case GetTableSchema:
		m.handleGetTableSchema(ctx, item.FeedID, sender, msg)
	case TableSchemaReply:
		m.handleTableSchemaReply(sender, msg)
	case Foreign:
		// Another protocol, or a future opcode. Not ours to judge.
	}
}

// sharedState returns the program's state, creating and loading it on
// first reference. The registry guarantees at most one programState
// per id, so the persisted blob has exactly one owner in this
// process.
func (m *Manager) sharedState(ctx context.Context, programID string) (*programState, error) {
	m.programsMu.Lock()
	st, ok := m.programs[programID]
	if !ok {
		st = newProgramState(m, programID)
		m.programs[programID] = st
	}
	m.programsMu.Unlock()

	if err := st.load(ctx, m.joinTimeout); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Manager) removeSharedState(programID string) {
	m.programsMu.Lock()
	delete(m.programs, programID)
	m.programsMu.Unlock()
}

// shouldHandleInstall applies the tier precedence rule: a cloud
// engine defers program installs to any paired phone, desktop or
// server engine, which is closer to the user's devices.
func (m *Manager) shouldHandleInstall() bool {
	if m.tiers.OwnTier() != TierCloud {
		return true
	}
	return !m.devices.HasDevice(DeviceOwnPhone) &&
		!m.devices.HasDevice(DeviceOwnDesktop) &&
		!m.devices.HasDevice(DeviceOwnServer)
}

func (m *Manager) handleInstall(ctx context.Context, feedID, sender string, msg Install) {
	if !m.shouldHandleInstall() {
		m.logger.Info("ignoring program install, a paired tier handles it",
			"sender", sender, "program", msg.ProgramID)
		return
	}

	room := principal.Feed(feedID)
	err := m.installProgram(ctx, room, sender, msg)
	if err == nil {
		return
	}
	m.logger.Error("failed to install remote program",
		"sender", sender, "program", msg.ProgramID, "error", err)
	m.removeSharedState(msg.ProgramID)
	if aerr := m.sendAbort(ctx, room, msg.ProgramID, err); aerr != nil {
		m.logger.Error("failed to send abort for rejected program",
			"program", msg.ProgramID, "error", aerr)
	}
}

func (m *Manager) installProgram(ctx context.Context, room principal.Principal, sender string, msg Install) error {
	if _, err := m.sharedState(ctx, msg.ProgramID); err != nil {
		return err
	}

	// Announce participation before typechecking: the other members
	// must count this engine even if the program is slow to start.
	if err := m.sendMessage(ctx, room, Join{ProgramID: msg.ProgramID}); err != nil {
		return fmt.Errorf("announcing join: %w", err)
	}

	program, err := m.compiler.Typecheck(ctx, msg.Code)
	if err != nil {
		if errorCode(err) == "" {
			err = &RemoteError{Code: CodeInvalid, Message: err.Error()}
		}
		return fmt.Errorf("typechecking program: %w", err)
	}

	account := principal.AccountAddress(m.fabric.Type(), sender)
	if err := m.executor.InstallProgram(ctx, account, msg.Identity, program, msg.ProgramID); err != nil {
		return fmt.Errorf("starting program: %w", err)
	}
	return nil
}

func (m *Manager) handleAbort(ctx context.Context, sender string, msg Abort) {
	if msg.Err != nil {
		m.logger.Warn("peer aborted program",
			"sender", sender, "program", msg.ProgramID,
			"remote_error", msg.Err.Message, "remote_code", msg.Err.Code)
	}
	st, err := m.sharedState(ctx, msg.ProgramID)
	if err != nil {
		m.logger.Error("failed to load state for abort", "program", msg.ProgramID, "error", err)
		return
	}
	st.processAbort(ctx, sender)
}

func (m *Manager) handleData(ctx context.Context, sender string, msg Data) {
	st, err := m.sharedState(ctx, msg.ProgramID)
	if err != nil {
		m.logger.Error("failed to load state for data", "program", msg.ProgramID, "error", err)
		return
	}
	st.processData(ctx, sender, msg.Flow, msg.Payload)
}

func (m *Manager) handleEnd(ctx context.Context, sender string, msg End) {
	st, err := m.sharedState(ctx, msg.ProgramID)
	if err != nil {
		m.logger.Error("failed to load state for end-of-flow", "program", msg.ProgramID, "error", err)
		return
	}
	st.processEnd(ctx, sender, msg.Flow)
}

func (m *Manager) handleJoin(ctx context.Context, sender string, msg Join) {
	st, err := m.sharedState(ctx, msg.ProgramID)
	if err != nil {
		m.logger.Error("failed to load state for join", "program", msg.ProgramID, "error", err)
		return
	}
	st.processJoin(ctx, sender)
}

// Subscribe registers the local consumer for one flow of a program,
// naming the remote principal whose members are allowed to feed it.
// The returned subscription's Data channel yields the flow's tuples.
func (m *Manager) Subscribe(ctx context.Context, p principal.Principal, programID, flowID string) (*Subscription, error) {
	st, err := m.sharedState(ctx, programID)
	if err != nil {
		return nil, err
	}
	return st.subscribe(m.normalize(p), flowID), nil
}

// SendData forwards one serialized tuple to the remote principal.
func (m *Manager) SendData(ctx context.Context, p principal.Principal, programID, flowID string, payload json.RawMessage) error {
	return m.sendMessage(ctx, m.normalize(p), Data{ProgramID: programID, Flow: flowID, Payload: payload})
}

// SendEndOfFlow tells the remote principal that this engine will send
// no more data on the flow.
func (m *Manager) SendEndOfFlow(ctx context.Context, p principal.Principal, programID, flowID string) error {
	return m.sendMessage(ctx, m.normalize(p), End{ProgramID: programID, Flow: flowID})
}

// AbortProgramRemote withdraws this engine from the program on the
// remote side. cause may be nil for a deliberate stop.
func (m *Manager) AbortProgramRemote(ctx context.Context, p principal.Principal, programID string, cause error) error {
	return m.sendAbort(ctx, m.normalize(p), programID, cause)
}

// InstallProgramRemote asks the remote principal to run a program.
// code is the program's source in portable form; identity names which
// of the sender's identities the program should run under.
func (m *Manager) InstallProgramRemote(ctx context.Context, p principal.Principal, identity, programID, code string) error {
	return m.sendMessage(ctx, m.normalize(p), Install{ProgramID: programID, Identity: identity, Code: code})
}

// MarkProgramEnded declares the local program instance finished:
// every open subscription delivers end-of-flow and later messages for
// the program are dropped.
func (m *Manager) MarkProgramEnded(ctx context.Context, programID string) error {
	st, err := m.sharedState(ctx, programID)
	if err != nil {
		return err
	}
	return st.markEnded(ctx)
}

func (m *Manager) sendAbort(ctx context.Context, p principal.Principal, programID string, cause error) error {
	msg := Abort{ProgramID: programID}
	if cause != nil {
		msg.Err = &ErrorDescriptor{Message: cause.Error(), Code: errorCode(cause)}
	}
	return m.sendMessage(ctx, p, msg)
}

// normalize strips this fabric's address prefixes from a principal,
// leaving bare account or room identifiers. Prefixes of other
// transports are preserved.
func (m *Manager) normalize(p principal.Principal) principal.Principal {
	transport := m.fabric.Type()
	if p.IsFeed() {
		return principal.Parse(transport, p.FeedAlias())
	}
	return principal.ParseAccounts(transport, p.Users())
}

func (m *Manager) sendMessage(ctx context.Context, p principal.Principal, msg Message) error {
	feed, err := m.resolveFeed(ctx, p)
	if err != nil {
		return err
	}
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return feed.SendItem(ctx, json.RawMessage(body))
}

// resolveFeed finds (or establishes) the feed behind a principal: the
// named room for feed principals, the shared feed with the listed
// accounts otherwise.
func (m *Manager) resolveFeed(ctx context.Context, p principal.Principal) (messaging.Feed, error) {
	var (
		feed messaging.Feed
		err  error
	)
	if p.IsFeed() {
		feed, err = m.fabric.GetFeedByAlias(ctx, p.FeedAlias())
	} else {
		feed, err = m.fabric.GetFeedWithContact(ctx, p.Users()...)
	}
	if err != nil {
		return nil, err
	}
	if err := feed.Open(ctx); err != nil {
		return nil, err
	}
	return feed, nil
}
