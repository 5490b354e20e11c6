// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Schizo-Joe/thingengine-core/lib/channelstate"
	"github.com/Schizo-Joe/thingengine-core/lib/clock"
	"github.com/Schizo-Joe/thingengine-core/lib/principal"
	"github.com/Schizo-Joe/thingengine-core/lib/schema"
	"github.com/Schizo-Joe/thingengine-core/lib/testutil"
	"github.com/Schizo-Joe/thingengine-core/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	engineAccount = "engine"
	waitTimeout   = 2 * time.Second
)

type installCall struct {
	principal string
	identity  string
	program   CompiledProgram
	programID string
}

type fakeExecutor struct {
	err      error
	installs chan installCall
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{installs: make(chan installCall, 16)}
}

func (e *fakeExecutor) InstallProgram(ctx context.Context, principal, identity string, program CompiledProgram, programID string) error {
	e.installs <- installCall{principal: principal, identity: identity, program: program, programID: programID}
	return e.err
}

// fakeCompiler passes the source through as the compiled program, or
// fails every program with err.
type fakeCompiler struct {
	err error
}

func (c *fakeCompiler) Typecheck(ctx context.Context, code string) (CompiledProgram, error) {
	if c.err != nil {
		return nil, c.err
	}
	return code, nil
}

type fakeSchemas struct {
	err    error
	tables map[string]*schema.TableSchema
}

func (s *fakeSchemas) GetSchema(ctx context.Context, table string) (*schema.TableSchema, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tables[table], nil
}

type fakeTiers struct {
	tier string
}

func (t *fakeTiers) OwnTier() string { return t.tier }

type fakeDevices map[string]bool

func (d fakeDevices) HasDevice(id string) bool { return d[id] }

// fixtureOptions tweaks the default single-engine test setup. The
// zero value gives a phone-tier engine on a fresh loopback fabric
// with a fake clock.
type fixtureOptions struct {
	network        *messaging.Loopback
	storePath      string
	clk            clock.Clock
	ownTier        string
	devices        []string
	requestTimeout time.Duration
	schemaPolicy   SchemaRequestPolicy
	compilerErr    error
	executorErr    error
	schemaTables   map[string]*schema.TableSchema
	schemaErr      error
}

type fixture struct {
	t        *testing.T
	network  *messaging.Loopback
	clk      *clock.FakeClock
	store    *channelstate.Store
	manager  *Manager
	executor *fakeExecutor
	client   *messaging.LoopbackClient

	stopOnce sync.Once
	runDone  chan error
}

func startManager(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	network := opts.network
	if network == nil {
		network = messaging.NewLoopback()
	}
	storePath := opts.storePath
	if storePath == "" {
		storePath = filepath.Join(t.TempDir(), "state.db")
	}
	var fakeClk *clock.FakeClock
	clk := opts.clk
	if clk == nil {
		fakeClk = clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
		clk = fakeClk
	}
	tier := opts.ownTier
	if tier == "" {
		tier = TierPhone
	}
	devices := make(fakeDevices)
	for _, id := range opts.devices {
		devices[id] = true
	}

	store, err := channelstate.OpenStore(channelstate.StoreConfig{Path: storePath})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	executor := newFakeExecutor()
	executor.err = opts.executorErr
	client := network.Client(engineAccount)
	manager, err := NewManager(Config{
		Clock:          clk,
		Fabric:         client,
		Store:          store,
		Executor:       executor,
		Compiler:       &fakeCompiler{err: opts.compilerErr},
		Schemas:        &fakeSchemas{err: opts.schemaErr, tables: opts.schemaTables},
		Tiers:          &fakeTiers{tier: tier},
		Devices:        devices,
		RequestTimeout: opts.requestTimeout,
		SchemaPolicy:   opts.schemaPolicy,
	})
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}

	fx := &fixture{
		t:        t,
		network:  network,
		clk:      fakeClk,
		store:    store,
		manager:  manager,
		executor: executor,
		client:   client,
		runDone:  make(chan error, 1),
	}
	go func() {
		fx.runDone <- manager.Run(context.Background())
	}()
	t.Cleanup(fx.stop)
	return fx
}

// stop shuts the fixture down in dependency order. Idempotent, so
// restart tests can call it before starting a second manager.
func (fx *fixture) stop() {
	fx.stopOnce.Do(func() {
		fx.client.Close()
		if err := testutil.RequireReceive(fx.t, fx.runDone, waitTimeout, "manager run loop exit"); err != nil {
			fx.t.Errorf("Run returned %v", err)
		}
		fx.manager.Stop()
		if err := fx.store.Close(); err != nil {
			fx.t.Errorf("closing store: %v", err)
		}
	})
}

// peer is a scripted remote engine on the loopback fabric.
type peer struct {
	t      *testing.T
	client *messaging.LoopbackClient
}

func (fx *fixture) peer(account string) *peer {
	client := fx.network.Client(account)
	fx.t.Cleanup(client.Close)
	return &peer{t: fx.t, client: client}
}

func (p *peer) send(feedRef string, msg Message) {
	p.t.Helper()
	body, err := Encode(msg)
	if err != nil {
		p.t.Fatalf("encoding %#v: %v", msg, err)
	}
	p.sendRaw(feedRef, body)
}

func (p *peer) sendRaw(feedRef string, body []byte) {
	p.t.Helper()
	ctx := context.Background()
	feed, err := p.client.GetFeedByAlias(ctx, feedRef)
	if err != nil {
		p.t.Fatalf("resolving feed %q: %v", feedRef, err)
	}
	if err := feed.SendItem(ctx, json.RawMessage(body)); err != nil {
		p.t.Fatalf("sending item: %v", err)
	}
}

// receive reads and decodes the next protocol envelope delivered to
// the peer.
func (p *peer) receive() (feedID string, msg Message) {
	p.t.Helper()
	item := testutil.RequireReceive(p.t, p.client.Inbound(), waitTimeout, "protocol envelope")
	decoded, err := Decode(item.Item.JSON)
	if err != nil {
		p.t.Fatalf("decoding %s: %v", item.Item.JSON, err)
	}
	return item.FeedID, decoded
}

func TestInstallRunsProgram(t *testing.T) {
	fx := startManager(t, fixtureOptions{})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog := testutil.UniqueID("prog")

	alice.send(room, Install{ProgramID: prog, Identity: "phone:+15551234567", Code: "now => notify;"})

	feedID, msg := alice.receive()
	join, ok := msg.(Join)
	if !ok {
		t.Fatalf("first reply is %T, want Join", msg)
	}
	if join.ProgramID != prog {
		t.Errorf("join program = %q, want %q", join.ProgramID, prog)
	}
	if feedID != room {
		t.Errorf("join arrived on feed %q, want %q", feedID, room)
	}

	call := testutil.RequireReceive(t, fx.executor.installs, waitTimeout, "executor install")
	if call.principal != "loopback-account:alice" {
		t.Errorf("principal = %q, want loopback-account:alice", call.principal)
	}
	if call.identity != "phone:+15551234567" {
		t.Errorf("identity = %q", call.identity)
	}
	if call.programID != prog {
		t.Errorf("programID = %q, want %q", call.programID, prog)
	}
	if call.program != "now => notify;" {
		t.Errorf("program = %#v", call.program)
	}
}

func TestInstallRejectedProgramJoinsThenAborts(t *testing.T) {
	fx := startManager(t, fixtureOptions{compilerErr: &RemoteError{Code: CodeInvalid, Message: "no such function"}})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog := testutil.UniqueID("prog")

	alice.send(room, Install{ProgramID: prog, Code: "now => bogus;"})

	// The join must come first: other members count this engine as a
	// participant even though the program never starts.
	if _, msg := alice.receive(); msg != (Join{ProgramID: prog}) {
		t.Fatalf("first reply = %#v, want join", msg)
	}
	_, msg := alice.receive()
	abort, ok := msg.(Abort)
	if !ok {
		t.Fatalf("second reply is %T, want Abort", msg)
	}
	if abort.ProgramID != prog {
		t.Errorf("abort program = %q, want %q", abort.ProgramID, prog)
	}
	if abort.Err == nil || abort.Err.Code != CodeInvalid {
		t.Errorf("abort error = %#v, want code %s", abort.Err, CodeInvalid)
	}

	select {
	case call := <-fx.executor.installs:
		t.Errorf("executor ran rejected program: %#v", call)
	default:
	}
}

func TestInstallExecutorFailureAborts(t *testing.T) {
	fx := startManager(t, fixtureOptions{executorErr: context.DeadlineExceeded})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog := testutil.UniqueID("prog")

	alice.send(room, Install{ProgramID: prog, Code: "now => notify;"})

	if _, msg := alice.receive(); msg != (Join{ProgramID: prog}) {
		t.Fatalf("first reply = %#v, want join", msg)
	}
	_, msg := alice.receive()
	abort, ok := msg.(Abort)
	if !ok {
		t.Fatalf("second reply is %T, want Abort", msg)
	}
	if abort.Err == nil || abort.Err.Code != "" {
		t.Errorf("abort error = %#v, want uncoded error", abort.Err)
	}
	if abort.Err != nil && !strings.Contains(abort.Err.Message, "starting program") {
		t.Errorf("abort message = %q", abort.Err.Message)
	}
}

func TestInstallCloudDefersToPairedTier(t *testing.T) {
	fx := startManager(t, fixtureOptions{
		ownTier: TierCloud,
		devices: []string{DeviceOwnPhone},
	})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")

	alice.send(room, Install{ProgramID: testutil.UniqueID("prog"), Code: "now => notify;"})

	testutil.RequireNoReceive(t, alice.client.Inbound(), 50*time.Millisecond, "cloud engine must not answer the install")
	select {
	case call := <-fx.executor.installs:
		t.Errorf("cloud engine ran the program: %#v", call)
	default:
	}
}

func TestInstallLoneCloudHandles(t *testing.T) {
	fx := startManager(t, fixtureOptions{ownTier: TierCloud})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog := testutil.UniqueID("prog")

	alice.send(room, Install{ProgramID: prog, Code: "now => notify;"})

	if _, msg := alice.receive(); msg != (Join{ProgramID: prog}) {
		t.Fatalf("reply = %#v, want join", msg)
	}
	testutil.RequireReceive(t, fx.executor.installs, waitTimeout, "executor install")
}

func TestDispatchSurvivesForeignTraffic(t *testing.T) {
	fx := startManager(t, fixtureOptions{})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog := testutil.UniqueID("prog")

	alice.sendRaw(room, []byte(`{"v":2,"op":"j","uuid":"old-engine"}`))
	alice.sendRaw(room, []byte(`{"v":3,"op":"xx"}`))
	alice.sendRaw(room, []byte(`"just chatting"`))
	alice.sendRaw(room, []byte(`{"some":"app"}`))

	// The loop is still alive: a real install goes through.
	alice.send(room, Install{ProgramID: prog, Code: "now => notify;"})
	if _, msg := alice.receive(); msg != (Join{ProgramID: prog}) {
		t.Fatalf("reply = %#v, want join", msg)
	}
}

func TestManagerConfigValidation(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Error("NewManager accepted an empty config")
	}
}

// drainData reads every currently expected payload from a
// subscription, failing on a timeout.
func drainData(t *testing.T, sub *Subscription, want []string) {
	t.Helper()
	for i, expected := range want {
		got := testutil.RequireReceive(t, sub.Data(), waitTimeout, "flow data")
		if string(got) != expected {
			t.Fatalf("payload %d = %s, want %s", i, got, expected)
		}
	}
}

func TestMarkProgramEnded(t *testing.T) {
	fx := startManager(t, fixtureOptions{})
	alice := fx.peer("alice")
	room := fx.network.CreateFeed(testutil.UniqueID("room"), engineAccount, "alice")
	prog, flow := testutil.UniqueID("prog"), "0"
	ctx := context.Background()

	sub, err := fx.manager.Subscribe(ctx, principal.Accounts("loopback-account:alice"), prog, flow)
	if err != nil {
		t.Fatal(err)
	}
	alice.send(room, Join{ProgramID: prog})
	alice.send(room, Data{ProgramID: prog, Flow: flow, Payload: json.RawMessage(`1`)})
	drainData(t, sub, []string{"1"})

	if err := fx.manager.MarkProgramEnded(ctx, prog); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, sub.Data(), waitTimeout, "subscription after program end")

	if err := fx.manager.MarkProgramEnded(ctx, testutil.UniqueID("unknown")); err != nil {
		t.Errorf("ending an unknown program: %v", err)
	}
}
