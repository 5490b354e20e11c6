// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/Schizo-Joe/thingengine-core/lib/channelstate"
	"github.com/Schizo-Joe/thingengine-core/lib/clock"
	"github.com/Schizo-Joe/thingengine-core/lib/principal"
	"github.com/Schizo-Joe/thingengine-core/messaging"
)

// Persisted key names. They are part of the on-disk format.
const (
	stateKeyJoinTimeout   = "join-timeout"
	stateKeyAllEnded      = "all-ended"
	stateKeySubscriptions = "subscriptions"
)

// stateNamespace returns the channel state namespace for a program.
func stateNamespace(programID string) string {
	return "remote-subscriptions-" + programID
}

// programState is the durable shared state of one remote program on
// this engine: its join grace deadline, whether the program as a
// whole has ended, and the per-flow subscription records.
//
// The backing store is loaded at most once; concurrent callers share
// the same load, and a load failure is memoized so every subsequent
// operation on the program fails the same way.
type programState struct {
	logger    *slog.Logger
	clk       clock.Clock
	fabric    messaging.Fabric
	store     *channelstate.Store
	programID string

	loadOnce sync.Once
	loadErr  error
	binder   *channelstate.Binder

	// joinDeadline is fixed by the first load and never extended,
	// not even by later joins.
	joinDeadline time.Time

	mu            sync.Mutex
	allEnded      bool
	subscriptions map[string]*Subscription
	records       map[string]flowRecord
}

func newProgramState(m *Manager, programID string) *programState {
	return &programState{
		logger:        m.logger.With("program", programID),
		clk:           m.clk,
		fabric:        m.fabric,
		store:         m.store,
		programID:     programID,
		subscriptions: make(map[string]*Subscription),
		records:       make(map[string]flowRecord),
	}
}

// load reads the program's namespace from the channel state store,
// stamping the join deadline on first creation.
func (st *programState) load(ctx context.Context, joinTimeout time.Duration) error {
	st.loadOnce.Do(func() {
		st.loadErr = st.doLoad(ctx, joinTimeout)
	})
	return st.loadErr
}

func (st *programState) doLoad(ctx context.Context, joinTimeout time.Duration) error {
	binder := channelstate.NewBinder(st.store)
	binder.Init(stateNamespace(st.programID))
	if err := binder.Open(ctx); err != nil {
		return fmt.Errorf("remote: opening state for program %s: %w", st.programID, err)
	}

	var deadlineMillis int64
	found, err := binder.Get(stateKeyJoinTimeout, &deadlineMillis)
	if err != nil {
		return fmt.Errorf("remote: reading join timeout: %w", err)
	}
	if !found {
		deadline := st.clk.Now().Add(joinTimeout)
		deadlineMillis = deadline.UnixMilli()
		if err := binder.Set(stateKeyJoinTimeout, deadlineMillis); err != nil {
			return fmt.Errorf("remote: recording join timeout: %w", err)
		}
	}
	st.joinDeadline = time.UnixMilli(deadlineMillis)

	var allEnded bool
	if _, err := binder.Get(stateKeyAllEnded, &allEnded); err != nil {
		return fmt.Errorf("remote: reading program state: %w", err)
	}

	records := make(map[string]flowRecord)
	if _, err := binder.Get(stateKeySubscriptions, &records); err != nil {
		return fmt.Errorf("remote: reading subscriptions: %w", err)
	}

	st.mu.Lock()
	st.binder = binder
	st.allEnded = allEnded
	st.records = records
	st.mu.Unlock()
	return nil
}

// persist writes the current membership state of every flow back to
// the store. Flows loaded from disk but not touched in this run are
// carried through unchanged.
func (st *programState) persist(ctx context.Context) error {
	st.mu.Lock()
	binder := st.binder
	if binder == nil {
		st.mu.Unlock()
		return fmt.Errorf("remote: program %s state not loaded", st.programID)
	}
	records := maps.Clone(st.records)
	for flowID, sub := range st.subscriptions {
		records[flowID] = sub.record()
	}
	allEnded := st.allEnded
	st.mu.Unlock()

	if err := binder.Set(stateKeySubscriptions, records); err != nil {
		return err
	}
	if err := binder.Set(stateKeyAllEnded, allEnded); err != nil {
		return err
	}
	return binder.FlushToDisk(ctx)
}

// subscription returns the flow's subscription, creating it from the
// persisted record (or empty) on first reference.
func (st *programState) subscription(flowID string) *Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	sub, ok := st.subscriptions[flowID]
	if !ok {
		sub = newSubscription(st, flowID, st.records[flowID])
		st.subscriptions[flowID] = sub
	}
	return sub
}

// subscribe attaches the expected remote principal to a flow,
// activating its subscription.
func (st *programState) subscribe(p principal.Principal, flowID string) *Subscription {
	sub := st.subscription(flowID)
	sub.setPrincipal(p)
	return sub
}

func (st *programState) ended() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.allEnded
}

func (st *programState) snapshot() []*Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	subs := make([]*Subscription, 0, len(st.subscriptions))
	for _, sub := range st.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// processJoin fans a join out to every known flow of the program.
func (st *programState) processJoin(ctx context.Context, sender string) {
	if st.ended() {
		st.logger.Info("dropping join, program already ended", "sender", sender)
		return
	}
	for _, sub := range st.snapshot() {
		sub.processJoin(ctx, sender)
	}
}

func (st *programState) processData(ctx context.Context, sender, flowID string, payload json.RawMessage) {
	if st.ended() {
		return
	}
	st.subscription(flowID).processData(sender, payload)
}

func (st *programState) processEnd(ctx context.Context, sender, flowID string) {
	if st.ended() {
		return
	}
	st.subscription(flowID).processEnd(ctx, sender)
}

// processAbort withdraws sender from every flow of the program.
func (st *programState) processAbort(ctx context.Context, sender string) {
	if st.ended() {
		return
	}
	for _, sub := range st.snapshot() {
		sub.processAbort(ctx, sender)
	}
}

// shutdown releases the program's in-memory resources without
// touching persisted state. Subscription Data channels close as if
// the flows had ended; the on-disk records keep their real state.
// Tuples still buffered for a consumer that stopped reading are
// dropped so the queue pumps can exit.
func (st *programState) shutdown() {
	for _, sub := range st.snapshot() {
		sub.mu.Lock()
		if sub.endTimer != nil {
			sub.endTimer.Stop()
			sub.endTimer = nil
		}
		sub.mu.Unlock()
		sub.queue.Discard()
	}
}

// markEnded declares the program finished on this engine: further
// message routing for it becomes a no-op and every open subscription
// delivers end-of-flow. Called when the local program instance
// terminates.
func (st *programState) markEnded(ctx context.Context) error {
	st.mu.Lock()
	if st.allEnded {
		st.mu.Unlock()
		return nil
	}
	st.allEnded = true
	subs := make([]*Subscription, 0, len(st.subscriptions))
	for _, sub := range st.subscriptions {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.allEnded = true
		if sub.endTimer != nil {
			sub.endTimer.Stop()
			sub.endTimer = nil
		}
		sub.mu.Unlock()
		sub.queue.Close()
	}
	return st.persist(ctx)
}
