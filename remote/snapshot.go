// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"strings"
	"time"

	"github.com/Schizo-Joe/thingengine-core/lib/channelstate"
)

// FlowSnapshot is the persisted membership state of one flow, as read
// by inspection tooling.
type FlowSnapshot struct {
	Members     []string `json:"members"`
	MemberEnded []string `json:"member_ended"`
	AllEnded    bool     `json:"all_ended"`
}

// ProgramSnapshot is the persisted state of one remote program.
type ProgramSnapshot struct {
	ProgramID    string                  `json:"program_id"`
	JoinDeadline time.Time               `json:"join_deadline"`
	AllEnded     bool                    `json:"all_ended"`
	Flows        map[string]FlowSnapshot `json:"flows"`
}

// ListPrograms returns the ids of every program with persisted state
// in the store, in lexicographic order.
func ListPrograms(ctx context.Context, store *channelstate.Store) ([]string, error) {
	namespaces, err := store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var programs []string
	for _, namespace := range namespaces {
		if id, ok := strings.CutPrefix(namespace, "remote-subscriptions-"); ok {
			programs = append(programs, id)
		}
	}
	return programs, nil
}

// ReadProgramState reads a program's persisted state without going
// through a Manager. Returns found=false when the program has no
// stored state.
func ReadProgramState(ctx context.Context, store *channelstate.Store, programID string) (*ProgramSnapshot, bool, error) {
	binder := channelstate.NewBinder(store)
	binder.Init(stateNamespace(programID))
	if err := binder.Open(ctx); err != nil {
		return nil, false, err
	}

	var deadlineMillis int64
	foundDeadline, err := binder.Get(stateKeyJoinTimeout, &deadlineMillis)
	if err != nil {
		return nil, false, err
	}

	records := make(map[string]flowRecord)
	foundRecords, err := binder.Get(stateKeySubscriptions, &records)
	if err != nil {
		return nil, false, err
	}
	if !foundDeadline && !foundRecords {
		return nil, false, nil
	}

	snapshot := &ProgramSnapshot{
		ProgramID: programID,
		Flows:     make(map[string]FlowSnapshot, len(records)),
	}
	if foundDeadline {
		snapshot.JoinDeadline = time.UnixMilli(deadlineMillis)
	}
	if _, err := binder.Get(stateKeyAllEnded, &snapshot.AllEnded); err != nil {
		return nil, false, err
	}
	for flowID, rec := range records {
		snapshot.Flows[flowID] = FlowSnapshot{
			Members:     rec.Members,
			MemberEnded: rec.MemberEnded,
			AllEnded:    rec.AllEnded,
		}
	}
	return snapshot, true, nil
}
