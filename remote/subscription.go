// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/Schizo-Joe/thingengine-core/lib/clock"
	"github.com/Schizo-Joe/thingengine-core/lib/principal"
)

// flowRecord is the persisted form of one flow's membership state.
// Key names are part of the on-disk format.
type flowRecord struct {
	Members     []string `cbor:"members"`
	MemberEnded []string `cbor:"member-ended"`
	AllEnded    bool     `cbor:"all-ended"`
}

// Subscription is the receiving end of one flow of a remote program:
// it tracks which accepted members have joined, which have signaled
// end, queues inbound tuples for the local consumer, and decides when
// the flow as a whole has ended.
//
// A subscription starts uninitialized; it accepts no joins until
// [Manager.Subscribe] attaches the expected remote principal. Once
// every joined member has ended and the program's join grace deadline
// has passed, the subscription ends: its Data channel closes after
// the last queued tuple.
type Subscription struct {
	logger *slog.Logger
	clk    clock.Clock
	state  *programState
	flowID string

	mu          sync.Mutex
	principal   principal.Principal
	members     map[string]struct{}
	memberEnded map[string]struct{}
	allEnded    bool
	endTimer    *clock.Timer
	queue       *dataQueue
}

func newSubscription(state *programState, flowID string, rec flowRecord) *Subscription {
	s := &Subscription{
		logger:      state.logger.With("flow", flowID),
		clk:         state.clk,
		state:       state,
		flowID:      flowID,
		members:     make(map[string]struct{}, len(rec.Members)),
		memberEnded: make(map[string]struct{}, len(rec.MemberEnded)),
		allEnded:    rec.AllEnded,
		queue:       newDataQueue(),
	}
	for _, m := range rec.Members {
		s.members[m] = struct{}{}
	}
	for _, m := range rec.MemberEnded {
		s.memberEnded[m] = struct{}{}
	}
	if rec.AllEnded {
		// The flow ended in a previous run of the engine. The
		// consumer still needs the end-of-flow sentinel; the queue
		// pump delivers it without blocking construction.
		s.queue.Close()
	}
	return s
}

// FlowID returns the flow this subscription receives.
func (s *Subscription) FlowID() string {
	return s.flowID
}

// Data yields inbound tuples in arrival order. The channel closes
// when the flow ends, after the last buffered tuple.
func (s *Subscription) Data() <-chan json.RawMessage {
	return s.queue.Out()
}

// setPrincipal moves the subscription out of the uninitialized state.
func (s *Subscription) setPrincipal(p principal.Principal) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

func (s *Subscription) record() flowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := flowRecord{
		Members:     make([]string, 0, len(s.members)),
		MemberEnded: make([]string, 0, len(s.memberEnded)),
		AllEnded:    s.allEnded,
	}
	for m := range s.members {
		rec.Members = append(rec.Members, m)
	}
	for m := range s.memberEnded {
		rec.MemberEnded = append(rec.MemberEnded, m)
	}
	sort.Strings(rec.Members)
	sort.Strings(rec.MemberEnded)
	return rec
}

// processJoin admits sender if the attached principal accepts it.
// Joins before the principal is set, from unlisted accounts, or after
// the flow ended are logged and dropped; a repeat join from an
// existing member is a no-op.
func (s *Subscription) processJoin(ctx context.Context, sender string) {
	s.mu.Lock()
	p := s.principal
	ended := s.allEnded
	s.mu.Unlock()
	if ended {
		return
	}
	if p.IsZero() {
		s.logger.Error("dropping join for uninitialized subscription", "sender", sender)
		return
	}

	ok, err := s.acceptsSender(ctx, p, sender)
	if err != nil {
		s.logger.Error("failed to check join eligibility", "sender", sender, "error", err)
		return
	}
	if !ok {
		s.logger.Warn("dropping join from unexpected sender", "sender", sender)
		return
	}

	s.mu.Lock()
	if s.allEnded {
		s.mu.Unlock()
		return
	}
	if _, member := s.members[sender]; member {
		s.mu.Unlock()
		return
	}
	s.members[sender] = struct{}{}
	s.mu.Unlock()

	if err := s.state.persist(ctx); err != nil {
		s.logger.Error("failed to persist membership change", "error", err)
	}
}

// acceptsSender checks sender against the subscription's principal: a
// listed account for account principals, a current room member for
// feed principals. The eligibility check may call out to the fabric,
// so flow state is re-validated by the caller afterwards.
func (s *Subscription) acceptsSender(ctx context.Context, p principal.Principal, sender string) (bool, error) {
	if p.IsFeed() {
		feed, err := s.state.fabric.GetFeedByAlias(ctx, p.FeedAlias())
		if err != nil {
			return false, err
		}
		members, err := feed.Members(ctx)
		if err != nil {
			return false, err
		}
		return slices.Contains(members, sender), nil
	}
	return slices.Contains(p.Users(), sender), nil
}

// processData queues one tuple from sender. Data from a non-member is
// an anomaly: the sender never joined, or its join was dropped.
func (s *Subscription) processData(sender string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allEnded {
		return
	}
	if _, member := s.members[sender]; !member {
		s.logger.Warn("dropping data from non-member", "sender", sender)
		return
	}
	s.queue.Push(payload)
}

// processEnd records that sender has finished the flow and
// re-evaluates termination.
func (s *Subscription) processEnd(ctx context.Context, sender string) {
	s.mu.Lock()
	if s.allEnded {
		s.mu.Unlock()
		return
	}
	if _, member := s.members[sender]; !member {
		s.mu.Unlock()
		s.logger.Warn("dropping end-of-flow from non-member", "sender", sender)
		return
	}
	s.memberEnded[sender] = struct{}{}
	s.mu.Unlock()
	s.checkEnded(ctx)
}

// processAbort withdraws sender from the flow entirely. A member
// leaving can be the event that completes the flow.
func (s *Subscription) processAbort(ctx context.Context, sender string) {
	s.mu.Lock()
	if s.allEnded {
		s.mu.Unlock()
		return
	}
	if _, member := s.members[sender]; !member {
		s.mu.Unlock()
		return
	}
	delete(s.members, sender)
	delete(s.memberEnded, sender)
	s.mu.Unlock()
	s.checkEnded(ctx)
}

// checkEnded applies the termination rule: the flow ends once every
// member has ended and the program's join deadline has passed. The
// deadline tolerates participants whose join is still in flight; it
// is fixed when the program state is first created and never moves.
func (s *Subscription) checkEnded(ctx context.Context) {
	s.mu.Lock()
	if s.allEnded {
		s.mu.Unlock()
		return
	}
	if len(s.members) != len(s.memberEnded) {
		s.mu.Unlock()
		if err := s.state.persist(ctx); err != nil {
			s.logger.Error("failed to persist flow state", "error", err)
		}
		return
	}
	now := s.clk.Now()
	deadline := s.state.joinDeadline
	if now.Before(deadline) {
		if s.endTimer == nil {
			s.endTimer = s.clk.AfterFunc(deadline.Sub(now), func() {
				s.mu.Lock()
				s.endTimer = nil
				s.mu.Unlock()
				s.checkEnded(context.Background())
			})
		}
		s.mu.Unlock()
		if err := s.state.persist(ctx); err != nil {
			s.logger.Error("failed to persist flow state", "error", err)
		}
		return
	}
	s.allEnded = true
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.mu.Unlock()

	// The consumer must observe end-of-flow even if the state store
	// is unavailable; a persistence failure is logged, not fatal.
	if err := s.state.persist(ctx); err != nil {
		s.logger.Error("failed to persist flow completion", "error", err)
	}
	s.queue.Close()
}
