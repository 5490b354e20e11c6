// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"
	"sync"
)

// dataQueue bridges the dispatch goroutine to a subscription's local
// consumer. It buffers without bound so a slow consumer can never
// stall dispatch, and closes its output channel as the end-of-flow
// sentinel after every buffered item has been delivered.
type dataQueue struct {
	mu        sync.Mutex
	items     []json.RawMessage
	closed    bool
	discarded bool
	wake      chan struct{}
	done      chan struct{}
	out       chan json.RawMessage
}

func newDataQueue() *dataQueue {
	q := &dataQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan json.RawMessage),
	}
	go q.pump()
	return q
}

// Push appends one item. It is a no-op after Close.
func (q *dataQueue) Push(item json.RawMessage) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
	q.notify()
}

// Close marks the end of the queue. Buffered items are still
// delivered before the output channel closes. Close is idempotent.
func (q *dataQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Discard closes the queue and drops whatever is still buffered,
// releasing the pump even when no consumer is reading the output
// channel. Idempotent, and safe after Close.
func (q *dataQueue) Discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	if !q.discarded {
		q.discarded = true
		close(q.done)
	}
	q.mu.Unlock()
	q.notify()
}

// Out is the consumer side. Items arrive in Push order; the channel
// closes once the queue is closed and drained.
func (q *dataQueue) Out() <-chan json.RawMessage {
	return q.out
}

func (q *dataQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *dataQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			select {
			case q.out <- item:
			case <-q.done:
				close(q.out)
				return
			}
			continue
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			close(q.out)
			return
		}
		select {
		case <-q.wake:
		case <-q.done:
		}
	}
}
