// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import "sync"

// Status is the kiosk-facing sync state shown by UI indicators.
type Status string

const (
	StatusOnline  Status = "online"  // connected, queue drained or idle
	StatusSyncing Status = "syncing" // a reconciliation attempt is in flight
	StatusOffline Status = "offline" // no connectivity, operations queue locally
)

// StatusListener receives the current status and pending-operation count.
type StatusListener func(status Status, pending int)

// StatusBroadcaster publishes (status, pending count) to any number of
// subscribers. Delivery is synchronous and in subscription order; a new
// subscriber immediately receives the current snapshot so late UI elements
// never show stale state. This is a convenience channel, not a durability
// mechanism.
//
// Listeners are invoked with the broadcaster's lock held and must not call
// back into it.
type StatusBroadcaster struct {
	mu        sync.Mutex
	listeners []statusSub
	nextID    int
	status    Status
	pending   int
}

type statusSub struct {
	id int
	fn StatusListener
}

// NewStatusBroadcaster creates a broadcaster with an initial snapshot.
func NewStatusBroadcaster(status Status, pending int) *StatusBroadcaster {
	return &StatusBroadcaster{status: status, pending: pending}
}

// Subscribe registers a listener and synchronously delivers the current
// snapshot to it. The returned function removes the listener; calling it
// more than once is harmless.
func (b *StatusBroadcaster) Subscribe(fn StatusListener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, statusSub{id: id, fn: fn})
	fn(b.status, b.pending)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.listeners {
			if sub.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Set publishes a new snapshot. Listeners are only notified when the status
// or the pending count actually changed.
func (b *StatusBroadcaster) Set(status Status, pending int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status == status && b.pending == pending {
		return
	}
	b.status = status
	b.pending = pending
	for _, sub := range b.listeners {
		sub.fn(status, pending)
	}
}

// Snapshot returns the current status and pending count.
func (b *StatusBroadcaster) Snapshot() (Status, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.pending
}
