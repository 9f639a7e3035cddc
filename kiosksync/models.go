// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"encoding/json"
	"time"
)

// PendingOperation is a queued kiosk action awaiting server acknowledgment.
//
// Operations are created at enqueue time and never mutated afterwards; they
// are removed from the durable store only when the server explicitly
// acknowledges their ID.
type PendingOperation struct {
	ID             string         `json:"id"`
	Kind           string         `json:"operation_kind"`  // e.g. "add_points", "redeem_reward", "add_stamp"
	Payload        map[string]any `json:"payload"`         // opaque fields forwarded to the server
	EnqueuedAt     time.Time      `json:"enqueued_at"`     // establishes FIFO submission order
	IdempotencyKey string         `json:"idempotency_key"` // assigned once, stable across retries
}

// CachedRecord is the last known server representation of an entity
// (typically a customer), kept locally for offline lookups.
type CachedRecord struct {
	ID        string          `json:"id"`
	LookupKey string          `json:"lookup_key"` // secondary key, e.g. phone number
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"cached_at"`
}

// SyncRequest is the batch upload body for POST /kiosk/sync.
type SyncRequest struct {
	Operations []PendingOperation `json:"operations"`
}

// SyncResponse is the server's acknowledgment for a sync batch.
//
// Synced lists the operation IDs the server durably applied. A nil pointer
// (field absent from the response) means every submitted operation was
// acknowledged; an empty list means none were.
type SyncResponse struct {
	Synced *[]string `json:"synced,omitempty"`
}

// SyncResult reports the outcome of a single reconciliation round-trip.
type SyncResult struct {
	Synced []string // IDs acknowledged by the server, filtered to the submitted batch
}
