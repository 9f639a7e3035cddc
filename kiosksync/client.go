// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// deviceTokenHeader carries the device identity on every request.
const deviceTokenHeader = "X-Device-Token"

// Submitter is the remote sync contract the scheduler depends on. SyncClient
// is the production implementation; tests substitute counters and fakes.
type Submitter interface {
	Submit(ctx context.Context, batch []PendingOperation) (*SyncResult, error)
}

// SyncClient serializes a batch of queued operations, posts them to the
// server's sync endpoint and interprets the acknowledgment. It never retries
// internally: retry cadence belongs to the scheduler so there is exactly one
// retry policy.
type SyncClient struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	logger  *slog.Logger
}

// NewSyncClient creates a SyncClient for the sync endpoint under baseURL.
func NewSyncClient(baseURL string, token TokenFunc, client *http.Client, logger *slog.Logger) *SyncClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncClient{
		baseURL: baseURL,
		token:   token,
		http:    client,
		logger:  logger,
	}
}

// Submit sends batch to POST {base}/kiosk/sync and returns the acknowledged
// IDs. Each operation carries the idempotency key assigned at enqueue time,
// so the server deduplicates retried submissions.
//
// A transport failure or non-2xx response yields a *TransportError and the
// caller must keep the whole batch queued. On success the acknowledgment may
// name a strict subset of the batch; IDs not in the submitted batch are
// discarded rather than trusted (a malformed acknowledgment must never
// delete operations the server did not receive). A response without a synced
// field acknowledges the entire batch.
func (c *SyncClient) Submit(ctx context.Context, batch []PendingOperation) (*SyncResult, error) {
	body, err := json.Marshal(&SyncRequest{Operations: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/kiosk/sync", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync request: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deviceTokenHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", string(respBody)),
		}
	}

	var syncResp SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode sync response: %w", err)}
	}

	submitted := make(map[string]bool, len(batch))
	for _, op := range batch {
		submitted[op.ID] = true
	}

	// Absent synced field means the server applied everything.
	if syncResp.Synced == nil {
		acked := make([]string, 0, len(batch))
		for _, op := range batch {
			acked = append(acked, op.ID)
		}
		return &SyncResult{Synced: acked}, nil
	}

	acked := make([]string, 0, len(*syncResp.Synced))
	for _, id := range *syncResp.Synced {
		if !submitted[id] {
			c.logger.Warn("server acknowledged unknown operation id, ignoring", "id", id)
			continue
		}
		acked = append(acked, id)
	}
	return &SyncResult{Synced: acked}, nil
}
