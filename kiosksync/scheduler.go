// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Scheduler drives reconciliation: it attempts a sync whenever there is a
// chance of success (connectivity restored, new operation enqueued while
// online, periodic timer) while guaranteeing that at most one attempt is
// ever in flight.
//
// All trigger sources funnel into a single 1-buffered kick channel drained
// by one worker goroutine, so concurrent triggers coalesce instead of
// stacking: a trigger that fires mid-attempt is satisfied by the attempt's
// own completion re-check.
type Scheduler struct {
	store   *Store
	client  Submitter
	monitor Monitor
	status  *StatusBroadcaster

	batchLimit   int
	syncInterval time.Duration
	logger       *slog.Logger

	kickCh      chan struct{}
	attempting  atomic.Bool // a submit is in flight; holds the syncing status
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

// NewScheduler wires a scheduler over its collaborators. Call Start to
// begin reconciling.
func NewScheduler(store *Store, client Submitter, monitor Monitor, status *StatusBroadcaster, batchLimit int, syncInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		client:       client,
		monitor:      monitor,
		status:       status,
		batchLimit:   batchLimit,
		syncInterval: syncInterval,
		logger:       logger,
		kickCh:       make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine, subscribes to connectivity
// transitions and publishes the initial status. Queued operations surviving
// a restart trigger an immediate attempt if the network is up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending count: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Publish the initial snapshot before the subscription goes live, so a
	// transition delivered during Start is never overwritten by it.
	online := s.monitor.Online()
	if online {
		s.status.Set(StatusOnline, count)
	} else {
		s.status.Set(StatusOffline, count)
	}
	pendingOperations.Set(float64(count))

	s.unsubscribe = s.monitor.Subscribe(func(online bool) {
		if online {
			s.logger.Info("connectivity restored")
			s.publishIdleStatus(workerCtx)
			s.kick()
		} else {
			s.logger.Info("connectivity lost, queuing locally")
			s.publishIdleStatus(workerCtx)
		}
	})

	s.wg.Add(1)
	go s.run(workerCtx)

	s.running = true

	// A transition in the gap between the snapshot and the subscription has
	// no listener yet; re-check and republish if the state moved.
	if s.monitor.Online() != online {
		s.publishIdleStatus(workerCtx)
	}
	if s.monitor.Online() && count > 0 {
		s.kick()
	}

	return nil
}

// Stop cancels the timer, unsubscribes from the connectivity monitor and
// waits for the worker to exit. An in-flight attempt completes or fails
// naturally rather than being aborted mid-transaction.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.cancel = nil
	s.unsubscribe = nil
}

// Enqueue durably appends a kiosk action to the queue and opportunistically
// kicks a sync when online. The idempotency key is generated here, before
// the durable put, and is never regenerated: every retry presents the same
// key to the server.
//
// A storage failure propagates to the caller — the action did not happen
// and the UI must say so.
func (s *Scheduler) Enqueue(ctx context.Context, kind string, payload map[string]any) (*PendingOperation, error) {
	op := &PendingOperation{
		ID:             uuid.New().String(),
		Kind:           kind,
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC(),
		IdempotencyKey: uuid.New().String(),
	}
	if err := s.store.Put(ctx, op); err != nil {
		return nil, err
	}

	s.publishIdleStatus(ctx)
	if s.monitor.Online() {
		s.kick()
	}
	return op, nil
}

// kick requests a sync attempt. The 1-buffered channel makes it a no-op
// when a request is already queued.
func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kickCh:
		}
		s.syncOnce(ctx)
	}
}

// syncOnce performs a single reconciliation attempt. It is only ever called
// from the worker goroutine, which is what makes attempts mutually
// exclusive.
func (s *Scheduler) syncOnce(ctx context.Context) {
	if !s.monitor.Online() {
		return
	}

	ops, err := s.store.ListOrderedByEnqueueTime(ctx)
	if err != nil {
		s.logger.Error("failed to list pending operations", "error", err)
		return
	}
	if len(ops) == 0 {
		s.status.Set(StatusOnline, 0)
		pendingOperations.Set(0)
		return
	}

	batch := ops
	if s.batchLimit > 0 && len(batch) > s.batchLimit {
		batch = batch[:s.batchLimit]
	}

	// attempting is raised before the syncing status goes out, so any
	// publish racing the attempt sees the flag and keeps the status.
	s.attempting.Store(true)
	s.status.Set(StatusSyncing, len(ops))
	syncAttemptsTotal.Inc()

	result, err := s.client.Submit(ctx, batch)
	s.attempting.Store(false)
	if err != nil {
		// No progress: the whole batch stays queued for the next trigger.
		syncFailuresTotal.Inc()
		s.logger.Warn("sync attempt failed", "batch", len(batch), "error", err)
		s.publishIdleStatus(ctx)
		return
	}

	if len(result.Synced) > 0 {
		if err := s.store.DeleteMany(ctx, result.Synced); err != nil {
			s.logger.Error("failed to delete acknowledged operations", "error", err)
			s.publishIdleStatus(ctx)
			return
		}
		opsAckedTotal.Add(float64(len(result.Synced)))
	}

	remaining, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("failed to read pending count", "error", err)
		return
	}
	s.logger.Info("sync attempt completed",
		"submitted", len(batch), "acked", len(result.Synced), "remaining", remaining)

	s.publishIdleStatus(ctx)

	// Partial success: more work remains and the server is accepting, so
	// schedule another attempt right away. When nothing was acknowledged we
	// leave the retry to the timer to avoid busy-looping against a server
	// that keeps rejecting the batch.
	if remaining > 0 && len(result.Synced) > 0 {
		s.kick()
	}
}

// publishIdleStatus broadcasts the non-syncing status derived from the
// monitor plus the current pending count. While a submit is in flight it
// refreshes the count only, so an enqueue or connectivity callback racing
// the attempt cannot downgrade the syncing status.
func (s *Scheduler) publishIdleStatus(ctx context.Context) {
	count, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("failed to read pending count", "error", err)
		_, count = s.status.Snapshot()
	}
	pendingOperations.Set(float64(count))
	switch {
	case s.attempting.Load():
		s.status.Set(StatusSyncing, count)
	case s.monitor.Online():
		s.status.Set(StatusOnline, count)
	default:
		s.status.Set(StatusOffline, count)
	}
}
