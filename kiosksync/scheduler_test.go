// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSubmitter counts calls and tracks in-flight concurrency so tests can
// assert the scheduler's mutual-exclusion guarantee.
type fakeSubmitter struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	batches     [][]PendingOperation
	delay       time.Duration
	respond     func(batch []PendingOperation) (*SyncResult, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, batch []PendingOperation) (*SyncResult, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	cp := make([]PendingOperation, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	respond := f.respond
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if respond != nil {
		return respond(batch)
	}
	acked := make([]string, 0, len(batch))
	for _, op := range batch {
		acked = append(acked, op.ID)
	}
	return &SyncResult{Synced: acked}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSubmitter) batch(i int) []PendingOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func newTestScheduler(t *testing.T, submitter *fakeSubmitter, monitor Monitor, interval time.Duration) (*Scheduler, *Store, *StatusBroadcaster) {
	t.Helper()
	store := openTestStore(t)
	status := NewStatusBroadcaster(StatusOffline, 0)
	s := NewScheduler(store, submitter, monitor, status, 50, interval, nil)
	return s, store, status
}

func TestSchedulerOfflineEnqueueThenOnline(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(false)
	// Long interval: only the connectivity trigger may cause the attempt.
	s, store, _ := newTestScheduler(t, submitter, monitor, time.Hour)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	op, err := s.Enqueue(ctx, "add_points", map[string]any{"points": float64(50)})
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Still offline: nothing should have been submitted.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, submitter.callCount())

	monitor.Set(true)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "queue should drain once online")

	require.Equal(t, 1, submitter.callCount())
	batch := submitter.batch(0)
	require.Len(t, batch, 1)
	require.Equal(t, "add_points", batch[0].Kind)
	require.Equal(t, op.IdempotencyKey, batch[0].IdempotencyKey)
}

func TestSchedulerPartialAcknowledgment(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(false)
	s, store, _ := newTestScheduler(t, submitter, monitor, time.Hour)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	a, err := s.Enqueue(ctx, "add_points", map[string]any{"points": float64(10)})
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, "add_stamp", map[string]any{"card": "coffee"})
	require.NoError(t, err)

	// First attempt acknowledges only A; later attempts ack everything.
	submitter.mu.Lock()
	submitter.respond = func(batch []PendingOperation) (*SyncResult, error) {
		submitter.mu.Lock()
		first := submitter.calls == 1
		submitter.mu.Unlock()
		if first {
			return &SyncResult{Synced: []string{a.ID}}, nil
		}
		acked := make([]string, 0, len(batch))
		for _, op := range batch {
			acked = append(acked, op.ID)
		}
		return &SyncResult{Synced: acked}, nil
	}
	submitter.mu.Unlock()

	monitor.Set(true)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Partial success re-kicks immediately, so B went out on a second
	// attempt without waiting for the timer.
	require.Equal(t, 2, submitter.callCount())
	require.Equal(t, b.ID, submitter.batch(1)[0].ID)
	require.Equal(t, b.IdempotencyKey, submitter.batch(1)[0].IdempotencyKey)
}

func TestSchedulerTransportErrorKeepsBatchAndKey(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(true)
	s, store, _ := newTestScheduler(t, submitter, monitor, 50*time.Millisecond)

	ctx := context.Background()

	failing := true
	var failMu sync.Mutex
	submitter.respond = func(batch []PendingOperation) (*SyncResult, error) {
		failMu.Lock()
		defer failMu.Unlock()
		if failing {
			return nil, &TransportError{Err: context.DeadlineExceeded}
		}
		acked := make([]string, 0, len(batch))
		for _, op := range batch {
			acked = append(acked, op.ID)
		}
		return &SyncResult{Synced: acked}, nil
	}

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	op, err := s.Enqueue(ctx, "record_transaction", map[string]any{"amount": float64(12)})
	require.NoError(t, err)

	// Let at least two failing attempts happen off the timer.
	require.Eventually(t, func() bool { return submitter.callCount() >= 2 },
		2*time.Second, 10*time.Millisecond)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "failed attempts must leave the batch queued")

	failMu.Lock()
	failing = false
	failMu.Unlock()

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Every attempt, failed or not, carried the key assigned at enqueue.
	for i := 0; i < submitter.callCount(); i++ {
		batch := submitter.batch(i)
		require.Len(t, batch, 1)
		require.Equal(t, op.IdempotencyKey, batch[0].IdempotencyKey)
	}
}

func TestSchedulerConnectivityFlapNeverRunsConcurrently(t *testing.T) {
	submitter := &fakeSubmitter{
		delay: 20 * time.Millisecond,
		// Never acknowledge, so the queue stays non-empty and every
		// trigger has work to fight over.
		respond: func([]PendingOperation) (*SyncResult, error) {
			return &SyncResult{}, nil
		},
	}
	monitor := NewManualMonitor(true)
	s, _, _ := newTestScheduler(t, submitter, monitor, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.Enqueue(ctx, "add_points", map[string]any{"points": float64(5)})
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		monitor.Set(false)
		monitor.Set(true)
		if i%5 == 0 {
			_, err := s.Enqueue(ctx, "add_stamp", map[string]any{"card": "tea"})
			require.NoError(t, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return submitter.callCount() >= 3 },
		2*time.Second, 5*time.Millisecond)
	s.Stop()

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	require.Equal(t, 1, submitter.maxInFlight, "attempts must never overlap")
}

func TestSchedulerStatusTransitions(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(false)
	s, _, status := newTestScheduler(t, submitter, monitor, time.Hour)

	var mu sync.Mutex
	var events []statusEvent
	unsubscribe := status.Subscribe(func(st Status, pending int) {
		mu.Lock()
		events = append(events, statusEvent{st, pending})
		mu.Unlock()
	})
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	_, err := s.Enqueue(ctx, "add_points", map[string]any{"points": float64(1)})
	require.NoError(t, err)
	monitor.Set(true)

	require.Eventually(t, func() bool {
		st, pending := status.Snapshot()
		return st == StatusOnline && pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, statusEvent{StatusOffline, 0}, events[0], "initial snapshot")
	require.Contains(t, events, statusEvent{StatusOffline, 1}, "offline enqueue")
	require.Contains(t, events, statusEvent{StatusSyncing, 1}, "attempt in flight")
	require.Equal(t, statusEvent{StatusOnline, 0}, events[len(events)-1], "drained")
}

func TestSchedulerEnqueueDuringAttemptKeepsSyncingStatus(t *testing.T) {
	release := make(chan struct{})
	submitter := &fakeSubmitter{
		respond: func(batch []PendingOperation) (*SyncResult, error) {
			<-release
			acked := make([]string, 0, len(batch))
			for _, op := range batch {
				acked = append(acked, op.ID)
			}
			return &SyncResult{Synced: acked}, nil
		},
	}
	monitor := NewManualMonitor(false)
	s, _, status := newTestScheduler(t, submitter, monitor, time.Hour)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	_, err := s.Enqueue(ctx, "add_points", map[string]any{"points": float64(1)})
	require.NoError(t, err)
	monitor.Set(true)

	require.Eventually(t, func() bool {
		st, _ := status.Snapshot()
		return st == StatusSyncing
	}, 2*time.Second, 5*time.Millisecond)

	// An enqueue landing while the attempt is blocked in flight must
	// refresh the pending count without downgrading the status.
	_, err = s.Enqueue(ctx, "add_stamp", map[string]any{"card": "tea"})
	require.NoError(t, err)
	st, pending := status.Snapshot()
	require.Equal(t, StatusSyncing, st)
	require.Equal(t, 2, pending)

	close(release)
	require.Eventually(t, func() bool {
		st, pending := status.Snapshot()
		return st == StatusOnline && pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// subscribeHookMonitor observes the moment the scheduler registers its
// connectivity subscription.
type subscribeHookMonitor struct {
	*ManualMonitor
	onSubscribe func()
}

func (m *subscribeHookMonitor) Subscribe(fn func(online bool)) func() {
	if m.onSubscribe != nil {
		m.onSubscribe()
	}
	return m.ManualMonitor.Subscribe(fn)
}

func TestSchedulerStartupConnectivityChangeNotLost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, store.Put(ctx, testOp("add_points", base)))
	require.NoError(t, store.Put(ctx, testOp("add_stamp", base.Add(time.Millisecond))))

	submitter := &fakeSubmitter{}
	status := NewStatusBroadcaster(StatusOffline, 0)
	monitor := &subscribeHookMonitor{ManualMonitor: NewManualMonitor(false)}
	monitor.onSubscribe = func() {
		// The startup snapshot must already be out before the subscription
		// goes live, so a transition delivered from now on can never be
		// overwritten by it.
		st, pending := status.Snapshot()
		require.Equal(t, StatusOffline, st)
		require.Equal(t, 2, pending)
		// Connectivity arrives in the gap before the listener registers.
		monitor.ManualMonitor.Set(true)
	}

	s := NewScheduler(store, submitter, monitor, status, 50, time.Hour, nil)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		st, pending := status.Snapshot()
		return st == StatusOnline && pending == 0
	}, 2*time.Second, 10*time.Millisecond, "a transition during startup must still be reconciled")
}

func TestSchedulerResumesQueueAfterRestart(t *testing.T) {
	monitor := NewManualMonitor(true)
	store := openTestStore(t)
	ctx := context.Background()

	// Simulate an operation left over from a previous process run.
	op := testOp("redeem_reward", time.Now().UTC())
	require.NoError(t, store.Put(ctx, op))

	submitter := &fakeSubmitter{}
	status := NewStatusBroadcaster(StatusOffline, 0)
	s := NewScheduler(store, submitter, monitor, status, 50, time.Hour, nil)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "startup should drain a surviving queue")
	require.Equal(t, op.IdempotencyKey, submitter.batch(0)[0].IdempotencyKey)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(false)
	s, _, _ := newTestScheduler(t, submitter, monitor, time.Hour)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()

	// Enqueue after Stop still persists durably; it just won't sync until
	// the next Start.
	_, err := s.Enqueue(context.Background(), "add_points", map[string]any{"points": float64(2)})
	require.NoError(t, err)
}

func TestSchedulerEnqueueStorageErrorPropagates(t *testing.T) {
	submitter := &fakeSubmitter{}
	monitor := NewManualMonitor(false)
	s, store, _ := newTestScheduler(t, submitter, monitor, time.Hour)

	// A dead database must surface to the caller; the kiosk UI has to tell
	// the customer the action did not happen.
	require.NoError(t, store.db.Close())

	_, err := s.Enqueue(context.Background(), "add_points", map[string]any{"points": float64(5)})
	require.Error(t, err)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, 0, submitter.callCount())
}
