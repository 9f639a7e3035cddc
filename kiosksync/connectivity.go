// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports network reachability. Implementations must deliver
// transitions asynchronously with respect to the code that caused them and
// must never block on Online.
type Monitor interface {
	// Online reports the last observed reachability state.
	Online() bool
	// Subscribe registers a listener for reachability transitions and
	// returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// connListeners is the shared subscriber registry for Monitor
// implementations.
type connListeners struct {
	mu     sync.Mutex
	subs   []connSub
	nextID int
	online bool
}

type connSub struct {
	id int
	fn func(online bool)
}

func (l *connListeners) isOnline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *connListeners) subscribe(fn func(online bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs = append(l.subs, connSub{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subs {
			if sub.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// set records the new state and notifies subscribers on transitions.
// Notification happens outside the lock so listeners may query the monitor.
func (l *connListeners) set(online bool) {
	l.mu.Lock()
	if l.online == online {
		l.mu.Unlock()
		return
	}
	l.online = online
	subs := make([]connSub, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, sub := range subs {
		sub.fn(online)
	}
}

// ManualMonitor is a Monitor whose state is pushed by the embedding
// platform, e.g. from OS network-change notifications. Tests drive it
// directly.
type ManualMonitor struct {
	connListeners
}

// NewManualMonitor returns a ManualMonitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{}
	m.online = online
	return m
}

// Online implements Monitor.
func (m *ManualMonitor) Online() bool { return m.isOnline() }

// Subscribe implements Monitor.
func (m *ManualMonitor) Subscribe(fn func(online bool)) func() { return m.subscribe(fn) }

// Set pushes a new reachability state; subscribers are notified on change.
func (m *ManualMonitor) Set(online bool) { m.set(online) }

// ProbeMonitor derives reachability from a periodic lightweight HTTP probe
// against the server, for environments where passive signals are unreliable
// or absent. Any HTTP response, success or not, proves the server is
// reachable; only a transport failure counts as offline.
type ProbeMonitor struct {
	connListeners

	probeURL string
	interval time.Duration
	http     *http.Client
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex
}

// NewProbeMonitor creates a ProbeMonitor that checks probeURL every
// interval. The monitor starts pessimistic (offline) until the first probe
// completes.
func NewProbeMonitor(probeURL string, interval time.Duration, client *http.Client, logger *slog.Logger) *ProbeMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		probeURL: probeURL,
		interval: interval,
		http:     client,
		logger:   logger,
	}
}

// Online implements Monitor.
func (m *ProbeMonitor) Online() bool { return m.isOnline() }

// Subscribe implements Monitor.
func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() { return m.subscribe(fn) }

// Start probes immediately, then on every interval tick until ctx is
// cancelled or Stop is called.
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.set(m.probe(probeCtx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				m.set(m.probe(probeCtx))
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (m *ProbeMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("failed to build probe request", "url", m.probeURL, "error", err)
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
