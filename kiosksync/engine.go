// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"database/sql"
	"fmt"
)

// Engine bundles the sync components for embedding in a kiosk process:
// store, scheduler, lookup service, connectivity monitor and status
// broadcaster, constructed once at startup and torn down on shutdown.
type Engine struct {
	Store     *Store
	Scheduler *Scheduler
	Lookup    *LookupService
	Status    *StatusBroadcaster
	Monitor   Monitor

	probe *ProbeMonitor // owned when built by NewEngine; nil otherwise
}

// NewEngine builds an engine with a ProbeMonitor against {BaseURL}/healthz.
// db must be an open SQLite handle; the engine creates its own tables on it.
func NewEngine(db *sql.DB, cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	probe := NewProbeMonitor(cfg.BaseURL+"/healthz", cfg.ProbeInterval, cfg.httpClient(), cfg.Logger)
	engine, err := NewEngineWithMonitor(db, cfg, probe)
	if err != nil {
		return nil, err
	}
	engine.probe = probe
	return engine, nil
}

// NewEngineWithMonitor builds an engine around an externally managed
// connectivity monitor (OS reachability events, tests).
func NewEngineWithMonitor(db *sql.DB, cfg *Config, monitor Monitor) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("config.Token must be provided")
	}

	store, err := NewStore(db, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	httpClient := cfg.httpClient()
	status := NewStatusBroadcaster(StatusOffline, 0)
	client := NewSyncClient(cfg.BaseURL, cfg.Token, httpClient, cfg.Logger)
	scheduler := NewScheduler(store, client, monitor, status, cfg.BatchLimit, cfg.SyncInterval, cfg.Logger)
	lookup := NewLookupService(cfg.BaseURL, cfg.Token, httpClient, store, cfg.CacheTTL, cfg.Logger)

	return &Engine{
		Store:     store,
		Scheduler: scheduler,
		Lookup:    lookup,
		Status:    status,
		Monitor:   monitor,
	}, nil
}

// Start brings up the probe monitor (when owned) and the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if e.probe != nil {
		e.probe.Start(ctx)
	}
	return e.Scheduler.Start(ctx)
}

// Stop tears the engine down in reverse order. The database handle stays
// open; closing it belongs to whoever opened it.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	if e.probe != nil {
		e.probe.Stop()
	}
}

// Enqueue is a convenience passthrough to the scheduler's enqueue path.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload map[string]any) (*PendingOperation, error) {
	return e.Scheduler.Enqueue(ctx, kind, payload)
}
