// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

// Package kiosksync implements the offline-capable operation sync engine for
// unattended loyalty kiosks: a durable SQLite-backed queue of customer
// actions, a connectivity-aware scheduler that reconciles the queue with the
// backend, and a read-through customer cache for offline lookups.
package kiosksync

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds configuration for the kiosk sync engine.
type Config struct {
	BaseURL       string        // backend base URL, e.g. "https://api.example.com"
	Token         TokenFunc     // device token provider
	BatchLimit    int           // max operations per sync batch
	SyncInterval  time.Duration // periodic reconciliation cadence
	ProbeInterval time.Duration // connectivity probe cadence (ProbeMonitor only)
	CacheTTL      time.Duration // customer cache retention; 0 disables pruning
	HTTPTimeout   time.Duration // per-request transport timeout
	Logger        *slog.Logger
}

// DefaultConfig returns a configuration with kiosk-appropriate defaults.
func DefaultConfig(baseURL string, token TokenFunc) *Config {
	return &Config{
		BaseURL:       baseURL,
		Token:         token,
		BatchLimit:    50,
		SyncInterval:  30 * time.Second,
		ProbeInterval: 10 * time.Second,
		CacheTTL:      30 * 24 * time.Hour,
		HTTPTimeout:   30 * time.Second,
		Logger:        slog.Default(),
	}
}

// httpClient builds the shared transport for sync, lookup and probe calls.
func (c *Config) httpClient() *http.Client {
	timeout := c.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
