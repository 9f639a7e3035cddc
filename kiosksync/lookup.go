// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// LookupService resolves customers by phone number with a read-through
// cache: online lookups refresh the cache, offline lookups are served from
// it. It shares the queue's offline-fallback contract but is otherwise
// independent of the pending-operation path.
type LookupService struct {
	baseURL  string
	token    TokenFunc
	http     *http.Client
	store    *Store
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewLookupService creates a LookupService. cacheTTL bounds cache retention;
// zero disables pruning.
func NewLookupService(baseURL string, token TokenFunc, client *http.Client, store *Store, cacheTTL time.Duration, logger *slog.Logger) *LookupService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LookupService{
		baseURL:  baseURL,
		token:    token,
		http:     client,
		store:    store,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// LookupByPhone resolves a customer by phone number.
//
// Online, a 200 refreshes the cache and returns the fresh record and a 404
// returns ErrNotFound with no cache fallback (the server is authoritative
// when reachable). When the server cannot be reached the cached record is
// returned instead, however stale; only a cache miss surfaces ErrNotFound.
// A transport failure is never returned to the caller.
func (s *LookupService) LookupByPhone(ctx context.Context, phone string) (*CachedRecord, error) {
	rec, err := s.fetch(ctx, phone)
	if err == nil {
		if cacheErr := s.store.PutCachedRecord(ctx, rec); cacheErr != nil {
			// Cache writes are best-effort; the lookup itself succeeded.
			s.logger.Warn("failed to cache customer record", "phone", phone, "error", cacheErr)
		} else if s.cacheTTL > 0 {
			if _, pruneErr := s.store.PruneCache(ctx, time.Now().Add(-s.cacheTTL)); pruneErr != nil {
				s.logger.Warn("failed to prune customer cache", "error", pruneErr)
			}
		}
		return rec, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if !IsTransport(err) {
		return nil, err
	}

	s.logger.Debug("lookup fell back to cache", "phone", phone, "error", err)
	cached, cacheErr := s.store.GetCachedRecordByLookupKey(ctx, phone)
	if errors.Is(cacheErr, ErrNotFound) {
		lookupCacheMissesTotal.Inc()
		return nil, ErrNotFound
	}
	if cacheErr != nil {
		return nil, cacheErr
	}
	lookupCacheHitsTotal.Inc()
	return cached, nil
}

// fetch performs the online lookup round-trip.
func (s *LookupService) fetch(ctx context.Context, phone string) (*CachedRecord, error) {
	lookupURL := fmt.Sprintf("%s/kiosk/customer/lookup?phone=%s", s.baseURL, url.QueryEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	token, err := s.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device token: %w", err)
	}
	req.Header.Set(deviceTokenHeader, token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read lookup response: %w", err)}
	}

	// The record ID comes from the response body; the phone stays the
	// secondary lookup key.
	var entity struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode lookup response: %w", err)}
	}
	if entity.ID == "" {
		entity.ID = phone
	}

	return &CachedRecord{
		ID:        entity.ID,
		LookupKey: phone,
		Data:      json.RawMessage(body),
		CachedAt:  time.Now().UTC(),
	}, nil
}
