// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by customer lookups when neither the server nor
// the local cache knows the requested key. It is an expected, user-visible
// condition rather than a fault.
var ErrNotFound = errors.New("customer not found")

// StorageError wraps a failure of the durable local store. Storage failures
// are never retried automatically: a failed enqueue means the action did not
// durably happen, so the error propagates to the originating caller.
type StorageError struct {
	Op  string // store operation that failed, e.g. "put", "delete"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransportError reports a sync or lookup round-trip that did not yield a
// usable server response: the network was unreachable or the server answered
// with a non-2xx status. The scheduler treats it as "no progress" and leaves
// the queue intact for the next attempt.
type TransportError struct {
	StatusCode int // 0 when the request never reached the server
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sync transport: server returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
