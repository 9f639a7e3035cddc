// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFunc supplies the device token attached to every server request as
// X-Device-Token. The token is issued out-of-band during device setup; the
// sync engine treats it as opaque.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// TokenClaims is the subset of device-token claims the kiosk cares about.
// Device tokens are JWTs in practice, which lets the daemon warn ahead of
// expiry without a server round-trip.
type TokenClaims struct {
	DeviceID  string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// InspectToken decodes the claims of a JWT device token without verifying
// its signature. Verification is the server's job; the kiosk only reads
// claims for diagnostics.
func InspectToken(token string) (*TokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse device token: %w", err)
	}

	tc := &TokenClaims{DeviceID: claims.Subject}
	if claims.ExpiresAt != nil {
		tc.ExpiresAt = claims.ExpiresAt.Time
	}
	return tc, nil
}
