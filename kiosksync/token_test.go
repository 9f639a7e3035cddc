// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc")(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", token)
}

func TestInspectToken(t *testing.T) {
	expiry := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "kiosk-front-desk-03",
		ExpiresAt: jwt.NewNumericDate(expiry),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	claims, err := InspectToken(signed)
	require.NoError(t, err)
	require.Equal(t, "kiosk-front-desk-03", claims.DeviceID)
	require.True(t, claims.ExpiresAt.Equal(expiry))
}

func TestInspectTokenWithoutExpiry(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "kiosk-lobby-01",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	claims, err := InspectToken(signed)
	require.NoError(t, err)
	require.True(t, claims.ExpiresAt.IsZero())
}

func TestInspectTokenRejectsGarbage(t *testing.T) {
	_, err := InspectToken("not-a-jwt")
	require.Error(t, err)
}
