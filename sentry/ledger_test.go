// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/platform/sentry/store"
)

func seedOffenses(repo *store.MockRepository, principal, addr string, n int) {
	for i := 0; i < n; i++ {
		repo.AddAlert(store.Alert{
			Kind:       "SQL_INJECTION",
			Severity:   "HIGH",
			Signature:  "SIG" + string(rune('A'+i)),
			Principal:  principal,
			RemoteAddr: addr,
			Status:     store.StatusNew,
		})
	}
}

func TestOffenseLedger_CountsAndCaches(t *testing.T) {
	repo := store.NewMockRepository()
	seedOffenses(repo, "mallory", "203.0.113.7", 3)

	l := newOffenseLedger(repo)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	n, err := l.PrincipalOffenses(context.Background(), "mallory", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// New offenses are invisible until the cache entry expires.
	seedOffenses(repo, "mallory", "203.0.113.7", 1)
	n, err = l.PrincipalOffenses(context.Background(), "mallory", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	now = now.Add(2 * ledgerCacheTTL)
	n, err = l.PrincipalOffenses(context.Background(), "mallory", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestOffenseLedger_InvalidateBypassesCache(t *testing.T) {
	repo := store.NewMockRepository()
	seedOffenses(repo, "mallory", "203.0.113.7", 2)

	l := newOffenseLedger(repo)

	n, err := l.PrincipalOffenses(context.Background(), "mallory", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	seedOffenses(repo, "mallory", "203.0.113.7", 1)
	l.Invalidate("mallory", "203.0.113.7")

	n, err = l.PrincipalOffenses(context.Background(), "mallory", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestOffenseLedger_AddressCounts(t *testing.T) {
	repo := store.NewMockRepository()
	seedOffenses(repo, "", "203.0.113.7", 5)
	seedOffenses(repo, "", "198.51.100.1", 2)

	l := newOffenseLedger(repo)

	n, err := l.AddressOffenses(context.Background(), "203.0.113.7", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = l.AddressOffenses(context.Background(), "198.51.100.1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOffenseLedger_PropagatesErrors(t *testing.T) {
	repo := store.NewMockRepository()
	repo.CountErr = assert.AnError

	l := newOffenseLedger(repo)
	_, err := l.PrincipalOffenses(context.Background(), "mallory", time.Hour)
	assert.Error(t, err)
}
