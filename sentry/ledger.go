// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"sync"
	"time"

	"aegis/platform/sentry/store"
)

// ledgerCacheTTL bounds how stale a cached offense count may be. The cache
// keeps hot-path pre-checks off the database under attack traffic; one
// second of staleness only delays a penalty by at most one request.
const ledgerCacheTTL = time.Second

// ledgerCacheMax caps the cache so an address-rotation attack cannot grow
// it without bound.
const ledgerCacheMax = 10000

// offenseLedger answers "how many offenses has this subject accumulated in
// the window" with a small TTL cache over the repository counts.
type offenseLedger struct {
	repo store.Repository
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]ledgerEntry
}

type ledgerEntry struct {
	count   int
	expires time.Time
}

func newOffenseLedger(repo store.Repository) *offenseLedger {
	return &offenseLedger{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[string]ledgerEntry),
	}
}

// PrincipalOffenses counts the principal's offenses inside the window.
func (l *offenseLedger) PrincipalOffenses(ctx context.Context, principal string, window time.Duration) (int, error) {
	return l.counted(ctx, "p|"+principal, func() (int, error) {
		return l.repo.CountPrincipalOffenses(ctx, principal, l.now().Add(-window))
	})
}

// AddressOffenses counts the address's offenses inside the window.
func (l *offenseLedger) AddressOffenses(ctx context.Context, addr string, window time.Duration) (int, error) {
	return l.counted(ctx, "a|"+addr, func() (int, error) {
		return l.repo.CountAddressOffenses(ctx, addr, l.now().Add(-window))
	})
}

// Invalidate drops the cached count for a subject after a new offense so
// the next check sees it immediately.
func (l *offenseLedger) Invalidate(principal, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if principal != "" {
		delete(l.cache, "p|"+principal)
	}
	if addr != "" {
		delete(l.cache, "a|"+addr)
	}
}

func (l *offenseLedger) counted(ctx context.Context, key string, count func() (int, error)) (int, error) {
	now := l.now()

	l.mu.Lock()
	if e, ok := l.cache[key]; ok && e.expires.After(now) {
		l.mu.Unlock()
		return e.count, nil
	}
	l.mu.Unlock()

	n, err := count()
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	if len(l.cache) >= ledgerCacheMax {
		// Full reset is cheaper than eviction bookkeeping at this size.
		l.cache = make(map[string]ledgerEntry)
	}
	l.cache[key] = ledgerEntry{count: n, expires: now.Add(ledgerCacheTTL)}
	l.mu.Unlock()

	return n, nil
}
