// Copyright 2025 Aegis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter decides whether one more request fits into a key's sliding
// window. RetryAfter is how long the caller should wait when denied.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration)
}

// routeBucket collapses a route template to its first two path segments so
// /api/tickets and /api/tickets/{id} share one rate limit bucket.
func routeBucket(route string) string {
	trimmed := strings.TrimPrefix(route, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}

// rateLimitKey builds the limiter key for an address and route bucket.
func rateLimitKey(addr, route string) string {
	return addr + "|" + routeBucket(route)
}

// MemoryRateLimiter is a per-process sliding window limiter. It serves as
// the default limiter and as the fallback when Redis is unreachable.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string][]time.Time
	now     func() time.Time

	lastSweep time.Time
}

// NewMemoryRateLimiter creates a limiter allowing limit requests per window
// per key.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow records the request and reports whether it fits the window.
func (l *MemoryRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	stamps := l.buckets[key]
	keep := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}

	if len(keep) >= l.limit {
		l.buckets[key] = keep
		// The window frees up when the oldest stamp ages out.
		retry := keep[0].Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}

	l.buckets[key] = append(keep, now)
	l.sweep(now)
	return true, 0
}

// sweep drops idle buckets so the map does not grow with one entry per
// address forever. Runs at most once per window.
func (l *MemoryRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-l.window)
	for key, stamps := range l.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}
