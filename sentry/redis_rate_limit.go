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
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"aegis/platform/shared/logger"
)

// RedisRateLimiter is a distributed sliding window limiter over Redis
// sorted sets. When Redis is unreachable it fails open through an in-memory
// fallback so enforcement never takes the service down with it.
type RedisRateLimiter struct {
	client   *redis.Client
	limit    int
	window   time.Duration
	fallback *MemoryRateLimiter
	log      *logger.Logger
}

// NewRedisRateLimiter connects to Redis and returns a distributed limiter.
func NewRedisRateLimiter(redisURL string, limit int, window time.Duration, log *logger.Logger) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRateLimiter{
		client:   client,
		limit:    limit,
		window:   window,
		fallback: NewMemoryRateLimiter(limit, window),
		log:      log,
	}, nil
}

// Allow checks the sliding window for the key. On Redis errors it defers to
// the in-memory fallback rather than denying traffic.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := time.Now()
	redisKey := "ratelimit:" + key

	pipe := l.client.Pipeline()

	// Drop timestamps that left the window, count the rest, record this
	// request and keep the key from lingering.
	minScore := now.Add(-l.window).UnixNano()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, 2*l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		if l.log != nil {
			l.log.Warn("", "", "redis rate limit check failed, using in-memory fallback",
				map[string]interface{}{"key": key, "error": err.Error()})
		}
		return l.fallback.Allow(ctx, key)
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, l.window
	}
	return true, 0
}

// Close releases the Redis connection.
func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}
