// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Aegis Sentry service.
//
// Sentry is an in-path security enforcement gateway that:
// - Classifies incoming traffic for injection, abuse and scanner activity
// - Records deduplicated alerts with progressive penalties
// - Rate limits per address and route bucket
// - Forwards alerts to webhook destinations with signed payloads
// - Serves an admin API for alert review, bans and forwarder management
//
// Usage:
//
//	./sentry
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - enables the distributed rate limiter when set
//	JWT_SECRET - secret for session token validation
//	BOOTSTRAP_TOKEN - authorizes the token-issuing login endpoint
//	TESTING - suppresses classification and penalties when true
package main

import (
	"aegis/platform/sentry"
)

func main() {
	sentry.Run()
}
