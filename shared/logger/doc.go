// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the enforcement
pipeline components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (sentry, forwarder, etc.)
  - Instance ID and container name (for distributed tracing)
  - Principal (the account the logged traffic is attributed to)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("sentry")

Log messages with principal and request context:

	log.Info("alice@example.com", "req-456", "alert recorded", map[string]interface{}{
	    "kind":     "SQL_INJECTION",
	    "severity": "HIGH",
	})

Log errors with status codes:

	log.ErrorWithCode("alice@example.com", "req-456", "request blocked", 403, err, map[string]interface{}{
	    "reason": "BANNED_PRINCIPAL",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("", "req-456", "request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"sentry","instance_id":"i-abc123","container":"sentry-xyz",
	 "principal":"alice@example.com","request_id":"req-456",
	 "message":"alert recorded","fields":{"kind":"SQL_INJECTION"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
