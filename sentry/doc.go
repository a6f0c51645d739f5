// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

// Package sentry is the in-path security enforcement pipeline. It wraps an
// HTTP router with middleware that classifies traffic, persists
// deduplicated alerts, applies progressive penalties (suspension, bans,
// automatic address bans), rate limits per address and route bucket, and
// forwards alerts to signed webhook destinations. The admin API exposes
// alert review, ban management, principal management, forwarder CRUD, a
// live SSE feed and bulk export.
//
// The pipeline fails open: its own errors are recorded as INTERNAL alerts
// and never block traffic.
package sentry
