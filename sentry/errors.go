// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import "errors"

// Machine-readable error codes returned by the enforcement layer and the
// admin API. Blocked requests carry one of these in the response body so
// clients can distinguish why they were rejected.
const (
	CodeBannedPrincipal  = "BANNED_PRINCIPAL"
	CodeBannedAddress    = "BANNED_ADDRESS"
	CodeSuspended        = "SUSPENDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBlocked          = "REQUEST_BLOCKED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidRequest   = "INVALID_INPUT"
	CodeConflict         = "CONFLICT"
	CodeStatusRegression = "STATUS_REGRESSION"
	CodeInternal         = "INTERNAL"
)

// ErrShuttingDown is returned for work submitted after shutdown began.
var ErrShuttingDown = errors.New("pipeline shutting down")
