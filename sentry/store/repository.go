// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"time"
)

// Repository defines the persistence operations of the enforcement pipeline.
// All implementations must be safe for concurrent use.
type Repository interface {
	// UpsertAlert persists the alert, deduplicating against an existing
	// alert with the same signature and subject inside the window. On a
	// dedupe hit it bumps occurrences and last_seen_at on the existing row,
	// copies the stored row back into alert, and returns deduped=true.
	// On a fresh insert it fills ID and timestamps and returns deduped=false.
	UpsertAlert(ctx context.Context, alert *Alert, window time.Duration) (deduped bool, err error)

	// GetAlert returns the alert with the given ID or ErrAlertNotFound.
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// QueryAlerts lists alerts matching the filter, newest first, together
	// with the exact total match count before pagination.
	QueryAlerts(ctx context.Context, filter AlertFilter) ([]Alert, int, error)

	// AlertsAfter returns up to limit alerts strictly after the cursor in
	// (created_at, id) ascending order. Used by export paging and SSE replay.
	AlertsAfter(ctx context.Context, cursor Cursor, limit int) ([]Alert, error)

	// UpdateAlertStatus moves the alert to the given status. Transitions
	// that move backwards in review return ErrStatusRegression.
	UpdateAlertStatus(ctx context.Context, id string, status AlertStatus) (*Alert, error)

	// DeleteAlerts removes alerts matching the filter and reports how many
	// rows went away. An empty filter is rejected with ErrInvalidInput.
	DeleteAlerts(ctx context.Context, filter AlertFilter) (int64, error)

	// CountPrincipalOffenses counts distinct alerts attributed to the
	// principal since the given instant. Deduplicated repeats count once.
	CountPrincipalOffenses(ctx context.Context, principal string, since time.Time) (int, error)

	// CountAddressOffenses counts distinct alerts from the address since
	// the given instant.
	CountAddressOffenses(ctx context.Context, addr string, since time.Time) (int, error)

	// CreateBan opens a ban. A subject with an active ban returns
	// ErrBanExists; enforcement of single-active is transactional.
	CreateBan(ctx context.Context, ban *Ban) error

	// ActiveBan returns the live ban for the subject, or ErrBanNotFound.
	// Bans past their expiry are treated as lifted.
	ActiveBan(ctx context.Context, kind BanSubjectKind, subject string) (*Ban, error)

	// LiftBan deactivates the subject's active ban and records who lifted
	// it. Returns ErrBanNotFound when no active ban exists.
	LiftBan(ctx context.Context, kind BanSubjectKind, subject, liftedBy string) (*Ban, error)

	// ListBans returns bans, optionally only the active ones, newest first.
	ListBans(ctx context.Context, activeOnly bool, skip, limit int) ([]Ban, int, error)

	// GetPrincipal returns the principal with the given name or
	// ErrPrincipalNotFound.
	GetPrincipal(ctx context.Context, name string) (*Principal, error)

	// UpsertPrincipal creates the principal or updates its role.
	UpsertPrincipal(ctx context.Context, p *Principal) error

	// SetPrincipalActive flips the suspension flag. Suspending records the
	// instant; reactivating clears it.
	SetPrincipalActive(ctx context.Context, name string, active bool) (*Principal, error)

	// ListPrincipals pages through known principals by name, narrowed by
	// the filter's name substring, role and suspension state.
	ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]Principal, int, error)

	// RecordAdminAction appends one audit row. Failures here must not block
	// the mutation being audited; callers log and continue.
	RecordAdminAction(ctx context.Context, action *AdminAction) error

	// ListAdminActions pages through the audit trail, newest first.
	ListAdminActions(ctx context.Context, skip, limit int) ([]AdminAction, int, error)

	// CreateForwarder registers a webhook destination.
	CreateForwarder(ctx context.Context, f *ForwarderConfig) error

	// GetForwarder returns the forwarder with the given ID or
	// ErrForwarderNotFound.
	GetForwarder(ctx context.Context, id string) (*ForwarderConfig, error)

	// ListForwarders returns all registered forwarders.
	ListForwarders(ctx context.Context) ([]ForwarderConfig, error)

	// UpdateForwarder overwrites the forwarder's mutable fields. An empty
	// Secret keeps the stored one.
	UpdateForwarder(ctx context.Context, f *ForwarderConfig) error

	// DeleteForwarder removes the forwarder or returns ErrForwarderNotFound.
	DeleteForwarder(ctx context.Context, id string) error

	// RecordWebRequest appends one traffic row.
	RecordWebRequest(ctx context.Context, wr *WebRequest) error

	// QueryWebRequests lists traffic rows matching the filter, newest
	// first, together with the exact total match count.
	QueryWebRequests(ctx context.Context, filter WebRequestFilter) ([]WebRequest, int, error)

	// DeleteWebRequests removes traffic rows matching the filter and
	// reports how many rows went away. An empty filter is rejected with
	// ErrInvalidInput.
	DeleteWebRequests(ctx context.Context, filter WebRequestFilter) (int64, error)

	// LastPrincipalForAddress returns the most recent authenticated
	// principal observed from the address since the given instant, for
	// sticky attribution of anonymous follow-up requests. Empty string
	// when none.
	LastPrincipalForAddress(ctx context.Context, addr string, since time.Time) (string, error)

	// ExpireBans deactivates bans whose expiry has passed and reports how
	// many were closed. Lookups already treat expired bans as lifted; the
	// sweep keeps the table and the admin listing consistent.
	ExpireBans(ctx context.Context) (int64, error)

	// Ping checks the backing connection.
	Ping(ctx context.Context) error
}
