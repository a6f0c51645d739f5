// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

// Package store persists security alerts, bans, principals and forwarder
// configuration for the enforcement pipeline. It exposes a Repository
// interface with a PostgreSQL implementation and an in-memory mock for tests.
package store

import (
	"time"
)

// AlertStatus represents the review state of an alert.
type AlertStatus string

const (
	StatusNew           AlertStatus = "NEW"
	StatusReviewed      AlertStatus = "REVIEWED"
	StatusIgnored       AlertStatus = "IGNORED"
	StatusFalsePositive AlertStatus = "FALSE_POSITIVE"
	StatusBanned        AlertStatus = "BANNED"
)

// statusRank orders statuses for the monotonic transition guard: an alert
// may only move forward in review, never back to NEW.
var statusRank = map[AlertStatus]int{
	StatusNew:           0,
	StatusReviewed:      1,
	StatusIgnored:       1,
	StatusFalsePositive: 1,
	StatusBanned:        2,
}

// IsValid reports whether the status is a known review state.
func (s AlertStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Lateral moves between the reviewed states are allowed; moving back to
// NEW is not, and BANNED is terminal.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s == StatusBanned {
		return next == StatusBanned
	}
	return statusRank[next] >= statusRank[s]
}

// Alert is one persisted security event. Occurrences counts deduplicated
// repeats inside the dedupe window; LastSeenAt moves on every repeat while
// CreatedAt stays at the first observation.
type Alert struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Severity   string      `json:"severity"`
	RiskScore  int         `json:"risk_score"`
	Signature  string      `json:"signature"`
	Fragment   string      `json:"fragment,omitempty"`
	Pattern    string      `json:"pattern,omitempty"`
	Principal  string      `json:"principal,omitempty"`
	RemoteAddr string      `json:"remote_addr"`
	Method     string      `json:"method,omitempty"`
	Route      string      `json:"route,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
	Status     AlertStatus `json:"status"`
	Occurrences int        `json:"occurrences"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// AlertFilter selects alerts for listing, deletion and export. Zero-value
// fields are ignored. Skip/Limit apply to listing only.
type AlertFilter struct {
	Kind       string     `json:"kind,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	Status     string     `json:"status,omitempty"`
	Principal  string     `json:"principal,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	Signature  string     `json:"signature,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	MinRisk    int        `json:"min_risk,omitempty"`
	Skip       int        `json:"skip,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// Cursor is a stable position in the alert stream, used by export paging
// and by SSE replay. Ordering is (created_at, id) ascending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// BanSubjectKind distinguishes principal bans from address bans.
type BanSubjectKind string

const (
	BanSubjectPrincipal BanSubjectKind = "PRINCIPAL"
	BanSubjectAddress   BanSubjectKind = "ADDRESS"
)

// IsValid reports whether the subject kind is known.
func (k BanSubjectKind) IsValid() bool {
	return k == BanSubjectPrincipal || k == BanSubjectAddress
}

// Ban is one enforcement record against a principal or an address.
// ExpiresAt nil means the ban never lapses on its own. At most one active
// ban exists per (subject_kind, subject).
type Ban struct {
	ID          string         `json:"id"`
	SubjectKind BanSubjectKind `json:"subject_kind"`
	Subject     string         `json:"subject"`
	Reason      string         `json:"reason"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Active      bool           `json:"active"`
	LiftedAt    *time.Time     `json:"lifted_at,omitempty"`
	LiftedBy    string         `json:"lifted_by,omitempty"`
}

// Expired reports whether the ban has lapsed at the given instant.
func (b *Ban) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Role grades a principal's privilege level.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
	RoleOrg   Role = "ORG"
)

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleUser || r == RoleOrg
}

// Principal is a known account the pipeline attributes traffic to.
// IsActive false means the account is suspended and pre-checks reject it.
type Principal struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Role        Role       `json:"role"`
	IsActive    bool       `json:"is_active"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PrincipalFilter selects principals for the admin listing. Query matches
// a name substring; Active nil means both suspended and active accounts.
type PrincipalFilter struct {
	Query  string `json:"q,omitempty"`
	Role   Role   `json:"role,omitempty"`
	Active *bool  `json:"active,omitempty"`
	Skip   int    `json:"skip,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// AdminAction is one audit row recorded for every mutation through the
// admin API.
type AdminAction struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TargetKind string    `json:"target_kind,omitempty"`
	Target     string    `json:"target,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Delivery bounds for forwarder targets.
const (
	// MaxForwarderRetries caps the retry count per delivery.
	MaxForwarderRetries = 3

	// DefaultForwarderTimeout bounds one delivery attempt when the target
	// does not set its own timeout.
	DefaultForwarderTimeout = 5 * time.Second
)

// ForwarderConfig is one webhook destination for alert delivery. Secret is
// the HMAC key used to sign outgoing payloads; it is never serialized.
// Retries and TimeoutSec tune the delivery loop per target; zero means the
// defaults.
type ForwarderConfig struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Secret      string    `json:"-"`
	Enabled     bool      `json:"enabled"`
	MinSeverity string    `json:"min_severity,omitempty"`
	Kinds       []string  `json:"kinds,omitempty"`
	Retries     int       `json:"retries,omitempty"`
	TimeoutSec  int       `json:"timeout_sec,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RetryLimit returns the effective retry count for this target, capped at
// MaxForwarderRetries.
func (f *ForwarderConfig) RetryLimit() int {
	if f.Retries <= 0 || f.Retries > MaxForwarderRetries {
		return MaxForwarderRetries
	}
	return f.Retries
}

// DeliveryTimeout returns the per-attempt timeout for this target.
func (f *ForwarderConfig) DeliveryTimeout() time.Duration {
	if f.TimeoutSec <= 0 {
		return DefaultForwarderTimeout
	}
	return time.Duration(f.TimeoutSec) * time.Second
}

// Accepts reports whether the forwarder wants alerts of the given kind.
// An empty kind list accepts everything; severity filtering is done by the
// caller because severity ordering lives with the classifier.
func (f *ForwarderConfig) Accepts(kind string) bool {
	if !f.Enabled {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// WebRequestFilter selects traffic rows for listing and clearing.
// Zero-value fields are ignored. Skip/Limit apply to listing only.
type WebRequestFilter struct {
	Route      string     `json:"route,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	Principal  string     `json:"principal,omitempty"`
	Flagged    *bool      `json:"flagged,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Skip       int        `json:"skip,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// WebRequest is one observed request row, kept for sticky attribution and
// traffic forensics. Flagged marks requests that produced at least one alert.
type WebRequest struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Route      string    `json:"route"`
	RemoteAddr string    `json:"remote_addr"`
	Principal  string    `json:"principal,omitempty"`
	StatusCode int       `json:"status_code"`
	DurationMs int       `json:"duration_ms"`
	Flagged    bool      `json:"flagged"`
	CreatedAt  time.Time `json:"created_at"`
}
