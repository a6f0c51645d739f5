// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Listing bounds for the admin query API.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// Ensure PostgresRepository implements Repository
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const alertColumns = `id, kind, severity, risk_score, signature, fragment, pattern,
		principal, remote_addr, method, route, user_agent,
		status, occurrences, created_at, updated_at, last_seen_at`

// UpsertAlert persists the alert with signature-based deduplication: a live
// alert with the same signature and subject inside the window absorbs the
// repeat instead of producing a new row.
func (r *PostgresRepository) UpsertAlert(ctx context.Context, alert *Alert, window time.Duration) (bool, error) {
	if alert == nil || alert.Signature == "" {
		return false, ErrInvalidInput
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Dedupe key is (signature, principal) for attributed traffic and
	// (signature, remote_addr) for anonymous traffic.
	subjectCond := "remote_addr = $2"
	subject := alert.RemoteAddr
	if alert.Principal != "" {
		subjectCond = "principal = $2"
		subject = alert.Principal
	}

	// The window keys on created_at: a sustained stream keeps producing
	// fresh rows every window instead of being absorbed forever by one
	// endlessly bumped row.
	var existingID string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM alerts
		WHERE signature = $1 AND %s AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`, subjectCond),
		alert.Signature, subject, now.Add(-window),
	).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		// Fresh alert.
	case err != nil:
		return false, fmt.Errorf("failed to probe dedupe window: %w", err)
	default:
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE alerts
			SET occurrences = occurrences + 1, last_seen_at = $2, updated_at = $2
			WHERE id = $1
			RETURNING %s`, alertColumns),
			existingID, now,
		)
		if err := scanAlertRow(row, alert); err != nil {
			return false, fmt.Errorf("failed to bump deduplicated alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return true, nil
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = StatusNew
	}
	alert.Occurrences = 1
	alert.CreatedAt = now
	alert.UpdatedAt = now
	alert.LastSeenAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (
			id, kind, severity, risk_score, signature, fragment, pattern,
			principal, remote_addr, method, route, user_agent,
			status, occurrences, created_at, updated_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		alert.ID, alert.Kind, alert.Severity, alert.RiskScore, alert.Signature, alert.Fragment, alert.Pattern,
		alert.Principal, alert.RemoteAddr, alert.Method, alert.Route, alert.UserAgent,
		string(alert.Status), alert.Occurrences, alert.CreatedAt, alert.UpdatedAt, alert.LastSeenAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return false, nil
}

// GetAlert retrieves a single alert by ID
func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM alerts WHERE id = $1", alertColumns), id)

	alert := &Alert{}
	if err := scanAlertRow(row, alert); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// alertConditions builds the dynamic WHERE clause for the filter, starting
// argument numbering at argIndex.
func alertConditions(filter AlertFilter, argIndex int) ([]string, []interface{}, int) {
	var conditions []string
	var args []interface{}

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIndex))
		args = append(args, filter.Kind)
		argIndex++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIndex))
		args = append(args, filter.Severity)
		argIndex++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, filter.Status)
		argIndex++
	}
	if filter.Principal != "" {
		conditions = append(conditions, fmt.Sprintf("principal = $%d", argIndex))
		args = append(args, filter.Principal)
		argIndex++
	}
	if filter.RemoteAddr != "" {
		conditions = append(conditions, fmt.Sprintf("remote_addr = $%d", argIndex))
		args = append(args, filter.RemoteAddr)
		argIndex++
	}
	if filter.Signature != "" {
		conditions = append(conditions, fmt.Sprintf("signature = $%d", argIndex))
		args = append(args, filter.Signature)
		argIndex++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}
	if filter.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *filter.Until)
		argIndex++
	}
	if filter.MinRisk > 0 {
		conditions = append(conditions, fmt.Sprintf("risk_score >= $%d", argIndex))
		args = append(args, filter.MinRisk)
		argIndex++
	}

	return conditions, args, argIndex
}

// QueryAlerts lists alerts matching the filter with an exact total count
func (r *PostgresRepository) QueryAlerts(ctx context.Context, filter AlertFilter) ([]Alert, int, error) {
	conditions, args, argIndex := alertConditions(filter, 1)

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM alerts %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		alertColumns, whereClause, argIndex, argIndex+1)
	args = append(args, limit, filter.Skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlertRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// AlertsAfter pages forward through the alert stream in stable order
func (r *PostgresRepository) AlertsAfter(ctx context.Context, cursor Cursor, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE (created_at, id) > ($1, $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, cursor.CreatedAt, cursor.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page alerts: %w", err)
	}
	defer rows.Close()

	return scanAlertRows(rows)
}

// UpdateAlertStatus moves the alert forward in review under a row lock
func (r *PostgresRepository) UpdateAlertStatus(ctx context.Context, id string, status AlertStatus) (*Alert, error) {
	if !status.IsValid() {
		return nil, ErrInvalidInput
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM alerts WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}

	if !AlertStatus(current).CanTransitionTo(status) {
		return nil, ErrStatusRegression
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE alerts
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING %s`, alertColumns),
		id, string(status), time.Now().UTC(),
	)

	alert := &Alert{}
	if err := scanAlertRow(row, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return alert, nil
}

// DeleteAlerts removes alerts matching a non-empty filter
func (r *PostgresRepository) DeleteAlerts(ctx context.Context, filter AlertFilter) (int64, error) {
	conditions, args, _ := alertConditions(filter, 1)
	if len(conditions) == 0 {
		// Refuse to wipe the table through an unfiltered delete.
		return 0, ErrInvalidInput
	}

	query := fmt.Sprintf("DELETE FROM alerts WHERE %s", strings.Join(conditions, " AND "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CountPrincipalOffenses counts alerts attributed to a principal in a window.
// A deduplicated repeat keeps a single row, so it counts once.
func (r *PostgresRepository) CountPrincipalOffenses(ctx context.Context, principal string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alerts WHERE principal = $1 AND created_at >= $2",
		principal, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count principal offenses: %w", err)
	}
	return n, nil
}

// CountAddressOffenses counts alerts from an address in a window
func (r *PostgresRepository) CountAddressOffenses(ctx context.Context, addr string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alerts WHERE remote_addr = $1 AND created_at >= $2",
		addr, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count address offenses: %w", err)
	}
	return n, nil
}

const banColumns = `id, subject_kind, subject, reason, created_by, created_at,
		expires_at, active, lifted_at, lifted_by`

// CreateBan opens a ban, enforcing a single active ban per subject
func (r *PostgresRepository) CreateBan(ctx context.Context, ban *Ban) error {
	if ban == nil || !ban.SubjectKind.IsValid() || ban.Subject == "" {
		return ErrInvalidInput
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM bans
		WHERE subject_kind = $1 AND subject = $2 AND active = TRUE
		  AND (expires_at IS NULL OR expires_at > $3)
		FOR UPDATE`,
		string(ban.SubjectKind), ban.Subject, now,
	).Scan(&existing)
	if err == nil {
		return ErrBanExists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to probe active ban: %w", err)
	}

	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	ban.CreatedAt = now
	ban.Active = true

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bans (id, subject_kind, subject, reason, created_by, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`,
		ban.ID, string(ban.SubjectKind), ban.Subject, ban.Reason, ban.CreatedBy, ban.CreatedAt, ban.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ban: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ActiveBan returns the live, unexpired ban for a subject
func (r *PostgresRepository) ActiveBan(ctx context.Context, kind BanSubjectKind, subject string) (*Ban, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM bans
		WHERE subject_kind = $1 AND subject = $2 AND active = TRUE
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at DESC
		LIMIT 1`, banColumns),
		string(kind), subject, time.Now().UTC(),
	)

	ban := &Ban{}
	if err := scanBanRow(row, ban); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBanNotFound
		}
		return nil, fmt.Errorf("failed to get active ban: %w", err)
	}
	return ban, nil
}

// LiftBan deactivates a subject's active ban
func (r *PostgresRepository) LiftBan(ctx context.Context, kind BanSubjectKind, subject, liftedBy string) (*Ban, error) {
	now := time.Now().UTC()

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE bans
		SET active = FALSE, lifted_at = $3, lifted_by = $4
		WHERE subject_kind = $1 AND subject = $2 AND active = TRUE
		RETURNING %s`, banColumns),
		string(kind), subject, now, liftedBy,
	)

	ban := &Ban{}
	if err := scanBanRow(row, ban); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBanNotFound
		}
		return nil, fmt.Errorf("failed to lift ban: %w", err)
	}
	return ban, nil
}

// ListBans pages through bans, newest first
func (r *PostgresRepository) ListBans(ctx context.Context, activeOnly bool, skip, limit int) ([]Ban, int, error) {
	whereClause := ""
	var args []interface{}
	argIndex := 1
	if activeOnly {
		whereClause = fmt.Sprintf("WHERE active = TRUE AND (expires_at IS NULL OR expires_at > $%d)", argIndex)
		args = append(args, time.Now().UTC())
		argIndex++
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM bans %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count bans: %w", err)
	}

	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM bans
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, banColumns, whereClause, argIndex, argIndex+1)
	args = append(args, limit, skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var ban Ban
		if err := scanBanRow(rows, &ban); err != nil {
			return nil, 0, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, ban)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating bans: %w", err)
	}
	return bans, total, nil
}

// ExpireBans closes bans whose expiry instant has passed
func (r *PostgresRepository) ExpireBans(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bans
		SET active = FALSE, lifted_at = $1, lifted_by = 'expiry'
		WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at <= $1`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire bans: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

const principalColumns = `id, name, role, is_active, suspended_at, created_at, updated_at`

// GetPrincipal retrieves a principal by name
func (r *PostgresRepository) GetPrincipal(ctx context.Context, name string) (*Principal, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM principals WHERE name = $1", principalColumns), name)

	p := &Principal{}
	if err := scanPrincipalRow(row, p); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return p, nil
}

// UpsertPrincipal creates or updates a principal's role
func (r *PostgresRepository) UpsertPrincipal(ctx context.Context, p *Principal) error {
	if p == nil || p.Name == "" || !p.Role.IsValid() {
		return ErrInvalidInput
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO principals (id, name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (name) DO UPDATE SET
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING id, is_active, created_at`,
		p.ID, p.Name, string(p.Role), now,
	).Scan(&p.ID, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert principal: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

// SetPrincipalActive flips the suspension flag on a principal
func (r *PostgresRepository) SetPrincipalActive(ctx context.Context, name string, active bool) (*Principal, error) {
	now := time.Now().UTC()

	var suspendedAt *time.Time
	if !active {
		suspendedAt = &now
	}

	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE principals
		SET is_active = $2, suspended_at = $3, updated_at = $4
		WHERE name = $1
		RETURNING %s`, principalColumns),
		name, active, suspendedAt, now,
	)

	p := &Principal{}
	if err := scanPrincipalRow(row, p); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to set principal active: %w", err)
	}
	return p, nil
}

// ListPrincipals pages through principals by name, narrowed by the filter
func (r *PostgresRepository) ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]Principal, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if filter.Query != "" {
		conditions = append(conditions, fmt.Sprintf("name LIKE $%d", argIndex))
		args = append(args, "%"+filter.Query+"%")
		argIndex++
	}
	if filter.Role != "" {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argIndex))
		args = append(args, string(filter.Role))
		argIndex++
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argIndex))
		args = append(args, *filter.Active)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM principals %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count principals: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM principals
		%s
		ORDER BY name ASC
		LIMIT $%d OFFSET $%d`, principalColumns, whereClause, argIndex, argIndex+1)
	args = append(args, limit, filter.Skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var principals []Principal
	for rows.Next() {
		var p Principal
		if err := scanPrincipalRow(rows, &p); err != nil {
			return nil, 0, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating principals: %w", err)
	}
	return principals, total, nil
}

// RecordAdminAction appends one audit row
func (r *PostgresRepository) RecordAdminAction(ctx context.Context, action *AdminAction) error {
	if action == nil || action.Actor == "" || action.Action == "" {
		return ErrInvalidInput
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_actions (id, actor, action, target_kind, target, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		action.ID, action.Actor, action.Action, action.TargetKind, action.Target, action.Detail, action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record admin action: %w", err)
	}
	return nil
}

// ListAdminActions pages through the audit trail, newest first
func (r *PostgresRepository) ListAdminActions(ctx context.Context, skip, limit int) ([]AdminAction, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admin_actions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count admin actions: %w", err)
	}

	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, target_kind, target, detail, created_at
		FROM admin_actions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list admin actions: %w", err)
	}
	defer rows.Close()

	var actions []AdminAction
	for rows.Next() {
		var a AdminAction
		var targetKind, target, detail sql.NullString
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &targetKind, &target, &detail, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan admin action: %w", err)
		}
		a.TargetKind = targetKind.String
		a.Target = target.String
		a.Detail = detail.String
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating admin actions: %w", err)
	}
	return actions, total, nil
}

const forwarderColumns = `id, name, url, secret, enabled, min_severity, kinds, retries, timeout_sec, created_at, updated_at`

// CreateForwarder registers a webhook destination
func (r *PostgresRepository) CreateForwarder(ctx context.Context, f *ForwarderConfig) error {
	if f == nil || f.Name == "" || f.URL == "" {
		return ErrInvalidInput
	}

	kinds, err := json.Marshal(f.Kinds)
	if err != nil {
		return fmt.Errorf("failed to marshal kinds: %w", err)
	}

	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO forwarders (id, name, url, secret, enabled, min_severity, kinds, retries, timeout_sec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Name, f.URL, f.Secret, f.Enabled, f.MinSeverity, kinds, f.Retries, f.TimeoutSec, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert forwarder: %w", err)
	}
	return nil
}

// GetForwarder retrieves a forwarder by ID
func (r *PostgresRepository) GetForwarder(ctx context.Context, id string) (*ForwarderConfig, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM forwarders WHERE id = $1", forwarderColumns), id)

	f := &ForwarderConfig{}
	if err := scanForwarderRow(row, f); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrForwarderNotFound
		}
		return nil, fmt.Errorf("failed to get forwarder: %w", err)
	}
	return f, nil
}

// ListForwarders returns all registered forwarders
func (r *PostgresRepository) ListForwarders(ctx context.Context) ([]ForwarderConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM forwarders ORDER BY name ASC", forwarderColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list forwarders: %w", err)
	}
	defer rows.Close()

	var forwarders []ForwarderConfig
	for rows.Next() {
		var f ForwarderConfig
		if err := scanForwarderRow(rows, &f); err != nil {
			return nil, fmt.Errorf("failed to scan forwarder: %w", err)
		}
		forwarders = append(forwarders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forwarders: %w", err)
	}
	return forwarders, nil
}

// UpdateForwarder overwrites a forwarder's mutable fields; an empty secret
// keeps the stored one
func (r *PostgresRepository) UpdateForwarder(ctx context.Context, f *ForwarderConfig) error {
	if f == nil || f.ID == "" || f.Name == "" || f.URL == "" {
		return ErrInvalidInput
	}

	kinds, err := json.Marshal(f.Kinds)
	if err != nil {
		return fmt.Errorf("failed to marshal kinds: %w", err)
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE forwarders
		SET name = $2, url = $3,
		    secret = CASE WHEN $4 = '' THEN secret ELSE $4 END,
		    enabled = $5, min_severity = $6, kinds = $7,
		    retries = $8, timeout_sec = $9, updated_at = $10
		WHERE id = $1`,
		f.ID, f.Name, f.URL, f.Secret, f.Enabled, f.MinSeverity, kinds, f.Retries, f.TimeoutSec, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update forwarder: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrForwarderNotFound
	}
	f.UpdatedAt = now
	return nil
}

// DeleteForwarder removes a forwarder by ID
func (r *PostgresRepository) DeleteForwarder(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM forwarders WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete forwarder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrForwarderNotFound
	}
	return nil
}

// RecordWebRequest appends one traffic row
func (r *PostgresRepository) RecordWebRequest(ctx context.Context, wr *WebRequest) error {
	if wr == nil {
		return ErrInvalidInput
	}
	if wr.ID == "" {
		wr.ID = uuid.NewString()
	}
	if wr.CreatedAt.IsZero() {
		wr.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO web_requests (id, method, route, remote_addr, principal, status_code, duration_ms, flagged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		wr.ID, wr.Method, wr.Route, wr.RemoteAddr, wr.Principal, wr.StatusCode, wr.DurationMs, wr.Flagged, wr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record web request: %w", err)
	}
	return nil
}

const webRequestColumns = `id, method, route, remote_addr, principal, status_code, duration_ms, flagged, created_at`

// webRequestConditions builds the dynamic WHERE clause for the filter,
// starting argument numbering at argIndex.
func webRequestConditions(filter WebRequestFilter, argIndex int) ([]string, []interface{}, int) {
	var conditions []string
	var args []interface{}

	if filter.Route != "" {
		conditions = append(conditions, fmt.Sprintf("route = $%d", argIndex))
		args = append(args, filter.Route)
		argIndex++
	}
	if filter.RemoteAddr != "" {
		conditions = append(conditions, fmt.Sprintf("remote_addr = $%d", argIndex))
		args = append(args, filter.RemoteAddr)
		argIndex++
	}
	if filter.Principal != "" {
		conditions = append(conditions, fmt.Sprintf("principal = $%d", argIndex))
		args = append(args, filter.Principal)
		argIndex++
	}
	if filter.Flagged != nil {
		conditions = append(conditions, fmt.Sprintf("flagged = $%d", argIndex))
		args = append(args, *filter.Flagged)
		argIndex++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}
	if filter.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *filter.Until)
		argIndex++
	}

	return conditions, args, argIndex
}

// QueryWebRequests lists traffic rows matching the filter, newest first
func (r *PostgresRepository) QueryWebRequests(ctx context.Context, filter WebRequestFilter) ([]WebRequest, int, error) {
	conditions, args, argIndex := webRequestConditions(filter, 1)

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM web_requests %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count web requests: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM web_requests
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, webRequestColumns, whereClause, argIndex, argIndex+1)
	args = append(args, limit, filter.Skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list web requests: %w", err)
	}
	defer rows.Close()

	var requests []WebRequest
	for rows.Next() {
		var wr WebRequest
		if err := scanWebRequestRow(rows, &wr); err != nil {
			return nil, 0, fmt.Errorf("failed to scan web request: %w", err)
		}
		requests = append(requests, wr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating web requests: %w", err)
	}
	return requests, total, nil
}

// DeleteWebRequests removes traffic rows matching a non-empty filter
func (r *PostgresRepository) DeleteWebRequests(ctx context.Context, filter WebRequestFilter) (int64, error) {
	conditions, args, _ := webRequestConditions(filter, 1)
	if len(conditions) == 0 {
		// Refuse to wipe the table through an unfiltered delete.
		return 0, ErrInvalidInput
	}

	query := fmt.Sprintf("DELETE FROM web_requests WHERE %s", strings.Join(conditions, " AND "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete web requests: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// LastPrincipalForAddress returns the most recent authenticated principal
// seen from an address inside the attribution window
func (r *PostgresRepository) LastPrincipalForAddress(ctx context.Context, addr string, since time.Time) (string, error) {
	var principal string
	err := r.db.QueryRowContext(ctx, `
		SELECT principal
		FROM web_requests
		WHERE remote_addr = $1 AND principal <> '' AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`,
		addr, since,
	).Scan(&principal)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve principal for address: %w", err)
	}
	return principal, nil
}

// Ping checks the database connection
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertRow(row rowScanner, alert *Alert) error {
	var status string
	var fragment, pattern, principal, method, route, userAgent sql.NullString

	err := row.Scan(
		&alert.ID, &alert.Kind, &alert.Severity, &alert.RiskScore, &alert.Signature, &fragment, &pattern,
		&principal, &alert.RemoteAddr, &method, &route, &userAgent,
		&status, &alert.Occurrences, &alert.CreatedAt, &alert.UpdatedAt, &alert.LastSeenAt,
	)
	if err != nil {
		return err
	}

	alert.Status = AlertStatus(status)
	alert.Fragment = fragment.String
	alert.Pattern = pattern.String
	alert.Principal = principal.String
	alert.Method = method.String
	alert.Route = route.String
	alert.UserAgent = userAgent.String
	return nil
}

func scanAlertRows(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var alert Alert
		if err := scanAlertRow(rows, &alert); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanBanRow(row rowScanner, ban *Ban) error {
	var kind string
	var createdBy, liftedBy sql.NullString
	var expiresAt, liftedAt sql.NullTime

	err := row.Scan(
		&ban.ID, &kind, &ban.Subject, &ban.Reason, &createdBy, &ban.CreatedAt,
		&expiresAt, &ban.Active, &liftedAt, &liftedBy,
	)
	if err != nil {
		return err
	}

	ban.SubjectKind = BanSubjectKind(kind)
	ban.CreatedBy = createdBy.String
	ban.LiftedBy = liftedBy.String
	if expiresAt.Valid {
		ban.ExpiresAt = &expiresAt.Time
	}
	if liftedAt.Valid {
		ban.LiftedAt = &liftedAt.Time
	}
	return nil
}

func scanPrincipalRow(row rowScanner, p *Principal) error {
	var role string
	var suspendedAt sql.NullTime

	err := row.Scan(&p.ID, &p.Name, &role, &p.IsActive, &suspendedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}

	p.Role = Role(role)
	if suspendedAt.Valid {
		p.SuspendedAt = &suspendedAt.Time
	}
	return nil
}

func scanWebRequestRow(row rowScanner, wr *WebRequest) error {
	var principal sql.NullString
	err := row.Scan(&wr.ID, &wr.Method, &wr.Route, &wr.RemoteAddr, &principal,
		&wr.StatusCode, &wr.DurationMs, &wr.Flagged, &wr.CreatedAt)
	if err != nil {
		return err
	}
	wr.Principal = principal.String
	return nil
}

func scanForwarderRow(row rowScanner, f *ForwarderConfig) error {
	var minSeverity sql.NullString
	var kinds []byte

	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Secret, &f.Enabled, &minSeverity, &kinds, &f.Retries, &f.TimeoutSec, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return err
	}

	f.MinSeverity = minSeverity.String
	if err := json.Unmarshal(kinds, &f.Kinds); err != nil {
		f.Kinds = nil
	}
	return nil
}
