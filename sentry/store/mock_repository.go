// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It reproduces the Postgres implementation's semantics: signature
// deduplication, the monotonic status guard, single active ban per subject
// and stable (created_at, id) ordering.
type MockRepository struct {
	mu          sync.RWMutex
	alerts      []Alert
	bans        []Ban
	principals  map[string]*Principal
	actions     []AdminAction
	forwarders  map[string]*ForwarderConfig
	webRequests []WebRequest

	// now is swappable so tests can control windows.
	now func() time.Time

	// Error injection for testing
	UpsertAlertErr   error
	QueryAlertsErr   error
	UpdateStatusErr  error
	DeleteAlertsErr  error
	CountErr         error
	CreateBanErr     error
	ActiveBanErr     error
	LiftBanErr       error
	PrincipalErr     error
	AdminActionErr   error
	ForwarderErr     error
	WebRequestErr    error
	PingErr          error
}

// NewMockRepository creates a new mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		principals: make(map[string]*Principal),
		forwarders: make(map[string]*ForwarderConfig),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ensure MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// SetClock replaces the mock's clock for window-sensitive tests.
func (r *MockRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MockRepository) UpsertAlert(ctx context.Context, alert *Alert, window time.Duration) (bool, error) {
	if r.UpsertAlertErr != nil {
		return false, r.UpsertAlertErr
	}
	if alert == nil || alert.Signature == "" {
		return false, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	subject := alert.RemoteAddr
	byPrincipal := alert.Principal != ""
	if byPrincipal {
		subject = alert.Principal
	}

	for i := len(r.alerts) - 1; i >= 0; i-- {
		a := &r.alerts[i]
		if a.Signature != alert.Signature {
			continue
		}
		got := a.RemoteAddr
		if byPrincipal {
			got = a.Principal
		}
		if got != subject || !a.CreatedAt.After(now.Add(-window)) {
			continue
		}
		a.Occurrences++
		a.LastSeenAt = now
		a.UpdatedAt = now
		*alert = *a
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
	r.alerts = append(r.alerts, *alert)
	return false, nil
}

func (r *MockRepository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.alerts {
		if r.alerts[i].ID == id {
			a := r.alerts[i]
			return &a, nil
		}
	}
	return nil, ErrAlertNotFound
}

func matchesFilter(a *Alert, filter AlertFilter) bool {
	if filter.Kind != "" && a.Kind != filter.Kind {
		return false
	}
	if filter.Severity != "" && a.Severity != filter.Severity {
		return false
	}
	if filter.Status != "" && string(a.Status) != filter.Status {
		return false
	}
	if filter.Principal != "" && a.Principal != filter.Principal {
		return false
	}
	if filter.RemoteAddr != "" && a.RemoteAddr != filter.RemoteAddr {
		return false
	}
	if filter.Signature != "" && a.Signature != filter.Signature {
		return false
	}
	if filter.Since != nil && a.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && a.CreatedAt.After(*filter.Until) {
		return false
	}
	if filter.MinRisk > 0 && a.RiskScore < filter.MinRisk {
		return false
	}
	return true
}

func (r *MockRepository) QueryAlerts(ctx context.Context, filter AlertFilter) ([]Alert, int, error) {
	if r.QueryAlertsErr != nil {
		return nil, 0, r.QueryAlertsErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Alert
	for i := range r.alerts {
		if matchesFilter(&r.alerts[i], filter) {
			result = append(result, r.alerts[i])
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	total := len(result)

	if filter.Skip > 0 {
		if filter.Skip >= len(result) {
			result = nil
		} else {
			result = result[filter.Skip:]
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if limit < len(result) {
		result = result[:limit]
	}

	return result, total, nil
}

func (r *MockRepository) AlertsAfter(ctx context.Context, cursor Cursor, limit int) ([]Alert, error) {
	if r.QueryAlertsErr != nil {
		return nil, r.QueryAlertsErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var result []Alert
	for i := range r.alerts {
		a := r.alerts[i]
		if a.CreatedAt.After(cursor.CreatedAt) ||
			(a.CreatedAt.Equal(cursor.CreatedAt) && strings.Compare(a.ID, cursor.ID) > 0) {
			result = append(result, a)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *MockRepository) UpdateAlertStatus(ctx context.Context, id string, status AlertStatus) (*Alert, error) {
	if r.UpdateStatusErr != nil {
		return nil, r.UpdateStatusErr
	}
	if !status.IsValid() {
		return nil, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.alerts {
		if r.alerts[i].ID != id {
			continue
		}
		if !r.alerts[i].Status.CanTransitionTo(status) {
			return nil, ErrStatusRegression
		}
		r.alerts[i].Status = status
		r.alerts[i].UpdatedAt = r.now()
		a := r.alerts[i]
		return &a, nil
	}
	return nil, ErrAlertNotFound
}

func (r *MockRepository) DeleteAlerts(ctx context.Context, filter AlertFilter) (int64, error) {
	if r.DeleteAlertsErr != nil {
		return 0, r.DeleteAlertsErr
	}
	if (filter == AlertFilter{}) {
		return 0, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []Alert
	var deleted int64
	for i := range r.alerts {
		if matchesFilter(&r.alerts[i], filter) {
			deleted++
			continue
		}
		kept = append(kept, r.alerts[i])
	}
	r.alerts = kept
	return deleted, nil
}

func (r *MockRepository) CountPrincipalOffenses(ctx context.Context, principal string, since time.Time) (int, error) {
	if r.CountErr != nil {
		return 0, r.CountErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for i := range r.alerts {
		if r.alerts[i].Principal == principal && !r.alerts[i].CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MockRepository) CountAddressOffenses(ctx context.Context, addr string, since time.Time) (int, error) {
	if r.CountErr != nil {
		return 0, r.CountErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for i := range r.alerts {
		if r.alerts[i].RemoteAddr == addr && !r.alerts[i].CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MockRepository) CreateBan(ctx context.Context, ban *Ban) error {
	if r.CreateBanErr != nil {
		return r.CreateBanErr
	}
	if ban == nil || !ban.SubjectKind.IsValid() || ban.Subject == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i := range r.bans {
		b := &r.bans[i]
		if b.SubjectKind == ban.SubjectKind && b.Subject == ban.Subject && b.Active && !b.Expired(now) {
			return ErrBanExists
		}
	}

	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	ban.CreatedAt = now
	ban.Active = true
	r.bans = append(r.bans, *ban)
	return nil
}

func (r *MockRepository) ActiveBan(ctx context.Context, kind BanSubjectKind, subject string) (*Ban, error) {
	if r.ActiveBanErr != nil {
		return nil, r.ActiveBanErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	for i := len(r.bans) - 1; i >= 0; i-- {
		b := r.bans[i]
		if b.SubjectKind == kind && b.Subject == subject && b.Active && !b.Expired(now) {
			return &b, nil
		}
	}
	return nil, ErrBanNotFound
}

func (r *MockRepository) LiftBan(ctx context.Context, kind BanSubjectKind, subject, liftedBy string) (*Ban, error) {
	if r.LiftBanErr != nil {
		return nil, r.LiftBanErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.bans {
		b := &r.bans[i]
		if b.SubjectKind == kind && b.Subject == subject && b.Active {
			now := r.now()
			b.Active = false
			b.LiftedAt = &now
			b.LiftedBy = liftedBy
			out := *b
			return &out, nil
		}
	}
	return nil, ErrBanNotFound
}

func (r *MockRepository) ExpireBans(ctx context.Context) (int64, error) {
	if r.LiftBanErr != nil {
		return 0, r.LiftBanErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for i := range r.bans {
		b := &r.bans[i]
		if b.Active && b.Expired(now) {
			at := now
			b.Active = false
			b.LiftedAt = &at
			b.LiftedBy = "expiry"
			n++
		}
	}
	return n, nil
}

func (r *MockRepository) ListBans(ctx context.Context, activeOnly bool, skip, limit int) ([]Ban, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var result []Ban
	for i := range r.bans {
		b := r.bans[i]
		if activeOnly && (!b.Active || b.Expired(now)) {
			continue
		}
		result = append(result, b)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if skip > 0 {
		if skip >= len(result) {
			result = nil
		} else {
			result = result[skip:]
		}
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (r *MockRepository) GetPrincipal(ctx context.Context, name string) (*Principal, error) {
	if r.PrincipalErr != nil {
		return nil, r.PrincipalErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.principals[name]; ok {
		out := *p
		return &out, nil
	}
	return nil, ErrPrincipalNotFound
}

func (r *MockRepository) UpsertPrincipal(ctx context.Context, p *Principal) error {
	if r.PrincipalErr != nil {
		return r.PrincipalErr
	}
	if p == nil || p.Name == "" || !p.Role.IsValid() {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.principals[p.Name]; ok {
		existing.Role = p.Role
		existing.UpdatedAt = now
		*p = *existing
		return nil
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.IsActive = true
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	r.principals[p.Name] = &cp
	return nil
}

func (r *MockRepository) SetPrincipalActive(ctx context.Context, name string, active bool) (*Principal, error) {
	if r.PrincipalErr != nil {
		return nil, r.PrincipalErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[name]
	if !ok {
		return nil, ErrPrincipalNotFound
	}

	now := r.now()
	p.IsActive = active
	p.UpdatedAt = now
	if active {
		p.SuspendedAt = nil
	} else {
		p.SuspendedAt = &now
	}
	out := *p
	return &out, nil
}

func (r *MockRepository) ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]Principal, int, error) {
	if r.PrincipalErr != nil {
		return nil, 0, r.PrincipalErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Principal
	for _, p := range r.principals {
		if filter.Query != "" && !strings.Contains(p.Name, filter.Query) {
			continue
		}
		if filter.Role != "" && p.Role != filter.Role {
			continue
		}
		if filter.Active != nil && p.IsActive != *filter.Active {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	total := len(result)
	if filter.Skip > 0 {
		if filter.Skip >= len(result) {
			result = nil
		} else {
			result = result[filter.Skip:]
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (r *MockRepository) RecordAdminAction(ctx context.Context, action *AdminAction) error {
	if r.AdminActionErr != nil {
		return r.AdminActionErr
	}
	if action == nil || action.Actor == "" || action.Action == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.CreatedAt = r.now()
	r.actions = append(r.actions, *action)
	return nil
}

func (r *MockRepository) ListAdminActions(ctx context.Context, skip, limit int) ([]AdminAction, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AdminAction, len(r.actions))
	copy(result, r.actions)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if skip > 0 {
		if skip >= len(result) {
			result = nil
		} else {
			result = result[skip:]
		}
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (r *MockRepository) CreateForwarder(ctx context.Context, f *ForwarderConfig) error {
	if r.ForwarderErr != nil {
		return r.ForwarderErr
	}
	if f == nil || f.Name == "" || f.URL == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = now
	f.UpdatedAt = now
	cp := *f
	r.forwarders[f.ID] = &cp
	return nil
}

func (r *MockRepository) GetForwarder(ctx context.Context, id string) (*ForwarderConfig, error) {
	if r.ForwarderErr != nil {
		return nil, r.ForwarderErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.forwarders[id]; ok {
		out := *f
		return &out, nil
	}
	return nil, ErrForwarderNotFound
}

func (r *MockRepository) ListForwarders(ctx context.Context) ([]ForwarderConfig, error) {
	if r.ForwarderErr != nil {
		return nil, r.ForwarderErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []ForwarderConfig
	for _, f := range r.forwarders {
		result = append(result, *f)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (r *MockRepository) UpdateForwarder(ctx context.Context, f *ForwarderConfig) error {
	if r.ForwarderErr != nil {
		return r.ForwarderErr
	}
	if f == nil || f.ID == "" || f.Name == "" || f.URL == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.forwarders[f.ID]
	if !ok {
		return ErrForwarderNotFound
	}
	if f.Secret == "" {
		f.Secret = existing.Secret
	}
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = r.now()
	cp := *f
	r.forwarders[f.ID] = &cp
	return nil
}

func (r *MockRepository) DeleteForwarder(ctx context.Context, id string) error {
	if r.ForwarderErr != nil {
		return r.ForwarderErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.forwarders[id]; !ok {
		return ErrForwarderNotFound
	}
	delete(r.forwarders, id)
	return nil
}

func (r *MockRepository) RecordWebRequest(ctx context.Context, wr *WebRequest) error {
	if r.WebRequestErr != nil {
		return r.WebRequestErr
	}
	if wr == nil {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if wr.ID == "" {
		wr.ID = uuid.NewString()
	}
	if wr.CreatedAt.IsZero() {
		wr.CreatedAt = r.now()
	}
	r.webRequests = append(r.webRequests, *wr)
	return nil
}

func matchesWebRequestFilter(wr *WebRequest, filter WebRequestFilter) bool {
	if filter.Route != "" && wr.Route != filter.Route {
		return false
	}
	if filter.RemoteAddr != "" && wr.RemoteAddr != filter.RemoteAddr {
		return false
	}
	if filter.Principal != "" && wr.Principal != filter.Principal {
		return false
	}
	if filter.Flagged != nil && wr.Flagged != *filter.Flagged {
		return false
	}
	if filter.Since != nil && wr.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && wr.CreatedAt.After(*filter.Until) {
		return false
	}
	return true
}

func (r *MockRepository) QueryWebRequests(ctx context.Context, filter WebRequestFilter) ([]WebRequest, int, error) {
	if r.WebRequestErr != nil {
		return nil, 0, r.WebRequestErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []WebRequest
	for i := range r.webRequests {
		if matchesWebRequestFilter(&r.webRequests[i], filter) {
			result = append(result, r.webRequests[i])
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	total := len(result)
	if filter.Skip > 0 {
		if filter.Skip >= len(result) {
			result = nil
		} else {
			result = result[filter.Skip:]
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (r *MockRepository) DeleteWebRequests(ctx context.Context, filter WebRequestFilter) (int64, error) {
	if r.WebRequestErr != nil {
		return 0, r.WebRequestErr
	}
	if (filter == WebRequestFilter{}) {
		return 0, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []WebRequest
	var deleted int64
	for i := range r.webRequests {
		if matchesWebRequestFilter(&r.webRequests[i], filter) {
			deleted++
			continue
		}
		kept = append(kept, r.webRequests[i])
	}
	r.webRequests = kept
	return deleted, nil
}

func (r *MockRepository) LastPrincipalForAddress(ctx context.Context, addr string, since time.Time) (string, error) {
	if r.WebRequestErr != nil {
		return "", r.WebRequestErr
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	var bestAt time.Time
	for i := range r.webRequests {
		wr := &r.webRequests[i]
		if wr.RemoteAddr != addr || wr.Principal == "" || wr.CreatedAt.Before(since) {
			continue
		}
		if wr.CreatedAt.After(bestAt) {
			best = wr.Principal
			bestAt = wr.CreatedAt
		}
	}
	return best, nil
}

func (r *MockRepository) Ping(ctx context.Context) error {
	return r.PingErr
}

// Helper methods for test setup

// AddAlert inserts an alert directly, bypassing deduplication.
func (r *MockRepository) AddAlert(alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = StatusNew
	}
	if alert.Occurrences == 0 {
		alert.Occurrences = 1
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = r.now()
	}
	if alert.LastSeenAt.IsZero() {
		alert.LastSeenAt = alert.CreatedAt
	}
	r.alerts = append(r.alerts, alert)
}

// AlertCount returns the number of stored alerts.
func (r *MockRepository) AlertCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.alerts)
}

// WebRequestCount returns the number of recorded traffic rows.
func (r *MockRepository) WebRequestCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.webRequests)
}
