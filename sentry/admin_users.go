// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"aegis/platform/sentry/store"
)

// principalSummary is the admin listing view of a principal: the directory
// row plus its current enforcement state.
type principalSummary struct {
	store.Principal
	OffenseCount int  `json:"offense_count"`
	IsSuspended  bool `json:"is_suspended"`
	IsBanned     bool `json:"is_banned"`
}

// summarizePrincipal enriches one principal with its offense count inside
// the configured window and its ban state. Lookup failures degrade to zero
// values rather than failing the listing.
func (p *Pipeline) summarizePrincipal(ctx context.Context, pr store.Principal) principalSummary {
	out := principalSummary{Principal: pr, IsSuspended: !pr.IsActive}
	if n, err := p.ledger.PrincipalOffenses(ctx, pr.Name, p.cfg.OffenseWindow); err == nil {
		out.OffenseCount = n
	}
	if _, err := p.repo.ActiveBan(ctx, store.BanSubjectPrincipal, pr.Name); err == nil {
		out.IsBanned = true
	}
	return out
}

// handleListPrincipals handles GET /api/admin/principals. Supports q (name
// substring), role and active query filters.
func (p *Pipeline) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PrincipalFilter{
		Query: NormalizePrincipal(q.Get("q")),
		Skip:  parseIntParam(q.Get("skip"), 0),
		Limit: parseIntParam(q.Get("limit"), store.DefaultQueryLimit),
	}
	if role := q.Get("role"); role != "" {
		ro := store.Role(role)
		if !ro.IsValid() {
			writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("invalid role: %q", role))
			return
		}
		filter.Role = ro
	}
	if active := q.Get("active"); active != "" {
		b := active == "true"
		filter.Active = &b
	}

	principals, total, err := p.repo.ListPrincipals(r.Context(), filter)
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list principals",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list principals")
		return
	}

	results := make([]principalSummary, 0, len(principals))
	for _, pr := range principals {
		results = append(results, p.summarizePrincipal(r.Context(), pr))
	}
	writeListResponse(w, filter.Skip, filter.Limit, total, results)
}

// handlePrincipalActivity handles GET /api/admin/principals/{name}/activity.
// Returns the principal's recent alerts alongside its enforcement state.
func (p *Pipeline) handlePrincipalActivity(w http.ResponseWriter, r *http.Request) {
	name := NormalizePrincipal(mux.Vars(r)["name"])

	principal, err := p.repo.GetPrincipal(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrPrincipalNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "principal not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to load principal",
			map[string]interface{}{"principal": name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load principal")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), store.DefaultQueryLimit)
	alerts, total, err := p.repo.QueryAlerts(r.Context(), store.AlertFilter{
		Principal: name,
		Limit:     limit,
	})
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to load principal activity",
			map[string]interface{}{"principal": name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load activity")
		return
	}

	banned := false
	if _, err := p.repo.ActiveBan(r.Context(), store.BanSubjectPrincipal, name); err == nil {
		banned = true
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal":    principal,
		"activity":     alerts,
		"attack_count": total,
		"is_suspended": !principal.IsActive,
		"is_banned":    banned,
	})
}

// handleGetPrincipal handles GET /api/admin/principals/{name}
func (p *Pipeline) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	name := NormalizePrincipal(mux.Vars(r)["name"])

	principal, err := p.repo.GetPrincipal(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrPrincipalNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "principal not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to load principal",
			map[string]interface{}{"principal": name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load principal")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

// handleUpsertPrincipal handles PUT /api/admin/principals
func (p *Pipeline) handleUpsertPrincipal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	name := NormalizePrincipal(body.Name)
	if name == "" {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	role := store.Role(body.Role)
	if body.Role == "" {
		role = store.RoleUser
	}
	if !role.IsValid() {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("invalid role: %q", body.Role))
		return
	}

	principal := &store.Principal{Name: name, Role: role, IsActive: true}
	if err := p.repo.UpsertPrincipal(r.Context(), principal); err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to upsert principal",
			map[string]interface{}{"principal": name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to save principal")
		return
	}

	p.audit(r.Context(), "principal.upsert", "principal", name, string(role))
	writeJSON(w, http.StatusOK, principal)
}

// handleSetPrincipalActive handles PATCH /api/admin/principals/{name}.
// Reactivating a suspended account clears the suspension instant.
func (p *Pipeline) handleSetPrincipalActive(w http.ResponseWriter, r *http.Request) {
	name := NormalizePrincipal(mux.Vars(r)["name"])

	var body struct {
		Active *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "is_active is required")
		return
	}

	principal, err := p.repo.SetPrincipalActive(r.Context(), name, *body.Active)
	switch {
	case errors.Is(err, store.ErrPrincipalNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "principal not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to update principal",
			map[string]interface{}{"principal": name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to update principal")
		return
	}

	p.ledger.Invalidate(name, "")
	action := "principal.suspend"
	if *body.Active {
		action = "principal.activate"
	}
	p.audit(r.Context(), action, "principal", name, "")
	writeJSON(w, http.StatusOK, principal)
}

// handleListBans handles GET /api/admin/bans
func (p *Pipeline) handleListBans(w http.ResponseWriter, r *http.Request) {
	skip := parseIntParam(r.URL.Query().Get("skip"), 0)
	limit := parseIntParam(r.URL.Query().Get("limit"), store.DefaultQueryLimit)
	activeOnly := r.URL.Query().Get("active") == "true"

	bans, total, err := p.repo.ListBans(r.Context(), activeOnly, skip, limit)
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list bans",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list bans")
		return
	}

	writeListResponse(w, skip, limit, total, bans)
}

// handleCreateBan handles POST /admin/ban and POST /admin/bans. Expiry is
// either an absolute expires_at timestamp or a relative expires_in_sec.
func (p *Pipeline) handleCreateBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubjectKind  string     `json:"subject_kind"`
		Subject      string     `json:"subject"`
		Reason       string     `json:"reason"`
		ExpiresAt    *time.Time `json:"expires_at"`
		ExpiresInSec int        `json:"expires_in_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	kind := store.BanSubjectKind(body.SubjectKind)
	if !kind.IsValid() {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("invalid subject_kind: %q", body.SubjectKind))
		return
	}
	subject := body.Subject
	if kind == store.BanSubjectPrincipal {
		subject = NormalizePrincipal(subject)
	}
	if subject == "" {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "subject is required")
		return
	}

	ban := &store.Ban{
		SubjectKind: kind,
		Subject:     subject,
		Reason:      body.Reason,
		CreatedBy:   actorFrom(r.Context()),
	}
	switch {
	case body.ExpiresAt != nil:
		if !body.ExpiresAt.After(time.Now().UTC()) {
			writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "expires_at must be in the future")
			return
		}
		ban.ExpiresAt = body.ExpiresAt
	case body.ExpiresInSec > 0:
		expires := time.Now().UTC().Add(time.Duration(body.ExpiresInSec) * time.Second)
		ban.ExpiresAt = &expires
	}

	err := p.repo.CreateBan(r.Context(), ban)
	switch {
	case errors.Is(err, store.ErrBanExists):
		writeAPIError(w, http.StatusConflict, CodeConflict, "subject already has an active ban")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to create ban",
			map[string]interface{}{"subject": subject, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to create ban")
		return
	}

	if kind == store.BanSubjectPrincipal {
		if _, err := p.repo.SetPrincipalActive(r.Context(), subject, false); err != nil && !errors.Is(err, store.ErrPrincipalNotFound) {
			p.log.Error(actorFrom(r.Context()), "", "failed to deactivate banned principal",
				map[string]interface{}{"principal": subject, "error": err.Error()})
		}
	}

	p.ledger.Invalidate(subject, subject)
	p.audit(r.Context(), "ban.create", string(kind), subject, body.Reason)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"ban":     ban,
	})
}

// handleLiftBan handles DELETE /admin/bans/{kind}/{subject}.
func (p *Pipeline) handleLiftBan(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p.liftBan(w, r, vars["kind"], vars["subject"])
}

// handleUnban handles POST /admin/unban with {subject_kind, subject}.
func (p *Pipeline) handleUnban(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubjectKind string `json:"subject_kind"`
		Subject     string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	p.liftBan(w, r, body.SubjectKind, body.Subject)
}

// liftBan closes the active ban for a subject. Lifting a principal ban
// reactivates the account.
func (p *Pipeline) liftBan(w http.ResponseWriter, r *http.Request, rawKind, rawSubject string) {
	kind := store.BanSubjectKind(rawKind)
	if !kind.IsValid() {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("invalid subject_kind: %q", rawKind))
		return
	}
	subject := rawSubject
	if kind == store.BanSubjectPrincipal {
		subject = NormalizePrincipal(subject)
	}
	if subject == "" {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "subject is required")
		return
	}

	actor := actorFrom(r.Context())
	ban, err := p.repo.LiftBan(r.Context(), kind, subject, actor)
	switch {
	case errors.Is(err, store.ErrBanNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "no active ban for subject")
		return
	case err != nil:
		p.log.Error(actor, "", "failed to lift ban",
			map[string]interface{}{"subject": subject, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to lift ban")
		return
	}

	if kind == store.BanSubjectPrincipal {
		if _, err := p.repo.SetPrincipalActive(r.Context(), subject, true); err != nil && !errors.Is(err, store.ErrPrincipalNotFound) {
			p.log.Error(actor, "", "failed to reactivate unbanned principal",
				map[string]interface{}{"principal": subject, "error": err.Error()})
		}
	}

	p.ledger.Invalidate(subject, subject)
	p.audit(r.Context(), "ban.lift", string(kind), subject, "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ban":     ban,
	})
}
