// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
)

// audit appends one admin audit row. Audit failures are logged, never
// returned: the mutation being audited has already happened.
func (p *Pipeline) audit(ctx context.Context, action, targetKind, target, detail string) {
	row := &store.AdminAction{
		Actor:      actorFrom(ctx),
		Action:     action,
		TargetKind: targetKind,
		Target:     target,
		Detail:     detail,
	}
	if err := p.repo.RecordAdminAction(ctx, row); err != nil {
		p.log.Error(row.Actor, "", "failed to record admin action",
			map[string]interface{}{"action": action, "error": err.Error()})
	}
}

// parseAlertFilter builds an AlertFilter from list/delete query parameters.
func parseAlertFilter(r *http.Request) (store.AlertFilter, error) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		Principal:  NormalizePrincipal(q.Get("principal")),
		RemoteAddr: q.Get("remote_addr"),
		Signature:  q.Get("signature"),
	}

	if kind := q.Get("kind"); kind != "" {
		k, err := classify.ParseKind(kind)
		if err != nil {
			return filter, err
		}
		filter.Kind = string(k)
	}
	if sev := q.Get("severity"); sev != "" {
		s, err := classify.ParseSeverity(sev)
		if err != nil {
			return filter, err
		}
		filter.Severity = string(s)
	}
	if status := q.Get("status"); status != "" {
		st := store.AlertStatus(status)
		if !st.IsValid() {
			return filter, fmt.Errorf("invalid status: %q", status)
		}
		filter.Status = string(st)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp: %w", err)
		}
		filter.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, fmt.Errorf("invalid until timestamp: %w", err)
		}
		filter.Until = &t
	}
	if minRisk := q.Get("min_risk"); minRisk != "" {
		n, err := strconv.Atoi(minRisk)
		if err != nil || n < 0 || n > 100 {
			return filter, fmt.Errorf("invalid min_risk: %q", minRisk)
		}
		filter.MinRisk = n
	}
	filter.Skip = parseIntParam(q.Get("skip"), 0)
	filter.Limit = parseIntParam(q.Get("limit"), store.DefaultQueryLimit)

	return filter, nil
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// handleListAlerts handles GET /api/admin/alerts
func (p *Pipeline) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	alerts, total, err := p.repo.QueryAlerts(r.Context(), filter)
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list alerts",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list alerts")
		return
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}
	if limit > store.MaxQueryLimit {
		limit = store.MaxQueryLimit
	}
	writeListResponse(w, filter.Skip, limit, total, alerts)
}

// handleGetAlert handles GET /api/admin/alerts/{id}
func (p *Pipeline) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	alert, err := p.repo.GetAlert(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrAlertNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "alert not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to load alert",
			map[string]interface{}{"alert_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load alert")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// handleUpdateAlertStatus handles PATCH /api/admin/alerts/{id}
func (p *Pipeline) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	status := store.AlertStatus(body.Status)
	if !status.IsValid() {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("invalid status: %q", body.Status))
		return
	}

	alert, err := p.repo.UpdateAlertStatus(r.Context(), id, status)
	switch {
	case errors.Is(err, store.ErrAlertNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "alert not found")
		return
	case errors.Is(err, store.ErrStatusRegression):
		writeAPIError(w, http.StatusConflict, CodeStatusRegression,
			"alert status cannot move backwards in review")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to update alert status",
			map[string]interface{}{"alert_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to update alert")
		return
	}

	p.audit(r.Context(), "alert.status", "alert", id, string(status))
	writeJSON(w, http.StatusOK, alert)
}

// handleDeleteAlerts handles DELETE /api/admin/alerts. The filter comes from
// query parameters; an empty filter is rejected so a stray call cannot wipe
// the table.
func (p *Pipeline) handleDeleteAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	deleted, err := p.repo.DeleteAlerts(r.Context(), filter)
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			"deletion requires at least one filter")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to delete alerts",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to delete alerts")
		return
	}

	p.audit(r.Context(), "alert.delete", "alert", "", fmt.Sprintf("deleted %d alerts", deleted))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}

// handleListAdminActions handles GET /api/admin/actions
func (p *Pipeline) handleListAdminActions(w http.ResponseWriter, r *http.Request) {
	skip := parseIntParam(r.URL.Query().Get("skip"), 0)
	limit := parseIntParam(r.URL.Query().Get("limit"), store.DefaultQueryLimit)

	actions, total, err := p.repo.ListAdminActions(r.Context(), skip, limit)
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list admin actions",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list admin actions")
		return
	}

	writeListResponse(w, skip, limit, total, actions)
}
