// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"aegis/platform/sentry/store"
)

// parseWebRequestFilter builds a WebRequestFilter from list/clear query
// parameters.
func parseWebRequestFilter(r *http.Request) (store.WebRequestFilter, error) {
	q := r.URL.Query()
	filter := store.WebRequestFilter{
		Route:      q.Get("route"),
		RemoteAddr: q.Get("remote_addr"),
		Principal:  NormalizePrincipal(q.Get("principal")),
	}

	if flagged := q.Get("flagged"); flagged != "" {
		b := flagged == "true"
		filter.Flagged = &b
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
	filter.Skip = parseIntParam(q.Get("skip"), 0)
	filter.Limit = parseIntParam(q.Get("limit"), store.DefaultQueryLimit)

	return filter, nil
}

// handleListWebRequests handles GET /api/admin/requests
func (p *Pipeline) handleListWebRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWebRequestFilter(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	requests, total, err := p.repo.QueryWebRequests(r.Context(), filter)
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list web requests",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list requests")
		return
	}

	writeListResponse(w, filter.Skip, filter.Limit, total, requests)
}

// handleClearWebRequests handles DELETE /api/admin/requests. The filter comes
// from query parameters; an empty filter is rejected so a stray call cannot
// wipe the traffic log.
func (p *Pipeline) handleClearWebRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWebRequestFilter(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	// Skip/Limit never narrow a delete.
	filter.Skip = 0
	filter.Limit = 0

	deleted, err := p.repo.DeleteWebRequests(r.Context(), filter)
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			"deletion requires at least one filter")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to delete web requests",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to delete requests")
		return
	}

	p.audit(r.Context(), "request.clear", "web_request", "", fmt.Sprintf("deleted %d requests", deleted))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}
