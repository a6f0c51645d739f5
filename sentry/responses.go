// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey string

const actorKey contextKey = "sentry.actor"

// withActor stamps the authenticated admin onto the request context so
// handlers can attribute audit rows.
func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// actorFrom returns the authenticated admin for the request, or "system".
func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAPIError writes the error envelope used across the admin API.
func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}

// writeListResponse writes the paged list envelope.
func writeListResponse(w http.ResponseWriter, skip, limit, total int, results interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skip":    skip,
		"limit":   limit,
		"total":   total,
		"results": results,
	})
}

// writeBlocked writes the enforcement rejection body returned to blocked
// traffic. Reason is one of the Code* constants.
func writeBlocked(w http.ResponseWriter, status int, reason, detail string) {
	writeJSON(w, status, map[string]interface{}{
		"success":    false,
		"error_code": reason,
		"message":    detail,
	})
}
