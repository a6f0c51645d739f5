// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/platform/sentry/store"
)

func seedRequests(t *testing.T, repo *store.MockRepository) {
	t.Helper()
	ctx := context.Background()

	rows := []store.WebRequest{
		{Method: "GET", Route: "/api/tickets", RemoteAddr: "203.0.113.7", StatusCode: 200, DurationMs: 12},
		{Method: "POST", Route: "/api/tickets", RemoteAddr: "203.0.113.7", StatusCode: 403, DurationMs: 3, Flagged: true},
		{Method: "GET", Route: "/api/users", RemoteAddr: "198.51.100.9", Principal: "alice", StatusCode: 200, DurationMs: 8},
	}
	for i := range rows {
		require.NoError(t, repo.RecordWebRequest(ctx, &rows[i]))
	}
}

func TestListWebRequests(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedRequests(t, repo)

	w := doAdmin(router, token, "GET", "/api/admin/requests", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total   int                `json:"total"`
		Results []store.WebRequest `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Results, 3)
}

func TestListWebRequests_Filters(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedRequests(t, repo)

	var resp struct {
		Total   int                `json:"total"`
		Results []store.WebRequest `json:"results"`
	}

	w := doAdmin(router, token, "GET", "/api/admin/requests?flagged=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.True(t, resp.Results[0].Flagged)

	w = doAdmin(router, token, "GET", "/api/admin/requests?remote_addr=198.51.100.9", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "alice", resp.Results[0].Principal)

	w = doAdmin(router, token, "GET", "/api/admin/requests?since=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClearWebRequests(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedRequests(t, repo)

	// An unfiltered clear is rejected.
	w := doAdmin(router, token, "DELETE", "/api/admin/requests", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 3, repo.WebRequestCount())

	w = doAdmin(router, token, "DELETE", "/api/admin/requests?remote_addr=203.0.113.7", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool  `json:"success"`
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.Deleted)
	assert.Equal(t, 1, repo.WebRequestCount())
}
