// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/platform/sentry/store"
)

func adminAPI(t *testing.T, mutate func(*Config)) (*mux.Router, *Pipeline, *store.MockRepository, string) {
	t.Helper()

	p, repo := newTestPipeline(t, mutate)
	router := mux.NewRouter()
	p.RegisterRoutes(router)

	token, err := p.auth.IssueToken("root", store.RoleAdmin, time.Minute)
	require.NoError(t, err)

	return router, p, repo, token
}

func doAdmin(router *mux.Router, token, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func seedAlerts(repo *store.MockRepository, n int) {
	kinds := []string{"XSS", "SQL_INJECTION", "COMMAND_INJECTION"}
	for i := 0; i < n; i++ {
		repo.AddAlert(store.Alert{
			Kind:       kinds[i%len(kinds)],
			Severity:   "HIGH",
			RiskScore:  80,
			Signature:  fmt.Sprintf("SIG%03d", i),
			Principal:  "mallory",
			RemoteAddr: "203.0.113.7",
			Route:      "/api/tickets",
			Status:     store.StatusNew,
			CreatedAt:  time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		})
	}
}

func TestAdminAPI_RequiresAdmin(t *testing.T) {
	router, _, _, _ := adminAPI(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/admin/alerts", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAlerts(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 5)

	w := doAdmin(router, token, "GET", "/api/admin/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Skip    int           `json:"skip"`
		Limit   int           `json:"limit"`
		Total   int           `json:"total"`
		Results []store.Alert `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Total)
	assert.Len(t, resp.Results, 5)
	// Newest first.
	assert.True(t, resp.Results[0].CreatedAt.After(resp.Results[4].CreatedAt))
}

func TestListAlerts_Filters(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 6)

	w := doAdmin(router, token, "GET", "/api/admin/alerts?kind=XSS", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total   int           `json:"total"`
		Results []store.Alert `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	for _, a := range resp.Results {
		assert.Equal(t, "XSS", a.Kind)
	}
}

func TestListAlerts_InvalidFilter(t *testing.T) {
	router, _, _, token := adminAPI(t, nil)

	w := doAdmin(router, token, "GET", "/api/admin/alerts?kind=BOGUS", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doAdmin(router, token, "GET", "/api/admin/alerts?min_risk=999", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAlert(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 1)

	alerts, _, err := repo.QueryAlerts(context.Background(), store.AlertFilter{})
	require.NoError(t, err)

	w := doAdmin(router, token, "GET", "/api/admin/alerts/"+alerts[0].ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got store.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, alerts[0].ID, got.ID)

	w = doAdmin(router, token, "GET", "/api/admin/alerts/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAlertStatus(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 1)
	alerts, _, err := repo.QueryAlerts(context.Background(), store.AlertFilter{})
	require.NoError(t, err)
	id := alerts[0].ID

	w := doAdmin(router, token, "PATCH", "/api/admin/alerts/"+id, `{"status":"REVIEWED"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got store.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, store.StatusReviewed, got.Status)

	// Review state never moves backwards.
	w = doAdmin(router, token, "PATCH", "/api/admin/alerts/"+id, `{"status":"NEW"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeStatusRegression, errorCode(t, w))

	// Lateral moves between reviewed states are fine.
	w = doAdmin(router, token, "PATCH", "/api/admin/alerts/"+id, `{"status":"FALSE_POSITIVE"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doAdmin(router, token, "PATCH", "/api/admin/alerts/"+id, `{"status":"SHRUG"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The mutation landed in the audit trail.
	actions, _, err := repo.ListAdminActions(context.Background(), 0, 50)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, "root", actions[0].Actor)
}

func TestDeleteAlerts(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 6)

	// No filter, no deletion.
	w := doAdmin(router, token, "DELETE", "/api/admin/alerts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 6, repo.AlertCount())

	w = doAdmin(router, token, "DELETE", "/api/admin/alerts?kind=XSS", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Deleted)
	assert.Equal(t, 4, repo.AlertCount())
}

func TestAdminCanonicalPaths(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	require.NoError(t, repo.UpsertPrincipal(context.Background(), &store.Principal{
		Name: "mallory", Role: store.RoleUser, IsActive: true,
	}))
	seedAlerts(repo, 1)
	alerts, _, err := repo.QueryAlerts(context.Background(), store.AlertFilter{})
	require.NoError(t, err)
	id := alerts[0].ID

	// Alert review through the dedicated status path.
	w := doAdmin(router, token, "PATCH", "/admin/alerts/"+id+"/status", `{"status":"REVIEWED"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got store.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, store.StatusReviewed, got.Status)

	// The principal directory answers on /users as well as /principals.
	w = doAdmin(router, token, "GET", "/admin/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = doAdmin(router, token, "GET", "/admin/users/mallory/activity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var activity struct {
		AttackCount int  `json:"attack_count"`
		IsBanned    bool `json:"is_banned"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &activity))
	assert.Equal(t, 1, activity.AttackCount)
	assert.False(t, activity.IsBanned)
}

func TestBanAndUnbanEndpoints(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	require.NoError(t, repo.UpsertPrincipal(context.Background(), &store.Principal{
		Name: "mallory", Role: store.RoleUser, IsActive: true,
	}))

	expires := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)
	w := doAdmin(router, token, "POST", "/admin/ban",
		fmt.Sprintf(`{"subject_kind":"PRINCIPAL","subject":"mallory","reason":"manual","expires_at":%q}`, expires))
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Success bool      `json:"success"`
		Ban     store.Ban `json:"ban"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	require.NotNil(t, created.Ban.ExpiresAt)

	// A ban cannot be created already expired.
	w = doAdmin(router, token, "POST", "/admin/ban",
		`{"subject_kind":"ADDRESS","subject":"203.0.113.7","expires_at":"2020-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, w))

	w = doAdmin(router, token, "POST", "/admin/unban",
		`{"subject_kind":"PRINCIPAL","subject":"Mallory"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var lifted struct {
		Success bool      `json:"success"`
		Ban     store.Ban `json:"ban"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lifted))
	assert.True(t, lifted.Success)
	assert.False(t, lifted.Ban.Active)

	// Lifting the principal ban reactivates the account.
	p, err := repo.GetPrincipal(context.Background(), "mallory")
	require.NoError(t, err)
	assert.True(t, p.IsActive)
}

func TestBanLifecycle(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	require.NoError(t, repo.UpsertPrincipal(context.Background(), &store.Principal{
		Name: "mallory", Role: store.RoleUser, IsActive: true,
	}))

	w := doAdmin(router, token, "POST", "/api/admin/bans",
		`{"subject_kind":"PRINCIPAL","subject":"Mallory","reason":"manual review"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// The banned account is deactivated alongside the ban.
	p, err := repo.GetPrincipal(context.Background(), "mallory")
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	// One active ban per subject.
	w = doAdmin(router, token, "POST", "/api/admin/bans",
		`{"subject_kind":"PRINCIPAL","subject":"mallory","reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doAdmin(router, token, "GET", "/api/admin/bans?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = doAdmin(router, token, "DELETE", "/api/admin/bans/PRINCIPAL/mallory", "")
	require.Equal(t, http.StatusOK, w.Code)

	var lifted struct {
		Success bool      `json:"success"`
		Ban     store.Ban `json:"ban"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lifted))
	assert.True(t, lifted.Success)
	assert.False(t, lifted.Ban.Active)
	assert.Equal(t, "root", lifted.Ban.LiftedBy)

	// Lifting reactivates the account.
	p, err = repo.GetPrincipal(context.Background(), "mallory")
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	w = doAdmin(router, token, "DELETE", "/api/admin/bans/PRINCIPAL/mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateBan_Validation(t *testing.T) {
	router, _, _, token := adminAPI(t, nil)

	w := doAdmin(router, token, "POST", "/api/admin/bans", `{"subject_kind":"HOUSE","subject":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doAdmin(router, token, "POST", "/api/admin/bans", `{"subject_kind":"ADDRESS","subject":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBan_WithExpiry(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)

	w := doAdmin(router, token, "POST", "/api/admin/bans",
		`{"subject_kind":"ADDRESS","subject":"203.0.113.7","reason":"burst","expires_in_sec":3600}`)
	require.Equal(t, http.StatusCreated, w.Code)

	ban, err := repo.ActiveBan(context.Background(), store.BanSubjectAddress, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *ban.ExpiresAt, time.Minute)
}

func TestPrincipalManagement(t *testing.T) {
	router, _, _, token := adminAPI(t, nil)

	w := doAdmin(router, token, "PUT", "/api/admin/principals", `{"name":"Alice@Example.com","role":"ORG"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var p store.Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "alice@example.com", p.Name)
	assert.Equal(t, store.RoleOrg, p.Role)

	w = doAdmin(router, token, "PATCH", "/api/admin/principals/alice@example.com", `{"is_active":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.False(t, p.IsActive)
	assert.NotNil(t, p.SuspendedAt)

	w = doAdmin(router, token, "PATCH", "/api/admin/principals/alice@example.com", `{"is_active":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.IsActive)
	assert.Nil(t, p.SuspendedAt)

	w = doAdmin(router, token, "GET", "/api/admin/principals", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doAdmin(router, token, "PATCH", "/api/admin/principals/ghost", `{"is_active":false}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doAdmin(router, token, "PUT", "/api/admin/principals", `{"name":"bob","role":"SUPREME"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForwarderCRUD(t *testing.T) {
	router, p, _, token := adminAPI(t, nil)

	w := doAdmin(router, token, "POST", "/api/admin/forwarders",
		`{"name":"siem","url":"https://siem.example.com/hook","secret":"s3cret","min_severity":"HIGH","retries":2,"timeout_sec":3}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// The secret never round-trips through the API.
	assert.NotContains(t, w.Body.String(), "s3cret")

	var created store.ForwarderConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 2, created.Retries)
	assert.Equal(t, 3, created.TimeoutSec)

	// The delivery workers see the new target immediately.
	targets := p.forwarder.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "s3cret", targets[0].Secret)

	w = doAdmin(router, token, "PUT", "/api/admin/forwarders/"+created.ID,
		`{"name":"siem","url":"https://siem.example.com/v2/hook","enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doAdmin(router, token, "GET", "/api/admin/forwarders/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got store.ForwarderConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "https://siem.example.com/v2/hook", got.URL)
	assert.False(t, got.Enabled)

	w = doAdmin(router, token, "GET", "/api/admin/forwarders", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queue"`)

	w = doAdmin(router, token, "DELETE", "/api/admin/forwarders/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doAdmin(router, token, "GET", "/api/admin/forwarders/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForwarderValidation(t *testing.T) {
	router, _, _, token := adminAPI(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{"name":"x"}`},
		{"bad scheme", `{"name":"x","url":"ftp://example.com"}`},
		{"bad severity", `{"name":"x","url":"https://example.com","min_severity":"EXTREME"}`},
		{"bad kind", `{"name":"x","url":"https://example.com","kinds":["NOT_A_KIND"]}`},
		{"retries over cap", `{"name":"x","url":"https://example.com","retries":5}`},
		{"negative retries", `{"name":"x","url":"https://example.com","retries":-1}`},
		{"negative timeout", `{"name":"x","url":"https://example.com","timeout_sec":-3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(router, token, "POST", "/api/admin/forwarders", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestForwarderTestEndpoint(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fc := &store.ForwarderConfig{Name: "siem", URL: srv.URL, Secret: "s3cret", Enabled: true}
	require.NoError(t, repo.CreateForwarder(context.Background(), fc))

	w := doAdmin(router, token, "POST", "/api/admin/forwarders/"+fc.ID+"/test", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	// A refusing destination reports failure without erroring the API call.
	srv.Close()
	w = doAdmin(router, token, "POST", "/api/admin/forwarders/"+fc.ID+"/test", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	w = doAdmin(router, token, "POST", "/api/admin/forwarders/does-not-exist/test", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginEndpoint(t *testing.T) {
	router, _, _, _ := adminAPI(t, func(c *Config) {
		c.BootstrapToken = "bootstrap-secret"
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/auth/login",
		strings.NewReader(`{"username":"root","token":"wrong"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/auth/login",
		strings.NewReader(`{"username":"root","token":"bootstrap-secret"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	// The minted token opens the admin API.
	got := doAdmin(router, resp.Token, "GET", "/api/admin/alerts", "")
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestLoginEndpoint_DisabledWithoutBootstrap(t *testing.T) {
	router, _, _, _ := adminAPI(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/auth/login",
		strings.NewReader(`{"username":"root","token":"anything"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportAlerts_NDJSON(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 3)

	w := doAdmin(router, token, "GET", "/api/admin/alerts/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)

	var first exportRow
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	// Export order is oldest first for stable resumption.
	assert.Equal(t, "SIG000", first.Signature)
	assert.Equal(t, "mallory", first.PrincipalID)
	assert.Equal(t, "203.0.113.7", first.RemoteAddress)
	assert.Equal(t, "/api/tickets", first.Route)
}

func TestExportAlerts_CSV(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 3)

	w := doAdmin(router, token, "GET", "/api/admin/alerts/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4) // header + 3 rows
	assert.Equal(t, exportColumns, records[0])
	assert.Equal(t, "mallory", records[1][2])
	assert.Equal(t, "SIG000", records[1][10])
}

func TestExportAlerts_PayloadExcerptBounded(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	repo.AddAlert(store.Alert{
		Kind: "SQL_INJECTION", Severity: "HIGH", Signature: "SIGBIG",
		RemoteAddr: "203.0.113.7", Fragment: strings.Repeat("x", 1000),
		Status: store.StatusNew,
	})

	w := doAdmin(router, token, "GET", "/api/admin/alerts/export", "")
	require.Equal(t, http.StatusOK, w.Code)

	var row exportRow
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(w.Body.String())), &row))
	assert.Len(t, row.PayloadExcerpt, maxPayloadExcerpt)
}

func TestExportAlerts_ResumeCursor(t *testing.T) {
	router, _, repo, token := adminAPI(t, nil)
	seedAlerts(repo, 4)

	w := doAdmin(router, token, "GET", "/api/admin/alerts/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 4)

	var second exportRow
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	cursor := encodeCursor(store.Cursor{CreatedAt: second.CreatedAt, ID: second.ID})

	w = doAdmin(router, token, "GET", "/api/admin/alerts/export?after="+cursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	lines = strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestExportAlerts_BadFormat(t *testing.T) {
	router, _, _, token := adminAPI(t, nil)

	w := doAdmin(router, token, "GET", "/api/admin/alerts/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCursorRoundtrip(t *testing.T) {
	c := store.Cursor{CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC), ID: "abc|def"}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.ID, got.ID)

	_, err = decodeCursor("not base64 ***")
	assert.Error(t, err)
}

func TestStreamAlerts_ReplayAndLive(t *testing.T) {
	_, p, repo, _ := adminAPI(t, nil)
	seedAlerts(repo, 2)

	cursor := encodeCursor(store.Cursor{CreatedAt: time.Time{}, ID: ""})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	r := httptest.NewRequest("GET", "/api/admin/alerts/stream?after="+cursor, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.broker.Publish(store.Alert{ID: "live-1", Kind: "XSS", Severity: "HIGH", Signature: "LIVE"})
	}()

	p.handleStreamAlerts(w, r)

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 2+1, strings.Count(body, "event: alert"))
	assert.Contains(t, body, `"signature":"SIG000"`)
	assert.Contains(t, body, `"id":"live-1"`)
}

func TestStreamBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := newStreamBroker()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < streamBuffer*2; i++ {
		b.Publish(store.Alert{ID: fmt.Sprintf("a%d", i)})
	}
	// The channel holds at most its buffer; the rest were dropped without
	// blocking the publisher.
	assert.Equal(t, streamBuffer, len(ch))
}
