// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"aegis/platform/sentry/store"
)

// sessionTTL is the lifetime of tokens minted through the bootstrap login.
const sessionTTL = 12 * time.Hour

// RegisterRoutes registers the admin API and the auth endpoint with a
// gorilla/mux router. The admin surface lives under /admin, with /api/admin
// kept as an alias for clients that expect the versionless API prefix. The
// enforcement middleware is registered separately so callers decide which
// subrouters it wraps.
func (p *Pipeline) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/auth/login", p.handleLogin).Methods("POST")

	p.registerAdmin(r.PathPrefix("/admin").Subrouter())
	p.registerAdmin(r.PathPrefix("/api/admin").Subrouter())
}

func (p *Pipeline) registerAdmin(r *mux.Router) {
	admin := p.auth.RequireAdmin

	r.HandleFunc("/alerts", admin(p.handleListAlerts)).Methods("GET")
	r.HandleFunc("/alerts", admin(p.handleDeleteAlerts)).Methods("DELETE")
	r.HandleFunc("/alerts/export", admin(p.handleExportAlerts)).Methods("GET")
	r.HandleFunc("/alerts/stream", admin(p.handleStreamAlerts)).Methods("GET")
	r.HandleFunc("/alerts/{id}", admin(p.handleGetAlert)).Methods("GET")
	r.HandleFunc("/alerts/{id}", admin(p.handleUpdateAlertStatus)).Methods("PATCH")
	r.HandleFunc("/alerts/{id}/status", admin(p.handleUpdateAlertStatus)).Methods("PATCH")

	r.HandleFunc("/actions", admin(p.handleListAdminActions)).Methods("GET")

	// /users is the canonical name for the principal directory; /principals
	// remains for older tooling.
	for _, base := range []string{"/users", "/principals"} {
		r.HandleFunc(base, admin(p.handleListPrincipals)).Methods("GET")
		r.HandleFunc(base, admin(p.handleUpsertPrincipal)).Methods("PUT")
		r.HandleFunc(base+"/{name}", admin(p.handleGetPrincipal)).Methods("GET")
		r.HandleFunc(base+"/{name}", admin(p.handleSetPrincipalActive)).Methods("PATCH")
		r.HandleFunc(base+"/{name}/activity", admin(p.handlePrincipalActivity)).Methods("GET")
	}

	r.HandleFunc("/requests", admin(p.handleListWebRequests)).Methods("GET")
	r.HandleFunc("/requests", admin(p.handleClearWebRequests)).Methods("DELETE")

	r.HandleFunc("/ban", admin(p.handleCreateBan)).Methods("POST")
	r.HandleFunc("/unban", admin(p.handleUnban)).Methods("POST")
	r.HandleFunc("/bans", admin(p.handleListBans)).Methods("GET")
	r.HandleFunc("/bans", admin(p.handleCreateBan)).Methods("POST")
	r.HandleFunc("/bans/{kind}/{subject}", admin(p.handleLiftBan)).Methods("DELETE")

	r.HandleFunc("/forwarders", admin(p.handleListForwarders)).Methods("GET")
	r.HandleFunc("/forwarders", admin(p.handleCreateForwarder)).Methods("POST")
	r.HandleFunc("/forwarders/{id}", admin(p.handleGetForwarder)).Methods("GET")
	r.HandleFunc("/forwarders/{id}", admin(p.handleUpdateForwarder)).Methods("PUT")
	r.HandleFunc("/forwarders/{id}", admin(p.handleDeleteForwarder)).Methods("DELETE")
	r.HandleFunc("/forwarders/{id}/test", admin(p.handleTestForwarder)).Methods("POST")
}

// handleLogin handles POST /api/auth/login. The bootstrap token exchanges
// for an admin session; a wrong token returns 401, which the middleware
// observes as brute force pressure. Disabled when no bootstrap token is
// configured.
func (p *Pipeline) handleLogin(w http.ResponseWriter, r *http.Request) {
	if p.cfg.BootstrapToken == "" {
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "login is not enabled")
		return
	}

	var body struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "username and token are required")
		return
	}

	if subtle.ConstantTimeCompare([]byte(body.Token), []byte(p.cfg.BootstrapToken)) != 1 {
		writeAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials")
		return
	}

	principal := NormalizePrincipal(body.Username)
	token, err := p.auth.IssueToken(principal, store.RoleAdmin, sessionTTL)
	if err != nil {
		p.log.Error(principal, "", "failed to issue session token",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to issue token")
		return
	}

	if err := p.repo.UpsertPrincipal(r.Context(), &store.Principal{
		Name:     principal,
		Role:     store.RoleAdmin,
		IsActive: true,
	}); err != nil {
		p.log.Error(principal, "", "failed to record admin principal",
			map[string]interface{}{"error": err.Error()})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(sessionTTL.Seconds()),
	})
}
