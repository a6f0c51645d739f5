// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"aegis/platform/sentry/store"
)

// stickyWindow is how long an address stays attributed to the last
// authenticated principal seen from it. Anonymous requests inside the
// window inherit that principal so offense counting survives logout.
const stickyWindow = 30 * time.Second

// Identity is the resolved subject of one request.
type Identity struct {
	Principal string // normalized account name, empty when anonymous
	Role      store.Role
	Addr      string // remote address without port
	Sticky    bool   // principal came from sticky attribution, not credentials
}

// NormalizePrincipal canonicalizes an account name: NFKC folding, lowercase
// and trimmed. Unicode look-alikes of the same account collapse to one key
// so per-principal counters cannot be split.
func NormalizePrincipal(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(name)))
}

// RemoteAddr strips the port from an address in host:port form. Addresses
// without a port pass through unchanged.
func RemoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityResolver attributes requests to principals. Resolution order:
// verified session token, then credential fields in the request body, then
// sticky attribution from recent traffic off the same address.
type identityResolver struct {
	auth *Authenticator
	repo store.Repository
}

func newIdentityResolver(auth *Authenticator, repo store.Repository) *identityResolver {
	return &identityResolver{auth: auth, repo: repo}
}

// Resolve determines the identity behind the request. body is the captured
// request body; it is only inspected when no session token is present.
func (ir *identityResolver) Resolve(ctx context.Context, r *http.Request, body []byte) Identity {
	id := Identity{Addr: RemoteAddr(r)}

	if claims, err := ir.auth.SessionClaims(r); err == nil {
		id.Principal = NormalizePrincipal(claims.Subject)
		id.Role = claims.Role
		return id
	}

	if p := principalFromBody(body); p != "" {
		id.Principal = p
		id.Role = store.RoleUser
		return id
	}

	if ir.repo != nil {
		since := time.Now().UTC().Add(-stickyWindow)
		if p, err := ir.repo.LastPrincipalForAddress(ctx, id.Addr, since); err == nil && p != "" {
			id.Principal = p
			id.Role = store.RoleUser
			id.Sticky = true
		}
	}

	return id
}

// principalFromBody pulls an account name out of a JSON credential payload.
// Login and registration bodies carry email or username at the top level.
func principalFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var creds struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		return ""
	}
	if creds.Email != "" {
		return NormalizePrincipal(creds.Email)
	}
	if creds.Username != "" {
		return NormalizePrincipal(creds.Username)
	}
	return ""
}
