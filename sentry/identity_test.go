// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/platform/sentry/store"
)

func TestNormalizePrincipal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice@example.com", "alice@example.com"},
		{"uppercase", "ALICE@Example.COM", "alice@example.com"},
		{"whitespace", "  alice@example.com  ", "alice@example.com"},
		// Fullwidth letters fold to their ASCII counterparts under NFKC,
		// so look-alike spellings land on the same counter.
		{"fullwidth lookalike", "ａlice@example.com", "alice@example.com"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePrincipal(tt.in))
		})
	}
}

func TestRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "203.0.113.7", RemoteAddr(r))

	r.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", RemoteAddr(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", RemoteAddr(r))
}

func TestResolve_SessionTokenWins(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	repo := store.NewMockRepository()
	resolver := newIdentityResolver(auth, repo)

	token, err := auth.IssueToken("Alice@Example.com", store.RoleAdmin, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/admin/alerts", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("Authorization", "Bearer "+token)

	id := resolver.Resolve(context.Background(), r, []byte(`{"email":"bob@example.com"}`))

	assert.Equal(t, "alice@example.com", id.Principal)
	assert.Equal(t, store.RoleAdmin, id.Role)
	assert.Equal(t, "203.0.113.7", id.Addr)
	assert.False(t, id.Sticky)
}

func TestResolve_CredentialBody(t *testing.T) {
	resolver := newIdentityResolver(NewAuthenticator("test-secret"), store.NewMockRepository())

	r := httptest.NewRequest("POST", "/auth/login", strings.NewReader("{}"))
	r.RemoteAddr = "203.0.113.7:51234"

	id := resolver.Resolve(context.Background(), r, []byte(`{"email":"Bob@Example.com","password":"x"}`))
	assert.Equal(t, "bob@example.com", id.Principal)
	assert.Equal(t, store.RoleUser, id.Role)

	id = resolver.Resolve(context.Background(), r, []byte(`{"username":"carol"}`))
	assert.Equal(t, "carol", id.Principal)

	id = resolver.Resolve(context.Background(), r, []byte(`not json`))
	assert.Empty(t, id.Principal)
}

func TestResolve_StickyAttribution(t *testing.T) {
	repo := store.NewMockRepository()
	resolver := newIdentityResolver(NewAuthenticator("test-secret"), repo)

	require.NoError(t, repo.RecordWebRequest(context.Background(), &store.WebRequest{
		Method:     "POST",
		Route:      "/auth/login",
		RemoteAddr: "203.0.113.7",
		Principal:  "mallory",
		StatusCode: 401,
	}))

	r := httptest.NewRequest("GET", "/api/tickets", nil)
	r.RemoteAddr = "203.0.113.7:40000"

	id := resolver.Resolve(context.Background(), r, nil)
	assert.Equal(t, "mallory", id.Principal)
	assert.True(t, id.Sticky)

	// A different address stays anonymous.
	r.RemoteAddr = "198.51.100.9:40000"
	id = resolver.Resolve(context.Background(), r, nil)
	assert.Empty(t, id.Principal)
	assert.False(t, id.Sticky)
}
