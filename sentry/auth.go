// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aegis/platform/sentry/store"
)

// SessionClaims is the verified content of a session token.
type SessionClaims struct {
	Subject string
	Role    store.Role
}

// Authenticator verifies session tokens and guards the admin API.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator over an HS256 secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// SessionClaims extracts and verifies the bearer token on the request.
func (a *Authenticator) SessionClaims(r *http.Request) (*SessionClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("missing authorization header")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("authorization header is not a bearer token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token carries no subject")
	}

	role := store.RoleUser
	if r, _ := claims["role"].(string); r != "" {
		role = store.Role(strings.ToUpper(r))
		if !role.IsValid() {
			role = store.RoleUser
		}
	}

	return &SessionClaims{Subject: sub, Role: role}, nil
}

// IssueToken mints a session token. Exposed for the demo login flow and
// for tests.
func (a *Authenticator) IssueToken(principal string, role store.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  principal,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

// RequireAdmin wraps a handler so only ADMIN-role sessions reach it.
// Missing or invalid tokens get 401; valid non-admin tokens get 403.
func (a *Authenticator) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.SessionClaims(r)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "admin session required")
			return
		}
		if claims.Role != store.RoleAdmin {
			writeAPIError(w, http.StatusForbidden, CodeForbidden, "admin role required")
			return
		}
		next(w, r.WithContext(withActor(r.Context(), NormalizePrincipal(claims.Subject))))
	}
}
