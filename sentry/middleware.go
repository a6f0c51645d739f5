// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
)

// maxBodyCapture bounds how much of a request body the pipeline inspects.
// The handler still receives the full body.
const maxBodyCapture = 1 << 20

// Middleware returns the in-path enforcement middleware. Order per request:
// identity resolution, ban and suspension pre-checks, the rate limit tick,
// classification (with a pre-handler block on CRITICAL findings), then the
// wrapped handler. Auth failures observed on the response feed brute force
// and unauthorized access alerts.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		route := routeTemplate(r)

		body, malformed := captureBody(r)
		id := p.identity.Resolve(ctx, r, body)

		if v := p.Precheck(ctx, id, r.Method, route); v.Blocked {
			p.deny(w, r, id, route, v, start)
			return
		}

		verdict, findings := p.Observe(ctx, id, classify.Request{
			Method:     r.Method,
			Route:      route,
			RemoteAddr: id.Addr,
			UserAgent:  r.UserAgent(),
			Referer:    r.Referer(),
			Query:      r.URL.RawQuery,
			Body:       string(body),
			Malformed:  malformed,
		})
		promRequestDuration.WithLabelValues("enforce").Observe(float64(time.Since(start).Milliseconds()))
		if verdict.Blocked {
			p.deny(w, r, id, route, verdict, start)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		switch {
		case rec.status == http.StatusUnauthorized && isLoginRoute(route):
			p.NoteAuthFailure(ctx, id, r.Method, route)
		case (rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden) && isProtectedRoute(route):
			p.NoteUnauthorized(ctx, id, r.Method, route)
		}

		p.recordWebRequest(r, id, route, rec.status, start, len(findings) > 0)
	})
}

// deny writes the blocking response and records the request row.
func (p *Pipeline) deny(w http.ResponseWriter, r *http.Request, id Identity, route string, v Verdict, start time.Time) {
	if v.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(v.RetryAfter.Seconds())))
	}
	writeBlocked(w, v.Status, v.Code, v.Detail)
	p.recordWebRequest(r, id, route, v.Status, start, true)
}

// recordWebRequest persists the request row that feeds sticky attribution
// and traffic audits. Detached from the request context so a client hangup
// cannot drop the row.
func (p *Pipeline) recordWebRequest(r *http.Request, id Identity, route string, status int, start time.Time, flagged bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wr := &store.WebRequest{
		Method:     r.Method,
		Route:      route,
		RemoteAddr: id.Addr,
		StatusCode: status,
		DurationMs: int(time.Since(start).Milliseconds()),
		Flagged:    flagged,
	}
	if !id.Sticky {
		wr.Principal = id.Principal
	}
	if err := p.repo.RecordWebRequest(ctx, wr); err != nil {
		p.log.Error(id.Principal, "", "failed to record web request",
			map[string]interface{}{"route": route, "error": err.Error()})
	}
}

// routeTemplate prefers the mux route template over the concrete path so
// alerts and rate limit keys group by endpoint, not by path parameter.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// captureBody reads up to maxBodyCapture bytes for inspection and restores
// the body for the handler. malformed is true when the body cannot be read
// or is not valid UTF-8.
func captureBody(r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyCapture))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		return body, true
	}

	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	return body, !utf8.Valid(body)
}

func isLoginRoute(route string) bool {
	return strings.HasSuffix(route, "/login") || strings.Contains(route, "/auth/")
}

func isProtectedRoute(route string) bool {
	return strings.Contains(route, "/admin")
}

// statusRecorder captures the handler's status code while passing Flush
// through for streaming responses.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	if !sr.wrote {
		sr.status = status
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}
