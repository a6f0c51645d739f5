// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
	"aegis/platform/shared/logger"
)

// Pipeline is the in-path enforcement engine. Every request flows through
// it: pre-checks against bans and suspensions, rate limiting,
// classification, alert persistence, progressive penalties and webhook
// fan-out. The pipeline fails open: an internal error is recorded as an
// alert but never blocks traffic on its own.
type Pipeline struct {
	cfg        Config
	repo       store.Repository
	classifier *classify.Classifier
	limiter    RateLimiter
	ledger     *offenseLedger
	penalties  *penaltyEngine
	forwarder  *Forwarder
	auth       *Authenticator
	identity   *identityResolver
	broker     *streamBroker
	log        *logger.Logger
}

// NewPipeline wires the enforcement engine. limiter may be nil, in which
// case an in-memory limiter is used.
func NewPipeline(cfg Config, repo store.Repository, limiter RateLimiter, log *logger.Logger) *Pipeline {
	if limiter == nil {
		limiter = NewMemoryRateLimiter(cfg.RateLimitN, cfg.RateLimitWindow)
	}

	classifier := classify.NewClassifier(
		classify.WithWhitelist(cfg.WhitelistAddrs),
		classify.WithTestingMode(cfg.Testing),
		classify.WithReadOnlyRoutes(cfg.ReadOnlyRoutes),
		classify.WithWriteRoutes(cfg.WriteRoutes),
	)

	auth := NewAuthenticator(cfg.JWTSecret)
	ledger := newOffenseLedger(repo)

	p := &Pipeline{
		cfg:        cfg,
		repo:       repo,
		classifier: classifier,
		limiter:    limiter,
		ledger:     ledger,
		penalties:  newPenaltyEngine(cfg, repo, ledger, log),
		auth:       auth,
		identity:   newIdentityResolver(auth, repo),
		broker:     newStreamBroker(),
		log:        log,
	}
	p.forwarder = NewForwarder(cfg.ForwarderQueueCap, 2, log, p.overflowAlert)
	p.penalties.notify = func(alert store.Alert) {
		if err := p.forwarder.Enqueue(alert); err != nil && !errors.Is(err, ErrShuttingDown) {
			log.Error(alert.Principal, "", "failed to enqueue penalty alert for delivery",
				map[string]interface{}{"alert_id": alert.ID, "error": err.Error()})
		}
	}
	return p
}

// Auth exposes the authenticator for route wiring.
func (p *Pipeline) Auth() *Authenticator { return p.auth }

// Forwarder exposes the delivery queue for route wiring and shutdown.
func (p *Pipeline) Forwarder() *Forwarder { return p.forwarder }

// Repo exposes the repository for route wiring.
func (p *Pipeline) Repo() store.Repository { return p.repo }

// Verdict is the pre-check outcome for one request.
type Verdict struct {
	Blocked    bool
	Status     int
	Code       string
	Detail     string
	RetryAfter time.Duration
}

var allow = Verdict{}

// Precheck decides whether the request may proceed at all, before any
// classification work. Precedence: principal ban, then address ban, then
// suspension, then the rate limit tick.
func (p *Pipeline) Precheck(ctx context.Context, id Identity, method, route string) Verdict {
	if p.cfg.Testing || p.classifier.Whitelisted(id.Addr) {
		return allow
	}

	if id.Principal != "" {
		if _, err := p.repo.ActiveBan(ctx, store.BanSubjectPrincipal, id.Principal); err == nil {
			promRequestsTotal.WithLabelValues("blocked").Inc()
			return Verdict{Blocked: true, Status: 403, Code: CodeBannedPrincipal, Detail: "account is banned"}
		} else if !errors.Is(err, store.ErrBanNotFound) {
			p.failOpen(ctx, id, "principal ban lookup failed", err)
		}
	}

	if _, err := p.repo.ActiveBan(ctx, store.BanSubjectAddress, id.Addr); err == nil {
		promRequestsTotal.WithLabelValues("blocked").Inc()
		return Verdict{Blocked: true, Status: 403, Code: CodeBannedAddress, Detail: "address is banned"}
	} else if !errors.Is(err, store.ErrBanNotFound) {
		p.failOpen(ctx, id, "address ban lookup failed", err)
	}

	if id.Principal != "" && !id.Sticky {
		principal, err := p.repo.GetPrincipal(ctx, id.Principal)
		switch {
		case err == nil && !principal.IsActive:
			promRequestsTotal.WithLabelValues("blocked").Inc()
			return Verdict{Blocked: true, Status: 403, Code: CodeSuspended, Detail: "account is suspended"}
		case err != nil && !errors.Is(err, store.ErrPrincipalNotFound):
			p.failOpen(ctx, id, "principal lookup failed", err)
		}
	}

	if allowed, retry := p.limiter.Allow(ctx, rateLimitKey(id.Addr, route)); !allowed {
		promRequestsTotal.WithLabelValues("rate_limited").Inc()
		finding := classify.NewFinding(classify.KindRateLimitExceeded, classify.SeverityMedium,
			fmt.Sprintf("%s %s from %s", method, routeBucket(route), id.Addr))
		p.recordFinding(ctx, id, method, route, "", finding)
		return Verdict{
			Blocked:    true,
			Status:     429,
			Code:       CodeRateLimited,
			Detail:     "too many requests",
			RetryAfter: retry,
		}
	}

	return allow
}

// Observe classifies the captured request, records the findings and applies
// penalties. It returns a blocking verdict when a CRITICAL finding means the
// handler must not run.
func (p *Pipeline) Observe(ctx context.Context, id Identity, creq classify.Request) (Verdict, []classify.Finding) {
	findings := p.classifier.Classify(creq)
	if len(findings) == 0 {
		promRequestsTotal.WithLabelValues("allowed").Inc()
		return allow, nil
	}

	critical := false
	for _, f := range findings {
		p.recordFinding(ctx, id, creq.Method, creq.Route, creq.UserAgent, f)
		if f.Severity == classify.SeverityCritical {
			critical = true
		}
	}

	if critical {
		promRequestsTotal.WithLabelValues("blocked").Inc()
		return Verdict{Blocked: true, Status: 403, Code: CodeBlocked, Detail: "request blocked"}, findings
	}

	promRequestsTotal.WithLabelValues("flagged").Inc()
	return allow, findings
}

// NoteAuthFailure records a failed login as brute force pressure against
// the attempted account.
func (p *Pipeline) NoteAuthFailure(ctx context.Context, id Identity, method, route string) {
	if p.cfg.Testing || p.classifier.Whitelisted(id.Addr) {
		return
	}
	subject := id.Principal
	if subject == "" {
		subject = id.Addr
	}
	finding := classify.NewFinding(classify.KindBruteForce, classify.SeverityMedium,
		"failed login for "+subject)
	p.recordFinding(ctx, id, method, route, "", finding)
}

// NoteUnauthorized records a rejected access to a protected route.
func (p *Pipeline) NoteUnauthorized(ctx context.Context, id Identity, method, route string) {
	if p.cfg.Testing || p.classifier.Whitelisted(id.Addr) {
		return
	}
	finding := classify.NewFinding(classify.KindUnauthorizedAccess, classify.SeverityMedium,
		fmt.Sprintf("%s %s rejected", method, route))
	p.recordFinding(ctx, id, method, route, "", finding)
}

// recordFinding persists one finding as an alert, fans it out and applies
// penalties. Errors are logged and swallowed: enforcement never takes the
// data path down.
func (p *Pipeline) recordFinding(ctx context.Context, id Identity, method, route, userAgent string, f classify.Finding) {
	alert := &store.Alert{
		Kind:       string(f.Kind),
		Severity:   string(f.Severity),
		RiskScore:  f.RiskScore,
		Signature:  f.Signature,
		Fragment:   f.Fragment,
		Pattern:    f.Pattern,
		Principal:  id.Principal,
		RemoteAddr: id.Addr,
		Method:     method,
		Route:      route,
		UserAgent:  userAgent,
	}

	deduped, err := p.repo.UpsertAlert(ctx, alert, p.cfg.DedupeWindow)
	if err != nil {
		p.log.Error(id.Principal, "", "failed to persist alert",
			map[string]interface{}{"kind": alert.Kind, "error": err.Error()})
		return
	}

	if deduped {
		promAlertsDeduped.Inc()
		return
	}

	promAlertsTotal.WithLabelValues(alert.Kind, alert.Severity).Inc()
	p.log.Warn(id.Principal, "", "alert recorded", map[string]interface{}{
		"alert_id":   alert.ID,
		"kind":       alert.Kind,
		"severity":   alert.Severity,
		"risk_score": alert.RiskScore,
		"route":      route,
		"addr":       id.Addr,
	})

	p.broker.Publish(*alert)
	if err := p.forwarder.Enqueue(*alert); err != nil && !errors.Is(err, ErrShuttingDown) {
		p.log.Error(id.Principal, "", "failed to enqueue alert for delivery",
			map[string]interface{}{"alert_id": alert.ID, "error": err.Error()})
	}

	if _, err := p.penalties.Apply(ctx, id, alert); err != nil {
		p.failOpen(ctx, id, "penalty evaluation failed", err)
	}
}

// overflowAlert records a dropped delivery as an internal alert so queue
// pressure is visible in the alert stream itself.
func (p *Pipeline) overflowAlert(dropped store.Alert) {
	finding := classify.NewFinding(classify.KindForwarderOverflow, classify.SeverityLow,
		"delivery queue overflow, dropped alert "+dropped.ID)
	alert := &store.Alert{
		Kind:       string(finding.Kind),
		Severity:   string(finding.Severity),
		RiskScore:  finding.RiskScore,
		Signature:  finding.Signature,
		Fragment:   finding.Fragment,
		RemoteAddr: "internal",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.repo.UpsertAlert(ctx, alert, p.cfg.DedupeWindow); err != nil {
		p.log.Error("", "", "failed to record overflow alert",
			map[string]interface{}{"error": err.Error()})
	}
}

// failOpen records an internal error as an alert and lets the request
// continue. The dedupe window keeps a flapping dependency from flooding
// the alert table.
func (p *Pipeline) failOpen(ctx context.Context, id Identity, msg string, cause error) {
	p.log.Error(id.Principal, "", msg, map[string]interface{}{"error": cause.Error()})

	finding := classify.NewFinding(classify.KindInternal, classify.SeverityLow, msg)
	alert := &store.Alert{
		Kind:       string(finding.Kind),
		Severity:   string(finding.Severity),
		RiskScore:  finding.RiskScore,
		Signature:  finding.Signature,
		Fragment:   finding.Fragment,
		RemoteAddr: "internal",
	}
	if _, err := p.repo.UpsertAlert(ctx, alert, p.cfg.DedupeWindow); err != nil {
		p.log.Error("", "", "failed to record internal alert",
			map[string]interface{}{"error": err.Error()})
	}
}
