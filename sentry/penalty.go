// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
	"aegis/platform/shared/logger"
)

// Audit action names for automatic penalty transitions.
const (
	actionAutoSuspend = "AUTO_SUSPEND"
	actionAutoBan     = "AUTO_BAN"
	actionAutoIPBan   = "AUTO_IP_BAN"
)

// PenaltyResult reports what the penalty engine did in response to an alert.
type PenaltyResult struct {
	Suspended       bool
	PrincipalBanned bool
	AddressBanned   bool
}

// penaltyEngine applies progressive penalties after alerts are recorded:
// suspension and then a ban as a principal's offense count grows, and an
// automatic expiring address ban on burst behavior. Admin principals are
// exempt. CRITICAL alerts halve the offense thresholds. Every transition
// writes an audit row and re-forwards the triggering alert at escalated
// severity.
type penaltyEngine struct {
	cfg    Config
	repo   store.Repository
	ledger *offenseLedger
	log    *logger.Logger

	// notify hands an alert to the delivery queue when a penalty fires.
	// Wired by the pipeline after the forwarder exists; nil in isolation.
	notify func(store.Alert)

	// Per-subject serialization so concurrent alerts from one subject
	// cannot race past a threshold without a penalty.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPenaltyEngine(cfg Config, repo store.Repository, ledger *offenseLedger, log *logger.Logger) *penaltyEngine {
	return &penaltyEngine{
		cfg:    cfg,
		repo:   repo,
		ledger: ledger,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (pe *penaltyEngine) subjectLock(key string) *sync.Mutex {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	l, ok := pe.locks[key]
	if !ok {
		l = &sync.Mutex{}
		pe.locks[key] = l
	}
	return l
}

// halved divides a threshold for CRITICAL alerts, never dropping below one.
func halved(threshold int) int {
	h := threshold / 2
	if h < 1 {
		h = 1
	}
	return h
}

// Apply evaluates the thresholds for the alert's subject and applies any
// penalty that is due. alert must already be persisted.
func (pe *penaltyEngine) Apply(ctx context.Context, id Identity, alert *store.Alert) (PenaltyResult, error) {
	var result PenaltyResult

	if pe.cfg.Testing {
		return result, nil
	}

	suspendAt := pe.cfg.SuspendThreshold
	banAt := pe.cfg.BanThreshold
	burstAt := pe.cfg.AddrBurstThreshold
	if alert.Severity == string(classify.SeverityCritical) {
		suspendAt = halved(suspendAt)
		banAt = halved(banAt)
		burstAt = halved(burstAt)
	}

	pe.ledger.Invalidate(id.Principal, id.Addr)

	if id.Principal != "" {
		// The directory row decides the admin exemption, not the attributed
		// role: credential fields in an attacker's request body must not be
		// able to drive penalties against an operator account.
		principal, err := pe.repo.GetPrincipal(ctx, id.Principal)
		switch {
		case errors.Is(err, store.ErrPrincipalNotFound):
			principal = nil
		case err != nil:
			return result, err
		}
		if principal != nil && principal.Role == store.RoleAdmin {
			pe.log.Info(id.Principal, "", "admin principal exempt from automatic penalties",
				map[string]interface{}{"alert_id": alert.ID, "kind": alert.Kind})
			return result, nil
		}

		lock := pe.subjectLock("p|" + id.Principal)
		lock.Lock()
		if err := pe.applyPrincipal(ctx, principal, id.Principal, alert, suspendAt, banAt, &result); err != nil {
			lock.Unlock()
			return result, err
		}
		lock.Unlock()
	}

	lock := pe.subjectLock("a|" + id.Addr)
	lock.Lock()
	err := pe.applyAddress(ctx, id.Addr, alert, burstAt, &result)
	lock.Unlock()

	return result, err
}

func (pe *penaltyEngine) applyPrincipal(ctx context.Context, principal *store.Principal, name string, alert *store.Alert, suspendAt, banAt int, result *PenaltyResult) error {
	offenses, err := pe.ledger.PrincipalOffenses(ctx, name, pe.cfg.OffenseWindow)
	if err != nil {
		return err
	}

	if offenses >= banAt {
		ban := &store.Ban{
			SubjectKind: store.BanSubjectPrincipal,
			Subject:     name,
			Reason:      "offense threshold reached",
			CreatedBy:   "system",
		}
		err := pe.repo.CreateBan(ctx, ban)
		switch {
		case errors.Is(err, store.ErrBanExists):
			// Already banned; nothing more to do for the principal.
			return nil
		case err != nil:
			return err
		}

		result.PrincipalBanned = true
		promPenaltiesTotal.WithLabelValues("ban_principal").Inc()

		if _, err := pe.repo.SetPrincipalActive(ctx, name, false); err != nil && !errors.Is(err, store.ErrPrincipalNotFound) {
			pe.log.Error(name, "", "failed to deactivate banned principal",
				map[string]interface{}{"error": err.Error()})
		}
		if _, err := pe.repo.UpdateAlertStatus(ctx, alert.ID, store.StatusBanned); err != nil {
			pe.log.Error(name, "", "failed to mark alert banned",
				map[string]interface{}{"alert_id": alert.ID, "error": err.Error()})
		}

		pe.recordAuto(ctx, actionAutoBan, string(store.BanSubjectPrincipal), name,
			fmt.Sprintf("%d offenses, threshold %d", offenses, banAt))
		pe.forward(alert, classify.SeverityCritical)
		pe.log.Warn(name, "", "principal banned",
			map[string]interface{}{"offenses": offenses, "threshold": banAt})
		return nil
	}

	// Suspension only fires on an active account: a suspended principal
	// accrues offenses toward the ban threshold without repeat transitions.
	if offenses >= suspendAt && principal != nil && principal.IsActive {
		p, err := pe.repo.SetPrincipalActive(ctx, name, false)
		switch {
		case errors.Is(err, store.ErrPrincipalNotFound):
			return nil
		case err != nil:
			return err
		}
		if p.SuspendedAt != nil {
			result.Suspended = true
			promPenaltiesTotal.WithLabelValues("suspend").Inc()
			pe.recordAuto(ctx, actionAutoSuspend, string(store.BanSubjectPrincipal), name,
				fmt.Sprintf("%d offenses, threshold %d", offenses, suspendAt))
			pe.forward(alert, classify.SeverityHigh)
			pe.log.Warn(name, "", "principal suspended",
				map[string]interface{}{"offenses": offenses, "threshold": suspendAt})
		}
	}

	return nil
}

func (pe *penaltyEngine) applyAddress(ctx context.Context, addr string, alert *store.Alert, burstAt int, result *PenaltyResult) error {
	burst, err := pe.ledger.AddressOffenses(ctx, addr, pe.cfg.AddrBurstWindow)
	if err != nil {
		return err
	}
	if burst < burstAt {
		return nil
	}

	expires := time.Now().UTC().Add(pe.cfg.AddrBanDuration)
	ban := &store.Ban{
		SubjectKind: store.BanSubjectAddress,
		Subject:     addr,
		Reason:      "address burst threshold reached",
		CreatedBy:   "system",
		ExpiresAt:   &expires,
	}
	err = pe.repo.CreateBan(ctx, ban)
	switch {
	case errors.Is(err, store.ErrBanExists):
		return nil
	case err != nil:
		return err
	}

	result.AddressBanned = true
	promPenaltiesTotal.WithLabelValues("ban_address").Inc()
	pe.recordAuto(ctx, actionAutoIPBan, string(store.BanSubjectAddress), addr,
		fmt.Sprintf("%d alerts in window, threshold %d", burst, burstAt))
	pe.forward(alert, classify.SeverityHigh)
	pe.log.Warn("", "", "address banned for burst behavior",
		map[string]interface{}{
			"remote_addr": addr,
			"alerts":      burst,
			"threshold":   burstAt,
			"expires_at":  expires,
		})
	return nil
}

// recordAuto appends the audit row for an automatic transition. Failures are
// logged, never returned: the penalty has already been applied.
func (pe *penaltyEngine) recordAuto(ctx context.Context, action, targetKind, target, detail string) {
	row := &store.AdminAction{
		Actor:      "system",
		Action:     action,
		TargetKind: targetKind,
		Target:     target,
		Detail:     detail,
	}
	if err := pe.repo.RecordAdminAction(ctx, row); err != nil {
		pe.log.Error("system", "", "failed to record automatic penalty action",
			map[string]interface{}{"action": action, "target": target, "error": err.Error()})
	}
}

// forward re-enqueues the triggering alert at the escalated severity so
// webhook sinks see the penalty even when the original alert fell below
// their severity floor.
func (pe *penaltyEngine) forward(alert *store.Alert, severity classify.Severity) {
	if pe.notify == nil {
		return
	}
	escalated := *alert
	escalated.Severity = string(severity)
	pe.notify(escalated)
}
