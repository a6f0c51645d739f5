// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"aegis/platform/sentry/store"
)

// exportMaxRows caps one export response so a single call cannot stream the
// whole table forever. A truncated export logs the resume cursor; callers
// pass it back via after.
const exportMaxRows = 100000

// maxPayloadExcerpt bounds the attack fragment echoed into exports.
const maxPayloadExcerpt = 256

var exportColumns = []string{
	"id", "created_at", "principal_id", "remote_address", "route", "method",
	"kind", "severity", "risk_score", "status", "signature", "payload_excerpt",
}

// exportRow is the stable export shape shared by the CSV and NDJSON
// formats. Field order mirrors exportColumns.
type exportRow struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	PrincipalID    string    `json:"principal_id,omitempty"`
	RemoteAddress  string    `json:"remote_address"`
	Route          string    `json:"route,omitempty"`
	Method         string    `json:"method,omitempty"`
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	RiskScore      int       `json:"risk_score"`
	Status         string    `json:"status"`
	Signature      string    `json:"signature"`
	PayloadExcerpt string    `json:"payload_excerpt,omitempty"`
}

func newExportRow(a *store.Alert) exportRow {
	excerpt := a.Fragment
	if len(excerpt) > maxPayloadExcerpt {
		excerpt = excerpt[:maxPayloadExcerpt]
	}
	return exportRow{
		ID:             a.ID,
		CreatedAt:      a.CreatedAt.UTC(),
		PrincipalID:    a.Principal,
		RemoteAddress:  a.RemoteAddr,
		Route:          a.Route,
		Method:         a.Method,
		Kind:           a.Kind,
		Severity:       a.Severity,
		RiskScore:      a.RiskScore,
		Status:         string(a.Status),
		Signature:      a.Signature,
		PayloadExcerpt: excerpt,
	}
}

// handleExportAlerts handles GET /api/admin/alerts/export. Alerts stream in
// (created_at, id) order as NDJSON by default or CSV with format=csv. An
// optional after cursor resumes a previous export.
func (p *Pipeline) handleExportAlerts(w http.ResponseWriter, r *http.Request) {
	var cursor store.Cursor
	if after := r.URL.Query().Get("after"); after != "" {
		c, err := decodeCursor(after)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		cursor = c
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "ndjson"
	}

	var write func(*store.Alert) error
	var finish func() error

	switch format {
	case "ndjson":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="alerts.ndjson"`)
		enc := json.NewEncoder(w)
		write = func(a *store.Alert) error { return enc.Encode(newExportRow(a)) }
		finish = func() error { return nil }
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)
		cw := csv.NewWriter(w)
		if err := cw.Write(exportColumns); err != nil {
			return
		}
		write = func(a *store.Alert) error {
			row := newExportRow(a)
			return cw.Write([]string{
				row.ID, row.CreatedAt.Format(time.RFC3339Nano), row.PrincipalID,
				row.RemoteAddress, row.Route, row.Method, row.Kind, row.Severity,
				strconv.Itoa(row.RiskScore), row.Status, row.Signature,
				row.PayloadExcerpt,
			})
		}
		finish = func() error { cw.Flush(); return cw.Error() }
	default:
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest,
			"format must be ndjson or csv")
		return
	}

	exported := 0
	for exported < exportMaxRows {
		limit := store.MaxQueryLimit
		if remaining := exportMaxRows - exported; remaining < limit {
			limit = remaining
		}
		alerts, err := p.repo.AlertsAfter(r.Context(), cursor, limit)
		if err != nil {
			p.log.Error(actorFrom(r.Context()), "", "alert export failed",
				map[string]interface{}{"error": err.Error()})
			return
		}
		for i := range alerts {
			if err := write(&alerts[i]); err != nil {
				return
			}
			cursor = store.Cursor{CreatedAt: alerts[i].CreatedAt, ID: alerts[i].ID}
		}
		exported += len(alerts)
		if len(alerts) < limit {
			if err := finish(); err == nil {
				p.audit(r.Context(), "alert.export", "alert", "",
					format+" "+strconv.Itoa(exported)+" rows")
			}
			return
		}
	}

	_ = finish()
	p.log.Warn(actorFrom(r.Context()), "", "alert export truncated at cap",
		map[string]interface{}{"rows": exported, "next": encodeCursor(cursor)})
	p.audit(r.Context(), "alert.export", "alert", "",
		format+" "+strconv.Itoa(exported)+" rows (truncated)")
}
