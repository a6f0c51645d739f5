// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
)

// forwarderRequest is the write shape for forwarder CRUD. Secret is
// accepted on write but never echoed back.
type forwarderRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	Enabled     *bool    `json:"enabled"`
	MinSeverity string   `json:"min_severity"`
	Kinds       []string `json:"kinds"`
	Retries     int      `json:"retries"`
	TimeoutSec  int      `json:"timeout_sec"`
}

func (fr *forwarderRequest) validate(requireName bool) error {
	if requireName && fr.Name == "" {
		return fmt.Errorf("name is required")
	}
	if fr.URL != "" {
		u, err := url.Parse(fr.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("url must be http or https")
		}
	} else if requireName {
		return fmt.Errorf("url is required")
	}
	if fr.MinSeverity != "" {
		if _, err := classify.ParseSeverity(fr.MinSeverity); err != nil {
			return err
		}
	}
	for _, k := range fr.Kinds {
		if _, err := classify.ParseKind(k); err != nil {
			return err
		}
	}
	if fr.Retries < 0 || fr.Retries > store.MaxForwarderRetries {
		return fmt.Errorf("retries must be between 0 and %d", store.MaxForwarderRetries)
	}
	if fr.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec must not be negative")
	}
	return nil
}

// handleListForwarders handles GET /api/admin/forwarders
func (p *Pipeline) handleListForwarders(w http.ResponseWriter, r *http.Request) {
	forwarders, err := p.repo.ListForwarders(r.Context())
	if err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to list forwarders",
			map[string]interface{}{"error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to list forwarders")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": forwarders,
		"total":   len(forwarders),
		"queue":   p.forwarder.Stats(),
	})
}

// handleGetForwarder handles GET /api/admin/forwarders/{id}
func (p *Pipeline) handleGetForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	fc, err := p.repo.GetForwarder(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrForwarderNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "forwarder not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to load forwarder",
			map[string]interface{}{"forwarder_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load forwarder")
		return
	}

	writeJSON(w, http.StatusOK, fc)
}

// handleCreateForwarder handles POST /api/admin/forwarders
func (p *Pipeline) handleCreateForwarder(w http.ResponseWriter, r *http.Request) {
	var body forwarderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if err := body.validate(true); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	fc := &store.ForwarderConfig{
		Name:        body.Name,
		URL:         body.URL,
		Secret:      body.Secret,
		Enabled:     enabled,
		MinSeverity: body.MinSeverity,
		Kinds:       body.Kinds,
		Retries:     body.Retries,
		TimeoutSec:  body.TimeoutSec,
	}
	if err := p.repo.CreateForwarder(r.Context(), fc); err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to create forwarder",
			map[string]interface{}{"name": body.Name, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to create forwarder")
		return
	}

	p.reloadTargets(r)
	p.audit(r.Context(), "forwarder.create", "forwarder", fc.ID, fc.Name)
	writeJSON(w, http.StatusCreated, fc)
}

// handleUpdateForwarder handles PUT /api/admin/forwarders/{id}. An empty
// secret keeps the stored one.
func (p *Pipeline) handleUpdateForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body forwarderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if err := body.validate(true); err != nil {
		writeAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	fc := &store.ForwarderConfig{
		ID:          id,
		Name:        body.Name,
		URL:         body.URL,
		Secret:      body.Secret,
		Enabled:     enabled,
		MinSeverity: body.MinSeverity,
		Kinds:       body.Kinds,
		Retries:     body.Retries,
		TimeoutSec:  body.TimeoutSec,
	}
	err := p.repo.UpdateForwarder(r.Context(), fc)
	switch {
	case errors.Is(err, store.ErrForwarderNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "forwarder not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to update forwarder",
			map[string]interface{}{"forwarder_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to update forwarder")
		return
	}

	p.reloadTargets(r)
	p.audit(r.Context(), "forwarder.update", "forwarder", id, fc.Name)
	writeJSON(w, http.StatusOK, fc)
}

// handleDeleteForwarder handles DELETE /api/admin/forwarders/{id}
func (p *Pipeline) handleDeleteForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := p.repo.DeleteForwarder(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrForwarderNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "forwarder not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to delete forwarder",
			map[string]interface{}{"forwarder_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to delete forwarder")
		return
	}

	p.reloadTargets(r)
	p.audit(r.Context(), "forwarder.delete", "forwarder", id, "")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleTestForwarder handles POST /api/admin/forwarders/{id}/test. Sends a
// signed synthetic ping to the destination and reports whether it accepted
// the delivery.
func (p *Pipeline) handleTestForwarder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	fc, err := p.repo.GetForwarder(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrForwarderNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, "forwarder not found")
		return
	case err != nil:
		p.log.Error(actorFrom(r.Context()), "", "failed to load forwarder",
			map[string]interface{}{"forwarder_id": id, "error": err.Error()})
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "failed to load forwarder")
		return
	}

	p.audit(r.Context(), "forwarder.test", "forwarder", id, fc.Name)

	if err := p.forwarder.TestDelivery(fc); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "destination accepted the test delivery",
	})
}

// reloadTargets refreshes the delivery targets after a CRUD mutation so the
// workers pick up the change without a restart.
func (p *Pipeline) reloadTargets(r *http.Request) {
	if err := p.forwarder.LoadTargets(r.Context(), p.repo); err != nil {
		p.log.Error(actorFrom(r.Context()), "", "failed to reload forwarder targets",
			map[string]interface{}{"error": err.Error()})
	}
}
