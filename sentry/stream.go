// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"aegis/platform/sentry/store"
)

// streamHeartbeat keeps idle SSE connections alive through proxies.
const streamHeartbeat = 15 * time.Second

// streamBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing events; the durable record is the database,
// the stream is best-effort.
const streamBuffer = 64

// streamBroker fans freshly recorded alerts out to live SSE subscribers.
type streamBroker struct {
	mu   sync.RWMutex
	subs map[chan store.Alert]struct{}
}

func newStreamBroker() *streamBroker {
	return &streamBroker{subs: make(map[chan store.Alert]struct{})}
}

// Subscribe registers a listener. The caller must Unsubscribe when done.
func (b *streamBroker) Subscribe() chan store.Alert {
	ch := make(chan store.Alert, streamBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *streamBroker) Unsubscribe(ch chan store.Alert) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an alert to every subscriber without blocking. Slow
// subscribers drop events rather than stalling the pipeline.
func (b *streamBroker) Publish(alert store.Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- alert:
		default:
		}
	}
}

// encodeCursor serializes a replay position for SSE and export paging.
func encodeCursor(c store.Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a cursor produced by encodeCursor.
func decodeCursor(s string) (store.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return store.Cursor{}, fmt.Errorf("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return store.Cursor{CreatedAt: ts, ID: parts[1]}, nil
}

// handleStreamAlerts serves the live alert feed over Server-Sent Events.
// An optional after cursor replays persisted alerts recorded since that
// position before switching to live delivery.
func (p *Pipeline) handleStreamAlerts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replay so alerts recorded during the replay are not
	// lost. Duplicates across the boundary are possible; consumers key on
	// the alert id.
	ch := p.broker.Subscribe()
	defer p.broker.Unsubscribe(ch)

	if after := r.URL.Query().Get("after"); after != "" {
		cursor, err := decodeCursor(after)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			return
		}
		for {
			alerts, err := p.repo.AlertsAfter(ctx, cursor, store.MaxQueryLimit)
			if err != nil {
				p.log.Error(actorFrom(ctx), "", "alert replay failed",
					map[string]interface{}{"error": err.Error()})
				return
			}
			for i := range alerts {
				if err := writeSSEAlert(w, &alerts[i]); err != nil {
					return
				}
				cursor = store.Cursor{CreatedAt: alerts[i].CreatedAt, ID: alerts[i].ID}
			}
			flusher.Flush()
			if len(alerts) < store.MaxQueryLimit {
				break
			}
		}
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case alert, open := <-ch:
			if !open {
				return
			}
			if err := writeSSEAlert(w, &alert); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEAlert(w http.ResponseWriter, alert *store.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	cursor := encodeCursor(store.Cursor{CreatedAt: alert.CreatedAt, ID: alert.ID})
	_, err = fmt.Fprintf(w, "id: %s\nevent: alert\ndata: %s\n\n", cursor, data)
	return err
}
