// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"aegis/platform/sentry/classify"
	"aegis/platform/sentry/store"
	"aegis/platform/shared/logger"
)

// Delivery headers on outgoing webhook requests.
const (
	headerSignature = "X-Sentry-Signature"
	headerDelivery  = "X-Sentry-Delivery"
	headerKind      = "X-Sentry-Kind"
)

// Forwarder delivers recorded alerts to configured webhook destinations.
// Delivery is asynchronous over a bounded queue: when the queue is full the
// oldest alert is dropped so enforcement never blocks on a slow SIEM, and
// each drop is surfaced through the overflow callback.
type Forwarder struct {
	queue   chan store.Alert
	client  *http.Client
	log     *logger.Logger
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	targets []store.ForwarderConfig

	// retryDelays is the backoff schedule between delivery attempts.
	// Swappable in tests.
	retryDelays []time.Duration

	// onOverflow is invoked for every alert dropped off the queue.
	onOverflow func(dropped store.Alert)

	// closeMu serializes queue sends against Shutdown's close so a late
	// Enqueue cannot send on the closed channel.
	closeMu sync.RWMutex
	closed  bool

	delivered uint64
	failed    uint64
	dropped   uint64
}

// NewForwarder creates a forwarder with the given queue capacity and worker
// count and starts the workers.
func NewForwarder(queueCap, workers int, log *logger.Logger, onOverflow func(store.Alert)) *Forwarder {
	if workers <= 0 {
		workers = 2
	}
	f := &Forwarder{
		queue: make(chan store.Alert, queueCap),
		// Per-attempt deadlines come from each target's DeliveryTimeout;
		// the client timeout is only a backstop.
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		workers:     workers,
		retryDelays: []time.Duration{time.Second, 4 * time.Second, 16 * time.Second},
		onOverflow:  onOverflow,
	}

	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}

	return f
}

// SetTargets replaces the delivery destinations.
func (f *Forwarder) SetTargets(targets []store.ForwarderConfig) {
	f.mu.Lock()
	f.targets = targets
	f.mu.Unlock()
}

// Targets returns a snapshot of the delivery destinations.
func (f *Forwarder) Targets() []store.ForwarderConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]store.ForwarderConfig, len(f.targets))
	copy(out, f.targets)
	return out
}

// LoadTargets refreshes the destinations from the repository.
func (f *Forwarder) LoadTargets(ctx context.Context, repo store.Repository) error {
	targets, err := repo.ListForwarders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load forwarders: %w", err)
	}
	f.SetTargets(targets)
	return nil
}

// forwarderFile is the YAML shape of a seeded forwarder config file.
type forwarderFile struct {
	Forwarders []struct {
		Name        string   `yaml:"name"`
		URL         string   `yaml:"url"`
		Secret      string   `yaml:"secret"`
		Enabled     *bool    `yaml:"enabled"`
		MinSeverity string   `yaml:"min_severity"`
		Kinds       []string `yaml:"kinds"`
		Retries     int      `yaml:"retries"`
		TimeoutSec  int      `yaml:"timeout_sec"`
	} `yaml:"forwarders"`
}

// SeedTargetsFromFile registers forwarders from a YAML file into the
// repository, skipping names that already exist. Used at startup so
// deployments can ship destinations without touching the admin API.
func SeedTargetsFromFile(ctx context.Context, path string, repo store.Repository) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read forwarder config: %w", err)
	}

	var file forwarderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse forwarder config: %w", err)
	}

	existing, err := repo.ListForwarders(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, fc := range existing {
		known[fc.Name] = true
	}

	for _, entry := range file.Forwarders {
		if entry.Name == "" || entry.URL == "" || known[entry.Name] {
			continue
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		fc := &store.ForwarderConfig{
			Name:        entry.Name,
			URL:         entry.URL,
			Secret:      entry.Secret,
			Enabled:     enabled,
			MinSeverity: entry.MinSeverity,
			Kinds:       entry.Kinds,
			Retries:     entry.Retries,
			TimeoutSec:  entry.TimeoutSec,
		}
		if err := repo.CreateForwarder(ctx, fc); err != nil {
			return fmt.Errorf("failed to seed forwarder %q: %w", entry.Name, err)
		}
	}
	return nil
}

// Enqueue queues an alert for delivery. A full queue drops the oldest
// pending alert to make room; the new alert is never lost.
func (f *Forwarder) Enqueue(alert store.Alert) error {
	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	if f.closed {
		return ErrShuttingDown
	}

	for {
		select {
		case f.queue <- alert:
			promForwarderQueueDepth.Set(float64(len(f.queue)))
			return nil
		default:
		}

		select {
		case dropped := <-f.queue:
			atomic.AddUint64(&f.dropped, 1)
			promForwarderDeliveries.WithLabelValues("dropped").Inc()
			f.log.Warn(dropped.Principal, "", "forwarder queue full, dropping oldest alert",
				map[string]interface{}{"alert_id": dropped.ID, "kind": dropped.Kind})
			if f.onOverflow != nil {
				f.onOverflow(dropped)
			}
		default:
			// Workers drained the queue between the two selects.
		}
	}
}

func (f *Forwarder) worker(id int) {
	defer f.wg.Done()

	for alert := range f.queue {
		promForwarderQueueDepth.Set(float64(len(f.queue)))
		for _, target := range f.Targets() {
			if !f.wants(&target, &alert) {
				continue
			}
			if err := f.deliver(&target, &alert); err != nil {
				atomic.AddUint64(&f.failed, 1)
				promForwarderDeliveries.WithLabelValues("failed").Inc()
				f.log.Error(alert.Principal, "", "webhook delivery failed",
					map[string]interface{}{
						"forwarder": target.Name,
						"alert_id":  alert.ID,
						"error":     err.Error(),
					})
				continue
			}
			atomic.AddUint64(&f.delivered, 1)
			promForwarderDeliveries.WithLabelValues("delivered").Inc()
		}
	}
}

// wants applies the target's kind and severity filters.
func (f *Forwarder) wants(target *store.ForwarderConfig, alert *store.Alert) bool {
	if !target.Accepts(alert.Kind) {
		return false
	}
	if target.MinSeverity == "" {
		return true
	}
	min, err := classify.ParseSeverity(target.MinSeverity)
	if err != nil {
		return true
	}
	sev, err := classify.ParseSeverity(alert.Severity)
	if err != nil {
		return true
	}
	return sev.AtLeast(min)
}

// deliver posts the alert to one target, retrying transient failures with
// backoff up to the target's retry limit. Any 2xx response counts as
// delivered.
func (f *Forwarder) deliver(target *store.ForwarderConfig, alert *store.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	deliveryID := uuid.NewString()

	delays := f.retryDelays
	if n := target.RetryLimit(); n < len(delays) {
		delays = delays[:n]
	}

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			time.Sleep(delays[attempt-1])
		}

		status, err := f.post(target, body, deliveryID, alert.Kind)
		if err != nil {
			lastErr = err
			continue
		}

		if status >= 200 && status < 300 {
			return nil
		}
		lastErr = fmt.Errorf("destination returned %d", status)

		// Client errors other than 429 will not improve with retries.
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

// post performs one delivery attempt bounded by the target's timeout.
func (f *Forwarder) post(target *store.ForwarderConfig, body []byte, deliveryID, kind string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), target.DeliveryTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDelivery, deliveryID)
	req.Header.Set(headerKind, kind)
	if target.Secret != "" {
		req.Header.Set(headerSignature, SignPayload(target.Secret, body))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// TestDelivery posts a synthetic signed ping straight to the target,
// bypassing the queue, the filters and the retry schedule. Used by the admin
// test endpoint so operators can verify a destination before enabling it.
func (f *Forwarder) TestDelivery(target *store.ForwarderConfig) error {
	body, err := json.Marshal(map[string]interface{}{
		"kind":    "TEST",
		"message": "sentry delivery test",
		"sent_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal test payload: %w", err)
	}

	status, err := f.post(target, body, uuid.NewString(), "TEST")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("destination returned %d", status)
	}
	return nil
}

// SignPayload computes the hex HMAC-SHA256 signature webhook receivers use
// to verify delivery authenticity.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Stats returns delivery counters for the health endpoint.
func (f *Forwarder) Stats() map[string]interface{} {
	return map[string]interface{}{
		"delivered": atomic.LoadUint64(&f.delivered),
		"failed":    atomic.LoadUint64(&f.failed),
		"dropped":   atomic.LoadUint64(&f.dropped),
		"pending":   len(f.queue),
	}
}

// Shutdown stops accepting alerts and waits for the workers to drain the
// queue or the context to expire.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.log.Info("", "", "forwarder shutdown complete", map[string]interface{}{
			"delivered": atomic.LoadUint64(&f.delivered),
			"failed":    atomic.LoadUint64(&f.failed),
			"dropped":   atomic.LoadUint64(&f.dropped),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
