// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"time"
)

// RunBanExpirySweep periodically closes bans whose expiry instant has
// passed. Ban lookups already treat expired rows as lifted, so the sweep
// only keeps the table and the admin listing consistent. Blocks until the
// context is canceled.
func (p *Pipeline) RunBanExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpiredBans(ctx)
		}
	}
}

func (p *Pipeline) sweepExpiredBans(ctx context.Context) {
	n, err := p.repo.ExpireBans(ctx)
	if err != nil {
		p.log.Error("", "", "ban expiry sweep failed",
			map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		p.log.Info("", "", "closed expired bans",
			map[string]interface{}{"count": n})
	}
}
