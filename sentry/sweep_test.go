// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/platform/sentry/store"
)

func TestBanExpirySweep(t *testing.T) {
	p, repo := newTestPipeline(t, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	repo.SetClock(func() time.Time { return base })

	expires := base.Add(30 * time.Second)
	require.NoError(t, repo.CreateBan(ctx, &store.Ban{
		SubjectKind: store.BanSubjectAddress,
		Subject:     "203.0.113.7",
		Reason:      "address burst",
		ExpiresAt:   &expires,
	}))
	require.NoError(t, repo.CreateBan(ctx, &store.Ban{
		SubjectKind: store.BanSubjectAddress,
		Subject:     "198.51.100.9",
		Reason:      "manual",
	}))

	// Nothing has lapsed yet.
	p.sweepExpiredBans(ctx)
	_, err := repo.ActiveBan(ctx, store.BanSubjectAddress, "203.0.113.7")
	require.NoError(t, err)

	repo.SetClock(func() time.Time { return base.Add(time.Minute) })
	p.sweepExpiredBans(ctx)

	_, err = repo.ActiveBan(ctx, store.BanSubjectAddress, "203.0.113.7")
	assert.ErrorIs(t, err, store.ErrBanNotFound)

	// Bans without an expiry survive the sweep.
	_, err = repo.ActiveBan(ctx, store.BanSubjectAddress, "198.51.100.9")
	assert.NoError(t, err)

	bans, _, err := repo.ListBans(ctx, false, 0, 10)
	require.NoError(t, err)
	for _, b := range bans {
		if b.Subject == "203.0.113.7" {
			assert.False(t, b.Active)
			assert.Equal(t, "expiry", b.LiftedBy)
			require.NotNil(t, b.LiftedAt)
		}
	}
}

func TestBanExpirySweep_StopsOnCancel(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunBanExpirySweep(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop on cancel")
	}
}
