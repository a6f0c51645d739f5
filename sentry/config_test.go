// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2, cfg.SuspendThreshold)
	assert.Equal(t, 10, cfg.BanThreshold)
	assert.Equal(t, 24*time.Hour, cfg.OffenseWindow)
	assert.Equal(t, 10, cfg.AddrBurstThreshold)
	assert.Equal(t, 5*time.Minute, cfg.AddrBurstWindow)
	assert.Equal(t, time.Hour, cfg.AddrBanDuration)
	assert.Equal(t, 5*time.Second, cfg.DedupeWindow)
	assert.Equal(t, 100, cfg.RateLimitN)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Contains(t, cfg.WhitelistAddrs, "127.0.0.1")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvPort, "9090")
	t.Setenv(EnvJWTSecret, "topsecret")
	t.Setenv(EnvSuspendThreshold, "3")
	t.Setenv(EnvBanThreshold, "20")
	t.Setenv(EnvDedupeWindowSec, "10")
	t.Setenv(EnvWhitelistAddrs, "10.0.0.1, 10.0.0.2")
	t.Setenv(EnvWriteRoutes, "/api/orders")

	cfg := ConfigFromEnv()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "topsecret", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.SuspendThreshold)
	assert.Equal(t, 20, cfg.BanThreshold)
	assert.Equal(t, 10*time.Second, cfg.DedupeWindow)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.WhitelistAddrs)
	assert.Equal(t, []string{"/api/orders"}, cfg.WriteRoutes)
}

func TestConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv(EnvSuspendThreshold, "not-a-number")
	t.Setenv(EnvRateLimitWindowSec, "-5")

	cfg := ConfigFromEnv()

	assert.Equal(t, 2, cfg.SuspendThreshold)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
}

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig()
	base.JWTSecret = "secret"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "ban below suspend",
			mutate:  func(c *Config) { c.BanThreshold = 1 },
			wantErr: "ban threshold",
		},
		{
			name:    "zero suspend threshold",
			mutate:  func(c *Config) { c.SuspendThreshold = 0 },
			wantErr: "suspend threshold",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitN = 0 },
			wantErr: "rate limit",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: "JWT secret",
		},
		{
			name:   "missing jwt secret allowed in testing mode",
			mutate: func(c *Config) { c.JWTSecret = ""; c.Testing = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
