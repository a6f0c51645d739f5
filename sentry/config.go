// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the enforcement pipeline configuration.
type Config struct {
	// Port is the HTTP listen port. Default: 8080
	Port string `json:"port" yaml:"port"`

	// DatabaseURL is the PostgreSQL connection string. Required outside
	// testing mode.
	DatabaseURL string `json:"database_url" yaml:"database_url"`

	// RedisURL enables the distributed rate limiter when set. Without it
	// the in-memory limiter is used.
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// MigrationsDir holds the .sql schema files applied at startup.
	// Default: migrations
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`

	// JWTSecret signs and verifies session tokens (HS256).
	JWTSecret string `json:"-" yaml:"-"`

	// BootstrapToken authorizes the token-issuing endpoint. When empty the
	// endpoint is disabled and sessions must be minted elsewhere.
	BootstrapToken string `json:"-" yaml:"-"`

	// Testing suppresses all classification and penalties. Used by
	// integration test environments so seeded attack traffic never
	// generates alerts.
	Testing bool `json:"testing" yaml:"testing"`

	// WhitelistAddrs are remote addresses the pipeline never flags.
	// Default: loopback.
	WhitelistAddrs []string `json:"whitelist_addrs" yaml:"whitelist_addrs"`

	// SuspendThreshold is the offense count at which a principal is
	// suspended. Default: 2
	SuspendThreshold int `json:"suspend_threshold" yaml:"suspend_threshold"`

	// BanThreshold is the offense count at which a principal is banned.
	// Default: 10
	BanThreshold int `json:"ban_threshold" yaml:"ban_threshold"`

	// OffenseWindow is how far back offenses count toward the thresholds.
	// Default: 24h
	OffenseWindow time.Duration `json:"offense_window" yaml:"offense_window"`

	// AddrBurstThreshold is the alert count from one address inside
	// AddrBurstWindow that triggers an automatic address ban. Default: 10
	AddrBurstThreshold int `json:"addr_burst_threshold" yaml:"addr_burst_threshold"`

	// AddrBurstWindow is the burst measurement window. Default: 5m
	AddrBurstWindow time.Duration `json:"addr_burst_window" yaml:"addr_burst_window"`

	// AddrBanDuration is how long an automatic address ban lasts.
	// Default: 1h
	AddrBanDuration time.Duration `json:"addr_ban_duration" yaml:"addr_ban_duration"`

	// DedupeWindow collapses repeats of the same signature from the same
	// subject into one alert. Default: 5s
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`

	// RateLimitN is the allowed request count per address and route bucket
	// inside RateLimitWindow. Default: 100
	RateLimitN int `json:"rate_limit_n" yaml:"rate_limit_n"`

	// RateLimitWindow is the sliding rate limit window. Default: 60s
	RateLimitWindow time.Duration `json:"rate_limit_window" yaml:"rate_limit_window"`

	// ForwarderQueueCap bounds the webhook delivery queue. Default: 10000
	ForwarderQueueCap int `json:"forwarder_queue_cap" yaml:"forwarder_queue_cap"`

	// ForwarderConfigFile optionally seeds forwarders from a YAML file at
	// startup, in addition to the ones stored in the database.
	ForwarderConfigFile string `json:"forwarder_config_file" yaml:"forwarder_config_file"`

	// ReadOnlyRoutes are route templates on which write methods count as
	// API abuse.
	ReadOnlyRoutes []string `json:"read_only_routes" yaml:"read_only_routes"`

	// WriteRoutes are route templates that mutate data; a lone injection
	// hit on one escalates to CRITICAL.
	WriteRoutes []string `json:"write_routes" yaml:"write_routes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:               "8080",
		MigrationsDir:      "migrations",
		WhitelistAddrs:     []string{"127.0.0.1", "::1"},
		SuspendThreshold:   2,
		BanThreshold:       10,
		OffenseWindow:      24 * time.Hour,
		AddrBurstThreshold: 10,
		AddrBurstWindow:    5 * time.Minute,
		AddrBanDuration:    time.Hour,
		DedupeWindow:       5 * time.Second,
		RateLimitN:         100,
		RateLimitWindow:    60 * time.Second,
		ForwarderQueueCap:  10000,
	}
}

// Environment variable names for pipeline configuration.
const (
	EnvPort                = "PORT"
	EnvDatabaseURL         = "DATABASE_URL"
	EnvRedisURL            = "REDIS_URL"
	EnvMigrationsDir       = "MIGRATIONS_DIR"
	EnvJWTSecret           = "JWT_SECRET"
	EnvBootstrapToken      = "BOOTSTRAP_TOKEN"
	EnvTesting             = "TESTING"
	EnvWhitelistAddrs      = "WHITELIST_ADDRS"
	EnvSuspendThreshold    = "SUSPEND_THRESHOLD"
	EnvBanThreshold        = "BAN_THRESHOLD"
	EnvOffenseWindowSec    = "OFFENSE_WINDOW_SEC"
	EnvAddrBurstThreshold  = "ADDR_BURST_THRESHOLD"
	EnvAddrBurstWindowSec  = "ADDR_BURST_WINDOW_SEC"
	EnvAddrBanDurationSec  = "ADDR_BAN_DURATION_SEC"
	EnvDedupeWindowSec     = "DEDUPE_WINDOW_SEC"
	EnvRateLimitN          = "RATE_LIMIT_N"
	EnvRateLimitWindowSec  = "RATE_LIMIT_WINDOW_SEC"
	EnvForwarderQueueCap   = "FORWARDER_QUEUE_CAP"
	EnvForwarderConfigFile = "FORWARDER_CONFIG_FILE"
	EnvReadOnlyRoutes      = "READ_ONLY_ROUTES"
	EnvWriteRoutes         = "WRITE_ROUTES"
)

// ConfigFromEnv creates a configuration from environment variables.
// Invalid values are logged and fall back to defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvPort); v != "" {
		cfg.Port = v
	}
	cfg.DatabaseURL = os.Getenv(EnvDatabaseURL)
	cfg.RedisURL = os.Getenv(EnvRedisURL)
	if v := os.Getenv(EnvMigrationsDir); v != "" {
		cfg.MigrationsDir = v
	}
	cfg.JWTSecret = os.Getenv(EnvJWTSecret)
	cfg.BootstrapToken = os.Getenv(EnvBootstrapToken)
	cfg.ForwarderConfigFile = os.Getenv(EnvForwarderConfigFile)

	if v := os.Getenv(EnvTesting); v != "" {
		cfg.Testing = v == "true" || v == "1"
		if cfg.Testing {
			log.Printf("[sentry] TESTING mode enabled - classification and penalties suppressed")
		}
	}

	if v := os.Getenv(EnvWhitelistAddrs); v != "" {
		cfg.WhitelistAddrs = splitList(v)
	}
	if v := os.Getenv(EnvReadOnlyRoutes); v != "" {
		cfg.ReadOnlyRoutes = splitList(v)
	}
	if v := os.Getenv(EnvWriteRoutes); v != "" {
		cfg.WriteRoutes = splitList(v)
	}

	cfg.SuspendThreshold = envInt(EnvSuspendThreshold, cfg.SuspendThreshold)
	cfg.BanThreshold = envInt(EnvBanThreshold, cfg.BanThreshold)
	cfg.AddrBurstThreshold = envInt(EnvAddrBurstThreshold, cfg.AddrBurstThreshold)
	cfg.RateLimitN = envInt(EnvRateLimitN, cfg.RateLimitN)
	cfg.ForwarderQueueCap = envInt(EnvForwarderQueueCap, cfg.ForwarderQueueCap)

	cfg.OffenseWindow = envSeconds(EnvOffenseWindowSec, cfg.OffenseWindow)
	cfg.AddrBurstWindow = envSeconds(EnvAddrBurstWindowSec, cfg.AddrBurstWindow)
	cfg.AddrBanDuration = envSeconds(EnvAddrBanDurationSec, cfg.AddrBanDuration)
	cfg.DedupeWindow = envSeconds(EnvDedupeWindowSec, cfg.DedupeWindow)
	cfg.RateLimitWindow = envSeconds(EnvRateLimitWindowSec, cfg.RateLimitWindow)

	return cfg
}

// Validate checks the configuration for impossible combinations.
func (c Config) Validate() error {
	if c.SuspendThreshold <= 0 {
		return fmt.Errorf("suspend threshold must be positive, got %d", c.SuspendThreshold)
	}
	if c.BanThreshold < c.SuspendThreshold {
		return fmt.Errorf("ban threshold %d must not be below suspend threshold %d",
			c.BanThreshold, c.SuspendThreshold)
	}
	if c.AddrBurstThreshold <= 0 {
		return fmt.Errorf("address burst threshold must be positive, got %d", c.AddrBurstThreshold)
	}
	if c.RateLimitN <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d per %s", c.RateLimitN, c.RateLimitWindow)
	}
	if c.DedupeWindow < 0 {
		return fmt.Errorf("dedupe window must not be negative, got %s", c.DedupeWindow)
	}
	if c.ForwarderQueueCap <= 0 {
		return fmt.Errorf("forwarder queue capacity must be positive, got %d", c.ForwarderQueueCap)
	}
	if !c.Testing && c.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required outside testing mode")
	}
	return nil
}

// WithTesting returns a copy of the config with testing mode set.
func (c Config) WithTesting(enabled bool) Config {
	c.Testing = enabled
	return c
}

// WithThresholds returns a copy with the penalty thresholds replaced.
func (c Config) WithThresholds(suspend, ban int) Config {
	c.SuspendThreshold = suspend
	c.BanThreshold = ban
	return c
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[sentry] WARNING: invalid %s=%q, using default %d", name, v, def)
		return def
	}
	return n
}

func envSeconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[sentry] WARNING: invalid %s=%q, using default %s", name, v, def)
		return def
	}
	return time.Duration(n) * time.Second
}
