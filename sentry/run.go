// Copyright 2025 Aegis
// SPDX-License-Identifier: BUSL-1.1

package sentry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"aegis/platform/sentry/store"
	"aegis/platform/shared/logger"
)

// Application readiness state for health checks. The health endpoint
// responds immediately while initialization (database, Redis, forwarder
// seeding) happens in the background.
var appReady atomic.Bool

// Global router and server, so health checks pass from the first moment of
// the process lifetime.
var (
	globalRouter   *mux.Router
	globalPipeline *Pipeline
)

// initServerImmediately starts the HTTP server with just /health so load
// balancer health checks pass during the potentially slow initialization
// phase. The remaining routes are added after initialization completes.
func initServerImmediately(port string) {
	globalRouter = mux.NewRouter()

	globalCORS := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	globalRouter.HandleFunc("/health", healthHandler).Methods("GET")

	go func() {
		handler := globalCORS.Handler(globalRouter)
		log.Printf("Aegis Sentry starting on port %s (status: starting)", port)
		if err := http.ListenAndServe(":"+port, handler); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Small delay so the listener is accepting before initialization begins.
	time.Sleep(50 * time.Millisecond)
}

// healthHandler reports readiness state and forwarder queue statistics.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	body := map[string]interface{}{
		"service":   "aegis-sentry",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	}
	if appReady.Load() {
		status = "healthy"
		if globalPipeline != nil {
			body["forwarder"] = globalPipeline.forwarder.Stats()
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if err := globalPipeline.repo.Ping(ctx); err != nil {
				status = "degraded"
				body["database"] = err.Error()
			}
			cancel()
		}
	}
	body["status"] = status
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// applyMigrations executes the .sql files in dir in lexical order, skipping
// versions already recorded in schema_migrations. A missing directory is
// logged and skipped so the service can run against a pre-provisioned
// schema.
func applyMigrations(db *sql.DB, dir string, appLog *logger.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		appLog.Warn("", "", "migrations directory not found, skipping",
			map[string]interface{}{"dir": dir})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		var exists bool
		if err := db.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		sqlBytes, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version) VALUES ($1)", name,
		); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		applied++
		appLog.Info("", "", "applied migration", map[string]interface{}{"file": name})
	}

	appLog.Info("", "", "database schema ready", map[string]interface{}{
		"applied": applied,
		"total":   len(files),
	})
	return nil
}

// Run is the exported entry point for the sentry service. It blocks until
// SIGINT or SIGTERM, then drains the forwarder queue before exiting.
func Run() {
	cfg := ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	initServerImmediately(cfg.Port)

	appLog := logger.New("sentry")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database may still be coming up alongside this process.
	for attempt := 1; attempt <= 10; attempt++ {
		if err = db.Ping(); err == nil {
			break
		}
		appLog.Warn("", "", "database not ready, retrying",
			map[string]interface{}{"attempt": attempt, "error": err.Error()})
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	if err := applyMigrations(db, cfg.MigrationsDir, appLog); err != nil {
		log.Fatalf("Database migrations failed: %v", err)
	}

	repo := store.NewPostgresRepository(db)

	var limiter RateLimiter
	if cfg.RedisURL != "" {
		rl, err := NewRedisRateLimiter(cfg.RedisURL, cfg.RateLimitN, cfg.RateLimitWindow, appLog)
		if err != nil {
			appLog.Warn("", "", "redis unavailable, using in-memory rate limiter",
				map[string]interface{}{"error": err.Error()})
		} else {
			limiter = rl
			defer rl.Close()
		}
	}

	pipeline := NewPipeline(cfg, repo, limiter, appLog)
	globalPipeline = pipeline

	ctx := context.Background()
	if cfg.ForwarderConfigFile != "" {
		if err := SeedTargetsFromFile(ctx, cfg.ForwarderConfigFile, repo); err != nil {
			appLog.Error("", "", "failed to seed forwarders from file",
				map[string]interface{}{"file": cfg.ForwarderConfigFile, "error": err.Error()})
		}
	}
	if err := pipeline.forwarder.LoadTargets(ctx, repo); err != nil {
		appLog.Error("", "", "failed to load forwarder targets",
			map[string]interface{}{"error": err.Error()})
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go pipeline.RunBanExpirySweep(sweepCtx, time.Minute)

	globalRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")
	pipeline.RegisterRoutes(globalRouter)
	globalRouter.Use(pipeline.Middleware)

	appReady.Store(true)
	appLog.Info("", "", "sentry initialization complete", map[string]interface{}{
		"port":        cfg.Port,
		"testing":     cfg.Testing,
		"rate_limit":  cfg.RateLimitN,
		"redis":       cfg.RedisURL != "",
		"suspend_at":  cfg.SuspendThreshold,
		"ban_at":      cfg.BanThreshold,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	appLog.Info("", "", "shutdown signal received, draining forwarder queue", nil)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipeline.forwarder.Shutdown(drainCtx); err != nil {
		appLog.Error("", "", "forwarder drain incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := db.Close(); err != nil {
		appLog.Error("", "", "database close failed", map[string]interface{}{"error": err.Error()})
	}
}
