package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Linzell/BrokeAgent-sub001/internal/api"
	"github.com/Linzell/BrokeAgent-sub001/internal/audit"
	"github.com/Linzell/BrokeAgent-sub001/internal/auth"
	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/consensus"
	"github.com/Linzell/BrokeAgent-sub001/internal/discovery"
	"github.com/Linzell/BrokeAgent-sub001/internal/dispatch"
	"github.com/Linzell/BrokeAgent-sub001/internal/policy"
	"github.com/Linzell/BrokeAgent-sub001/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL when audit is enabled
	var dbPool *pgxpool.Pool
	if cfg.Audit.Enabled {
		var err error
		dbPool, err = pgxpool.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(context.Background()); err != nil {
			logger.Warn("database not reachable (audit writes will fail)", "error", err)
		} else {
			logger.Info("database connected")
		}
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (pacing and shared discovery disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Build backend registry
	registry := backend.BuildFromConfig(loader.Backends())
	loader.OnReload(func() {
		newRegistry := backend.BuildFromConfig(loader.Backends())
		*registry = *newRegistry
		logger.Info("backend registry reloaded")
	})

	metrics := telemetry.NewMetrics()

	health := dispatch.NewHealthTracker(cfg.Dispatch.MaxConsecutiveFailures, cfg.Dispatch.ExtendedCooldown)
	perf := dispatch.NewPerfTracker()
	selector := dispatch.NewSelector(health, perf, registry.Kind)

	var admission dispatch.AdmissionPolicy
	if cfg.Policy.Enabled {
		evaluator := policy.NewEvaluator(func() config.PolicyConfig {
			return loader.Config().Policy
		}, registry.Kind)
		if err := evaluator.Load(); err != nil {
			logger.Error("failed to load admission policies", "error", err)
			os.Exit(1)
		}
		admission = evaluator
	}

	var auditStore *audit.Store
	var dispatchAudit dispatch.AuditSink
	var consensusAudit consensus.AuditSink
	if dbPool != nil {
		auditStore = audit.NewStore(dbPool)
		dispatchAudit = auditStore
		consensusAudit = auditStore
	}

	var pacer *dispatch.Pacer
	if cfg.Dispatch.Pacing.Enabled {
		pacer = dispatch.NewPacer(rdb)
	}

	dispatcher := dispatch.NewDispatcher(registry, health, perf, selector, dispatch.Options{
		Pacer:          pacer,
		Pacing:         cfg.Dispatch.Pacing,
		Policy:         admission,
		Audit:          dispatchAudit,
		Metrics:        metrics,
		GraceWait:      cfg.Dispatch.GraceWait,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
	})
	coordinator := consensus.NewCoordinator(registry, perf, metrics, consensusAudit)

	discoveryCache := discovery.NewCache(&discovery.RegistrySource{Registry: registry}, cfg.Discovery.TTL, rdb)
	loader.OnReload(func() {
		discoveryCache.Invalidate(context.Background())
	})

	keyStore := auth.NewStaticKeyStore(cfg.OpsAuth)
	loader.OnReload(func() {
		keyStore.Replace(loader.Config().OpsAuth)
	})

	handler := api.NewHandler(dispatcher, coordinator, health, perf, discoveryCache, func() *config.Config {
		return loader.Config()
	})

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/dispatch/v1/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		if cfg.OpsAuth.Enabled {
			r.Use(auth.Middleware(keyStore))
		}
		handler.Routes(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatcher stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
