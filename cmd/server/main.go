// Package main is the entry point for the graphflow engine daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/graphflow/internal/config"
	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/engine"
	"github.com/vitaliisemenov/graphflow/internal/infrastructure/migrations"
	"github.com/vitaliisemenov/graphflow/internal/infrastructure/queue"
	"github.com/vitaliisemenov/graphflow/internal/infrastructure/repository"
	"github.com/vitaliisemenov/graphflow/internal/template"
	"github.com/vitaliisemenov/graphflow/pkg/logger"
)

const (
	serviceName    = "graphflow"
	serviceVersion = "1.0.0"
)

func main() {
	var configPath = flag.String("config", "", "Path to config file (optional)")
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	slog.Info("Starting graphflow engine",
		"service", serviceName,
		"version", serviceVersion)

	ctx := context.Background()

	// Migrations run on boot; a failure is fatal because the store cannot
	// work against an unknown schema version.
	migrator, err := migrations.NewManager(cfg.Database.DSN(), log)
	if err != nil {
		slog.Error("Failed to create migration manager", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}
	migrator.Close()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		slog.Error("Failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	templateOpts := template.BuiltinOptions{}
	if cfg.Docker.Enabled {
		templateOpts.Docker = &template.DockerRuntimeOptions{
			Host:        cfg.Docker.Host,
			StopTimeout: cfg.Docker.StopTimeout,
		}
	}

	store := repository.NewPostgresStore(pool, log)
	eng, err := engine.New(engine.Options{
		Store:     store,
		Templates: template.Builtin(templateOpts),
		BuildQueue: func(process core.Processor, dead core.DeadHandler) core.RevisionQueue {
			return queue.NewRedisQueue(redisClient, queue.Config{
				MaxAttempts:   cfg.Queue.MaxAttempts,
				BackoffBase:   cfg.Queue.BackoffBase,
				BackoffFactor: cfg.Queue.BackoffFactor,
				Workers:       cfg.Queue.Workers,
			}, process, dead, log)
		},
		Logger:              log,
		CompileWaitTimeout:  cfg.Engine.CompileWaitTimeout,
		CompileWaitInterval: cfg.Engine.CompileWaitInterval,
	})
	if err != nil {
		slog.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	if err := eng.Start(engineCtx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	cancelEngine()
	if err := eng.Stop(); err != nil {
		slog.Error("Engine stop failed", "error", err)
	}

	// Draining takes a moment; in-flight queue jobs redeliver on next boot.
	time.Sleep(100 * time.Millisecond)
	slog.Info("Shutdown complete")
}
