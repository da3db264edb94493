package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arencloud/kbadmin/internal/api"
	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/buckets"
	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/db"
	"github.com/arencloud/kbadmin/internal/lock"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/metrics"
	"github.com/arencloud/kbadmin/internal/middleware"
	"github.com/arencloud/kbadmin/internal/notify"
	"github.com/arencloud/kbadmin/internal/s3"
	"github.com/arencloud/kbadmin/internal/session"
	"github.com/arencloud/kbadmin/internal/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel, JSON: cfg.LogJSON})

	gdb, err := db.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init db", "error", err)
	}

	store, err := s3.New(cfg.MinIO)
	if err != nil {
		logger.Fatal("failed to init object store", "endpoint", cfg.MinIO.Endpoint, "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		defer rdb.Close()
		locker = lock.NewRedis(rdb, 0, logger)
		logger.Info("using redis deletion lock", "addr", cfg.RedisAddr)
	}

	hub := notify.NewHub(logger, m)
	auditSvc := audit.NewService(gdb)
	repo := buckets.NewRepository(gdb)

	var oidc *api.OIDC
	if cfg.Azure.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		oidc, err = api.NewOIDC(ctx, cfg.Azure)
		cancel()
		if err != nil {
			logger.Error("azure login disabled", "error", err)
			oidc = nil
		}
	}

	srv := api.NewServer(api.Deps{
		Config:  cfg,
		Logger:  logger,
		DB:      gdb,
		Store:   store,
		Buckets: repo,
		Deleter: &buckets.Deleter{
			Store:     store,
			Meta:      repo,
			Notifier:  hub,
			Audit:     auditSvc,
			Locker:    locker,
			BatchSize: cfg.DeleteBatchSize,
			Logger:    logger.With("component", "bucket-deleter"),
			Metrics:   m,
		},
		Audit:    auditSvc,
		Hub:      hub,
		Sessions: session.NewStore(cfg.SessionSecret, cfg.SessionTTL, cfg.CookieSecure),
		Metrics:  m,
		OIDC:     oidc,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           middleware.Recoverer(srv.Router(), logger),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0, // uploads and push streams are long-lived
		WriteTimeout:      0,
		MaxHeaderBytes:    1 << 20,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("server starting", "addr", httpSrv.Addr, "version", version.Version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "error", err)
		}
	}()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
