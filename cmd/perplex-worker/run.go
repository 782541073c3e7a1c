package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/config"
	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/models"
	"github.com/samcharles93/perplex/internal/serverless"
)

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Resolve()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	ctx = logger.WithContext(ctx, log)

	device, err := backend.Select(cfg.Backend)
	if err != nil {
		return err
	}
	log.Info("initializing", "device", device, "available", backend.Available(), "cache_dir", cfg.CacheDir)

	handler, err := serverless.NewHandler(ctx, serverless.HandlerConfig{
		DefaultModel: cfg.DefaultModel,
		Resolver:     models.NewResolver(cfg, device),
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = handler.Close() }()

	if cfg.ServerAddress != "" {
		return serveLocal(ctx, cfg.ServerAddress, handler)
	}

	worker, err := serverless.NewWorker(serverless.WorkerConfig{
		JobURL:       cfg.JobURL,
		ResultURL:    cfg.ResultURL,
		APIKey:       cfg.APIKey,
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
	}, handler)
	if err != nil {
		return err
	}
	log.Info("polling for jobs", "worker_id", cfg.WorkerID, "default_model", handler.DefaultModel())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if cfg.MetricsAddress != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddress) })
	}
	return g.Wait()
}

func serveLocal(ctx context.Context, addr string, handler serverless.JobHandler) error {
	e := echo.New()
	e.Use(middleware.Recover())
	serverless.NewServer(handler).Register(e)

	logger.FromContext(ctx).Info("starting local API", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 30 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.FromContext(ctx).Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
