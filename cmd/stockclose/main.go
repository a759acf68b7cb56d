package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockclose/cmd/stockclose/cli"
	"github.com/odyssey-erp/stockclose/internal/app"
	"github.com/odyssey-erp/stockclose/internal/audit"
	"github.com/odyssey-erp/stockclose/internal/auth"
	"github.com/odyssey-erp/stockclose/internal/closing"
	closinghttp "github.com/odyssey-erp/stockclose/internal/closing/http"
	"github.com/odyssey-erp/stockclose/internal/inventory"
	"github.com/odyssey-erp/stockclose/internal/observability"
	"github.com/odyssey-erp/stockclose/internal/platform/cache"
	"github.com/odyssey-erp/stockclose/internal/platform/db"
	"github.com/odyssey-erp/stockclose/internal/rbac"
	"github.com/odyssey-erp/stockclose/internal/shared"
	"github.com/odyssey-erp/stockclose/jobs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	cfg, err := app.LoadConfig()
	if err != nil {
		stop()
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	if cli.Known(args) {
		code := runCommand(ctx, cfg, args)
		stop()
		os.Exit(code)
	}
	if len(args) > 0 && args[0] != "serve" {
		stop()
		_, _ = fmt.Fprint(os.Stderr, cli.Usage)
		os.Exit(2)
	}

	err = serve(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cfg *app.Config, args []string) int {
	cmds := cli.Commands{}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "init tokens: %v\n", err)
		return 1
	}
	cmds.Tokens = tokens

	switch args[0] {
	case "roles":
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
			return 1
		}
		defer pool.Close()
		cmds.Roles = rbac.NewService(pool)
	case "jobs":
		jobsCLI := cli.NewJobsCLI(cfg.AsynqRedis())
		defer func() { _ = jobsCLI.Close() }()
		cmds.Jobs = jobsCLI
	}
	return cmds.Run(ctx, args)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient := jobs.NewClient(cfg.AsynqRedis())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	closingMetrics := observability.NewClosingMetrics(metrics)

	rbacService := rbac.NewService(pool)
	auditLogger := audit.NewLogger(pool)
	inventoryRepo := inventory.NewRepository(pool)
	closingRepo := closing.NewRepository(pool, loc)

	engine := closing.NewEngine(
		closingRepo,
		closing.NewSnapshotBuilder(inventoryRepo, loc),
		rbac.NewAuthorizer(rbacService),
		auditLogger,
		logger,
		closing.EngineConfig{
			Rules:          closing.PeriodRules{MinYear: cfg.ClosingMinYear, MaxYear: cfg.ClosingMaxYear, Location: loc},
			StorageTimeout: cfg.ClosingStorageTimeout,
			ReasonMaxLen:   cfg.ClosingReasonMaxLen,
		},
	)
	engine.WithAlerter(audit.NewEscalator(logger, closingMetrics, jobClient))
	engine.WithInstrumentation(closingMetrics)

	inventoryService := inventory.NewService(inventoryRepo, auditLogger, closingRepo, logger, inventory.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		return fmt.Errorf("init tokens: %w", err)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Auth:             auth.Middleware{Tokens: tokens, Logger: logger},
		ClosingHandler:   closinghttp.NewHandler(logger, engine, shared.NewRequestCache(redisClient, cfg.IdempotencyTTL)),
		InventoryHandler: inventory.NewHandler(logger, inventoryService, rbac.Middleware{Source: rbacService, Logger: logger}),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Readiness: map[string]app.ReadinessCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})
	return g.Wait()
}
