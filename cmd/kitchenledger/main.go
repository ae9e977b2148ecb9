package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/kitchenledger/kitchenledger/cmd/kitchenledger/cli"
	"github.com/kitchenledger/kitchenledger/internal/app"
	"github.com/kitchenledger/kitchenledger/internal/daily"
	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/observability"
	"github.com/kitchenledger/kitchenledger/internal/payments"
	"github.com/kitchenledger/kitchenledger/internal/platform/cache"
	"github.com/kitchenledger/kitchenledger/internal/platform/db"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/jobs"
)

const usage = `usage: kitchenledger <command> [flags]

commands:
  serve                      run the HTTP API (default)
  cleanup-zero-stock         delete zero-stock ingredients no recipe uses
  normalize-units            rewrite stored units to canonical spellings
  jobs trigger <task>        enqueue inventory:daily_close, inventory:cleanup_zero_stock or maintenance:idempotency_prune
  jobs stats                 print default queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "cleanup-zero-stock", "normalize-units":
		return maintenance(ctx, cfg, logger, command, args)
	case "jobs":
		return jobsCommand(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, snapshot cache and drift channel disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer closeRedis(redisClient, logger)

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(cfg, logger, pool, redisClient, metrics)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		return 1
	}
	rbacMiddleware := rbac.Middleware{Logger: logger}

	var jobHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, services.Inventory, rbacMiddleware),
		DailyHandler:     daily.NewHandler(logger, services.Daily, rbacMiddleware),
		PaymentsHandler:  payments.NewHandler(logger, services.Payments, rbacMiddleware),
		JobHandler:       jobHandler,
		RBACMiddleware:   rbacMiddleware,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server", slog.Any("error", err))
		return 1
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func maintenance(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report without writing")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	services, err := app.BuildServices(cfg, logger, pool, nil, nil)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		return 1
	}
	opts := cli.MaintenanceOptions{DryRun: *dryRun, JSONOutput: *jsonOut}
	helper := cli.NewMaintenanceCLI(services.Inventory)
	if command == "normalize-units" {
		return helper.NormalizeCommand(ctx, opts)
	}
	return helper.CleanupCommand(ctx, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	helper := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = helper.Close() }()

	switch args[0] {
	case "stats":
		return helper.StatsCommand(ctx, os.Stdout, os.Stderr)
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		date := fs.String("date", "", "service day to close (YYYY-MM-DD)")
		dryRun := fs.Bool("dry-run", false, "cleanup reports without deleting")
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		return helper.TriggerCommand(ctx, cli.TriggerOptions{Name: args[1], Date: *date, DryRun: *dryRun})
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}
