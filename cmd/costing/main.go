package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/recipe-costing/cmd/costing/cli"
	"github.com/odyssey-erp/recipe-costing/internal/app"
	"github.com/odyssey-erp/recipe-costing/internal/costing"
	costinghttp "github.com/odyssey-erp/recipe-costing/internal/costing/http"
	"github.com/odyssey-erp/recipe-costing/internal/observability"
	"github.com/odyssey-erp/recipe-costing/internal/platform/cache"
	"github.com/odyssey-erp/recipe-costing/internal/platform/db"
	"github.com/odyssey-erp/recipe-costing/jobs"
)

const usage = `usage: costing [serve | cost | convert | jobs] [flags]

  serve                       start the HTTP API (default)
  cost --recipe N             cost a recipe (--scale, --owner, --prices, --json, --lang)
  convert --qty Q --from U --to U
                              convert a quantity (--owner, --json, --lang)
  jobs trigger --task T --id N
                              enqueue costing:recalculate_material or costing:record_cost
  jobs inspect                print default queue statistics
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	logger := app.NewLogger(cfg)
	code := run(ctx, cfg, logger, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve(ctx, cfg, logger)
	case "cost", "convert":
		return calculate(ctx, cfg, logger, cmd, args, stdout, stderr)
	case "jobs":
		return jobsCommand(ctx, cfg, args, stdout, stderr)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
	return 2
}

type runtime struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	catalog *costing.CatalogCache
	service *costing.Service
}

func (rt *runtime) Close(logger *slog.Logger) {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func newRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger, observer costing.Observer) (*runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		return nil, err
	}
	rt := &runtime{pool: pool}

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		// Calculations still work without Redis, only uncached.
		logger.Warn("redis unavailable, catalog cache disabled", slog.Any("error", err))
	} else {
		rt.redis = redisClient
	}
	rt.catalog = costing.NewCatalogCache(rt.redis, cfg.CostingCatalogTTL)
	rt.service = costing.NewService(costing.NewRepository(pool), rt.catalog, logger, observer, costing.Config{
		MaxDepth:          cfg.CostingMaxDepth,
		MaxHops:           cfg.CostingConversionMaxHops,
		RecalcConcurrency: cfg.CostingRecalcConcurrency,
	})
	return rt, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	metrics := observability.NewMetrics()
	rt, err := newRuntime(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close(logger)

	if err := rt.catalog.ListenForInvalidation(ctx, costing.BumpChannel); err != nil {
		logger.Warn("catalog invalidation listener", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		CostingHandler: costinghttp.NewHandler(logger, rt.service, cfg.CostingRateLimit),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func calculate(ctx context.Context, cfg *app.Config, logger *slog.Logger, cmd string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	recipeID := fs.Int64("recipe", 0, "recipe id")
	scale := fs.String("scale", "1", "scale factor")
	qty := fs.String("qty", "", "quantity to convert")
	from := fs.String("from", "", "source unit code")
	to := fs.String("to", "", "target unit code")
	owner := fs.String("owner", "", "owner scope for conversion factors")
	prices := fs.Bool("prices", false, "include selling prices for active margins")
	lang := fs.String("lang", "en", "language tag for number formatting")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := newRuntime(ctx, cfg, logger, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	defer rt.Close(logger)

	helper, err := cli.NewCostingCLI(rt.service)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	if cmd == "convert" {
		return helper.ConvertCommand(ctx, cli.ConvertOptions{
			Quantity: *qty, From: *from, To: *to, OwnerID: *owner,
			Lang: *lang, JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr,
		})
	}
	return helper.CostCommand(ctx, cli.CostOptions{
		RecipeID: *recipeID, Scale: *scale, OwnerID: *owner, Prices: *prices,
		Lang: *lang, JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr,
	})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("jobs "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	task := fs.String("task", jobs.TaskRecalculateMaterial, "task type")
	id := fs.Int64("id", 0, "material id or recipe id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	helper, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = helper.Close() }()

	switch sub {
	case "trigger":
		info, err := helper.Trigger(ctx, *task, *id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		stats, err := helper.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown jobs command %q\n", sub)
		return 2
	}
	return 0
}
