// Package app wires configuration, infrastructure, and domain handlers into
// the api and worker run modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/audit"
	"github.com/wisbric/brandowl/internal/config"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/internal/platform"
	"github.com/wisbric/brandowl/internal/telemetry"
	"github.com/wisbric/brandowl/pkg/breaker"
	"github.com/wisbric/brandowl/pkg/budget"
	"github.com/wisbric/brandowl/pkg/cache"
	"github.com/wisbric/brandowl/pkg/canon"
	"github.com/wisbric/brandowl/pkg/critique"
	"github.com/wisbric/brandowl/pkg/ingest"
	"github.com/wisbric/brandowl/pkg/provider"
	"github.com/wisbric/brandowl/pkg/queue"
	"github.com/wisbric/brandowl/pkg/ratelimit"
	"github.com/wisbric/brandowl/pkg/render"
	"github.com/wisbric/brandowl/pkg/scan"
	"github.com/wisbric/brandowl/pkg/storage"
	"github.com/wisbric/brandowl/pkg/tenant"
	"github.com/wisbric/brandowl/pkg/trace"
	"github.com/wisbric/brandowl/pkg/vector"
	"github.com/wisbric/brandowl/pkg/worker"
)

// Version is stamped at build time.
var Version = "dev"

// deps bundles the shared infrastructure and domain services built once per
// process.
type deps struct {
	db       *pgxpool.Pool
	rdb      *redis.Client
	metrics  *prometheus.Registry
	cache    *cache.Cache
	breakers *breaker.Registry
	sink     *trace.Sink
	budget   *budget.Controller
	provider *provider.Client
	store    *storage.Store
	vectors  *vector.Store
	canons   *canon.Store
	deriver  *canon.Deriver
	queue    *queue.Queue
	pipeline *render.Pipeline
	auditor  *audit.Writer
}

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting brandowl",
		"mode", cfg.Mode,
		"env", cfg.ServiceEnv,
		"listen", cfg.ListenAddr(),
	)

	d, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	d.auditor.Start(ctx)
	defer d.auditor.Close()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, d)
	case "worker":
		return runWorker(ctx, cfg, logger, d)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	// Every redis-backed component shares this one client; a dead backend
	// at boot is fatal, unlike the optional audit database below.
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("pinging redis at %s: %w", redisOpts.Addr, err)
	}
	closers = append(closers, func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	})

	// The audit trail degrades to log-only when postgres is unreachable.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("database unavailable, audit trail disabled", "error", err)
		} else {
			closers = append(closers, db.Close)
		}
	}

	objStore, err := platform.NewObjectStore(ctx, platform.ObjectStoreConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connecting to object store: %w", err)
	}

	policy, err := provider.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("loading provider policy: %w", err)
	}

	d := &deps{
		db:      db,
		rdb:     rdb,
		metrics: telemetry.NewMetricsRegistry(telemetry.All()...),
	}
	d.cache = cache.New(rdb, logger)
	d.breakers = breaker.NewRegistry(logger)
	d.sink = trace.NewSink(cfg.TraceSinkURL, cfg.TraceSinkPublicKey, cfg.TraceSinkSecretKey, logger)
	d.budget = budget.NewController(rdb, logger, cfg.DailyBudgetUSD, budget.NewNotifier(cfg.BudgetAlertWebhook, logger))
	d.provider = provider.NewClient(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
		fmt.Sprintf("https://%s", cfg.ServiceName), policy, d.breakers, logger)
	d.store = storage.New(objStore, cfg.S3Bucket)
	d.vectors = vector.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	d.canons = canon.NewStore(d.cache, time.Duration(cfg.CanonCacheTTL)*time.Second)
	d.deriver = canon.NewDeriver(d.provider, d.vectors)
	d.queue = queue.New(rdb, logger, time.Duration(cfg.RenderCacheTTL)*time.Second)
	d.auditor = audit.NewWriter(db, logger)
	d.pipeline = render.NewPipeline(
		d.provider, d.cache, d.canons, d.budget, d.store, d.sink,
		logger, cfg.AllowedRefHost, time.Duration(cfg.PlanCacheTTL)*time.Second,
	)

	return d, cleanup, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps) error {
	limiter := ratelimit.New(d.rdb, logger, cfg.RateLimitRPM, nil)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowOrigins,
		Version:            Version,
	}, logger, d.db, d.rdb, d.metrics,
		tenant.Middleware(cfg.IsProduction()),
	)

	scanner, err := scan.NewScanner(logger, cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("initializing security scanner: %w", err)
	}

	ingestPipeline := ingest.NewPipeline(
		scanner, d.store, d.vectors, d.cache, d.canons, d.deriver,
		logger, cfg.AllowedRefHost, cfg.EmbedCacheTTL,
	)

	// Mount domain handlers.
	renderHandler := render.NewHandler(d.pipeline, d.queue, d.auditor, logger)
	srv.APIRouter.Mount("/render", renderHandler.Routes(
		limiter.Middleware("render"),
		limiter.Middleware("render-async"),
	))

	ingestHandler := ingest.NewHandler(ingestPipeline, d.auditor, d.sink, logger, cfg.MaxUploadBytes)
	srv.APIRouter.Mount("/ingest", ingestHandler.Routes(limiter.Middleware("ingest")))
	srv.APIRouter.Mount("/upload", ingestHandler.UploadRoutes(limiter.Middleware("upload")))

	canonHandler := canon.NewHandler(d.canons, d.deriver, d.auditor, logger)
	srv.APIRouter.Mount("/canon", canonHandler.Routes(limiter.Middleware("canon-derive")))

	critiqueHandler := critique.NewHandler(d.provider, d.canons, d.sink, d.auditor, logger)
	srv.APIRouter.Mount("/critique", critiqueHandler.Routes(limiter.Middleware("critique")))

	wsHandler := render.NewWSHandler(d.queue, logger)
	srv.APIRouter.Mount("/ws", wsHandler.Routes())

	workerAdmin := worker.NewAdminHandler(d.rdb, logger)
	srv.APIRouter.Mount("/workers", workerAdmin.Routes())

	auditHandler := audit.NewHandler(d.db, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps) error {
	logger.Info("worker mode started", "max_workers", cfg.MaxRenderWorkers)

	pool := worker.NewPool(d.queue, d.pipeline, logger, cfg.MaxRenderWorkers)
	go pool.ListenControl(ctx, d.rdb)
	return pool.Run(ctx)
}
