// Command server starts the docpipe HTTP API: enqueue, cancellation,
// erasure, artifact review, and the SSE progress stream.
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

	"github.com/fairyhunter13/docpipe/internal/adapter/docsvc"
	"github.com/fairyhunter13/docpipe/internal/adapter/httpserver"
	"github.com/fairyhunter13/docpipe/internal/adapter/objstore/s3store"
	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/docpipe/internal/app"
	"github.com/fairyhunter13/docpipe/internal/audit"
	"github.com/fairyhunter13/docpipe/internal/config"
	"github.com/fairyhunter13/docpipe/internal/cost"
	"github.com/fairyhunter13/docpipe/internal/dedup"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/job"
	"github.com/fairyhunter13/docpipe/internal/observability"
	"github.com/fairyhunter13/docpipe/internal/queue/redisq"
	"github.com/fairyhunter13/docpipe/internal/resilience"
)

const workerVersion = "docpipe-server/1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, 30*time.Second)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store, err := redisstore.New(cfg.RedisURL, cfg.EmergencyStopKey, cfg.RedisMaxRetries)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	objBreaker := resilience.NewBreaker("objstore", 5, 30*time.Second, 2)
	objStore, err := s3store.New(ctx, s3store.Options{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKey:       cfg.S3AccessKey,
		SecretKey:       cfg.S3SecretKey,
		RefreshInterval: cfg.S3RefreshInterval,
		MinSize:         cfg.MinUploadBytes,
		MaxSize:         cfg.MaxUploadBytes,
		AllowedTypes:    cfg.AllowedContentTypes,
	}, objBreaker, logger)
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	docRepo := postgres.NewDocumentRepo(pool)
	pageRepo := postgres.NewPageRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	costRepo := postgres.NewCostRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	batcher := audit.NewBatcher(auditRepo, store.Redis(), audit.Options{
		BatchSize:     cfg.AuditBatchSize,
		FlushInterval: time.Duration(cfg.AuditFlushIntervalMS) * time.Millisecond,
		MaxQueueSize:  cfg.AuditMaxQueueSize,
		Durable:       cfg.AuditDurableMode,
	}, logger)
	batcher.Start()
	defer batcher.Stop()

	ledger := cost.NewLedger(costRepo, cfg.CostPerPageCents, cfg.MaxJobCostCents, cfg.CostReconcileCutoff, logger)
	index := dedup.NewIndex(store.Redis(), cfg.CASMaxHamming)

	toolchain := docsvc.New(cfg.DocServiceURL)
	var normalizer domain.PDFNormalizer
	if cfg.CASNormalizePDF {
		normalizer = toolchain
	}
	hasher, err := dedup.NewHasher(toolchain, normalizer, cfg.CASPhashPages, logger)
	if err != nil {
		slog.Error("dedup hasher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	gate, err := dedup.NewGate(objStore, hasher, index, logger)
	if err != nil {
		slog.Error("dedup gate init failed", slog.Any("error", err))
		os.Exit(1)
	}

	progress := redisq.NewPublisher(store, cfg.ProgressTTL, logger)
	queues := redisq.Queues{
		High:    cfg.HighQueue,
		Default: cfg.DefaultQueue,
		Low:     cfg.LowQueue,
		Dead:    cfg.DLQ,
	}
	dispatcher := redisq.NewDispatcher(store, queues, cfg.RetryMaxRetries, cfg.RetryBaseDelay, workerVersion, progress, logger)

	deleter := job.NewDeleter(docRepo, pageRepo, eventRepo, objStore, ledger, index, batcher, cfg.S3Bucket, logger)

	// The deletion sweeper re-drives erasures that left artifacts behind.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	sweeper := job.NewSweeper(deleter, docRepo, time.Duration(cfg.DeletionSweepSeconds)*time.Second, logger)
	go func() { _ = sweeper.Run(runCtx) }()

	health := postgres.NewHealthChecker(pool, 5*time.Second)
	dbCheck := func(ctx context.Context) error {
		if report := health.Check(ctx); !report.Healthy {
			return fmt.Errorf("database unhealthy (%d/%d conns)", report.AcquiredConns, report.MaxConns)
		}
		return nil
	}
	_, redisCheck := app.BuildReadinessChecks(pool, store)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Docs:       docRepo,
		Artifacts:  artifactRepo,
		Dispatcher: dispatcher,
		Progress:   progress,
		Store:      store,
		Deleter:    deleter,
		Dedup:      gate,
		Audit:      batcher,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
