// Command worker consumes job envelopes from the priority queues and runs
// the document pipeline: download, budget gate, previews, table extraction,
// OCR, finalize. It also hosts the maintenance sweepers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/docpipe/internal/adapter/docsvc"
	"github.com/fairyhunter13/docpipe/internal/adapter/objstore/s3store"
	"github.com/fairyhunter13/docpipe/internal/adapter/ocrcli"
	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/docpipe/internal/app"
	"github.com/fairyhunter13/docpipe/internal/audit"
	"github.com/fairyhunter13/docpipe/internal/config"
	"github.com/fairyhunter13/docpipe/internal/cost"
	"github.com/fairyhunter13/docpipe/internal/extract/financial"
	"github.com/fairyhunter13/docpipe/internal/job"
	"github.com/fairyhunter13/docpipe/internal/observability"
	"github.com/fairyhunter13/docpipe/internal/ocr"
	"github.com/fairyhunter13/docpipe/internal/queue/redisq"
	"github.com/fairyhunter13/docpipe/internal/resilience"
)

const workerVersion = "docpipe-worker/1"

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

	// Worker metrics are scraped from a dedicated listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics listener failed", slog.Any("error", err))
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

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

	toolchain := docsvc.New(cfg.DocServiceURL)
	slog.Info("document toolchain configured", slog.String("url", cfg.DocServiceURL))

	var providers []ocr.Provider
	if tess, err := ocrcli.New(toolchain, logger); err == nil {
		providers = append(providers, tess)
	}
	registry := ocr.NewRegistry(providers...)
	runtime := ocr.NewRuntime(registry, toolchain, ocr.RuntimeOptions{
		MaxPages: cfg.OCRMaxPages,
		TPS: map[string]float64{
			ocr.ProviderAzure:    cfg.OCRTPSAzure,
			ocr.ProviderTextract: cfg.OCRTPSTextract,
		},
		BreakerRecovery: time.Duration(cfg.OCRCircuitOpenSecs) * time.Second,
	}, logger)

	progress := redisq.NewPublisher(store, cfg.ProgressTTL, logger)
	queues := redisq.Queues{
		High:    cfg.HighQueue,
		Default: cfg.DefaultQueue,
		Low:     cfg.LowQueue,
		Dead:    cfg.DLQ,
	}
	dispatcher := redisq.NewDispatcher(store, queues, cfg.RetryMaxRetries, cfg.RetryBaseDelay, workerVersion, progress, logger)

	pipeline := job.NewPipeline(
		docRepo, pageRepo, artifactRepo, eventRepo,
		objStore, ledger,
		toolchain, toolchain, runtime,
		financial.NewDetector(nil),
		progress, batcher,
		job.NewTimeoutManager(),
		job.PipelineOptions{
			MaxUploadBytes:  cfg.MaxUploadBytes,
			ParseTimeout:    time.Duration(cfg.ParseTimeoutMS) * time.Millisecond,
			OCRProvider:     cfg.OCRProvider,
			OCRProviderMode: cfg.OCRProviderMode,
			OCREnabled:      cfg.OCRProviderMode != "off",
		},
		logger,
	)

	worker := redisq.NewWorker(store, dispatcher, progress, queues, cfg.WorkerConcurrency, pipeline.Run, logger)

	if stuck := app.NewStuckDocumentSweeper(docRepo, 10*time.Minute, time.Minute); stuck != nil {
		go stuck.Run(ctx)
	}
	if reconcile := app.NewCostReconcileSweeper(ledger, 0); reconcile != nil {
		go reconcile.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting",
			slog.Int("concurrency", cfg.WorkerConcurrency),
			slog.String("queues", fmt.Sprintf("%v", cfg.QueueNames())))
		errCh <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		stop()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("worker stopped", slog.Any("error", err))
		}
	}
}
