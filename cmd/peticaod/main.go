// Command peticaod runs the petition signature verification daemon:
// it sweeps pending signatures, verifies the embedded ICP-Brasil
// certificates, and generates custody certificates for approved
// signatures.
//
// Usage:
//
//	peticaod -config /etc/peticao/config.yaml
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

	"github.com/thsteixeira/peticao-brasil/config"
	"github.com/thsteixeira/peticao-brasil/custody"
	"github.com/thsteixeira/peticao-brasil/metrics"
	"github.com/thsteixeira/peticao-brasil/notify"
	"github.com/thsteixeira/peticao-brasil/revocation"
	"github.com/thsteixeira/peticao-brasil/signature"
	"github.com/thsteixeira/peticao-brasil/storage"
	"github.com/thsteixeira/peticao-brasil/trust"
	"github.com/thsteixeira/peticao-brasil/verify"
	"github.com/thsteixeira/peticao-brasil/worker"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/peticaod
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("peticaod", version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("starting peticaod", "version", version, "strict_revocation", cfg.Revocation.IsStrict())

	store, err := signature.NewStore(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open signature store: %w", err)
	}
	defer store.Close()

	blobs, err := storage.NewFSStore(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	trustStore, err := trust.LoadStore(cfg.TrustedCertsDir, logger)
	if err != nil {
		return fmt.Errorf("load trusted certificates: %w", err)
	}
	logger.Info("trusted certificates loaded", "count", trustStore.Len())

	cache, closeCache, err := buildCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	fetcherConfig := revocation.DefaultFetcherConfig()
	if t := cfg.Revocation.OCSPTimeout.Std(); t > 0 {
		fetcherConfig.OCSPTimeout = t
	}
	if t := cfg.Revocation.CRLTimeout.Std(); t > 0 {
		fetcherConfig.CRLTimeout = t
	}
	checker := revocation.NewChecker(cache, revocation.NewFetcher(fetcherConfig, nil), logger)
	checker.Strict = cfg.Revocation.IsStrict()

	verifier := verify.NewVerifier(trust.NewHeuristicValidator(trustStore), checker, logger)
	custodySvc := custody.NewService(store, blobs, cfg.SiteURL, logger)
	notifier := notify.NewLogNotifier(logger)
	orchestrator := verify.NewOrchestrator(store, blobs, verifier, custodySvc, notifier, logger)

	pool := worker.NewPool(orchestrator, cfg.Workers, cfg.QueueSize, logger)
	scheduler, err := worker.NewScheduler(store, pool, checker, worker.SchedulerConfig{
		SweepInterval:   cfg.Scheduler.SweepInterval.Std(),
		RefreshInterval: cfg.Scheduler.RefreshInterval.Std(),
		StaleAge:        cfg.Scheduler.StaleAge.Std(),
		BatchSize:       cfg.Scheduler.BatchSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	scheduler.Start()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()
	pool.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// buildCache selects the revocation cache backend: Redis when an
// address is configured, in-memory otherwise.
func buildCache(cfg *config.Config, logger *slog.Logger) (revocation.Cache, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("using in-memory revocation cache")
		return revocation.NewMemoryCache(), func() {}, nil
	}

	redisCache, err := revocation.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisCache.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("using redis revocation cache", "addr", cfg.Redis.Addr)
	return redisCache, func() { _ = redisCache.Close() }, nil
}
