package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/batch_downloader/internal/cleanup"
	"github.com/italolelis/batch_downloader/internal/config"
	"github.com/italolelis/batch_downloader/internal/downloader"
	"github.com/italolelis/batch_downloader/internal/http/rest"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/network"
	"github.com/italolelis/batch_downloader/internal/notifier"
	"github.com/italolelis/batch_downloader/internal/policy"
	"github.com/italolelis/batch_downloader/internal/readiness"
	"github.com/italolelis/batch_downloader/internal/retry"
	"github.com/italolelis/batch_downloader/internal/scanner"
	"github.com/italolelis/batch_downloader/internal/source"
	"github.com/italolelis/batch_downloader/internal/source/putio"
	"github.com/italolelis/batch_downloader/internal/space"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/storage/sqlite"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, shutdownLogs, err := telemetry.NewLogger(ctx, os.Stdout, telemetry.LogConfig{
		Level:        cfg.SlogLevel(),
		Format:       cfg.LogFormat,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to setup logging", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(logger)

	slog.Info("batch downloader starting...", "log_level", cfg.LogLevel, "version", serviceVersion)

	err = run(logctx.WithLogger(ctx, logger), cfg)

	if shutdownErr := shutdownLogs(context.WithoutCancel(ctx)); shutdownErr != nil {
		slog.Error("failed to flush logs", "err", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedStore(sqlite.NewStore(database, nil), tel)

	// =========================================================================
	// Start Sources
	httpClient := transfer.NewHTTPClient(cfg.Transfer.ConnectTimeout, cfg.Transfer.ResponseTimeout)

	sources, err := buildSources(ctx, cfg, httpClient, tel)
	if err != nil {
		return fmt.Errorf("failed to build sources: %w", err)
	}

	// =========================================================================
	// Start Engine
	monitor := network.NewMonitor(network.Config{
		Type:                          cfg.NetworkType(),
		Roaming:                       cfg.Network.Roaming,
		Metered:                       cfg.Network.Metered,
		MaxBytesOverMobile:            cfg.Network.MaxBytesOverMobile,
		RecommendedMaxBytesOverMobile: cfg.Network.RecommendedMaxBytesOverMobile,
		ProbeAddress:                  cfg.Network.ProbeAddress,
		ProbeInterval:                 cfg.Network.ProbeInterval,
	})

	guard := space.NewGuard(cfg.Transfer.ReserveBytes)
	retryPolicy := retry.New(
		retry.WithBaseDelay(cfg.Transfer.BaseRetryDelay),
		retry.WithMaxRetries(cfg.Transfer.MaxRetries),
	)

	gate := readiness.NewGate(store, monitor, guard, buildPolicy(cfg, tel), retryPolicy)
	sink := buildSink(cfg, tel)

	executor := transfer.NewExecutor(store, gate, monitor, sources, guard, sink,
		transfer.Config{
			MaxRedirects:  cfg.Transfer.MaxRedirects,
			UserAgent:     cfg.Transfer.UserAgent,
			ProgressEvery: cfg.Transfer.ProgressEvery,
		},
		transfer.WithHTTPClient(httpClient),
		transfer.WithRetryPolicy(retryPolicy),
	)

	var arr *scanner.ArrClient
	if cfg.Scanner.ArrBaseURL != "" {
		arr = scanner.NewArrClient(cfg.Scanner.ArrAPIKey, cfg.Scanner.ArrBaseURL, tel)
	}

	cleanupOpts := []cleanup.Option{}
	if arr != nil {
		cleanupOpts = append(cleanupOpts, cleanup.WithImportChecker(arr))
	}

	cleaner := cleanup.New(store, cfg.KeepDownloadedFor, cleanupOpts...)

	orchOpts := []downloader.Option{
		downloader.WithTelemetry(tel),
		downloader.WithIdleHook(func(ctx context.Context) {
			if err := cleaner.PurgeDeleted(ctx); err != nil {
				logctx.LoggerFromContext(ctx).Error("failed to purge deleted downloads", "err", err)
			}
		}),
	}
	if arr != nil {
		orchOpts = append(orchOpts, downloader.WithScanner(arr))
	}

	orchestrator := downloader.NewOrchestrator(
		store,
		gate,
		transfer.NewInstrumentedExecutor(executor, tel),
		sources,
		sink,
		downloader.Config{
			PassInterval: cfg.Transfer.PassInterval,
			Destinations: map[storage.DestinationClass]string{
				storage.ClassDownloads: cfg.DownloadDir,
				storage.ClassCache:     cfg.CacheDir,
			},
		},
		orchOpts...,
	)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, orchestrator, tel, cfg)

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"network", cfg.Network.Type,
		"pass_interval", cfg.Transfer.PassInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	g.Go(func() error {
		return orchestrator.Run(ctx)
	})

	g.Go(func() error {
		monitor.Watch(ctx, func(bool) { orchestrator.Wake() })

		return nil
	})

	g.Go(func() error {
		cleaner.Run(ctx, cfg.CleanupInterval)

		return nil
	})

	return g.Wait()
}

// buildSources registers the URI resolvers. put.io is only available with a
// token.
func buildSources(ctx context.Context, cfg *config.Config, client *http.Client, tel *telemetry.Telemetry) (*source.Registry, error) {
	registry := source.NewRegistry()

	if cfg.PutioToken == "" {
		return registry, nil
	}

	pc := putio.NewClient(cfg.PutioToken, client, tel)

	if cfg.PutioBaseURL != "" {
		if err := pc.SetBaseURL(cfg.PutioBaseURL); err != nil {
			return nil, err
		}
	}

	if err := pc.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authentication error: %w", err)
	}

	registry.Register(putio.Scheme, pc)

	return registry, nil
}

func buildPolicy(cfg *config.Config, tel *telemetry.Telemetry) policy.Callback {
	callbacks := []policy.Callback{policy.MaxBatchBytes(cfg.Policy.MaxBatchBytes)}

	if cfg.Policy.WebhookURL != "" {
		callbacks = append(callbacks, policy.NewWebhook(cfg.Policy.WebhookURL, nil, tel))
	}

	return policy.All(callbacks...)
}

func buildSink(cfg *config.Config, tel *telemetry.Telemetry) notifier.Sink {
	sinks := notifier.Multi{notifier.Log{}}

	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, notifier.Messages{
			Notifier: &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Telemetry: tel},
		})
	}

	return sinks
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orchestrator *downloader.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", rest.HealthHandler(orchestrator.IsActive))
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewBatchHandler(orchestrator, cfg.Web.Username, cfg.Web.Password).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "batch_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
