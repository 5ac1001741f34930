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

	"github.com/italolelis/zim_downloader/internal/cleanup"
	"github.com/italolelis/zim_downloader/internal/config"
	"github.com/italolelis/zim_downloader/internal/downloader"
	"github.com/italolelis/zim_downloader/internal/http/rest"
	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/notifier"
	"github.com/italolelis/zim_downloader/internal/placement"
	"github.com/italolelis/zim_downloader/internal/resumedata"
	"github.com/italolelis/zim_downloader/internal/storage/sqlite"
	"github.com/italolelis/zim_downloader/internal/telemetry"
	"github.com/italolelis/zim_downloader/internal/transfer"
	"github.com/italolelis/zim_downloader/internal/transfer/httpengine"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("zim downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
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

	repo := sqlite.NewInstrumentedRepository(database, tel)

	// =========================================================================
	// Start Transfer Engine
	if err := placement.EnsureDirectory(cfg.DownloadDir, false); err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}

	engine, err := httpengine.New(ctx, httpengine.Config{
		TempDir:     cfg.TempDir,
		MaxParallel: cfg.MaxParallel,
		UserAgent:   cfg.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to start transfer engine: %w", err)
	}
	defer engine.Close()

	session := transfer.NewSession(ctx,
		transfer.NewInstrumentedEngine(engine, tel, "http"),
		transfer.WithSampleInterval(cfg.ProgressSampleInterval),
	)

	// =========================================================================
	// Start Coordinator
	tokens := resumedata.New(cfg.ResumeDataDir)

	coordinator := downloader.NewCoordinator(
		repo,
		session,
		tokens,
		placement.NewPlacer(cfg.DownloadDir),
		downloader.WithTelemetry(tel),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	// =========================================================================
	// Start Notification
	notif := setupNotification(gctx, coordinator, cfg)

	// the completion runs on the engine's delegate goroutine, which must not
	// wait on the coordinator loop
	if err := coordinator.RestartIfBackgroundEventsPending(gctx, func() {
		go notifyAllFinished(gctx, coordinator, notif)
	}); err != nil {
		logger.Error("failed to reconcile downloads", "err", err)
	}

	// =========================================================================
	// Start Cleanup
	sweeper := &cleanup.Sweeper{
		States:    repo,
		Tokens:    tokens,
		Discarder: engine,
		Exclusive: coordinator.Exclusive,
		TempDir:   cfg.TempDir,
		KeepFor:   cfg.KeepPartialFor,
		Interval:  cfg.CleanupInterval,
	}

	g.Go(func() error {
		sweeper.Run(gctx)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, coordinator, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"temp_dir", cfg.TempDir,
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.KeepPartialFor.String(),
	)

	return g.Wait()
}

func setupNotification(ctx context.Context, coordinator *downloader.Coordinator, cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	notif := &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}

	events, unsubscribe := coordinator.Subscribe(64)

	go func() {
		defer unsubscribe()

		notifier.WatchDownloads(ctx, notif, events)
	}()

	return notif
}

func notifyAllFinished(ctx context.Context, coordinator *downloader.Coordinator, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	counts, err := coordinator.Counts(ctx)
	if err != nil {
		logger.Error("failed to count downloads", "err", err)

		return
	}

	logger.Info("background events delivered", "active", counts.Active(), "items", counts.Items)

	if notif == nil || counts.Items == 0 || counts.Active() > 0 {
		return
	}

	if err := notif.Notify(ctx, notifier.AllFinished(counts)); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, coordinator *downloader.Coordinator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.API.Username, cfg.API.Password, coordinator)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "zim-downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
