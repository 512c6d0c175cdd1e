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

	"github.com/italolelis/offline_sync/internal/cleanup"
	"github.com/italolelis/offline_sync/internal/config"
	"github.com/italolelis/offline_sync/internal/connectivity"
	"github.com/italolelis/offline_sync/internal/coordinator"
	"github.com/italolelis/offline_sync/internal/events"
	"github.com/italolelis/offline_sync/internal/http/rest"
	"github.com/italolelis/offline_sync/internal/logctx"
	"github.com/italolelis/offline_sync/internal/notifier"
	"github.com/italolelis/offline_sync/internal/retryqueue"
	"github.com/italolelis/offline_sync/internal/storage/sqlite"
	"github.com/italolelis/offline_sync/internal/telemetry"
	"github.com/italolelis/offline_sync/internal/worker/socket"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline sync starting...", "log_level", cfg.LogLevel, "version", version)

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
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Retry Queue
	queue, closeQueue, err := setupRetryQueue(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer closeQueue()

	// =========================================================================
	// Start Coordinator
	bus := events.NewBus(tel)
	monitor := connectivity.NewMonitor(cfg.ConnectivityProbeURL, cfg.ConnectivityInterval)

	coord := coordinator.New(bus,
		coordinator.WithReadyTimeout(cfg.WorkerReadyTimeout),
		coordinator.WithCommandTimeout(cfg.WorkerCommandTimeout),
		coordinator.WithRetryQueue(queue),
		coordinator.WithConnectivity(monitor.Online),
		coordinator.WithRetryParallel(cfg.RetryParallel),
		coordinator.WithTelemetry(tel),
	)
	defer coord.Close()

	locator := socket.NewLocator(cfg.WorkerSocket, cfg.WorkerDialTimeout)

	if err := coord.Initialize(ctx, locator); err != nil {
		if !errors.Is(err, coordinator.ErrTransportUnavailable) {
			return fmt.Errorf("failed to initialize coordinator: %w", err)
		}

		logger.Warn("no worker configured, downloads are disabled", "err", err)
	}

	// Off the probe goroutine, which keeps probing meanwhile.
	monitor.OnReconnect(func(ctx context.Context) {
		go func() {
			if err := coord.Initialize(ctx, locator); err != nil {
				logger.ErrorContext(ctx, "failed to reconnect worker", "err", err)

				return
			}

			coord.StartRetryPending(ctx)
		}()
	})

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		unsubscribe := notifier.Attach(ctx, bus, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
		defer unsubscribe()
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, coord, queue, bus, tel, cfg)

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
		return monitor.Run(ctx)
	})

	if queue.Supported() {
		g.Go(func() error {
			return cleanup.Run(ctx, queue, cfg.QueueSweepInterval)
		})
	}

	// Queued downloads have no time bound; the pass runs in the background.
	coord.StartRetryPending(ctx)

	return g.Wait()
}

// setupRetryQueue opens the queue database. With background retry disabled
// the queue has no store and every enqueue is refused.
func setupRetryQueue(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*retryqueue.Queue, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	if !cfg.BackgroundRetryEnabled {
		logger.Info("background retry disabled")

		return retryqueue.New(nil), func() {}, nil
	}

	database, err := sqlite.InitDB(cfg.QueueDBPath, cfg.QueueMaxPages)
	if err != nil {
		logger.Error("DB error", "err", err)

		return nil, nil, err
	}

	queue := retryqueue.New(
		sqlite.NewInstrumentedKVRepository(database, tel),
		retryqueue.WithTTL(cfg.QueueTTL),
		retryqueue.WithTelemetry(tel),
	)

	return queue, func() { database.Close() }, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	coord *coordinator.Coordinator,
	queue *retryqueue.Queue,
	bus *events.Bus,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewOfflineHandler(coord, queue, bus, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "offline_sync"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
