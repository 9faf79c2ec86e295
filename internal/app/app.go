package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"authme/internal/config"
	"authme/internal/infrastructure"
	"authme/internal/license"
	transport "authme/internal/transport/http"
)

// closeTimeout bounds telemetry flushing on Close.
const closeTimeout = 5 * time.Second

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	License       *license.Client
	Router        http.Handler
	Server        *transport.Server

	closeOnce sync.Once
	closeErr  error
}

// NewApplication initializes every component from cfg. Extra license
// options are applied after the defaults, so callers may replace the
// signal source or HTTP client.
func NewApplication(cfg *config.Config, opts ...license.Option) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", config.ErrInvalidConfig)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("listen_addr", cfg.Server.ListenAddr))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	clientOpts := append([]license.Option{
		license.WithLogger(logger),
		license.WithTracer(providers.Tracer),
		license.WithMeter(providers.Meter),
	}, opts...)
	client, err := license.NewClient(cfg.Client, clientOpts...)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize license client: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		License:       client,
	}
	a.Router = transport.NewRouter(transport.RouterDeps{
		License: client,
		Logger:  logger,
		Metrics: providers.PrometheusHTTP,
	})
	a.Server = transport.NewServer(cfg.Server, a.Router, logger)
	return a, nil
}

// Run serves until ctx is done or an interrupt signal arrives, then closes
// the application.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("hardware_id", a.License.Fingerprint()),
		slog.String("hwid_method", a.License.Method().String()))

	err := a.Server.Run(ctx)
	return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
}

// Serve is Run on an existing listener, without signal handling.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	err := a.Server.Serve(ctx, ln)
	return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
}

// Close releases the license client, flushes telemetry and closes the log
// file. It is safe to call more than once.
func (a *Application) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *Application) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	var errs []error
	if a.License != nil {
		if err := a.License.Close(); err != nil {
			errs = append(errs, fmt.Errorf("license client close: %w", err))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.Logger.InfoContext(ctx, "Application shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("log file close: %w", err))
	}
	return errors.Join(errs...)
}
