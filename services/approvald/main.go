package approvald

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"quorumpay/native/approval"
	"quorumpay/observability"
	"quorumpay/observability/logging"
	telemetry "quorumpay/observability/otel"
	"quorumpay/storage/audit"
	"quorumpay/storage/sqlregistry"
)

// Main initialises and runs the approval daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/approvald/config.yaml", "path to approvald configuration (YAML or TOML)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithOptions("approvald", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "approvald",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("approvald listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return app.Shutdown(shutdownCtx)
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// App bundles the wired components of the daemon.
type App struct {
	Coordinator *approval.Coordinator
	Server      *Server
	Audit       *audit.Store

	logger   *slog.Logger
	notifier *MailNotifier
	closers  []io.Closer
}

// NewApp wires the registry, ledger client, notifier, audit store, coordinator
// and HTTP server described by cfg. Notification workers run until ctx ends
// or Shutdown is called.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{logger: logger}
	logger.Info("approvald configured",
		"registry", cfg.Registry.Driver,
		"ledger", cfg.Ledger.URL,
		logging.MaskField("auth_token", cfg.Ledger.AuthToken),
		"notify_endpoint", cfg.Notify.Endpoint,
		logging.MaskField("api_key", cfg.Notify.APIKey),
		logging.MaskField("dsn", cfg.Audit.DSN))

	registry, err := app.openRegistry(cfg.Registry)
	if err != nil {
		app.Close()
		return nil, err
	}

	emitters := approval.MultiEmitter{newMetricsEmitter()}
	var idempotency IdempotencyStore
	if cfg.Audit.DSN != "" {
		store, err := audit.Open(cfg.Audit.DSN, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		app.Audit = store
		app.closers = append(app.closers, store)
		emitters = append(emitters, store)
		idempotency = store
	}

	var notifier approval.Notifier = NewLogNotifier(logger)
	if cfg.Notify.Endpoint != "" {
		mail, err := NewMailNotifier(cfg.Notify, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init notifier: %w", err)
		}
		mail.Start(ctx)
		app.notifier = mail
		notifier = mail
	}

	ledger := NewLedgerClient(cfg.Ledger.URL, cfg.Ledger.AuthToken, cfg.Ledger.Timeout.Duration)
	coordinator, err := approval.NewCoordinator(registry, ledger,
		approval.WithNotifier(notifier),
		approval.WithEmitter(emitters),
		approval.WithLogger(logger),
		approval.WithLinkBuilder(ApprovalLinks(cfg.PublicURL)),
		approval.WithDefaultDelay(cfg.Order.DefaultDelay.Duration),
		approval.WithMaxDelay(cfg.Order.MaxDelay.Duration),
		approval.WithRetention(cfg.Order.Retention.Duration),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init coordinator: %w", err)
	}
	app.Coordinator = coordinator

	if cfg.Registry.Driver == RegistrySQLite {
		abandoned, err := coordinator.AbandonStale(ctx)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("reconcile registry: %w", err)
		}
		if abandoned > 0 {
			logger.Warn("orders from a previous run need manual settlement", "count", abandoned)
		}
		pending, err := registry.List(ctx, approval.Filter{State: approval.StatePending})
		if err == nil {
			observability.Approvals().SetPending(len(pending))
		}
	}

	server, err := NewServer(ServerConfig{
		Coordinator: coordinator,
		Idempotency: idempotency,
		Logger:      logger,
		RateLimits:  cfg.RateLimits,
		LogRequests: true,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Server = server
	return app, nil
}

func (a *App) openRegistry(cfg RegistryConfig) (approval.Registry, error) {
	switch cfg.Driver {
	case RegistrySQLite:
		dsn, err := sqlregistry.FileDSN(cfg.Path)
		if err != nil {
			return nil, err
		}
		store, err := sqlregistry.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		a.closers = append(a.closers, store)
		return store, nil
	default:
		return approval.NewMemoryRegistry(), nil
	}
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Shutdown stops the deadline scheduler, waiting for in-flight finalizations,
// then stops the notifier. Queued notifications are discarded and counted in
// the log. Orders still pending are left in the registry.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Coordinator != nil {
		err = a.Coordinator.Scheduler().Stop(ctx)
	}
	if a.notifier != nil {
		a.notifier.Stop()
		if pending := a.notifier.Pending(); pending > 0 {
			a.logger.Warn("approval notifications discarded at shutdown", "count", pending)
		}
	}
	return err
}

// Close stops the notifier and releases storage handles.
func (a *App) Close() {
	if a.notifier != nil {
		a.notifier.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
