// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/gatekeep/adapters/clock"
	gatehttp "github.com/meridiancrm/gatekeep/adapters/http"
	"github.com/meridiancrm/gatekeep/adapters/idgen"
	"github.com/meridiancrm/gatekeep/adapters/memory"
	"github.com/meridiancrm/gatekeep/adapters/metrics"
	"github.com/meridiancrm/gatekeep/adapters/redis"
	"github.com/meridiancrm/gatekeep/adapters/sqlite"
	"github.com/meridiancrm/gatekeep/app"
	"github.com/meridiancrm/gatekeep/config"
	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/pkg/retry"
	"github.com/meridiancrm/gatekeep/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Holder     *config.Holder // nil when config came from env only
	DB         *sqlite.DB     // nil for the memory driver
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Service    *app.AdmissionService

	// Adapters (for cleanup)
	usageRecorder ports.UsageRecorder
	redisCounters *redis.CounterStore
	upstream      *gatehttp.UpstreamClient
}

// New creates and initializes the application. When a config file
// exists at path it is loaded with hot reload support; otherwise
// configuration comes from GATEKEEP_* environment variables.
func New(path string) (*App, error) {
	var cfg *config.Config
	var holder *config.Holder

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"})
			h, err := config.NewHolder(path, logger)
			if err != nil {
				return nil, err
			}
			holder = h
			cfg = h.Get()
		}
	}
	if cfg == nil {
		c, err := config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing gatekeep")

	a := &App{
		Logger: logger,
		Config: cfg,
		Holder: holder,
	}

	if err := a.initStores(); err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}
	if err := a.initHTTPServer(); err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}

	return a, nil
}

func (a *App) initStores() error {
	cfg := a.Config

	// Metrics collector is always created; the endpoint is mounted
	// only when enabled.
	a.Metrics = metrics.New()

	var usageStore ports.UsageStore
	var alertStore ports.AlertStore
	var creditStore ports.CreditStore
	var counterStore ports.CounterStore

	switch cfg.Database.Driver {
	case "memory":
		usageStore = memory.NewUsageStore()
		alertStore = memory.NewAlertStore()
		creditStore = memory.NewCreditStore()
	default:
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.DB = db
		a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")

		usageStore = sqlite.NewUsageStore(db)
		alertStore = sqlite.NewAlertStore(db)
		creditStore = sqlite.NewCreditStore(db)
	}

	switch cfg.Counters.Backend {
	case "sqlite":
		counterStore = sqlite.NewCounterStore(a.DB)
	case "redis":
		rc, err := redis.NewCounterStore(context.Background(), redis.Options{
			Addr:      cfg.Counters.RedisAddr,
			Password:  cfg.Counters.RedisPass,
			DB:        cfg.Counters.RedisDB,
			KeyPrefix: cfg.Counters.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("redis counters: %w", err)
		}
		a.redisCounters = rc
		counterStore = rc
		a.Logger.Info().Str("addr", cfg.Counters.RedisAddr).Msg("redis counters enabled")
	default:
		// "records": windows count the usage records table directly.
		counterStore = nil
	}

	recorder := NewLocalUsageRecorder(usageStore, a.Logger, a.Metrics, cfg.Usage.BatchSize, cfg.Usage.FlushInterval)
	a.usageRecorder = recorder

	a.Service = app.NewAdmissionService(app.AdmissionDeps{
		UsageStore: usageStore,
		Counters:   counterStore,
		Alerts:     alertStore,
		Credits:    creditStore,
		Recorder:   recorder,
		Clock:      clock.Real{},
		IDGen:      idgen.UUID{},
		Logger:     a.Logger,
		Metrics:    a.Metrics,
	}, DynamicFromConfig(cfg))

	return nil
}

// DynamicFromConfig maps file/env configuration to the service's
// hot-reloadable config.
func DynamicFromConfig(cfg *config.Config) *app.DynamicConfig {
	windows := make([]admission.Window, 0, len(cfg.Admission.Windows))
	for _, w := range cfg.Admission.Windows {
		windows = append(windows, admission.Window{
			Period: admission.Period(w.Period),
			Limit:  w.Limit,
		})
	}

	return &app.DynamicConfig{
		AdmissionEnabled: cfg.Admission.Enabled,
		Windows:          windows,
		BypassRoles:      cfg.Admission.BypassRoles,
		CreditsEnabled:   cfg.Credits.Enabled,
		Credit: credit.Config{
			MinimumRequired:   cfg.Credits.MinimumRequired,
			FallbackThreshold: cfg.Credits.FallbackThreshold,
			EmergencyBypass:   cfg.Credits.EmergencyBypass,
			DefaultCost:       cfg.Credits.DefaultCost,
			Costs:             cfg.Credits.Costs,
		},
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
		},
	}
}

func (a *App) initHTTPServer() error {
	cfg := a.Config

	if cfg.Upstream.URL != "" {
		upstream, err := gatehttp.NewUpstreamClient(gatehttp.UpstreamConfig{
			BaseURL:         cfg.Upstream.URL,
			Timeout:         cfg.Upstream.Timeout,
			MaxIdleConns:    cfg.Upstream.MaxIdleConns,
			IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
		})
		if err != nil {
			return fmt.Errorf("build upstream: %w", err)
		}
		a.upstream = upstream
		a.Logger.Info().Str("url", cfg.Upstream.URL).Msg("forwarding admitted requests to upstream")
	} else {
		a.Logger.Info().Msg("no upstream configured, running gate-only")
	}

	var upstreamIface gatehttp.Upstream
	if a.upstream != nil {
		upstreamIface = a.upstream
	}
	gate := gatehttp.NewGateHandler(a.Service, upstreamIface, a.Logger, a.Metrics)

	healthDeps := map[string]gatehttp.HealthChecker{}
	if a.DB != nil {
		healthDeps["database"] = dbChecker{a.DB}
	}
	if a.upstream != nil {
		healthDeps["upstream"] = a.upstream
	}
	health := gatehttp.NewHealthHandler(healthDeps)

	routerCfg := gatehttp.RouterConfig{}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	router := gatehttp.NewRouter(gate, health, a.Logger, routerCfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", addr).Msg("http server configured")
	return nil
}

// Router exposes the configured router, mainly for tests.
func (a *App) Router() chi.Router {
	return a.HTTPServer.Handler.(chi.Router)
}

// EnableHotReload starts watching the config file and SIGHUP. New
// configuration is pushed into the admission service atomically.
func (a *App) EnableHotReload() error {
	if a.Holder == nil {
		a.Logger.Info().Msg("env-only configuration, hot reload disabled")
		return nil
	}

	a.Holder.OnChange(func(cfg *config.Config) {
		a.Service.UpdateConfig(DynamicFromConfig(cfg))
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	})

	if err := a.Holder.WatchFile(); err != nil {
		return err
	}
	a.Holder.WatchSignals()
	return nil
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Flush usage recorder before closing stores
	if a.usageRecorder != nil {
		if err := a.usageRecorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	if a.redisCounters != nil {
		if err := a.redisCounters.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// dbChecker adapts the SQLite handle to the readiness probe.
type dbChecker struct {
	db *sqlite.DB
}

func (c dbChecker) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
