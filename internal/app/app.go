package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxrates/internal/alerting"
	"fxrates/internal/cache"
	"fxrates/internal/clock"
	"fxrates/internal/config"
	"fxrates/internal/fetcher"
	"fxrates/internal/metrics"
	"fxrates/internal/service"
	"fxrates/internal/storage"
	"fxrates/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	registry *prometheus.Registry
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		Config:   cfg,
		Logger:   logger.With().Str("component", "app").Logger(),
		Metrics:  metrics.New(reg),
		Clock:    clock.Real{},
		registry: reg,
	}
}

func (a *App) newProviders() ([]fetcher.Provider, error) {
	providers := make([]fetcher.Provider, 0, len(a.Config.Providers))
	for _, pc := range a.Config.Providers {
		adapter, err := fetcher.New(fetcher.Options{
			Name:         pc.Name,
			Kind:         pc.Kind,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey,
			Timeout:      pc.Timeout(),
			Priority:     pc.Priority,
			MonthlyQuota: pc.MonthlyQuota,
			NativeBase:   pc.NativeBase,
			DefaultBase:  a.Config.Currency.BaseCurrency,
			RPCURL:       pc.RPCURL,
			Feeds:        pc.Feeds,
			UserAgent:    "fxrates/" + version.Version,
		}, a.Clock, a.Logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, adapter)
	}
	return providers, nil
}

// newNotifier returns nil when no channel is enabled.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	cfg := a.Config.Alerts
	var (
		channels []alerting.Channel
		closers  []func()
	)
	if cfg.Telegram.Enabled {
		tg := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger)
		channels = append(channels, alerting.Channel{Name: "telegram", Notifier: tg})
	}
	if cfg.Kafka.Enabled {
		kn, err := alerting.NewKafkaNotifier(alerting.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, alerting.Channel{Name: "kafka", Notifier: kn})
		closers = append(closers, func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		})
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(channels) == 0 {
		return nil, closeAll, nil
	}
	return alerting.NewMulti(channels, a.Metrics, a.Logger), closeAll, nil
}

// openStore returns the Postgres store, or the in-memory store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (storeBackend, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; history is kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

type storeBackend interface {
	storage.SnapshotStore
	storage.AlertStore
	storage.AdvisoryLocker
	storage.Pinger
}

// Build wires the engine and returns a cleanup func releasing every resource it opened.
func (a *App) Build(ctx context.Context) (*service.Engine, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, closeStore)

	providers, err := a.newProviders()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeNotifier)

	deps := service.Dependencies{
		Providers: providers,
		Snapshots: store,
		Alerts:    store,
		Locker:    store,
		Pinger:    store,
		Notifier:  notifier,
		Clock:     a.Clock,
		Metrics:   a.Metrics,
	}
	if a.Config.Redis.Addr != "" {
		mirror := cache.NewRedisMirror(cache.MirrorOptions{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
			Key:      a.Config.Redis.Key,
		}, a.Logger)
		deps.Mirror = mirror
		cleanups = append(cleanups, func() { _ = mirror.Close() })
	}

	engine, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, engine.Close)
	return engine, cleanup, nil
}

// Run executes the long-running engine with an optional metrics listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	g, ctx := errgroup.WithContext(ctx)
	if a.Config.Metrics.Enabled {
		srv := &http.Server{
			Addr:              a.Config.Metrics.Listen,
			Handler:           a.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("metrics listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().Str("version", version.Version).Msg("starting rate engine")
	g.Go(func() error {
		return engine.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate engine stopped")
	return nil
}

func (a *App) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	Pair      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Pair string
	From *time.Time
	To   *time.Time
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit int
}
