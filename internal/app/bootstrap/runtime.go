// Package bootstrap wires configuration, storage and integrations into the
// runtimes used by the api, worker and ledgerctl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"affiliate-ledger-api/internal/cache"
	"affiliate-ledger-api/internal/clickhouse"
	"affiliate-ledger-api/internal/config"
	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/events"
	"affiliate-ledger-api/internal/features"
	"affiliate-ledger-api/internal/notify"
	"affiliate-ledger-api/internal/service"
	"affiliate-ledger-api/internal/shortcode"
	"affiliate-ledger-api/internal/tracing"
)

// Runtime holds the shared dependencies of every binary.
type Runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	flags   *features.Manager
	events  *events.Manager
	service *service.Service
	closers []func() error
}

// NewRuntime loads configuration and connects everything the service needs.
// Redis, Kafka and ClickHouse are optional: when unconfigured or unreachable
// the runtime falls back to an in-memory cache, log-only notifications and no
// warehouse sink.
func NewRuntime(configPath string) (*Runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", cfg.Tracing.ServiceName)
	slog.SetDefault(logger)

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: os.Getenv("APP_ENV"),
	}); err != nil {
		return nil, err
	}

	fallbackRate, err := cfg.FallbackRate()
	if err != nil {
		return nil, err
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rt := &Runtime{
		cfg:    cfg,
		logger: logger,
		db:     db,
		flags:  features.NewDefaultManager(),
	}
	rt.events = events.NewManager(rt.flags.IsEnabled(features.FeatureEventHooks))

	svc := service.NewService(db, service.Config{
		BaseURL:         cfg.Referral.BaseURL,
		QueryParam:      cfg.Referral.QueryParam,
		CodeAttempts:    cfg.Referral.CodeAttempts,
		LinkHistoryCap:  cfg.Referral.LinkHistoryCap,
		FallbackRate:    fallbackRate,
		DefaultCurrency: cfg.Referral.DefaultCurrency,
		AnalyticsTTL:    cfg.AnalyticsTTL(),
	},
		service.WithCodeGenerator(shortcode.NewRandomGenerator(cfg.Referral.CodeLength)),
		service.WithEvents(rt.events),
		service.WithCache(rt.newCache(), rt.flags),
		service.WithLogger(logger),
	)
	rt.service = svc

	notify.Subscribe(rt.events, rt.newNotifier())
	rt.attachLedgerSink()

	return rt, nil
}

func (rt *Runtime) newCache() cache.Cache {
	if rt.cfg.Cache.RedisAddr == "" {
		return cache.NewInMemoryCache()
	}
	rc, err := cache.NewRedisCache(rt.cfg.Cache.RedisAddr, rt.cfg.Cache.RedisPassword, rt.cfg.Cache.RedisDB)
	if err != nil {
		rt.logger.Warn("redis unavailable, using in-memory analytics cache", slog.Any("error", err))
		return cache.NewInMemoryCache()
	}
	rt.closers = append(rt.closers, rc.Close)
	return rc
}

func (rt *Runtime) newNotifier() notify.Notifier {
	brokers := rt.cfg.KafkaBrokers()
	if len(brokers) == 0 {
		return notify.LogNotifier{Logger: rt.logger}
	}
	kn, err := notify.NewKafkaNotifier(brokers, rt.cfg.Kafka.NotificationTopic)
	if err != nil {
		rt.logger.Warn("kafka notifier disabled", slog.Any("error", err))
		return notify.LogNotifier{Logger: rt.logger}
	}
	rt.closers = append(rt.closers, kn.Close)
	return kn
}

func (rt *Runtime) attachLedgerSink() {
	if rt.cfg.ClickHouse.Addr == "" {
		return
	}
	sink, err := clickhouse.NewSink(rt.cfg.ClickHouse)
	if err != nil {
		rt.logger.Warn("ledger sink disabled", slog.Any("error", err))
		return
	}
	if err := sink.EnsureSchema(context.Background()); err != nil {
		rt.logger.Warn("ledger sink disabled", slog.Any("error", err))
		sink.Close()
		return
	}
	rt.closers = append(rt.closers, sink.Close)
	clickhouse.Subscribe(rt.events, sink, rt.flags)
}

// Config returns the loaded configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Logger returns the process logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Service returns the ledger service.
func (rt *Runtime) Service() *service.Service { return rt.service }

// Close drains event handlers, then releases connections in reverse order.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.events.Shutdown()

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
