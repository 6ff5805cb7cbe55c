package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-dispatch/internal/config"
	"github.com/example/rider-dispatch/internal/dispatch"
	"github.com/example/rider-dispatch/internal/eta"
	"github.com/example/rider-dispatch/internal/events"
	"github.com/example/rider-dispatch/internal/geo"
	httpapi "github.com/example/rider-dispatch/internal/http"
	"github.com/example/rider-dispatch/internal/ingest"
	"github.com/example/rider-dispatch/internal/jobs"
	"github.com/example/rider-dispatch/internal/matcher"
	"github.com/example/rider-dispatch/internal/orders"
	"github.com/example/rider-dispatch/internal/payments"
	"github.com/example/rider-dispatch/internal/registry"
	"github.com/example/rider-dispatch/internal/storage"
)

// app is the process-wide state: created once at startup, closed on shutdown.
type app struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	riders   *registry.Registry
	store    storage.OrderStore
	matcher  *matcher.Service
	orders   *orders.Machine
	sessions *dispatch.WSRegistry

	consumer *ingest.Consumer
	job      *jobs.RedispatchJob
	http     *http.Server

	closers []func() error
}

func newApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	index, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	if a.store, err = a.openStore(ctx); err != nil {
		return err
	}
	a.riders = registry.New(index, logger)
	held, err := orders.ActiveRiders(ctx, a.store)
	if err != nil {
		return err
	}
	a.riders.Hold(ctx, held...)
	if len(held) > 0 {
		logger.Info("holding riders of active orders", "count", len(held))
	}
	a.sessions = dispatch.NewWSRegistry(logger)

	pub, err := a.openEvents()
	if err != nil {
		return err
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	a.matcher = &matcher.Service{
		Geo:               index,
		Riders:            a.riders,
		Store:             a.store,
		Events:            pub,
		ETA:               estimator,
		TopN:              cfg.MatcherTopN,
		MaxDistanceMeters: cfg.MaxDistanceMeters,
		Logger:            logger.With("component", "matcher"),
	}
	a.orders = orders.NewMachine(a.store, a.riders, pub, logger)

	var positions httpapi.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewPositionProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic)
		a.closers = append(a.closers, producer.Close)
		positions = producer
		a.consumer = ingest.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic, cfg.KafkaGroup, a.riders, logger)
		a.closers = append(a.closers, a.consumer.Close)
	}

	var gateway payments.Gateway = payments.Disabled{}
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	if cfg.RedispatchSchedule != "" {
		a.job = jobs.NewRedispatchJob(a.matcher, cfg.RedispatchSchedule, cfg.RedispatchBatchSize, logger)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Riders:     a.riders,
		Dispatcher: a.matcher,
		Orders:     a.orders,
		Payments:   gateway,
		Positions:  positions,
		Sessions:   a.sessions,
		JWTSecret:  cfg.JWTSecret,
		Logger:     logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, API authentication is disabled")
	}
	a.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return nil
}

func (a *app) openIndex(ctx context.Context) (geo.Index, error) {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("using in-process grid index", "cell_degrees", a.cfg.GeoCellDegrees)
		return geo.NewGridIndex(a.cfg.GeoCellDegrees), nil
	}
	rc := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword})
	a.closers = append(a.closers, rc.Close)
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
	}
	// the registry starts empty, so members left over from a previous run are stale
	if err := rc.Del(ctx, a.cfg.RedisGeoKey).Err(); err != nil {
		return nil, fmt.Errorf("reset %s: %w", a.cfg.RedisGeoKey, err)
	}
	a.logger.Info("using redis geo index", "addr", a.cfg.RedisAddr, "key", a.cfg.RedisGeoKey)
	return geo.NewRedisIndex(rc, a.cfg.RedisGeoKey), nil
}

func (a *app) openStore(ctx context.Context) (storage.OrderStore, error) {
	var (
		st  *storage.SQLStore
		err error
	)
	switch {
	case a.cfg.PGDSN != "":
		st, err = storage.NewPostgresStore(ctx, a.cfg.PGDSN)
	case a.cfg.SQLitePath != "":
		st, err = storage.NewSQLiteStore(ctx, a.cfg.SQLitePath)
	default:
		a.logger.Warn("no PG_DSN or SQLITE_PATH, orders are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}
	a.closers = append(a.closers, st.Close)
	if a.cfg.RunMigrations {
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("order store migrated")
	}
	return st, nil
}

func (a *app) openEvents() (events.Publisher, error) {
	fan := events.NewFanout(a.logger).Add("ws", a.sessions)
	if len(a.cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaEventsTopic)
		a.closers = append(a.closers, kp.Close)
		fan.Add("kafka", kp)
	}
	if a.cfg.AMQPURL != "" {
		ap, err := events.DialAMQP(a.cfg.AMQPURL, a.cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ap.Close)
		fan.Add("amqp", ap)
	}
	if a.cfg.NotifyWebhookURL != "" {
		fan.Add("webhook", dispatch.NewWebhookNotifier(a.cfg.NotifyWebhookURL, a.cfg.NotifyWebhookKey))
	}
	a.logger.Info("event sinks configured", "sinks", fan.Len())
	return fan, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.consumer.Run(ctx)
		}()
	}
	if a.job != nil {
		if err := a.job.Start(); err != nil {
			return fmt.Errorf("start redispatch job: %w", err)
		}
		defer a.job.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("rider-dispatch listening", "addr", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer stop()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	a.logger.Info("rider-dispatch stopped")
	return runErr
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
