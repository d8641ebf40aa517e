package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/monitor"
	"qms/dispatch-service/internal/notify"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dispatch-service"

func main() {
	cfg := config.Load()
	if err := applyFlags(os.Args[1:], &cfg); err != nil {
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	shutdownTelemetry := telemetry.Setup(serviceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatch-service stopped", "err", err)
		os.Exit(1)
	}
}

// applyFlags lets --roster, --port and --log-level override the environment.
func applyFlags(args []string, cfg *config.Config) error {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flags.StringVar(&cfg.RosterFile, "roster", cfg.RosterFile, "TOML file with service groups and counters")
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return flags.Parse(args)
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	roster, err := config.LoadRoster(cfg.RosterFile)
	if err != nil {
		return err
	}
	groups, counters := roster.Groups(), roster.CounterList()

	var sinks store.MultiSink
	var journal *postgres.Journal
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		journal = postgres.NewJournal(pool)
		sinks = append(sinks, journal)

		groups, counters, err = syncRoster(ctx, journal, groups, counters, logger)
		if err != nil {
			return err
		}
	}

	if cfg.RedisURL != "" {
		client, err := notify.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, notify.NewPublisher(client, notify.Options{
			Channel: cfg.RedisChannel,
			Stream:  cfg.RedisStream,
		}))
	}

	estimator := monitor.NewEstimator(monitor.EstimatorOptions{
		Window:            cfg.EstimatorWindow,
		MaxAge:            cfg.EstimatorMaxAge,
		DefaultDuration:   cfg.DefaultServiceDuration,
		CriticalThreshold: cfg.CriticalWait,
		BusyMultiplier:    cfg.BusyMultiplier,
	})
	if journal != nil {
		if err := journal.SeedEstimator(ctx, estimator, groups); err != nil {
			logger.Warn("seed estimator", "err", err)
		}
	}

	realtime := hub.New(logger)
	var aggregator *monitor.Aggregator
	pump := hub.NewPump(realtime, hub.SnapshotFunc(func(ctx context.Context) (models.QueueMonitoringData, error) {
		return aggregator.Snapshot(ctx)
	}), cfg.SnapshotPushInterval, logger)
	sinks = append(sinks, pump)

	tickets := store.NewTicketStore()
	registry := store.NewCounterRegistry()
	engine := dispatch.New(tickets, registry, dispatch.Options{
		SkipRetryLimit: cfg.SkipRetryLimit,
		Recorder:       estimator,
		Sink:           sinks,
		Logger:         logger,
	})
	aggregator = monitor.NewAggregator(tickets, registry, estimator, engine.SnapshotLock(), monitor.AggregatorOptions{
		MaxAge: cfg.SnapshotMaxAge,
		Logger: logger,
	})

	for _, group := range groups {
		if err := engine.RegisterGroup(ctx, group); err != nil {
			return err
		}
	}
	for _, counter := range counters {
		if err := engine.RegisterCounter(ctx, counter); err != nil {
			return err
		}
	}
	if len(groups) == 0 {
		logger.Warn("no service groups configured", "roster", cfg.RosterFile)
	}

	options := httpapi.Options{Tickets: tickets}
	if journal != nil {
		options.Journal = journal
	}
	handler := httpapi.NewHandler(engine, aggregator, options)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		CounterPerMinute: cfg.CounterRateLimitPerMinute,
		CounterBurst:     cfg.CounterRateLimitBurst,
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", pump.Handler("/realtime"))

	requestLogger := logging.Component(logger, "http")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(requestLogger, limiter.Middleware(httpapi.CounterIdentityMiddleware(mux))), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch-service listening", "addr", server.Addr, "groups", len(groups), "counters", len(counters))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pump.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// syncRoster persists a file roster, or falls back to the stored one when no
// file was given.
func syncRoster(ctx context.Context, journal *postgres.Journal, groups []models.ServiceGroup, counters []models.Counter, logger *log.Logger) ([]models.ServiceGroup, []models.Counter, error) {
	if len(groups) > 0 {
		if err := journal.SaveRoster(ctx, groups, counters); err != nil {
			return nil, nil, err
		}
		return groups, counters, nil
	}
	stored, storedCounters, err := journal.LoadRoster(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("roster loaded from database", "groups", len(stored), "counters", len(storedCounters))
	return stored, storedCounters, nil
}
