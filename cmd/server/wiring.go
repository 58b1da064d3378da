package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dimona/internal/declaration/anomaly"
	"dimona/internal/declaration/events"
	"dimona/internal/declaration/handler"
	"dimona/internal/declaration/reconcile"
	"dimona/internal/declaration/service"
	"dimona/internal/declaration/store"
	declarationstore "dimona/internal/declaration/store/declaration"
	periodstore "dimona/internal/declaration/store/period"
	"dimona/internal/declaration/verdict"
	"dimona/internal/platform/config"
	"dimona/internal/platform/kafka"
	"dimona/internal/platform/metrics"
	"dimona/internal/platform/postgres"
	"dimona/internal/platform/queue"
	platformredis "dimona/internal/platform/redis"
	"dimona/internal/registry"
	"dimona/internal/registry/tokencache"
	"dimona/pkg/platform/httputil"
	"dimona/pkg/platform/keylock"
)

// periodStore is what both the orchestrator and the reconciler need.
type periodStore interface {
	service.PeriodStore
	reconcile.PeriodStore
}

type taskRunner interface {
	Run(ctx context.Context, handler queue.Handler) error
	Submit(ctx context.Context, task queue.Task, delay time.Duration) error
}

type application struct {
	service *service.Service
	runner  taskRunner
	router  http.Handler
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		if cfg.Database.MigrateOnStart {
			applied, err := postgres.Migrate(ctx, db)
			if err != nil {
				return fail(err)
			}
			log.Info("database migrated", "applied", applied)
		}
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(err)
	}
	if redisClient != nil {
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
	}

	var periods periodStore
	var declarations service.DeclarationStore
	var tx service.TxRunner
	if db != nil {
		periods = periodstore.NewPostgres(db)
		declarations = declarationstore.NewPostgres(db)
		tx = postgres.NewTxRunner(db)
	} else {
		log.Warn("no database configured; using in-memory stores")
		periods = periodstore.NewInMemory()
		declarations = declarationstore.NewInMemory()
		tx = store.NewMemoryTx()
	}

	publisher, err := buildPublisher(ctx, cfg, log, app)
	if err != nil {
		return fail(err)
	}

	registryClient, err := buildRegistry(cfg, log, redisClient)
	if err != nil {
		return fail(err)
	}

	runner, err := buildQueue(cfg, log, redisClient)
	if err != nil {
		return fail(err)
	}
	app.runner = runner

	results, err := verdict.LoadTable(cfg.Engine.ResultCodesPath)
	if err != nil {
		return fail(err)
	}
	codes, err := anomaly.LoadTable(cfg.Engine.AnomalyCodesPath)
	if err != nil {
		return fail(err)
	}

	periodLocks := keylock.New(keylock.DefaultShards)
	app.service, err = service.New(periods, declarations, registryClient, runner, tx,
		service.WithLogger(log),
		service.WithMetrics(service.NewMetrics()),
		service.WithConfig(service.ConfigFromSettings(cfg.Engine)),
		service.WithEventPublisher(publisher),
		service.WithVerdictTable(results),
		service.WithClassifier(anomaly.NewClassifier(codes)),
		service.WithOwnerLocks(keylock.New(keylock.DefaultShards)),
		service.WithPeriodLocks(periodLocks),
	)
	if err != nil {
		return fail(err)
	}

	reconciler, err := reconcile.New(periods, periodLocks,
		reconcile.WithLogger(log),
		reconcile.WithEventPublisher(publisher),
	)
	if err != nil {
		return fail(err)
	}

	router := chi.NewRouter()
	router.Use(metrics.New().Middleware)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthz(db, redisClient))
	handler.New(app.service, app.service, reconciler, log).Register(router)
	app.router = router

	return app, nil
}

func buildPublisher(ctx context.Context, cfg *config.Config, log *slog.Logger, app *application) (service.EventPublisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("no kafka brokers configured; declaration events are logged")
		return events.NewLogPublisher(log), nil
	}
	producer, err := kafka.NewProducer(ctx, cfg.Kafka, kafka.WithLogger(log))
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, producer.Close)
	return events.NewStreamPublisher(producer,
		events.WithLogger(log),
		events.WithMetrics(events.NewMetrics()),
	)
}

func buildRegistry(cfg *config.Config, log *slog.Logger, redisClient *platformredis.Client) (*registry.Client, error) {
	registryCfg, err := registry.ConfigFromSettings(cfg.Registry)
	if err != nil {
		return nil, err
	}
	opts := []registry.Option{
		registry.WithLogger(log),
		registry.WithMetrics(registry.NewMetrics()),
	}
	if cfg.Registry.SharedTokenCache {
		if redisClient == nil {
			return nil, fmt.Errorf("shared token cache needs redis")
		}
		opts = append(opts, registry.WithTokenCache(tokencache.NewRedis(redisClient.Client)))
	}
	return registry.New(registryCfg, opts...)
}

func buildQueue(cfg *config.Config, log *slog.Logger, redisClient *platformredis.Client) (taskRunner, error) {
	opts := []queue.Option{
		queue.WithWorkers(cfg.Engine.Workers),
		queue.WithLogger(log),
		queue.WithMetrics(queue.NewMetrics()),
	}
	switch cfg.Engine.QueueBackend {
	case config.QueueBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis queue backend needs redis")
		}
		return queue.NewRedis(redisClient.Client, cfg.Engine.QueueKey, opts...)
	default:
		return queue.NewMemory(opts...), nil
	}
}

func healthz(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				status["status"], status["database"] = "degraded", err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(ctx); err != nil {
				status["status"], status["redis"] = "degraded", err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, code, status)
	}
}
