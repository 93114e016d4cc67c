package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/presencepulse/internal/adapter/httpserver"
	"github.com/pscheid92/presencepulse/internal/adapter/memory"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/adapter/postgres"
	"github.com/pscheid92/presencepulse/internal/adapter/redis"
	"github.com/pscheid92/presencepulse/internal/adapter/websocket"
	"github.com/pscheid92/presencepulse/internal/app"
	"github.com/pscheid92/presencepulse/internal/broadcast"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/platform/config"
	"github.com/pscheid92/presencepulse/internal/platform/logging"
	"github.com/pscheid92/presencepulse/internal/platform/version"
	"github.com/pscheid92/presencepulse/internal/scheduler"
	goredis "github.com/redis/go-redis/v9"
)

const (
	relayReadyTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// backend holds the stores chosen by REDIS_URL: shared Redis structures, or
// process-local maps for a single instance.
type backend struct {
	presence  domain.PresenceStore
	locations domain.LocationStore
	queue     domain.JobQueue
	publisher domain.EventPublisher
	leader    scheduler.Leader
	checks    []httpserver.HealthCheck
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDatabaseMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func redisBackend(ctx context.Context, cfg *config.Config, rdb *goredis.Client, clock clockwork.Clock, hub *broadcast.Hub, fanoutMetrics *metrics.FanoutMetrics) backend {
	relay := redis.NewRelay(rdb, cfg.InstanceID, hub, fanoutMetrics)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Fanout relay stopped", "error", err)
		}
	}()

	select {
	case <-relay.Ready():
	case <-time.After(relayReadyTimeout):
		slog.Warn("Fanout relay not subscribed yet, continuing", "timeout", relayReadyTimeout)
	}

	queue := redis.NewJobQueue(rdb)
	return backend{
		presence:  redis.NewPresenceStore(rdb, clock),
		locations: redis.NewLocationStore(rdb),
		queue:     queue,
		publisher: relay,
		leader:    redis.NewLeaderElector(rdb, cfg.InstanceID, 0),
		checks: []httpserver.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
	}
}

func memoryBackend(clock clockwork.Clock, hub *broadcast.Hub) backend {
	slog.Warn("REDIS_URL not set, running single-instance with in-memory stores")
	return backend{
		presence:  memory.NewPresenceStore(clock),
		locations: memory.NewLocationStore(),
		queue:     memory.NewJobQueue(clock),
		publisher: hub,
	}
}

func runGracefulShutdown(srv *httpserver.Server, sched *scheduler.Scheduler, hub *broadcast.Hub, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sched.Stop()
		hub.Stop()
		cancel()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat, cfg.InstanceID)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port, "multi_instance", cfg.MultiInstance())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	fanoutMetrics := metrics.NewFanoutMetrics(reg)

	hub := broadcast.NewHub(clock, fanoutMetrics, cfg.MaxWebSocketConnections)

	var be backend
	if cfg.MultiInstance() {
		rdb := setupRedis(ctx, cfg, reg)
		defer func() { _ = rdb.Close() }()
		be = redisBackend(ctx, cfg, rdb, clock, hub, fanoutMetrics)
	} else {
		be = memoryBackend(clock, hub)
	}

	emitter := broadcast.NewEmitter(be.publisher, clock, fanoutMetrics)

	retry := domain.RetryPolicy{MaxAttempts: cfg.JobMaxAttempts, Backoff: cfg.JobBackoff}
	sched := scheduler.New(be.queue, clock, metrics.NewSchedulerMetrics(reg), scheduler.Options{
		Consumer:     cfg.InstanceID,
		Workers:      cfg.SchedulerWorkers,
		PollInterval: cfg.SchedulerPollInterval,
		ReclaimIdle:  cfg.SchedulerReclaimIdle,
		DefaultRetry: retry,
		Leader:       be.leader,
	})

	presence := app.NewPresenceService(be.presence, emitter)
	reconciler := app.NewReconciler(be.presence, emitter, clock, cfg.PresenceStaleThreshold, metrics.NewPresenceMetrics(reg))
	proximity := app.NewProximityService(be.locations, be.presence, emitter, sched, clock, metrics.NewProximityMetrics(reg), app.ProximityOptions{
		RadiusKm:     cfg.NearbyRadiusKm,
		DefaultLimit: cfg.NearbyDefaultLimit,
	})

	jobs := app.Jobs{Reconciler: reconciler, Presence: presence, Proximity: proximity}
	checks := be.checks
	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg, reg)
		defer pool.Close()
		jobs.Sweeper = app.NewSubscriptionSweeper(postgres.NewSubscriptionRepo(pool), emitter, clock)
		checks = append(checks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		slog.Info("DATABASE_URL not set, subscription sweep disabled")
	}
	checks = append(checks, httpserver.HealthCheck{Name: "scheduler", Check: sched.Ready})

	if err := app.RegisterJobs(ctx, sched, jobs, app.JobsConfig{
		ReconcileInterval:     cfg.PresenceReconcileInterval,
		BroadcastInterval:     cfg.PresenceBroadcastInterval,
		NearbyRefreshInterval: cfg.NearbyRefreshInterval,
		SweepCron:             cfg.SubscriptionSweepCron,
		Retry:                 retry,
	}); err != nil {
		slog.Error("Failed to register jobs", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	wsHandler := websocket.NewHandler(hub, presence, emitter, websocket.Options{
		AppURL:         cfg.AppURL,
		Development:    cfg.AppEnv != "production",
		MaxConnections: cfg.MaxWebSocketConnections,
		ConnectRate:    cfg.WebSocketConnectRate,
	})

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Presence:         presence,
		Proximity:        proximity,
		WebsocketHandler: wsHandler,
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      metrics.NewHTTPMetrics(reg),
		HealthChecks:     checks,
		Clock:            clock,
	})

	done := runGracefulShutdown(srv, sched, hub, cancel)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
