package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/milvaion/scheduler/internal/breaker"
	"github.com/milvaion/scheduler/internal/bus"
	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/coordination/cancellationbus"
	"github.com/milvaion/scheduler/internal/coordination/jobcache"
	"github.com/milvaion/scheduler/internal/coordination/lockmanager"
	"github.com/milvaion/scheduler/internal/coordination/runningset"
	"github.com/milvaion/scheduler/internal/coordination/scheduleindex"
	"github.com/milvaion/scheduler/internal/coordination/workerregistry"
	"github.com/milvaion/scheduler/internal/cronengine"
	"github.com/milvaion/scheduler/internal/db"
	"github.com/milvaion/scheduler/internal/dispatcher"
	"github.com/milvaion/scheduler/internal/failedhandler"
	"github.com/milvaion/scheduler/internal/healthserver"
	"github.com/milvaion/scheduler/internal/logcollector"
	"github.com/milvaion/scheduler/internal/observability"
	"github.com/milvaion/scheduler/internal/outbox"
	"github.com/milvaion/scheduler/internal/queue/redisclient"
	"github.com/milvaion/scheduler/internal/repo/postgres"
	"github.com/milvaion/scheduler/internal/statustracker"
	"github.com/milvaion/scheduler/internal/zombie"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "milvaion-scheduler", "localhost:4317")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		slog.Default().ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redis.Close()

	conn, err := bus.Connect(bus.Config{URL: cfg.AMQPURL})
	if err != nil {
		slog.Default().ErrorContext(ctx, "bus connect failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		StatsResetEvery:  cfg.Breaker.StatsResetEvery,
	})

	index := scheduleindex.New(redis.Raw(), br, cfg.KeyPrefix)
	cache := jobcache.New(redis.Raw(), br, cfg.KeyPrefix, cfg.Cache.DefaultTTL)
	locks := lockmanager.New(redis.Raw(), br, cfg.KeyPrefix)
	running := runningset.New(redis.Raw(), br, cfg.KeyPrefix)
	cancelBus := cancellationbus.New(redis.Raw(), cfg.KeyPrefix)
	registry := workerregistry.New(redis.Raw(), br, cfg.KeyPrefix)
	cron := cronengine.New()

	jobsRepo := postgres.NewJobsRepo(pool, prom)
	occRepo := postgres.NewOccurrencesRepo(pool, prom)
	failedRepo := postgres.NewFailedOccurrencesRepo(pool, prom)

	pub, err := bus.NewPublisher(conn)
	if err != nil {
		slog.Default().ErrorContext(ctx, "bus publisher init failed", "err", err)
		os.Exit(1)
	}
	defer pub.Close()

	bridge := outbox.New(occRepo, jobsRepo, pub, prom)

	host, _ := os.Hostname()
	nodeID := host + "-" + strconv.Itoa(os.Getpid())

	dsp := dispatcher.New(nodeID, cfg.Dispatcher, index, cache, locks, running, registry, cron, jobsRepo, bridge, prom, cfg.Outbox)

	statusConsumer, err := bus.NewConsumer(conn, bus.StatusQueue, cfg.StatusTracker.BatchSize)
	if err != nil {
		slog.Default().ErrorContext(ctx, "status consumer init failed", "err", err)
		os.Exit(1)
	}
	defer statusConsumer.Close()
	tracker := statustracker.New(statusConsumer, occRepo, jobsRepo, running, registry, index, prom, cfg.StatusTracker)

	logsConsumer, err := bus.NewConsumer(conn, bus.LogsQueue, cfg.LogCollector.BatchSize)
	if err != nil {
		slog.Default().ErrorContext(ctx, "logs consumer init failed", "err", err)
		os.Exit(1)
	}
	defer logsConsumer.Close()
	collector := logcollector.New(logsConsumer, occRepo, cfg.LogCollector, cfg.StatusTracker.ExecutionLogMaxCount)

	zd := zombie.New(nodeID, cfg.Zombie, occRepo, jobsRepo, locks, running, registry, index, prom)
	fh := failedhandler.New(nodeID, cfg.FailedHandler, occRepo, failedRepo, locks)

	// StatusTracker's bookkeeping subscription to CancellationBus, spec.md
	// section 4.5: best-effort, logged only, since the authoritative
	// outcome still arrives later as a StatusUpdate from the worker.
	go func() {
		for sig := range cancelBus.Subscribe(ctx) {
			slog.Default().InfoContext(ctx, "cancellationbus.signal_received",
				"correlation_id", sig.CorrelationID, "job_id", sig.JobID, "reason", sig.Reason)
		}
	}()

	hs := healthserver.New(
		func(pingCtx context.Context) error { return pool.Ping(pingCtx) },
		func(pingCtx context.Context) error { return redis.Ping(pingCtx) },
	)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: hs.Handler(reg),
	}

	go func() {
		slog.Default().InfoContext(ctx, "scheduler.health_listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "scheduler.health_listen_failed", "err", err)
		}
	}()

	go dsp.Run(ctx)
	go func() {
		if err := tracker.Run(ctx); err != nil {
			slog.Default().ErrorContext(ctx, "statustracker.run_failed", "err", err)
		}
	}()
	go func() {
		if err := collector.Run(ctx); err != nil {
			slog.Default().ErrorContext(ctx, "logcollector.run_failed", "err", err)
		}
	}()
	go zd.Run(ctx)
	go fh.Run(ctx)

	slog.Default().InfoContext(ctx, "scheduler.start", "node_id", nodeID)

	<-ctx.Done()
	hs.Drain()
	slog.Default().InfoContext(context.Background(), "scheduler.shutdown_begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	slog.Default().InfoContext(context.Background(), "scheduler.shutdown_complete")
}
