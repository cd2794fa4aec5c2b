package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"fundval-scheduler/internal/config"
	"fundval-scheduler/internal/counter"
	"fundval-scheduler/internal/lock"
	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/ratelimit"
	"fundval-scheduler/internal/scheduler"
	"fundval-scheduler/internal/store"
	"fundval-scheduler/internal/telemetry"
	"fundval-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger("fundsync-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer st.Close()

	var (
		rdb      *redis.Client
		counters scheduler.Counters = st
		owner    worker.Locker
		limiter  worker.RateWaiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		owner = lock.NewOwner(rdb, cfg.OwnerLockKey, cfg.OwnerLockTTL)
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		if cfg.CounterBackend == "redis" {
			counters = counter.NewRedis(rdb, cfg.CounterTTL)
		}
	} else {
		logger.Warn("REDIS_ADDR is empty; running without owner lock or rate limiter")
	}

	kinds := make([]models.Kind, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kind, err := models.ParseKind(k)
		if err != nil {
			fatal(logger, "parse KINDS", err)
		}
		kinds = append(kinds, kind)
	}

	// The kind-wide metadata job refreshes the fund list that the other
	// lanes draw their subjects from.
	metadataLanes := append([]scheduler.Lane{scheduler.KindWideLane(scheduler.PriorityPinned)},
		scheduler.DefaultLanes(st, models.KindMetadataSync)...)
	enq := scheduler.NewEnqueuer(st, st,
		scheduler.WithLanes(models.KindMetadataSync, metadataLanes...),
		scheduler.WithEnqueuerLogger(logger))
	exec := scheduler.NewExecutor(st, counters, st,
		scheduler.WithLeaseTTL(cfg.LeaseTTL),
		scheduler.WithCounterLocation(cfg.CounterLocation()),
		scheduler.WithExecutorLogger(logger))

	snapshots, err := worker.NewSnapshotWriter(ctx, cfg)
	if err != nil {
		fatal(logger, "init snapshot archive", err)
	}
	fetch := worker.NewFetchHandler(worker.FetchOptions{
		BaseURL:   cfg.ProviderBaseURL,
		Timeout:   cfg.ProviderTimeout,
		MaxBytes:  cfg.ProviderMaxBytes,
		Snapshots: snapshots,
		Catalog:   st,
		Logger:    logger,
	})
	mux := scheduler.NewMux()
	for _, kind := range kinds {
		mux.Register(kind, fetch.Handle)
	}

	driver := worker.NewDriver(worker.DriverConfig{
		Interval:      cfg.TickInterval,
		Kinds:         kinds,
		Sources:       cfg.Sources,
		EnqueueBudget: cfg.EnqueueBudget,
		RunBudget:     cfg.RunBudget,
		ReclaimBatch:  cfg.ReclaimBatch,
		RenewEvery:    cfg.OwnerLockTTL / 3,
	}, enq, exec, worker.Paced(mux.Handle, cfg.JobDelay, cfg.JobJitter, limiter), owner, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	// The driver outlives the signal so Stop can let the in-flight job finish.
	if err := driver.Start(context.Background()); err != nil {
		fatal(logger, "start driver", err)
	}
	logger.Info("worker started", "store", cfg.StoreBackend, "tick", cfg.TickInterval, "lease_ttl", cfg.LeaseTTL)

	<-ctx.Done()
	grace := cfg.ProviderTimeout + cfg.JobDelay + cfg.JobJitter + 10*time.Second
	logger.Info("shutting down, waiting for in-flight job", "grace", grace)
	stopCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	driver.Stop(stopCtx)
}

func fatal(logger hclog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
