package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"fundval-scheduler/internal/api"
	"fundval-scheduler/internal/config"
	"fundval-scheduler/internal/counter"
	"fundval-scheduler/internal/ratelimit"
	"fundval-scheduler/internal/scheduler"
	"fundval-scheduler/internal/store"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger("fundsync-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	deps := api.Deps{
		Jobs:         st,
		Counters:     st,
		Enqueuer:     scheduler.NewEnqueuer(st, st, scheduler.WithEnqueuerLogger(logger)),
		Executor:     scheduler.NewExecutor(st, st, st, scheduler.WithLeaseTTL(cfg.LeaseTTL), scheduler.WithExecutorLogger(logger)),
		ReclaimBatch: cfg.ReclaimBatch,
		CounterTZ:    cfg.CounterLocation(),
		Logger:       logger,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		deps.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		if cfg.CounterBackend == "redis" {
			deps.Counters = counter.NewRedis(rdb, cfg.CounterTTL)
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
