package worker

import (
	"context"
	"math/rand"
	"time"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/scheduler"
)

// RateWaiter blocks until the upstream keyed by source may be called.
type RateWaiter interface {
	Wait(ctx context.Context, key string) error
}

// Paced wraps handler so each call first waits on limiter (when set) for
// the job's source, then sleeps delay plus a random share of jitter.
func Paced(handler scheduler.Handler, delay, jitter time.Duration, limiter RateWaiter) scheduler.Handler {
	return func(ctx context.Context, job models.Job) error {
		if limiter != nil {
			if err := limiter.Wait(ctx, job.Source); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, delay+randomJitter(jitter)); err != nil {
			return err
		}
		return handler(ctx, job)
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
