package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-hclog"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/scheduler"
	"fundval-scheduler/internal/telemetry"
)

// Locker guards the driver so only one process schedules at a time.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// ErrOwnerLost is the cause attached to a cycle that stopped because the
// owner lock could not be renewed.
var ErrOwnerLost = errors.New("owner lock lost")

// DriverConfig holds the per-cycle budgets and the (kind, source) grid.
// RenewEvery should be well under the lock TTL.
type DriverConfig struct {
	Interval      time.Duration
	Kinds         []models.Kind
	Sources       []string
	EnqueueBudget int
	RunBudget     int
	ReclaimBatch  int
	RenewEvery    time.Duration
}

// Driver runs enqueue and execute cycles on a fixed interval.
type Driver struct {
	cfg     DriverConfig
	enq     *scheduler.Enqueuer
	exec    *scheduler.Executor
	handler scheduler.Handler
	lock    Locker
	logger  hclog.Logger

	cron *gocron.Scheduler

	// work is handed to handlers; drain only gates new work.
	work       context.Context
	cancelWork context.CancelFunc
	drain      context.Context
	stopDrain  context.CancelFunc

	// running is held for the duration of a scheduled cycle.
	running sync.Mutex
}

// NewDriver wires a driver. lock may be nil when a single process owns the
// job table.
func NewDriver(cfg DriverConfig, enq *scheduler.Enqueuer, exec *scheduler.Executor, handler scheduler.Handler, lock Locker, logger hclog.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = 30 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Driver{
		cfg:     cfg,
		enq:     enq,
		exec:    exec,
		handler: handler,
		lock:    lock,
		logger:  logger.Named("driver"),
	}
}

// CycleResult summarises one driver cycle.
type CycleResult struct {
	Skipped   bool
	Reclaimed int
	Enqueued  scheduler.TickResult
	Attempted int
}

// Cycle runs one pass: reclaim, tick every (kind, source), then run due jobs.
// Tick failures for one pair do not stop the others.
func (d *Driver) Cycle(ctx context.Context) (CycleResult, error) {
	return d.cycle(ctx, ctx)
}

// cycle claims new work only while ctx is live and while the owner lock
// keeps renewing. Handlers run under work.
func (d *Driver) cycle(ctx, work context.Context) (CycleResult, error) {
	var res CycleResult
	if d.lock != nil {
		ok, err := d.lock.Acquire(ctx)
		if err != nil {
			telemetry.OwnerLockHeld.Set(0)
			return res, fmt.Errorf("acquire owner lock: %w", err)
		}
		if !ok {
			telemetry.OwnerLockHeld.Set(0)
			d.logger.Debug("owner lock held elsewhere, skipping cycle")
			res.Skipped = true
			return res, nil
		}
		telemetry.OwnerLockHeld.Set(1)

		var stopRenew func()
		ctx, stopRenew = d.keepOwnership(ctx)
		defer stopRenew()
	}

	n, err := d.exec.ReclaimExpired(ctx, d.cfg.ReclaimBatch)
	if err != nil {
		return res, fmt.Errorf("reclaim: %w", err)
	}
	res.Reclaimed = n

	res.Enqueued.PerLane = map[string]int{}
	var errs []error
	for _, kind := range d.cfg.Kinds {
		for _, source := range d.cfg.Sources {
			tr, err := d.enq.Tick(ctx, kind, source, d.cfg.EnqueueBudget)
			if err != nil {
				d.logger.Error("tick failed", "kind", kind, "source", source, "error", err)
				errs = append(errs, fmt.Errorf("tick %s/%s: %w", kind, source, err))
				continue
			}
			res.Enqueued.Calls += tr.Calls
			res.Enqueued.Inserted += tr.Inserted
			res.Enqueued.Raised += tr.Raised
			for lane, c := range tr.PerLane {
				res.Enqueued.PerLane[lane] += c
			}
		}
	}

	handler := func(_ context.Context, job models.Job) error {
		return d.handler(work, job)
	}
	attempted, err := d.exec.RunDue(ctx, d.cfg.RunBudget, handler)
	res.Attempted = attempted
	if err != nil {
		errs = append(errs, fmt.Errorf("run due: %w", err))
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrOwnerLost) {
		errs = append(errs, cause)
	}
	d.logger.Info("cycle finished", "reclaimed", res.Reclaimed, "inserted", res.Enqueued.Inserted,
		"raised", res.Enqueued.Raised, "attempted", res.Attempted)
	return res, errors.Join(errs...)
}

// keepOwnership renews the owner lock every RenewEvery until the returned
// stop func is called. A failed renewal cancels the returned context with
// ErrOwnerLost so no further job is claimed.
func (d *Driver) keepOwnership(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(d.cfg.RenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.lock.Renew(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					telemetry.OwnerLockHeld.Set(0)
					d.logger.Warn("owner lock renewal failed, stopping cycle", "error", err)
					cancel(fmt.Errorf("%w: %v", ErrOwnerLost, err))
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		<-exited
		cancel(nil)
	}
}

// Start schedules a cycle every interval. The first cycle runs immediately.
// Cancelling ctx aborts in-flight handlers; use Stop for a graceful halt.
func (d *Driver) Start(ctx context.Context) error {
	d.work, d.cancelWork = context.WithCancel(ctx)
	d.drain, d.stopDrain = context.WithCancel(d.work)
	d.cron = gocron.NewScheduler(time.UTC)
	_, err := d.cron.Every(d.cfg.Interval).SingletonMode().Do(func() {
		d.running.Lock()
		defer d.running.Unlock()
		if d.drain.Err() != nil {
			return
		}
		if _, err := d.cycle(d.drain, d.work); err != nil {
			d.logger.Error("cycle failed", "error", err)
		}
	})
	if err != nil {
		d.cancelWork()
		return fmt.Errorf("schedule driver: %w", err)
	}
	d.cron.StartAsync()
	d.logger.Info("driver started", "interval", d.cfg.Interval, "kinds", len(d.cfg.Kinds), "sources", len(d.cfg.Sources))
	return nil
}

// Stop halts scheduling and stops claiming new jobs, then waits for the
// in-flight handler to finish and be recorded. If ctx expires first the
// handler's context is cancelled; its outcome is still written.
func (d *Driver) Stop(ctx context.Context) {
	if d.cron == nil {
		return
	}
	d.stopDrain()
	idle := make(chan struct{})
	go func() {
		d.cron.Stop()
		d.running.Lock()
		d.running.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		d.logger.Warn("stop deadline passed, cancelling in-flight job")
		d.cancelWork()
		<-idle
	}
	d.cancelWork()

	if d.lock != nil {
		if err := d.lock.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Debug("release owner lock", "error", err)
		}
		telemetry.OwnerLockHeld.Set(0)
	}
	d.logger.Info("driver stopped")
}
