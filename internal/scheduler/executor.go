package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/telemetry"
)

// DefaultLeaseTTL bounds how long a claimed job may stay running before
// ReclaimExpired hands it back to the queue.
const DefaultLeaseTTL = 15 * time.Minute

// Handler performs the refresh work of one job. A non-nil error is a
// failed attempt and its message becomes the job's last_error.
type Handler func(ctx context.Context, job models.Job) error

// JobRunner is the part of the job store the executor needs.
type JobRunner interface {
	DueJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	Claim(ctx context.Context, id string, now, leaseUntil time.Time) (models.Job, bool, error)
	CompleteOK(ctx context.Context, id string, now time.Time, delay func(priority int) time.Duration) error
	CompleteError(ctx context.Context, id, reason string, now, notBefore time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Counters records daily outcome counters.
type Counters interface {
	IncrCounter(ctx context.Context, key models.CounterKey, now time.Time) error
}

// Auditor records one entry per execution attempt.
type Auditor interface {
	CreateRun(ctx context.Context, p models.RunParams, now time.Time) (string, error)
	FinishRunOK(ctx context.Context, runID string, now time.Time) error
	FinishRunError(ctx context.Context, runID, reason string, now time.Time) error
	AppendRunLog(ctx context.Context, runID, line string, now time.Time) error
}

// Executor runs due jobs one at a time and records their outcomes.
type Executor struct {
	jobs     JobRunner
	counters Counters
	audit    Auditor
	now      func() time.Time
	leaseTTL time.Duration
	loc      *time.Location
	logger   hclog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithLeaseTTL sets how long a claim is held before it may be reclaimed.
func WithLeaseTTL(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithCounterLocation sets the time zone that decides a counter's day.
func WithCounterLocation(loc *time.Location) ExecutorOption {
	return func(e *Executor) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l hclog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l.Named("executor") }
}

// NewExecutor builds an executor.
func NewExecutor(jobs JobRunner, counters Counters, audit Auditor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		jobs:     jobs,
		counters: counters,
		audit:    audit,
		now:      time.Now,
		leaseTTL: DefaultLeaseTTL,
		loc:      time.UTC,
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunDue runs up to budget due jobs in priority order and returns how many
// it attempted. Handler failures are recorded on the job and never abort
// the batch; only store errors are returned. Once ctx is done no further
// job is claimed, but the outcome of a job already claimed is still written.
func (e *Executor) RunDue(ctx context.Context, budget int, handler Handler) (int, error) {
	budget = clampBudget(budget)
	if budget == 0 {
		return 0, nil
	}
	if handler == nil {
		return 0, errors.New("run due: nil handler")
	}

	due, err := e.jobs.DueJobs(ctx, budget, e.now())
	if err != nil {
		return 0, fmt.Errorf("select due jobs: %w", err)
	}
	telemetry.DueBatchSize.Set(float64(len(due)))

	attempted := 0
	for _, job := range due {
		if ctx.Err() != nil {
			e.logger.Debug("batch stopped", "attempted", attempted, "cause", context.Cause(ctx))
			break
		}
		ran, err := e.runOne(ctx, job, handler)
		if ran {
			attempted++
		}
		if err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}

func (e *Executor) runOne(ctx context.Context, job models.Job, handler Handler) (bool, error) {
	now := e.now()
	claimed, ok, err := e.jobs.Claim(ctx, job.ID, now, now.Add(e.leaseTTL))
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.Debug("job no longer queued, skipping", "job_id", job.ID, "kind", job.Kind, "subject", job.Subject)
		return false, nil
	}

	// Bookkeeping for a claimed job outlives cancellation of ctx.
	bctx := context.WithoutCancel(ctx)
	runID, err := e.audit.CreateRun(bctx, models.RunParams{
		Kind:    claimed.Kind,
		JobID:   claimed.ID,
		Subject: claimed.Subject,
		Source:  claimed.Source,
		Attempt: claimed.Attempt,
	}, now)
	if err != nil {
		return true, err
	}
	if err := e.incr(bctx, claimed, models.OutcomeRun, now); err != nil {
		return true, err
	}

	start := time.Now()
	herr := invoke(ctx, handler, claimed)
	telemetry.JobRunDuration.WithLabelValues(string(claimed.Kind)).Observe(time.Since(start).Seconds())

	done := e.now()
	if herr == nil {
		// The delay follows the priority at completion, which an enqueue may
		// have raised while the handler ran.
		delay := func(priority int) time.Duration { return SuccessDelay(claimed.Kind, priority) }
		if err := e.jobs.CompleteOK(bctx, claimed.ID, done, delay); err != nil {
			return true, err
		}
		if err := e.audit.FinishRunOK(bctx, runID, done); err != nil {
			return true, err
		}
		if err := e.incr(bctx, claimed, models.OutcomeOK, done); err != nil {
			return true, err
		}
		e.logger.Debug("job succeeded", "job_id", claimed.ID, "kind", claimed.Kind, "source", claimed.Source, "subject", claimed.Subject)
		return true, nil
	}

	reason := herr.Error()
	if reason == "" {
		reason = "unknown error"
	}
	retry := Backoff(claimed.Attempt)
	if err := e.jobs.CompleteError(bctx, claimed.ID, reason, done, done.Add(retry)); err != nil {
		return true, err
	}
	if err := e.audit.AppendRunLog(bctx, runID, fmt.Sprintf("attempt %d failed, retry in %s: %s", claimed.Attempt, retry, reason), done); err != nil {
		return true, err
	}
	if err := e.audit.FinishRunError(bctx, runID, reason, done); err != nil {
		return true, err
	}
	if err := e.incr(bctx, claimed, models.OutcomeErr, done); err != nil {
		return true, err
	}
	e.logger.Warn("job failed", "job_id", claimed.ID, "kind", claimed.Kind, "source", claimed.Source,
		"subject", claimed.Subject, "attempt", claimed.Attempt, "retry_in", retry, "error", reason)
	return true, nil
}

func (e *Executor) incr(ctx context.Context, job models.Job, outcome string, now time.Time) error {
	telemetry.JobRuns.WithLabelValues(string(job.Kind), job.Source, outcome).Inc()
	key := models.NewCounterKey(job.Kind, job.Source, outcome, now, e.loc)
	if err := e.counters.IncrCounter(ctx, key, now); err != nil {
		return fmt.Errorf("count %s: %w", key, err)
	}
	return nil
}

// invoke turns a handler panic into a failed attempt.
func invoke(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// ReclaimExpired returns running jobs with a lapsed lease to the queue.
func (e *Executor) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	n, err := e.jobs.ReclaimExpired(ctx, e.now(), clampBudget(limit))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		e.logger.Warn("reclaimed jobs with expired leases", "count", n)
	}
	return n, nil
}
