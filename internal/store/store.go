package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundval-scheduler/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// LeaseExpiredError is stored as last_error on jobs reclaimed from a dead owner.
const LeaseExpiredError = "lease expired"

// UpsertResult reports what UpsertIfHigherPriority did to the row.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Raised
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Raised:
		return "raised"
	default:
		return "unchanged"
	}
}

// JobStore persists refresh jobs keyed by (kind, subject, source).
type JobStore interface {
	// UpsertIfHigherPriority inserts a queued job, or raises the priority of
	// the existing row when priority is strictly greater. A raise also pulls
	// a future not_before back to now. Otherwise the row is not written.
	UpsertIfHigherPriority(ctx context.Context, key models.JobKey, priority int, now time.Time) (UpsertResult, error)
	DueJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	// Claim moves a queued job to running and bumps its attempt. It reports
	// false when the row was not queued.
	Claim(ctx context.Context, id string, now, leaseUntil time.Time) (models.Job, bool, error)
	// CompleteOK re-queues a job after success. not_before is now plus
	// delay of the row's priority as stored at completion time.
	CompleteOK(ctx context.Context, id string, now time.Time, delay func(priority int) time.Duration) error
	CompleteError(ctx context.Context, id, reason string, now, notBefore time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindJob(ctx context.Context, key models.JobKey) (models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
}

// Catalog exposes the subject tables maintained by the account layer.
type Catalog interface {
	UpsertFund(ctx context.Context, code, name string, now time.Time) error
	PinFund(ctx context.Context, watchlistID, code string, now time.Time) error
	SetHolding(ctx context.Context, h models.Holding, now time.Time) error
	PinnedSubjects(ctx context.Context, limit int) ([]string, error)
	HeldSubjects(ctx context.Context, limit int) ([]string, error)
	UnseededSubjects(ctx context.Context, kind models.Kind, source string, limit int) ([]string, error)
}

// CounterStore keeps daily outcome counters.
type CounterStore interface {
	IncrCounter(ctx context.Context, key models.CounterKey, now time.Time) error
	GetCounter(ctx context.Context, key string) (int64, error)
	ListCounters(ctx context.Context, day string) ([]models.Counter, error)
}

// Auditor is the append-only execution log.
type Auditor interface {
	CreateRun(ctx context.Context, p models.RunParams, now time.Time) (string, error)
	FinishRunOK(ctx context.Context, runID string, now time.Time) error
	FinishRunError(ctx context.Context, runID, reason string, now time.Time) error
	AppendRunLog(ctx context.Context, runID, line string, now time.Time) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]models.Run, error)
}

// Backend is a complete storage engine.
type Backend interface {
	JobStore
	Catalog
	CounterStore
	Auditor

	Migrate(ctx context.Context) error
	Close()
}

// Backend names accepted by Open.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	PostgresDSN string
	SQLitePath  string
}

// Open connects to the configured backend and applies its schema.
func Open(ctx context.Context, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch opts.Backend {
	case BackendPostgres, "":
		b, err = NewPostgres(ctx, opts.PostgresDSN)
	case BackendSQLite:
		b, err = NewSQLite(opts.SQLitePath)
	case BackendMemory:
		b, err = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrate %s: %w", opts.Backend, err)
	}
	return b, nil
}

const maxListLimit = 1000

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
