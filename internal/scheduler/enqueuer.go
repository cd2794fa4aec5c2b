package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/store"
	"fundval-scheduler/internal/telemetry"
)

// MaxBudget caps the work a single Tick or RunDue may do.
const MaxBudget = 5000

func clampBudget(budget int) int {
	if budget < 0 {
		return 0
	}
	if budget > MaxBudget {
		return MaxBudget
	}
	return budget
}

// Upserter is the part of the job store the enqueuer writes through.
type Upserter interface {
	UpsertIfHigherPriority(ctx context.Context, key models.JobKey, priority int, now time.Time) (store.UpsertResult, error)
}

// SubjectSource answers the lane queries.
type SubjectSource interface {
	PinnedSubjects(ctx context.Context, limit int) ([]string, error)
	HeldSubjects(ctx context.Context, limit int) ([]string, error)
	UnseededSubjects(ctx context.Context, kind models.Kind, source string, limit int) ([]string, error)
}

// Lane is one priority tier of a tick. Candidates must return at most
// limit subjects in a stable order.
type Lane struct {
	Name       string
	Priority   int
	Candidates func(ctx context.Context, kind models.Kind, source string, limit int) ([]string, error)
}

// Lane priorities of the default fan-out.
const (
	PriorityPinned           = 100
	PriorityHeld             = 80
	PriorityCatchAll         = 10
	PriorityCatchAllFrequent = 20
)

// DefaultLanes returns pinned, held and catch-all lanes for kind.
func DefaultLanes(subjects SubjectSource, kind models.Kind) []Lane {
	catchAll := PriorityCatchAll
	if kind.Frequent() {
		catchAll = PriorityCatchAllFrequent
	}
	return []Lane{
		{
			Name:     "pinned",
			Priority: PriorityPinned,
			Candidates: func(ctx context.Context, _ models.Kind, _ string, limit int) ([]string, error) {
				return subjects.PinnedSubjects(ctx, limit)
			},
		},
		{
			Name:     "held",
			Priority: PriorityHeld,
			Candidates: func(ctx context.Context, _ models.Kind, _ string, limit int) ([]string, error) {
				return subjects.HeldSubjects(ctx, limit)
			},
		},
		{
			// Anti-join against the job table: once every subject is seeded
			// this lane returns nothing.
			Name:       "catch-all",
			Priority:   catchAll,
			Candidates: subjects.UnseededSubjects,
		},
	}
}

// KindWideLane yields the single empty subject, for jobs that refresh a
// whole kind rather than one fund.
func KindWideLane(priority int) Lane {
	return Lane{
		Name:     "kind-wide",
		Priority: priority,
		Candidates: func(context.Context, models.Kind, string, int) ([]string, error) {
			return []string{""}, nil
		},
	}
}

// TickResult summarises one Tick.
type TickResult struct {
	Calls    int            `json:"calls"`
	Inserted int            `json:"inserted"`
	Raised   int            `json:"raised"`
	PerLane  map[string]int `json:"per_lane"`
}

// Enqueuer keeps job rows in line with the subjects that need refreshing.
type Enqueuer struct {
	jobs   Upserter
	lanes  map[models.Kind][]Lane
	now    func() time.Time
	logger hclog.Logger
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithLanes overrides the lanes used for kind.
func WithLanes(kind models.Kind, lanes ...Lane) EnqueuerOption {
	return func(e *Enqueuer) { e.lanes[kind] = lanes }
}

// WithEnqueuerClock sets the time source.
func WithEnqueuerClock(now func() time.Time) EnqueuerOption {
	return func(e *Enqueuer) { e.now = now }
}

// WithEnqueuerLogger sets the logger.
func WithEnqueuerLogger(l hclog.Logger) EnqueuerOption {
	return func(e *Enqueuer) { e.logger = l.Named("enqueuer") }
}

// NewEnqueuer builds an enqueuer with DefaultLanes for every kind.
func NewEnqueuer(jobs Upserter, subjects SubjectSource, opts ...EnqueuerOption) *Enqueuer {
	e := &Enqueuer{
		jobs:   jobs,
		lanes:  make(map[models.Kind][]Lane, len(models.Kinds)),
		now:    time.Now,
		logger: hclog.NewNullLogger(),
	}
	for _, k := range models.Kinds {
		e.lanes[k] = DefaultLanes(subjects, k)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue makes sure a job exists for (kind, subject, source) with at
// least the given priority. Equal or lower priorities leave the row
// untouched.
func (e *Enqueuer) Enqueue(ctx context.Context, kind models.Kind, subject, source string, priority int) (store.UpsertResult, error) {
	key := models.JobKey{Kind: kind, Subject: subject, Source: source}
	res, err := e.jobs.UpsertIfHigherPriority(ctx, key, priority, e.now())
	if err != nil {
		return store.Unchanged, err
	}
	if res != store.Unchanged {
		telemetry.JobsEnqueued.WithLabelValues(string(kind), source, res.String()).Inc()
		e.logger.Trace("job enqueued", "kind", kind, "source", source, "subject", subject, "priority", priority, "result", res)
	}
	return res, nil
}

// Tick walks the lanes of kind in order, spending one unit of budget per
// enqueue call, and stops as soon as the budget is gone.
func (e *Enqueuer) Tick(ctx context.Context, kind models.Kind, source string, budget int) (TickResult, error) {
	result := TickResult{PerLane: map[string]int{}}
	remaining := clampBudget(budget)
	if remaining == 0 {
		return result, nil
	}

	lanes, ok := e.lanes[kind]
	if !ok {
		return result, fmt.Errorf("no lanes configured for kind %q", kind)
	}

	for _, lane := range lanes {
		if remaining == 0 {
			break
		}
		subjects, err := lane.Candidates(ctx, kind, source, remaining)
		if err != nil {
			return result, fmt.Errorf("lane %s: %w", lane.Name, err)
		}
		for _, subject := range subjects {
			if remaining == 0 {
				break
			}
			res, err := e.Enqueue(ctx, kind, subject, source, lane.Priority)
			if err != nil {
				return result, fmt.Errorf("lane %s: %w", lane.Name, err)
			}
			remaining--
			result.Calls++
			result.PerLane[lane.Name]++
			switch res {
			case store.Inserted:
				result.Inserted++
			case store.Raised:
				result.Raised++
			}
		}
	}

	if result.Inserted > 0 || result.Raised > 0 {
		e.logger.Debug("tick", "kind", kind, "source", source, "calls", result.Calls, "inserted", result.Inserted, "raised", result.Raised)
	}
	return result, nil
}
