package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"

	"fundval-scheduler/internal/models"
)

const (
	tableJobs     = "jobs"
	tableCounters = "counters"
	tableRuns     = "runs"
	tableRunLogs  = "run_logs"
	tableFunds    = "funds"
	tablePins     = "pins"
	tableHoldings = "holdings"
)

// Stored objects are never mutated in place; writers insert copies.
type memJob struct {
	models.Job
	KeyID string
}

type memCounter struct {
	Key   string
	Day   string
	Value int64
}

type memRun struct {
	models.Run
}

type memRunLog struct {
	ID string
	models.RunLog
}

type memFund struct {
	Code string
	Name string
}

type memPin struct {
	ID       string
	FundCode string
}

type memHolding struct {
	ID       string
	FundCode string
	Shares   decimal.Decimal
}

func jobKeyID(key models.JobKey) string {
	return string(key.Kind) + "\x00" + key.Subject + "\x00" + key.Source
}

func memSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"key":    {Name: "key", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "KeyID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			tableCounters: {
				Name: tableCounters,
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"day": {Name: "day", Indexer: &memdb.StringFieldIndex{Field: "Day"}},
				},
			},
			tableRuns: {
				Name: tableRuns,
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"job": {Name: "job", Indexer: &memdb.StringFieldIndex{Field: "JobID"}},
				},
			},
			tableRunLogs: {
				Name: tableRunLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"run": {Name: "run", Indexer: &memdb.StringFieldIndex{Field: "RunID"}},
				},
			},
			tableFunds: {
				Name: tableFunds,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Code"}},
				},
			},
			tablePins: {
				Name: tablePins,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableHoldings: {
				Name: tableHoldings,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
		},
	}
}

// Memory is a go-memdb backend. Write transactions are serialised by
// memdb, which gives the same atomicity as the SQL upserts.
type Memory struct {
	db     *memdb.MemDB
	logSeq uint64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Memory{db: db}, nil
}

// Migrate is a no-op; the schema is fixed at construction.
func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() {}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (j *memJob) clone() *memJob {
	c := *j
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	c.LastOKAt = cloneTime(j.LastOKAt)
	c.LastError = cloneString(j.LastError)
	return &c
}

func (j *memJob) job() models.Job {
	return j.clone().Job
}

func (m *Memory) UpsertIfHigherPriority(_ context.Context, key models.JobKey, priority int, now time.Time) (UpsertResult, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, "key", jobKeyID(key))
	if err != nil {
		return Unchanged, fmt.Errorf("lookup job %s: %w", key, err)
	}
	if raw == nil {
		row := &memJob{
			Job: models.Job{
				ID:        uuid.New().String(),
				Kind:      key.Kind,
				Subject:   key.Subject,
				Source:    key.Source,
				Priority:  priority,
				Status:    models.StatusQueued,
				NotBefore: now,
				CreatedAt: now,
				UpdatedAt: now,
			},
			KeyID: jobKeyID(key),
		}
		if err := txn.Insert(tableJobs, row); err != nil {
			return Unchanged, fmt.Errorf("insert job %s: %w", key, err)
		}
		txn.Commit()
		return Inserted, nil
	}

	existing := raw.(*memJob)
	if priority <= existing.Priority {
		return Unchanged, nil
	}
	row := existing.clone()
	row.Priority = priority
	if row.NotBefore.After(now) {
		row.NotBefore = now
	}
	row.UpdatedAt = now
	if err := txn.Insert(tableJobs, row); err != nil {
		return Unchanged, fmt.Errorf("update job %s: %w", key, err)
	}
	txn.Commit()
	return Raised, nil
}

func sortJobs(jobs []models.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		x, y := jobs[a], jobs[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.NotBefore.Equal(y.NotBefore) {
			return x.NotBefore.Before(y.NotBefore)
		}
		if x.Kind != y.Kind {
			return x.Kind < y.Kind
		}
		if x.Subject != y.Subject {
			return x.Subject < y.Subject
		}
		return x.Source < y.Source
	})
}

func (m *Memory) DueJobs(_ context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	txn := m.db.Txn(false)
	it, err := txn.Get(tableJobs, "status", models.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	var due []models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*memJob)
		if !j.NotBefore.After(now) {
			due = append(due, j.job())
		}
	}
	sortJobs(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Claim(_ context.Context, id string, now, leaseUntil time.Time) (models.Job, bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, "id", id)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	if raw == nil || raw.(*memJob).Status != models.StatusQueued {
		return models.Job{}, false, nil
	}
	row := raw.(*memJob).clone()
	row.Status = models.StatusRunning
	row.Attempt++
	row.LeaseUntil = &leaseUntil
	row.UpdatedAt = now
	if err := txn.Insert(tableJobs, row); err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	txn.Commit()
	return row.job(), true, nil
}

func (m *Memory) updateJob(id, what string, fn func(*memJob)) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, "id", id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if raw == nil {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	row := raw.(*memJob).clone()
	fn(row)
	if err := txn.Insert(tableJobs, row); err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) CompleteOK(_ context.Context, id string, now time.Time, delay func(priority int) time.Duration) error {
	return m.updateJob(id, "complete job", func(j *memJob) {
		j.Status = models.StatusQueued
		j.Attempt = 0
		j.LastOKAt = &now
		j.LastError = nil
		j.NotBefore = now.Add(delay(j.Priority))
		j.LeaseUntil = nil
		j.UpdatedAt = now
	})
}

func (m *Memory) CompleteError(_ context.Context, id, reason string, now, notBefore time.Time) error {
	return m.updateJob(id, "fail job", func(j *memJob) {
		j.Status = models.StatusQueued
		j.LastError = &reason
		j.NotBefore = notBefore
		j.LeaseUntil = nil
		j.UpdatedAt = now
	})
}

func (m *Memory) ReclaimExpired(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableJobs, "status", models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	var expired []*memJob
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*memJob)
		if j.LeaseUntil == nil || j.LeaseUntil.Before(now) {
			expired = append(expired, j)
		}
	}
	sort.SliceStable(expired, func(a, b int) bool {
		x, y := expired[a].LeaseUntil, expired[b].LeaseUntil
		if x == nil || y == nil {
			return x == nil && y != nil
		}
		return x.Before(*y)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	reason := LeaseExpiredError
	for _, j := range expired {
		row := j.clone()
		row.Status = models.StatusQueued
		row.LeaseUntil = nil
		row.NotBefore = now
		row.LastError = &reason
		row.UpdatedAt = now
		if err := txn.Insert(tableJobs, row); err != nil {
			return 0, fmt.Errorf("reclaim job %s: %w", row.ID, err)
		}
	}
	txn.Commit()
	return len(expired), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	raw, err := m.db.Txn(false).First(tableJobs, "id", id)
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if raw == nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return raw.(*memJob).job(), nil
}

func (m *Memory) FindJob(_ context.Context, key models.JobKey) (models.Job, error) {
	raw, err := m.db.Txn(false).First(tableJobs, "key", jobKeyID(key))
	if err != nil {
		return models.Job{}, fmt.Errorf("find job %s: %w", key, err)
	}
	if raw == nil {
		return models.Job{}, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	return raw.(*memJob).job(), nil
}

func (m *Memory) ListJobs(_ context.Context, f models.JobFilter) ([]models.Job, error) {
	it, err := m.db.Txn(false).Get(tableJobs, "id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []models.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*memJob)
		if (f.Status != "" && j.Status != f.Status) || (f.Kind != "" && j.Kind != f.Kind) || (f.Source != "" && j.Source != f.Source) {
			continue
		}
		out = append(out, j.job())
	}
	sortJobs(out)
	if limit := clampLimit(f.Limit, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) insert(table string, obj any) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Memory) UpsertFund(_ context.Context, code, name string, _ time.Time) error {
	if err := m.insert(tableFunds, &memFund{Code: code, Name: name}); err != nil {
		return fmt.Errorf("upsert fund %s: %w", code, err)
	}
	return nil
}

func (m *Memory) PinFund(_ context.Context, watchlistID, code string, _ time.Time) error {
	if err := m.insert(tablePins, &memPin{ID: watchlistID + "\x00" + code, FundCode: code}); err != nil {
		return fmt.Errorf("pin fund %s: %w", code, err)
	}
	return nil
}

func (m *Memory) SetHolding(_ context.Context, h models.Holding, _ time.Time) error {
	row := &memHolding{ID: h.AccountID + "\x00" + h.FundCode, FundCode: h.FundCode, Shares: h.Shares}
	if err := m.insert(tableHoldings, row); err != nil {
		return fmt.Errorf("set holding %s/%s: %w", h.AccountID, h.FundCode, err)
	}
	return nil
}

func distinctSorted(codes map[string]struct{}, limit int) []string {
	out := make([]string, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) PinnedSubjects(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	it, err := m.db.Txn(false).Get(tablePins, "id")
	if err != nil {
		return nil, fmt.Errorf("query pinned subjects: %w", err)
	}
	codes := map[string]struct{}{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		codes[raw.(*memPin).FundCode] = struct{}{}
	}
	return distinctSorted(codes, limit), nil
}

func (m *Memory) HeldSubjects(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	it, err := m.db.Txn(false).Get(tableHoldings, "id")
	if err != nil {
		return nil, fmt.Errorf("query held subjects: %w", err)
	}
	codes := map[string]struct{}{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if h := raw.(*memHolding); h.Shares.IsPositive() {
			codes[h.FundCode] = struct{}{}
		}
	}
	return distinctSorted(codes, limit), nil
}

// UnseededSubjects walks funds in code order and skips those with a job row.
func (m *Memory) UnseededSubjects(_ context.Context, kind models.Kind, source string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	txn := m.db.Txn(false)
	it, err := txn.Get(tableFunds, "id")
	if err != nil {
		return nil, fmt.Errorf("query unseeded subjects: %w", err)
	}
	var out []string
	for raw := it.Next(); raw != nil && len(out) < limit; raw = it.Next() {
		code := raw.(*memFund).Code
		job, err := txn.First(tableJobs, "key", jobKeyID(models.JobKey{Kind: kind, Subject: code, Source: source}))
		if err != nil {
			return nil, fmt.Errorf("query unseeded subjects: %w", err)
		}
		if job == nil {
			out = append(out, code)
		}
	}
	return out, nil
}

func (m *Memory) IncrCounter(_ context.Context, key models.CounterKey, _ time.Time) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	id := key.String()
	raw, err := txn.First(tableCounters, "id", id)
	if err != nil {
		return fmt.Errorf("incr counter %s: %w", id, err)
	}
	row := &memCounter{Key: id, Day: key.Day, Value: 1}
	if raw != nil {
		row.Value = raw.(*memCounter).Value + 1
	}
	if err := txn.Insert(tableCounters, row); err != nil {
		return fmt.Errorf("incr counter %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) GetCounter(_ context.Context, key string) (int64, error) {
	raw, err := m.db.Txn(false).First(tableCounters, "id", key)
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*memCounter).Value, nil
}

func (m *Memory) ListCounters(_ context.Context, day string) ([]models.Counter, error) {
	it, err := m.db.Txn(false).Get(tableCounters, "day", day)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	var out []models.Counter
	for raw := it.Next(); raw != nil; raw = it.Next() {
		c := raw.(*memCounter)
		out = append(out, models.Counter{Key: c.Key, Day: c.Day, Value: c.Value})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

func (m *Memory) CreateRun(_ context.Context, p models.RunParams, now time.Time) (string, error) {
	row := &memRun{Run: models.Run{
		ID:        ksuid.New().String(),
		Kind:      p.Kind,
		JobID:     p.JobID,
		Subject:   p.Subject,
		Source:    p.Source,
		Attempt:   p.Attempt,
		Status:    models.RunRunning,
		StartedAt: now,
	}}
	if err := m.insert(tableRuns, row); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return row.ID, nil
}

func (m *Memory) finishRun(runID, status string, reason *string, now time.Time) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableRuns, "id", runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if raw == nil {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	row := &memRun{Run: raw.(*memRun).Run}
	row.Status = status
	row.Error = reason
	row.FinishedAt = &now
	if err := txn.Insert(tableRuns, row); err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) FinishRunOK(_ context.Context, runID string, now time.Time) error {
	return m.finishRun(runID, models.RunOK, nil, now)
}

func (m *Memory) FinishRunError(_ context.Context, runID, reason string, now time.Time) error {
	return m.finishRun(runID, models.RunError, &reason, now)
}

func (m *Memory) AppendRunLog(_ context.Context, runID, line string, now time.Time) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	// The sequence lives behind the write lock memdb holds for txn.
	m.logSeq++
	row := &memRunLog{
		ID:     fmt.Sprintf("%020d", m.logSeq),
		RunLog: models.RunLog{RunID: runID, Line: line, TS: now},
	}
	if err := txn.Insert(tableRunLogs, row); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) ListRuns(_ context.Context, jobID string, limit int) ([]models.Run, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableRuns, "job", jobID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []models.Run
	for raw := it.Next(); raw != nil; raw = it.Next() {
		runs = append(runs, raw.(*memRun).Run)
	}
	sort.SliceStable(runs, func(a, b int) bool {
		if !runs[a].StartedAt.Equal(runs[b].StartedAt) {
			return runs[a].StartedAt.After(runs[b].StartedAt)
		}
		return runs[a].ID > runs[b].ID
	})
	if limit = clampLimit(limit, 20); len(runs) > limit {
		runs = runs[:limit]
	}
	for i := range runs {
		logs, err := txn.Get(tableRunLogs, "run", runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list run logs: %w", err)
		}
		runs[i].Logs = nil
		for raw := logs.Next(); raw != nil; raw = logs.Next() {
			runs[i].Logs = append(runs[i].Logs, raw.(*memRunLog).RunLog)
		}
		sort.SliceStable(runs[i].Logs, func(a, b int) bool { return runs[i].Logs[a].TS.Before(runs[i].Logs[b].TS) })
	}
	return runs, nil
}
