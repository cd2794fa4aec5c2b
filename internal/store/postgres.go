package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/ksuid"

	"fundval-scheduler/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const pgJobColumns = `id, kind, subject, source, priority, status, attempt, not_before, lease_until, last_ok_at, last_error, created_at, updated_at`

// UpsertIfHigherPriority runs as a single statement so concurrent writers
// cannot break the one-row-per-key invariant.
func (s *Postgres) UpsertIfHigherPriority(ctx context.Context, key models.JobKey, priority int, now time.Time) (UpsertResult, error) {
	newID := uuid.New().String()
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, subject, source, priority, status, attempt, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $6, $6)
		ON CONFLICT (kind, subject, source) DO UPDATE SET
			priority   = EXCLUDED.priority,
			not_before = LEAST(jobs.not_before, EXCLUDED.not_before),
			updated_at = EXCLUDED.updated_at
		WHERE jobs.priority < EXCLUDED.priority
		RETURNING id
	`, newID, string(key.Kind), key.Subject, key.Source, priority, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("upsert job %s: %w", key, err)
	}
	if id == newID {
		return Inserted, nil
	}
	return Raised, nil
}

// DueJobs lists queued jobs whose not_before has elapsed, most urgent first.
func (s *Postgres) DueJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+`
		FROM jobs
		WHERE status = $1 AND not_before <= $2
		ORDER BY priority DESC, not_before ASC, kind, subject, source
		LIMIT $3
	`, models.StatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectPgJobs(rows)
}

// Claim is a compare-and-swap on status; a zero row count means another
// owner got there first.
func (s *Postgres) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempt = attempt + 1, lease_until = $3, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+pgJobColumns,
		id, models.StatusRunning, leaseUntil, now, models.StatusQueued)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, true, nil
}

// CompleteOK records a successful attempt. The row is locked while its
// current priority is read so a concurrent raise cannot slip in between.
func (s *Postgres) CompleteOK(ctx context.Context, id string, now time.Time, delay func(priority int) time.Duration) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var priority int
		err := tx.QueryRow(ctx, `SELECT priority FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&priority)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("complete job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete job %s: %w", id, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, attempt = 0, last_ok_at = $3, last_error = NULL,
				not_before = $4, lease_until = NULL, updated_at = $3
			WHERE id = $1
		`, id, models.StatusQueued, now, now.Add(delay(priority)))
		if err != nil {
			return fmt.Errorf("complete job %s: %w", id, err)
		}
		return nil
	})
}

// CompleteError records a failed attempt; last_ok_at is left alone.
func (s *Postgres) CompleteError(ctx context.Context, id, reason string, now, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, not_before = $4, lease_until = NULL, updated_at = $5
		WHERE id = $1
	`, id, models.StatusQueued, reason, notBefore, now)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimExpired requeues running jobs whose lease has lapsed.
func (s *Postgres) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lease_until = NULL, not_before = $3, last_error = $4, updated_at = $3
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2 AND (lease_until IS NULL OR lease_until < $3)
			ORDER BY lease_until NULLS FIRST
			LIMIT $5
		)
	`, models.StatusQueued, models.StatusRunning, now, LeaseExpiredError, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FindJob fetches a job by its identity triple.
func (s *Postgres) FindJob(ctx context.Context, key models.JobKey) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM jobs WHERE kind = $1 AND subject = $2 AND source = $3
	`, string(key.Kind), key.Subject, key.Source))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter in selection order.
func (s *Postgres) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+`
		FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR kind = $2) AND ($3 = '' OR source = $3)
		ORDER BY priority DESC, not_before ASC, kind, subject, source
		LIMIT $4
	`, f.Status, string(f.Kind), f.Source, clampLimit(f.Limit, 100))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectPgJobs(rows)
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var kind string
	err := row.Scan(&job.ID, &kind, &job.Subject, &job.Source, &job.Priority, &job.Status, &job.Attempt,
		&job.NotBefore, &job.LeaseUntil, &job.LastOKAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	job.Kind = models.Kind(kind)
	return job, err
}

func collectPgJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpsertFund records a known fund code.
func (s *Postgres) UpsertFund(ctx context.Context, code, name string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO funds (code, name, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
	`, code, name, now)
	if err != nil {
		return fmt.Errorf("upsert fund %s: %w", code, err)
	}
	return nil
}

// PinFund adds a fund to a watchlist.
func (s *Postgres) PinFund(ctx context.Context, watchlistID, code string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watchlist_items (watchlist_id, fund_code, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (watchlist_id, fund_code) DO NOTHING
	`, watchlistID, code, now)
	if err != nil {
		return fmt.Errorf("pin fund %s: %w", code, err)
	}
	return nil
}

// SetHolding records the share count of a position.
func (s *Postgres) SetHolding(ctx context.Context, h models.Holding, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (account_id, fund_code, shares, updated_at) VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_id, fund_code) DO UPDATE SET shares = EXCLUDED.shares, updated_at = EXCLUDED.updated_at
	`, h.AccountID, h.FundCode, h.Shares.String(), now)
	if err != nil {
		return fmt.Errorf("set holding %s/%s: %w", h.AccountID, h.FundCode, err)
	}
	return nil
}

// PinnedSubjects lists fund codes present in any watchlist.
func (s *Postgres) PinnedSubjects(ctx context.Context, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT DISTINCT fund_code FROM watchlist_items ORDER BY fund_code LIMIT $1
	`, limit)
}

// HeldSubjects lists fund codes with a positive position.
func (s *Postgres) HeldSubjects(ctx context.Context, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT DISTINCT fund_code FROM positions WHERE shares > 0 ORDER BY fund_code LIMIT $1
	`, limit)
}

// UnseededSubjects lists funds that have no job row for (kind, source).
func (s *Postgres) UnseededSubjects(ctx context.Context, kind models.Kind, source string, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT f.code FROM funds f
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.kind = $2 AND j.source = $3 AND j.subject = f.code
		)
		ORDER BY f.code
		LIMIT $1
	`, limit, string(kind), source)
}

func (s *Postgres) queryCodes(ctx context.Context, sql string, limit int, args ...any) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, sql, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan subjects: %w", err)
	}
	return codes, nil
}

// IncrCounter atomically bumps a daily counter, creating it on first use.
func (s *Postgres) IncrCounter(ctx context.Context, key models.CounterKey, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_counters (key, kind, source, outcome, day, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (key) DO UPDATE SET value = job_counters.value + 1, updated_at = EXCLUDED.updated_at
	`, key.String(), string(key.Kind), key.Source, key.Outcome, key.Day, now)
	if err != nil {
		return fmt.Errorf("incr counter %s: %w", key, err)
	}
	return nil
}

// GetCounter reads a counter; a missing key reads as zero.
func (s *Postgres) GetCounter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM job_counters WHERE key = $1`, key).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return n, nil
}

// ListCounters returns every counter recorded for day.
func (s *Postgres) ListCounters(ctx context.Context, day string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, day, value FROM job_counters WHERE day = $1 ORDER BY key`, day)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()
	var out []models.Counter
	for rows.Next() {
		var c models.Counter
		if err := rows.Scan(&c.Key, &c.Day, &c.Value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateRun opens an audit entry in running state.
func (s *Postgres) CreateRun(ctx context.Context, p models.RunParams, now time.Time) (string, error) {
	id := ksuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, kind, job_id, subject, source, attempt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, string(p.Kind), p.JobID, p.Subject, p.Source, p.Attempt, models.RunRunning, now)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRunOK closes a run as successful.
func (s *Postgres) FinishRunOK(ctx context.Context, runID string, now time.Time) error {
	return s.finishRun(ctx, runID, models.RunOK, nil, now)
}

// FinishRunError closes a run as failed with reason.
func (s *Postgres) FinishRunError(ctx context.Context, runID, reason string, now time.Time) error {
	return s.finishRun(ctx, runID, models.RunError, &reason, now)
}

func (s *Postgres) finishRun(ctx context.Context, runID, status string, reason *string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET status = $2, error = $3, finished_at = $4 WHERE id = $1
	`, runID, status, reason, now)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// AppendRunLog adds a log line to a run.
func (s *Postgres) AppendRunLog(ctx context.Context, runID, line string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_run_logs (run_id, line, ts) VALUES ($1, $2, $3)
	`, runID, line, now)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a job with their log lines.
func (s *Postgres) ListRuns(ctx context.Context, jobID string, limit int) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, job_id, subject, source, attempt, status, error, started_at, finished_at
		FROM job_runs WHERE job_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, jobID, clampLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []models.Run
	for rows.Next() {
		var r models.Run
		var kind string
		if err := rows.Scan(&r.ID, &kind, &r.JobID, &r.Subject, &r.Source, &r.Attempt, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Kind = models.Kind(kind)
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range runs {
		logRows, err := s.pool.Query(ctx, `
			SELECT run_id, line, ts FROM job_run_logs WHERE run_id = $1 ORDER BY id
		`, runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list run logs: %w", err)
		}
		for logRows.Next() {
			var l models.RunLog
			if err := logRows.Scan(&l.RunID, &l.Line, &l.TS); err != nil {
				logRows.Close()
				return nil, fmt.Errorf("scan run log: %w", err)
			}
			runs[i].Logs = append(runs[i].Logs, l)
		}
		logRows.Close()
	}
	return runs, nil
}
