package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/segmentio/ksuid"

	"fundval-scheduler/internal/models"
)

// SQLite is the single-file backend for small deployments and tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

const sqliteJobColumns = `id, kind, subject, source, priority, status, attempt, not_before, lease_until, last_ok_at, last_error, created_at, updated_at`

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                             models.Job
		kind                            string
		notBefore, createdAt, updatedAt int64
		leaseUntil, lastOK              sql.NullInt64
		lastErr                         sql.NullString
	)
	if err := row.Scan(&job.ID, &kind, &job.Subject, &job.Source, &job.Priority, &job.Status, &job.Attempt,
		&notBefore, &leaseUntil, &lastOK, &lastErr, &createdAt, &updatedAt); err != nil {
		return models.Job{}, err
	}
	job.Kind = models.Kind(kind)
	job.NotBefore = fromMillis(notBefore)
	job.LeaseUntil = nullMillis(leaseUntil)
	job.LastOKAt = nullMillis(lastOK)
	job.LastError = nullString(lastErr)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

// UpsertIfHigherPriority mirrors the Postgres statement using MIN for LEAST.
func (s *SQLite) UpsertIfHigherPriority(ctx context.Context, key models.JobKey, priority int, now time.Time) (UpsertResult, error) {
	newID := uuid.New().String()
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, kind, subject, source, priority, status, attempt, not_before, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, 'queued', 0, ?6, ?6, ?6)
		ON CONFLICT (kind, subject, source) DO UPDATE SET
			priority   = excluded.priority,
			not_before = MIN(jobs.not_before, excluded.not_before),
			updated_at = excluded.updated_at
		WHERE jobs.priority < excluded.priority
		RETURNING id
	`, newID, string(key.Kind), key.Subject, key.Source, priority, toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLite) DueJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE status = ?1 AND not_before <= ?2
		ORDER BY priority DESC, not_before ASC, kind, subject, source
		LIMIT ?3
	`, models.StatusQueued, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

// Claim is a compare-and-swap on status.
func (s *SQLite) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (models.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?2, attempt = attempt + 1, lease_until = ?3, updated_at = ?4
		WHERE id = ?1 AND status = ?5
		RETURNING `+sqliteJobColumns,
		id, models.StatusRunning, toMillis(leaseUntil), toMillis(now), models.StatusQueued)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, true, nil
}

// CompleteOK records a successful attempt.
func (s *SQLite) CompleteOK(ctx context.Context, id string, now time.Time, delay func(priority int) time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	defer tx.Rollback()

	var priority int
	err = tx.QueryRowContext(ctx, `SELECT priority FROM jobs WHERE id = ?1`, id).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("complete job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?2, attempt = 0, last_ok_at = ?3, last_error = NULL,
			not_before = ?4, lease_until = NULL, updated_at = ?3
		WHERE id = ?1
	`, id, models.StatusQueued, toMillis(now), toMillis(now.Add(delay(priority))))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// CompleteError records a failed attempt.
func (s *SQLite) CompleteError(ctx context.Context, id, reason string, now, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?2, last_error = ?3, not_before = ?4, lease_until = NULL, updated_at = ?5
		WHERE id = ?1
	`, id, models.StatusQueued, reason, toMillis(notBefore), toMillis(now))
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return requireAffected(res, "fail job "+id)
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// ReclaimExpired requeues running jobs whose lease has lapsed.
func (s *SQLite) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?1, lease_until = NULL, not_before = ?3, last_error = ?4, updated_at = ?3
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ?2 AND (lease_until IS NULL OR lease_until < ?3)
			ORDER BY lease_until
			LIMIT ?5
		)
	`, models.StatusQueued, models.StatusRunning, toMillis(now), LeaseExpiredError, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(n), nil
}

// GetJob fetches a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FindJob fetches a job by its identity triple.
func (s *SQLite) FindJob(ctx context.Context, key models.JobKey) (models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs WHERE kind = ?1 AND subject = ?2 AND source = ?3
	`, string(key.Kind), key.Subject, key.Source))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter in selection order.
func (s *SQLite) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE (?1 = '' OR status = ?1) AND (?2 = '' OR kind = ?2) AND (?3 = '' OR source = ?3)
		ORDER BY priority DESC, not_before ASC, kind, subject, source
		LIMIT ?4
	`, f.Status, string(f.Kind), f.Source, clampLimit(f.Limit, 100))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

// UpsertFund records a known fund code.
func (s *SQLite) UpsertFund(ctx context.Context, code, name string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funds (code, name, updated_at) VALUES (?1, ?2, ?3)
		ON CONFLICT (code) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
	`, code, name, toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert fund %s: %w", code, err)
	}
	return nil
}

// PinFund adds a fund to a watchlist.
func (s *SQLite) PinFund(ctx context.Context, watchlistID, code string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist_items (watchlist_id, fund_code, created_at) VALUES (?1, ?2, ?3)
		ON CONFLICT (watchlist_id, fund_code) DO NOTHING
	`, watchlistID, code, toMillis(now))
	if err != nil {
		return fmt.Errorf("pin fund %s: %w", code, err)
	}
	return nil
}

// SetHolding records the share count of a position.
func (s *SQLite) SetHolding(ctx context.Context, h models.Holding, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (account_id, fund_code, shares, updated_at) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT (account_id, fund_code) DO UPDATE SET shares = excluded.shares, updated_at = excluded.updated_at
	`, h.AccountID, h.FundCode, h.Shares.String(), toMillis(now))
	if err != nil {
		return fmt.Errorf("set holding %s/%s: %w", h.AccountID, h.FundCode, err)
	}
	return nil
}

// PinnedSubjects lists fund codes present in any watchlist.
func (s *SQLite) PinnedSubjects(ctx context.Context, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT DISTINCT fund_code FROM watchlist_items ORDER BY fund_code LIMIT ?1
	`, limit)
}

// HeldSubjects lists fund codes with a positive position.
func (s *SQLite) HeldSubjects(ctx context.Context, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT DISTINCT fund_code FROM positions WHERE CAST(shares AS REAL) > 0 ORDER BY fund_code LIMIT ?1
	`, limit)
}

// UnseededSubjects lists funds that have no job row for (kind, source).
func (s *SQLite) UnseededSubjects(ctx context.Context, kind models.Kind, source string, limit int) ([]string, error) {
	return s.queryCodes(ctx, `
		SELECT f.code FROM funds f
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.kind = ?2 AND j.source = ?3 AND j.subject = f.code
		)
		ORDER BY f.code
		LIMIT ?1
	`, limit, string(kind), source)
}

func (s *SQLite) queryCodes(ctx context.Context, query string, limit int, args ...any) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// IncrCounter atomically bumps a daily counter, creating it on first use.
func (s *SQLite) IncrCounter(ctx context.Context, key models.CounterKey, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_counters (key, kind, source, outcome, day, value, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, 1, ?6)
		ON CONFLICT (key) DO UPDATE SET value = job_counters.value + 1, updated_at = excluded.updated_at
	`, key.String(), string(key.Kind), key.Source, key.Outcome, key.Day, toMillis(now))
	if err != nil {
		return fmt.Errorf("incr counter %s: %w", key, err)
	}
	return nil
}

// GetCounter reads a counter; a missing key reads as zero.
func (s *SQLite) GetCounter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM job_counters WHERE key = ?1`, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return n, nil
}

// ListCounters returns every counter recorded for day.
func (s *SQLite) ListCounters(ctx context.Context, day string) ([]models.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, day, value FROM job_counters WHERE day = ?1 ORDER BY key`, day)
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
func (s *SQLite) CreateRun(ctx context.Context, p models.RunParams, now time.Time) (string, error) {
	id := ksuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, kind, job_id, subject, source, attempt, status, started_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
	`, id, string(p.Kind), p.JobID, p.Subject, p.Source, p.Attempt, models.RunRunning, toMillis(now))
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRunOK closes a run as successful.
func (s *SQLite) FinishRunOK(ctx context.Context, runID string, now time.Time) error {
	return s.finishRun(ctx, runID, models.RunOK, nil, now)
}

// FinishRunError closes a run as failed with reason.
func (s *SQLite) FinishRunError(ctx context.Context, runID, reason string, now time.Time) error {
	return s.finishRun(ctx, runID, models.RunError, &reason, now)
}

func (s *SQLite) finishRun(ctx context.Context, runID, status string, reason *string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?2, error = ?3, finished_at = ?4 WHERE id = ?1
	`, runID, status, reason, toMillis(now))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return requireAffected(res, "finish run "+runID)
}

// AppendRunLog adds a log line to a run.
func (s *SQLite) AppendRunLog(ctx context.Context, runID, line string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_run_logs (run_id, line, ts) VALUES (?1, ?2, ?3)
	`, runID, line, toMillis(now))
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a job with their log lines.
func (s *SQLite) ListRuns(ctx context.Context, jobID string, limit int) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, job_id, subject, source, attempt, status, error, started_at, finished_at
		FROM job_runs WHERE job_id = ?1
		ORDER BY started_at DESC, id DESC
		LIMIT ?2
	`, jobID, clampLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []models.Run
	for rows.Next() {
		var (
			r         models.Run
			kind      string
			errText   sql.NullString
			startedAt int64
			finished  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &kind, &r.JobID, &r.Subject, &r.Source, &r.Attempt, &r.Status, &errText, &startedAt, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Kind = models.Kind(kind)
		r.Error = nullString(errText)
		r.StartedAt = fromMillis(startedAt)
		r.FinishedAt = nullMillis(finished)
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range runs {
		logs, err := s.runLogs(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Logs = logs
	}
	return runs, nil
}

func (s *SQLite) runLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, line, ts FROM job_run_logs WHERE run_id = ?1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()
	var out []models.RunLog
	for rows.Next() {
		var (
			l  models.RunLog
			ts int64
		)
		if err := rows.Scan(&l.RunID, &l.Line, &ts); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		l.TS = fromMillis(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}
