package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundval-scheduler/internal/models"
)

var t0 = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

type backendFactory func(t *testing.T) Backend

func backends(t *testing.T) map[string]backendFactory {
	out := map[string]backendFactory{
		BackendMemory: func(t *testing.T) Backend {
			b, err := Open(context.Background(), Options{Backend: BackendMemory})
			require.NoError(t, err)
			return b
		},
		BackendSQLite: func(t *testing.T) Backend {
			b, err := Open(context.Background(), Options{Backend: BackendSQLite, SQLitePath: ":memory:"})
			require.NoError(t, err)
			t.Cleanup(b.Close)
			return b
		},
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		out[BackendPostgres] = func(t *testing.T) Backend {
			ctx := context.Background()
			b, err := Open(ctx, Options{Backend: BackendPostgres, PostgresDSN: dsn})
			require.NoError(t, err)
			pg := b.(*Postgres)
			_, err = pg.pool.Exec(ctx, `TRUNCATE jobs, job_counters, job_runs, job_run_logs, funds, watchlist_items, positions`)
			require.NoError(t, err)
			t.Cleanup(b.Close)
			return b
		}
	}
	return out
}

// forEachBackend runs fn against every backend available in this environment.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func after(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

func key(subject string) models.JobKey {
	return models.JobKey{Kind: models.KindHistorySync, Subject: subject, Source: "eastmoney"}
}

func TestUpsertIfHigherPriority(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		res, err := b.UpsertIfHigherPriority(ctx, key("000001"), 20, t0)
		require.NoError(t, err)
		assert.Equal(t, Inserted, res)

		inserted, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, inserted.Status)
		assert.True(t, inserted.NotBefore.Equal(t0))

		later := t0.Add(time.Hour)
		for _, p := range []int{20, 5} {
			res, err = b.UpsertIfHigherPriority(ctx, key("000001"), p, later)
			require.NoError(t, err)
			assert.Equal(t, Unchanged, res)
		}
		same, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		assert.True(t, same.UpdatedAt.Equal(inserted.UpdatedAt))
		assert.Equal(t, 20, same.Priority)

		res, err = b.UpsertIfHigherPriority(ctx, key("000001"), 90, later)
		require.NoError(t, err)
		assert.Equal(t, Raised, res)
		raised, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, raised.ID)
		assert.Equal(t, 90, raised.Priority)
		assert.True(t, raised.NotBefore.Equal(t0), "past-due not_before is kept")
		assert.True(t, raised.UpdatedAt.Equal(later))
	})
}

func TestUpsertPullsFutureNotBeforeForward(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		_, err := b.UpsertIfHigherPriority(ctx, key("000001"), 10, t0)
		require.NoError(t, err)
		job, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		require.NoError(t, b.CompleteOK(ctx, job.ID, t0, after(6*time.Hour)))

		now := t0.Add(time.Minute)
		_, err = b.UpsertIfHigherPriority(ctx, key("000001"), 100, now)
		require.NoError(t, err)
		job, err = b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		assert.True(t, job.NotBefore.Equal(now))
	})
}

func TestKindWideSubjectIsUnique(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		k := models.JobKey{Kind: models.KindMetadataSync, Source: "eastmoney"}
		res, err := b.UpsertIfHigherPriority(ctx, k, 10, t0)
		require.NoError(t, err)
		assert.Equal(t, Inserted, res)
		res, err = b.UpsertIfHigherPriority(ctx, k, 10, t0)
		require.NoError(t, err)
		assert.Equal(t, Unchanged, res)

		jobs, err := b.ListJobs(ctx, models.JobFilter{Kind: models.KindMetadataSync})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestDueJobsOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		_, err := b.UpsertIfHigherPriority(ctx, key("low"), 10, t0)
		require.NoError(t, err)
		_, err = b.UpsertIfHigherPriority(ctx, key("high-late"), 100, t0.Add(time.Second))
		require.NoError(t, err)
		_, err = b.UpsertIfHigherPriority(ctx, key("high-early"), 100, t0)
		require.NoError(t, err)
		_, err = b.UpsertIfHigherPriority(ctx, key("future"), 100, t0.Add(time.Hour))
		require.NoError(t, err)

		due, err := b.DueJobs(ctx, 10, t0.Add(time.Minute))
		require.NoError(t, err)
		var subjects []string
		for _, j := range due {
			subjects = append(subjects, j.Subject)
		}
		assert.Equal(t, []string{"high-early", "high-late", "low"}, subjects)

		due, err = b.DueJobs(ctx, 1, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})
}

func TestClaimIsCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		_, err := b.UpsertIfHigherPriority(ctx, key("000001"), 10, t0)
		require.NoError(t, err)
		job, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)

		lease := t0.Add(time.Minute)
		claimed, ok, err := b.Claim(ctx, job.ID, t0, lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempt)
		require.NotNil(t, claimed.LeaseUntil)
		assert.True(t, claimed.LeaseUntil.Equal(lease))

		_, ok, err = b.Claim(ctx, job.ID, t0, lease)
		require.NoError(t, err)
		assert.False(t, ok)

		due, err := b.DueJobs(ctx, 10, t0)
		require.NoError(t, err)
		assert.Empty(t, due)

		_, ok, err = b.Claim(ctx, "missing", t0, lease)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCompleteOKAndError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		_, err := b.UpsertIfHigherPriority(ctx, key("000001"), 10, t0)
		require.NoError(t, err)
		job, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)

		_, _, err = b.Claim(ctx, job.ID, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, b.CompleteError(ctx, job.ID, "boom", t0, t0.Add(10*time.Second)))

		got, err := b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, 1, got.Attempt)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "boom", *got.LastError)
		assert.Nil(t, got.LeaseUntil)
		assert.Nil(t, got.LastOKAt)

		now := t0.Add(time.Minute)
		_, _, err = b.Claim(ctx, job.ID, now, now.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, b.CompleteOK(ctx, job.ID, now, after(15*time.Minute)))

		got, err = b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempt)
		assert.Nil(t, got.LastError)
		require.NotNil(t, got.LastOKAt)
		assert.True(t, got.LastOKAt.Equal(now))
		assert.True(t, got.NotBefore.Equal(now.Add(15*time.Minute)))

		assert.ErrorIs(t, b.CompleteOK(ctx, "missing", now, after(0)), ErrNotFound)
	})
}

func TestCompleteOKUsesPriorityAtCompletion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		_, err := b.UpsertIfHigherPriority(ctx, key("000001"), 10, t0)
		require.NoError(t, err)
		job, err := b.FindJob(ctx, key("000001"))
		require.NoError(t, err)
		_, ok, err := b.Claim(ctx, job.ID, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		res, err := b.UpsertIfHigherPriority(ctx, key("000001"), 100, t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, Raised, res)

		byPriority := func(priority int) time.Duration {
			if priority >= 100 {
				return 2 * time.Minute
			}
			return 6 * time.Hour
		}
		done := t0.Add(5 * time.Second)
		require.NoError(t, b.CompleteOK(ctx, job.ID, done, byPriority))

		got, err := b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Priority)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.True(t, got.NotBefore.Equal(done.Add(2*time.Minute)), "not_before %s", got.NotBefore)
	})
}

func TestReclaimExpiredLeases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for _, s := range []string{"dead", "alive"} {
			_, err := b.UpsertIfHigherPriority(ctx, key(s), 10, t0)
			require.NoError(t, err)
		}
		dead, err := b.FindJob(ctx, key("dead"))
		require.NoError(t, err)
		alive, err := b.FindJob(ctx, key("alive"))
		require.NoError(t, err)

		_, _, err = b.Claim(ctx, dead.ID, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		_, _, err = b.Claim(ctx, alive.ID, t0, t0.Add(time.Hour))
		require.NoError(t, err)

		now := t0.Add(5 * time.Minute)
		n, err := b.ReclaimExpired(ctx, now, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		dead, err = b.GetJob(ctx, dead.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, dead.Status)
		assert.Equal(t, 1, dead.Attempt)
		assert.True(t, dead.NotBefore.Equal(now))
		require.NotNil(t, dead.LastError)
		assert.Equal(t, LeaseExpiredError, *dead.LastError)

		alive, err = b.GetJob(ctx, alive.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, alive.Status)

		n, err = b.ReclaimExpired(ctx, now, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestCatalogSubjects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for _, c := range []string{"000003", "000001", "000002", "000004"} {
			require.NoError(t, b.UpsertFund(ctx, c, "fund "+c, t0))
		}
		require.NoError(t, b.PinFund(ctx, "wl-a", "000003", t0))
		require.NoError(t, b.PinFund(ctx, "wl-b", "000003", t0))
		require.NoError(t, b.PinFund(ctx, "wl-b", "000001", t0))
		require.NoError(t, b.SetHolding(ctx, models.Holding{AccountID: "a1", FundCode: "000002", Shares: decimal.RequireFromString("12.5")}, t0))
		require.NoError(t, b.SetHolding(ctx, models.Holding{AccountID: "a2", FundCode: "000002", Shares: decimal.NewFromInt(3)}, t0))
		require.NoError(t, b.SetHolding(ctx, models.Holding{AccountID: "a1", FundCode: "000004", Shares: decimal.Zero}, t0))

		pinned, err := b.PinnedSubjects(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"000001", "000003"}, pinned)

		held, err := b.HeldSubjects(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"000002"}, held)

		_, err = b.UpsertIfHigherPriority(ctx, key("000002"), 80, t0)
		require.NoError(t, err)
		unseeded, err := b.UnseededSubjects(ctx, models.KindHistorySync, "eastmoney", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"000001", "000003", "000004"}, unseeded)

		unseeded, err = b.UnseededSubjects(ctx, models.KindHistorySync, "eastmoney", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"000001", "000003"}, unseeded)

		unseeded, err = b.UnseededSubjects(ctx, models.KindHistorySync, "tiantian", 10)
		require.NoError(t, err)
		assert.Len(t, unseeded, 4)
	})
}

func TestCounters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		ok := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeOK, t0, nil)
		run := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeRun, t0, nil)
		tomorrow := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeOK, t0.AddDate(0, 0, 1), nil)

		require.NoError(t, b.IncrCounter(ctx, run, t0))
		require.NoError(t, b.IncrCounter(ctx, ok, t0))
		require.NoError(t, b.IncrCounter(ctx, ok, t0))
		require.NoError(t, b.IncrCounter(ctx, tomorrow, t0))

		n, err := b.GetCounter(ctx, "history-sync_eastmoney_ok_20261019")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = b.GetCounter(ctx, "history-sync_eastmoney_err_20261019")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		list, err := b.ListCounters(ctx, "20261019")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "history-sync_eastmoney_ok_20261019", list[0].Key)
		assert.Equal(t, int64(2), list[0].Value)
		assert.Equal(t, "history-sync_eastmoney_run_20261019", list[1].Key)
	})
}

func TestRunAudit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := models.RunParams{Kind: models.KindHistorySync, JobID: "job-1", Subject: "000001", Source: "eastmoney", Attempt: 1}

		first, err := b.CreateRun(ctx, p, t0)
		require.NoError(t, err)
		require.NoError(t, b.AppendRunLog(ctx, first, "fetching", t0))
		require.NoError(t, b.AppendRunLog(ctx, first, "upstream 503", t0.Add(time.Second)))
		require.NoError(t, b.FinishRunError(ctx, first, "upstream 503", t0.Add(time.Second)))

		p.Attempt = 2
		second, err := b.CreateRun(ctx, p, t0.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, b.FinishRunOK(ctx, second, t0.Add(time.Minute)))

		runs, err := b.ListRuns(ctx, "job-1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		assert.Equal(t, second, runs[0].ID)
		assert.Equal(t, models.RunOK, runs[0].Status)
		assert.Nil(t, runs[0].Error)
		assert.Empty(t, runs[0].Logs)

		assert.Equal(t, first, runs[1].ID)
		assert.Equal(t, models.RunError, runs[1].Status)
		require.NotNil(t, runs[1].Error)
		assert.Equal(t, "upstream 503", *runs[1].Error)
		require.Len(t, runs[1].Logs, 2)
		assert.Equal(t, "fetching", runs[1].Logs[0].Line)
		assert.Equal(t, "upstream 503", runs[1].Logs[1].Line)

		assert.ErrorIs(t, b.FinishRunOK(ctx, "missing", t0), ErrNotFound)
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "cassandra"})
	assert.Error(t, err)
}
