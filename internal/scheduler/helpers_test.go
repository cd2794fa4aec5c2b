package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/store"
)

const testSource = "eastmoney"

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	return st
}

func seedFunds(t *testing.T, st store.Catalog, codes ...string) {
	t.Helper()
	for _, c := range codes {
		require.NoError(t, st.UpsertFund(context.Background(), c, "fund "+c, time.Time{}))
	}
}

func hold(t *testing.T, st store.Catalog, account, code string, shares int64) {
	t.Helper()
	require.NoError(t, st.SetHolding(context.Background(), models.Holding{
		AccountID: account,
		FundCode:  code,
		Shares:    decimal.NewFromInt(shares),
	}, time.Time{}))
}

func findJob(t *testing.T, st store.JobStore, kind models.Kind, subject string) models.Job {
	t.Helper()
	job, err := st.FindJob(context.Background(), models.JobKey{Kind: kind, Subject: subject, Source: testSource})
	require.NoError(t, err)
	return job
}
