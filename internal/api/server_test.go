package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/ratelimit"
	"fundval-scheduler/internal/scheduler"
	"fundval-scheduler/internal/store"
)

var now = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

type fixture struct {
	st  *store.Memory
	srv *httptest.Server
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	clock := func() time.Time { return now }
	s := New(Deps{
		Jobs:     st,
		Counters: st,
		Enqueuer: scheduler.NewEnqueuer(st, st, scheduler.WithEnqueuerClock(clock)),
		Executor: scheduler.NewExecutor(st, st, st, scheduler.WithExecutorClock(clock)),
		Limiter:  limiter,
		Now:      clock,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{st: st, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil))
}

func TestEnqueueAndInspectJob(t *testing.T) {
	f := newFixture(t, nil)

	var enq enqueueResponse
	code := f.do(t, http.MethodPost, "/jobs", `{"kind":"history-sync","subject":"000001","source":"eastmoney","priority":80}`, &enq)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "inserted", enq.Result)

	code = f.do(t, http.MethodPost, "/jobs", `{"kind":"history-sync","subject":"000001","source":"eastmoney","priority":80}`, &enq)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "unchanged", enq.Result)

	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/jobs?kind=history-sync&status=queued", "", &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, 80, list.Jobs[0].Priority)

	var detail jobResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/jobs/"+list.Jobs[0].ID, "", &detail))
	assert.Equal(t, "000001", detail.Job.Subject)
	assert.Empty(t, detail.Runs)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/nope", "", nil))
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{
		`not json`,
		`{"kind":"price-sync","source":"eastmoney"}`,
		`{"kind":"history-sync","subject":"000001"}`,
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/jobs", body, nil), body)
	}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/jobs?limit=ten", "", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/counters?day=yesterday", "", nil))
}

func TestCounters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key := models.NewCounterKey(models.KindEstimateSync, "eastmoney", models.OutcomeOK, now, nil)
	require.NoError(t, f.st.IncrCounter(ctx, key, now))
	require.NoError(t, f.st.IncrCounter(ctx, key, now))

	var one counterResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/counters/estimate-sync_eastmoney_ok_20261019", "", &one))
	assert.Equal(t, int64(2), one.Value)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/counters/estimate-sync_eastmoney_err_20261019", "", &one))
	assert.Equal(t, int64(0), one.Value)

	var list struct {
		Day      string           `json:"day"`
		Counters []models.Counter `json:"counters"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/counters", "", &list))
	assert.Equal(t, "20261019", list.Day)
	require.Len(t, list.Counters, 1)
	assert.Equal(t, "estimate-sync_eastmoney_ok_20261019", list.Counters[0].Key)
}

func TestReclaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.st.UpsertIfHigherPriority(ctx, models.JobKey{Kind: models.KindHistorySync, Subject: "000001", Source: "eastmoney"}, 10, now)
	require.NoError(t, err)
	jobs, err := f.st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	_, _, err = f.st.Claim(ctx, jobs[0].ID, now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)

	var out map[string]int
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/jobs/reclaim", "", &out))
	assert.Equal(t, 1, out["reclaimed"])
}

func TestEnqueueRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	f := newFixture(t, ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute))

	body := `{"kind":"metadata-sync","source":"eastmoney","priority":10}`
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", body, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/jobs", body, nil))
}
