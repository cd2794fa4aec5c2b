package counter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundval-scheduler/internal/models"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl), mr
}

func TestRedisCounters(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t, time.Hour)
	now := time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)

	run := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeRun, now, nil)
	ok := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeOK, now, nil)
	next := models.NewCounterKey(models.KindHistorySync, "eastmoney", models.OutcomeOK, now.Add(2*time.Minute), nil)

	require.NoError(t, c.IncrCounter(ctx, run, now))
	require.NoError(t, c.IncrCounter(ctx, ok, now))
	require.NoError(t, c.IncrCounter(ctx, ok, now))
	require.NoError(t, c.IncrCounter(ctx, next, now))

	n, err := c.GetCounter(ctx, "history-sync_eastmoney_ok_20261019")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.GetCounter(ctx, "history-sync_eastmoney_ok_20261020")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.GetCounter(ctx, "history-sync_eastmoney_err_20261019")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	list, err := c.ListCounters(ctx, "20261019")
	require.NoError(t, err)
	assert.Equal(t, []models.Counter{
		{Key: "history-sync_eastmoney_ok_20261019", Day: "20261019", Value: 2},
		{Key: "history-sync_eastmoney_run_20261019", Day: "20261019", Value: 1},
	}, list)

	list, err = c.ListCounters(ctx, "20200101")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisCountersExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t, time.Hour)
	key := models.NewCounterKey(models.KindEstimateSync, "eastmoney", models.OutcomeErr, time.Now(), nil)

	require.NoError(t, c.IncrCounter(ctx, key, time.Now()))
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+key.String()))

	mr.FastForward(2 * time.Hour)
	n, err := c.GetCounter(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
