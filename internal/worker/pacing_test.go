package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundval-scheduler/internal/models"
)

type recordingLimiter struct {
	keys []string
	err  error
}

func (l *recordingLimiter) Wait(_ context.Context, key string) error {
	l.keys = append(l.keys, key)
	return l.err
}

func TestPaced_WaitsOnSourceThenCalls(t *testing.T) {
	limiter := &recordingLimiter{}
	calls := 0
	h := Paced(func(context.Context, models.Job) error {
		calls++
		return nil
	}, time.Millisecond, time.Millisecond, limiter)

	require.NoError(t, h(context.Background(), models.Job{Source: "tiantian"}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"tiantian"}, limiter.keys)
}

func TestPaced_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &recordingLimiter{err: errors.New("redis down")}
	called := false
	h := Paced(func(context.Context, models.Job) error {
		called = true
		return nil
	}, 0, 0, limiter)

	assert.Error(t, h(context.Background(), models.Job{Source: "eastmoney"}))
	assert.False(t, called)
}

func TestPaced_CancelledWhileSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := Paced(func(context.Context, models.Job) error { return nil }, time.Hour, 0, nil)
	assert.ErrorIs(t, h(ctx, models.Job{}), context.Canceled)
}
