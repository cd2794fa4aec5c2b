package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fundval-scheduler/internal/models"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(1))
	assert.Equal(t, 20*time.Second, Backoff(2))
	assert.Equal(t, 40*time.Second, Backoff(3))
	assert.Equal(t, 10*time.Second, Backoff(0))
	assert.Equal(t, 10*time.Second, Backoff(-5))
	assert.Equal(t, time.Hour, Backoff(30))
	assert.Equal(t, time.Hour, Backoff(1000))
}

func TestBackoffIsMonotonicAndBounded(t *testing.T) {
	prev := time.Duration(0)
	for attempt := -3; attempt <= 64; attempt++ {
		got := Backoff(attempt)
		assert.GreaterOrEqual(t, got, prev, "attempt %d", attempt)
		assert.GreaterOrEqual(t, got, 10*time.Second)
		assert.LessOrEqual(t, got, time.Hour)
		prev = got
	}
}

func TestSuccessDelay(t *testing.T) {
	tests := []struct {
		kind     models.Kind
		priority int
		want     time.Duration
	}{
		{models.KindEstimateSync, 100, 2 * time.Minute},
		{models.KindEstimateSync, 80, 5 * time.Minute},
		{models.KindEstimateSync, 20, 30 * time.Minute},
		{models.KindEstimateSync, 19, 6 * time.Hour},
		{models.KindHistorySync, 150, 15 * time.Minute},
		{models.KindHistorySync, 99, 30 * time.Minute},
		{models.KindHistorySync, 20, 6 * time.Hour},
		{models.KindMetadataSync, -1, 6 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SuccessDelay(tt.kind, tt.priority), "%s/%d", tt.kind, tt.priority)
	}
}

func TestSuccessDelayNonIncreasingInPriority(t *testing.T) {
	for _, kind := range models.Kinds {
		prev := SuccessDelay(kind, -10)
		for p := -9; p <= 200; p++ {
			got := SuccessDelay(kind, p)
			assert.LessOrEqual(t, got, prev, "%s priority %d", kind, p)
			prev = got
		}
	}
}
