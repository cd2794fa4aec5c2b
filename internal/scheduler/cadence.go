package scheduler

import (
	"time"

	"fundval-scheduler/internal/models"
)

const (
	backoffBase       = 10 * time.Second
	backoffMax        = 3600 * time.Second
	backoffMaxAttempt = 30
)

// Backoff is the retry delay after the attempt-th consecutive failure:
// 10s doubling per attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > backoffMaxAttempt {
		attempt = backoffMaxAttempt
	}
	wait := backoffBase << uint(attempt-1)
	if wait < backoffBase || wait > backoffMax {
		return backoffMax
	}
	return wait
}

type delayStep struct {
	minPriority int
	delay       time.Duration
}

// Steps are ordered by descending threshold; the last one is the floor.
var (
	frequentDelays = []delayStep{
		{100, 2 * time.Minute},
		{80, 5 * time.Minute},
		{20, 30 * time.Minute},
		{0, 360 * time.Minute},
	}
	defaultDelays = []delayStep{
		{100, 15 * time.Minute},
		{80, 30 * time.Minute},
		{0, 360 * time.Minute},
	}
)

// SuccessDelay is the throttle applied after a successful run. Higher
// priorities never wait longer than lower ones of the same kind.
func SuccessDelay(kind models.Kind, priority int) time.Duration {
	steps := defaultDelays
	if kind.Frequent() {
		steps = frequentDelays
	}
	for _, s := range steps[:len(steps)-1] {
		if priority >= s.minPriority {
			return s.delay
		}
	}
	return steps[len(steps)-1].delay
}
