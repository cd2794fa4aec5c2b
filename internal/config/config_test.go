package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "store", cfg.CounterBackend)
	assert.Equal(t, 15*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, []string{"eastmoney"}, cfg.Sources)
	assert.Equal(t, time.UTC, cfg.CounterLocation())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SOURCES", "eastmoney, tiantian ,")
	t.Setenv("RUN_BUDGET", "7")
	t.Setenv("LEASE_TTL", "90s")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("COUNTER_TZ", "Asia/Shanghai")
	t.Setenv("ENQUEUE_BUDGET", "not-a-number")

	cfg := Load()
	assert.Equal(t, []string{"eastmoney", "tiantian"}, cfg.Sources)
	assert.Equal(t, 7, cfg.RunBudget)
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 500, cfg.EnqueueBudget)
	assert.Equal(t, "Asia/Shanghai", cfg.CounterLocation().String())
}

func TestCounterLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{CounterTZ: "Mars/Olympus"}
	assert.Equal(t, time.UTC, cfg.CounterLocation())
}
