package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundval-scheduler/internal/models"
)

const keyPrefix = "fundsync:counter:"

// DefaultTTL keeps a day's counters around for a month.
const DefaultTTL = 31 * 24 * time.Hour

// Redis keeps daily outcome counters as plain Redis integers. Each key
// expires ttl after its last increment.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds a counter store on client. A zero ttl uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) redisKey(key string) string {
	return keyPrefix + key
}

// IncrCounter bumps key by one and refreshes its expiry.
func (r *Redis) IncrCounter(ctx context.Context, key models.CounterKey, _ time.Time) error {
	k := r.redisKey(key.String())
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr counter %s: %w", key, err)
	}
	return nil
}

// GetCounter reads a counter; a missing key reads as zero.
func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.redisKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return n, nil
}

// ListCounters scans every counter whose key ends in day.
func (r *Redis) ListCounters(ctx context.Context, day string) ([]models.Counter, error) {
	var keys []string
	it := r.client.Scan(ctx, 0, keyPrefix+"*_"+day, 200).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan counters: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	out := make([]models.Counter, 0, len(keys))
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", keys[i], err)
		}
		out = append(out, models.Counter{Key: strings.TrimPrefix(keys[i], keyPrefix), Day: day, Value: n})
	}
	return out, nil
}
