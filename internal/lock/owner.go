package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Renew and Release when the lock belongs to
// someone else or has expired.
var ErrNotHeld = errors.New("lock not held")

// Owner is a single-holder lease in Redis. Acquire sets the key only when
// absent; Renew and Release act only while the stored token is ours.
type Owner struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewOwner builds a lock on key with a random holder token.
func NewOwner(client *redis.Client, key string, ttl time.Duration) *Owner {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Owner{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Token identifies this holder.
func (o *Owner) Token() string { return o.token }

// Acquire takes the lock if nobody holds it, or renews it if we already do.
func (o *Owner) Acquire(ctx context.Context) (bool, error) {
	ok, err := o.client.SetNX(ctx, o.key, o.token, o.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", o.key, err)
	}
	if ok {
		return true, nil
	}
	err = o.Renew(ctx)
	if errors.Is(err, ErrNotHeld) {
		return false, nil
	}
	return err == nil, err
}

// Renew pushes the expiry forward.
func (o *Owner) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, o.client, []string{o.key}, o.token, o.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", o.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the key if we still hold it.
func (o *Owner) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, o.client, []string{o.key}, o.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", o.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
