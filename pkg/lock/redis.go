package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by single-key SET NX PX.
type Redis struct {
	client redis.UniversalClient
	opts   *options
}

// NewRedis wraps a connected client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Redis{client: client, opts: o}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := validate(key, ttl); err != nil {
		return Lock{}, err
	}

	token := newToken()
	ok, err := r.client.SetNX(ctx, r.opts.prefix+key, token, ttl).Result()
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return Lock{}, ErrNotAcquired
	}

	return Lock{Key: key, Token: token, AcquiredAt: time.Now(), TTL: ttl}, nil
}

func (r *Redis) AcquireBlocking(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return acquireBlocking(ctx, func(ctx context.Context) (Lock, error) {
		return r.Acquire(ctx, key, ttl)
	}, timeout, r.opts.pollInterval)
}

func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.opts.prefix + key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	return n == 1, nil
}
