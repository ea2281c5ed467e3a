package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "hookbuffer:lock:"

// Deletes the key only while it still holds our token, so an expired lock
// that another instance has since taken is left alone.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a lease lock shared by every instance pointed at the same
// Redis. A holder that dies loses the lock once TTL passes.
type RedisLocker struct {
	Rdb    *redis.Client
	TTL    time.Duration
	Poll   time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		Rdb:    rdb,
		TTL:    ttl,
		Poll:   50 * time.Millisecond,
		logger: logger.With().Str("component", "redis_lock").Logger(),
	}
}

// Connect parses url, builds a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

func Key(name string) string { return keyPrefix + name }

// Lock blocks until name is held or ctx ends. Redis errors are returned
// immediately rather than retried.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := Key(name)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := l.Rdb.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Poll):
		}
	}

	return func() {
		// The caller's ctx may already be done by the time it unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Rdb.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
