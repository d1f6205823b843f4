package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if the lock still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
// While a lock is held its TTL is refreshed every third of the TTL, so a slow
// operation keeps it. The TTL only bounds how long a crashed holder blocks the
// key. If Redis loses the key anyway (failover, a refresh that cannot reach
// the server), another replica may enter; the postgres backend still
// serializes writers through SELECT ... FOR UPDATE on the account row.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *zap.Logger
}

// RedisOptions configures a RedisLocker
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	RetryDelay time.Duration
}

// NewRedisLocker connects to Redis
func NewRedisLocker(opts RedisOptions, logger *zap.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLockerWithClient(client, opts.TTL, opts.RetryDelay, logger)
}

// NewRedisLockerWithClient wraps an existing client
func NewRedisLockerWithClient(client *redis.Client, ttl, retryDelay time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 25 * time.Millisecond
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retryDelay: retryDelay,
		prefix:     "x402guard:lock:",
		logger:     logger,
	}
}

// Lock polls SET NX PX until it wins or ctx ends
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			return r.hold(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// hold starts the TTL watchdog and returns the release func
func (r *RedisLocker) hold(key, token string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(ctx, max(r.ttl/3, time.Millisecond), func(ctx context.Context) (bool, error) {
			return r.extend(ctx, key, token)
		}, r.logger.With(zap.String("key", key)))
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			r.release(key, token)
		})
	}
}

func (r *RedisLocker) extend(ctx context.Context, key, token string) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// keepAlive calls extend every interval until ctx ends or the lock is lost.
// A failed call is retried on the next tick.
func keepAlive(ctx context.Context, interval time.Duration, extend func(ctx context.Context) (bool, error), logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := extend(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to extend redis lock", zap.Error(err))
			continue
		}
		if !held {
			logger.Error("redis lock lost before release")
			return
		}
	}
}

func (r *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.logger.Warn("failed to release redis lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Ping checks connectivity for readiness probes
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
