// Package dedup filters candidate signals through idempotency,
// quality, and per-symbol deduplication stages. Management and closing
// signals bypass every stage.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KV is the idempotency store. SetIfAbsent returns true when the key
// was newly written, false when it already existed. Set overwrites
// unconditionally; the engine uses it to stamp the executing order id
// onto a claimed key.
type KV interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisKV backs the idempotency store with redis SETNX so restarts and
// replicas share one view of the day's executions.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(addr, password string, db int) *RedisKV {
	return &RedisKV{client: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})}
}

func (r *RedisKV) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "1", ttl).Result()
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error { return r.client.Close() }

// localKV is the in-process fallback when redis is unreachable. Keys
// expire lazily on read.
type localKV struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newLocalKV() *localKV {
	return &localKV{entries: make(map[string]time.Time)}
}

func (l *localKV) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

func (l *localKV) Set(_ context.Context, key, _ string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = time.Now().Add(ttl)
	return nil
}

// fallbackKV tries the primary store and degrades to local memory with
// a warning rather than stalling the signal pipeline.
type fallbackKV struct {
	logger  *zap.Logger
	primary KV
	local   *localKV
}

func newFallbackKV(logger *zap.Logger, primary KV) *fallbackKV {
	return &fallbackKV{logger: logger, primary: primary, local: newLocalKV()}
}

func (f *fallbackKV) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.primary != nil {
		ok, err := f.primary.SetIfAbsent(ctx, key, ttl)
		if err == nil {
			// Mirror into local memory so a later outage still sees
			// today's keys.
			_, _ = f.local.SetIfAbsent(ctx, key, ttl)
			return ok, nil
		}
		f.logger.Warn("idempotency store unreachable, using local dedup", zap.Error(err))
	}
	return f.local.SetIfAbsent(ctx, key, ttl)
}

func (f *fallbackKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = f.local.Set(ctx, key, value, ttl)
	if f.primary != nil {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.logger.Warn("idempotency store unreachable on write-through", zap.Error(err))
		}
	}
	return nil
}
