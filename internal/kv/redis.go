// redis.go implements Store on top of go-redis. Every operation is wrapped in
// a bounded timeout so a stalled store round-trip cannot hold a request open
// indefinitely; callers in the security path treat the resulting error as a
// denial (fail closed).
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOpTimeout bounds a single store round-trip when the caller's context
// carries no earlier deadline.
const DefaultOpTimeout = 2 * time.Second

// RedisStore is the production Store backed by a Redis server.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisOptions configures a RedisStore connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// NewRedisStore creates a RedisStore without checking connectivity.
// Use Connect for the retrying startup path.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client, opTimeout: opts.OpTimeout}
}

// Connect dials Redis, retrying with doubling backoff up to maxAttempts.
// Callers that receive an error are expected to degrade rather than crash:
// the gateway keeps serving public routes with auth, caching, and rate
// limiting disabled.
func Connect(ctx context.Context, opts RedisOptions, maxAttempts int) (*RedisStore, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	store := NewRedisStore(opts)
	backoff := 500 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = store.Ping(ctx); lastErr == nil {
			return store, nil
		}
		slog.Warn("store connection attempt failed",
			"attempt", attempt, "max_attempts", maxAttempts, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("kv: connect failed after %d attempts: %w", maxAttempts, lastErr)
}

// Client exposes the underlying go-redis client for collaborators that speak
// to Redis directly (the anonymous-traffic limiter built on redis_rate).
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rng := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		rng.Count = limit
	}
	return s.client.ZRevRangeByScore(ctx, key, rng).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Pipeline returns an atomic MULTI/EXEC batch. Operations are queued locally
// and sent to Redis in one round-trip at Exec time.
func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{store: s}
}

// redisPipeline defers building the go-redis pipeline until Exec so the
// caller's context governs the whole batch. Each queued op may return a
// post-exec binder that copies command results into reply holders.
type redisPipeline struct {
	store *RedisStore
	ops   []func(ctx context.Context, p redis.Pipeliner) func()
}

func (rp *redisPipeline) queue(op func(ctx context.Context, p redis.Pipeliner) func()) {
	rp.ops = append(rp.ops, op)
}

func (rp *redisPipeline) Set(key, value string, ttl time.Duration) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.Set(ctx, key, value, ttl)
		return nil
	})
}

func (rp *redisPipeline) Delete(keys ...string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.Del(ctx, keys...)
		return nil
	})
}

func (rp *redisPipeline) HSet(key, field, value string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.HSet(ctx, key, field, value)
		return nil
	})
}

func (rp *redisPipeline) HDel(key string, fields ...string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.HDel(ctx, key, fields...)
		return nil
	})
}

func (rp *redisPipeline) SAdd(key string, members ...string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		p.SAdd(ctx, key, args...)
		return nil
	})
}

func (rp *redisPipeline) SRem(key string, members ...string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		p.SRem(ctx, key, args...)
		return nil
	})
}

func (rp *redisPipeline) ZAdd(key string, score float64, member string) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		return nil
	})
}

func (rp *redisPipeline) ZRemRangeByScore(key string, min, max float64) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max))
		return nil
	})
}

func (rp *redisPipeline) ZCard(key string) *IntReply {
	reply := &IntReply{}
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		cmd := p.ZCard(ctx, key)
		return func() { reply.set(cmd.Val()) }
	})
	return reply
}

func (rp *redisPipeline) ZRangeWithScores(key string, start, stop int64) *MemberScoreReply {
	reply := &MemberScoreReply{}
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		cmd := p.ZRangeWithScores(ctx, key, start, stop)
		return func() {
			zs := cmd.Val()
			out := make([]MemberScore, 0, len(zs))
			for _, z := range zs {
				member, _ := z.Member.(string)
				out = append(out, MemberScore{Member: member, Score: z.Score})
			}
			reply.set(out)
		}
	})
	return reply
}

func (rp *redisPipeline) Expire(key string, ttl time.Duration) {
	rp.queue(func(ctx context.Context, p redis.Pipeliner) func() {
		p.Expire(ctx, key, ttl)
		return nil
	})
}

func (rp *redisPipeline) Exec(ctx context.Context) error {
	ctx, cancel := rp.store.opCtx(ctx)
	defer cancel()

	pipe := rp.store.client.TxPipeline()
	binders := make([]func(), 0, len(rp.ops))
	for _, op := range rp.ops {
		if bind := op(ctx, pipe); bind != nil {
			binders = append(binders, bind)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	for _, bind := range binders {
		bind()
	}
	return nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
