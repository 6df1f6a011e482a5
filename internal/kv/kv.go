// Package kv abstracts the shared key-value store that every security
// component (RBAC, audit, rate limiting, response cache, batch queue) reads
// and writes. Two implementations exist: RedisStore for production and
// MemoryStore for tests and single-process development.
//
// Cross-worker mutations that must be atomic (rate-limit window updates,
// audit multi-index writes, credential provisioning) go through Pipeline,
// which applies its queued operations as a single atomic batch. No in-process
// lock spans multiple workers, so the store is the only coordination point.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by read operations when the key (or hash field,
// or list element) does not exist.
var ErrNotFound = errors.New("kv: not found")

// MemberScore is a sorted-set member together with its score.
type MemberScore struct {
	Member string
	Score  float64
}

// Store is the operation surface the gateway requires from its shared store.
// Every method is an I/O boundary: implementations must honour ctx
// cancellation and bound each round-trip with a timeout.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRevRangeByScore returns members with min <= score <= max in descending
	// score order, truncated to limit (limit <= 0 means unbounded).
	ZRevRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	// RPop removes and returns the tail element; ErrNotFound when empty.
	RPop(ctx context.Context, key string) (string, error)

	// Pipeline returns a new atomic batch. Queued operations are not visible
	// until Exec, and either all apply or none do.
	Pipeline() Pipeline

	Ping(ctx context.Context) error
	Close() error
}

// Pipeline queues mutations and bounded reads for atomic execution. Reply
// values are populated only after Exec returns nil.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	Delete(keys ...string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64)
	ZCard(key string) *IntReply
	ZRangeWithScores(key string, start, stop int64) *MemberScoreReply
	Expire(key string, ttl time.Duration)
	Exec(ctx context.Context) error
}

// IntReply holds an integer result bound during Exec.
type IntReply struct {
	val int64
}

// Val returns the bound value; zero before Exec.
func (r *IntReply) Val() int64 { return r.val }

func (r *IntReply) set(v int64) { r.val = v }

// MemberScoreReply holds a member/score slice bound during Exec.
type MemberScoreReply struct {
	vals []MemberScore
}

// Val returns the bound members; nil before Exec.
func (r *MemberScoreReply) Val() []MemberScore { return r.vals }

func (r *MemberScoreReply) set(v []MemberScore) { r.vals = v }
