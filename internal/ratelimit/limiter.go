// Package ratelimit enforces per-credential request budgets with a sliding
// window kept in the shared store. Each identity owns a sorted set of request
// timestamps; a single atomic batch trims expired entries, counts the rest,
// and records the new request, so concurrent workers never double-admit past
// the limit.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aorbit/agent-gateway/internal/kv"
)

const windowKeyFmt = "rate_limit:%s"

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Zero when the request was allowed.
	RetryAfter time.Duration
	// Reset is when the oldest request in the window falls out.
	Reset time.Time
}

// Limiter implements a sliding-window counter over the shared store.
type Limiter struct {
	store  kv.Store
	window time.Duration
	now    func() time.Time
}

// NewLimiter returns a Limiter with the given window, typically one minute.
func NewLimiter(store kv.Store, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// CheckAndRecord counts the identity's requests in the current window and
// records this one. The recorded entry counts against later requests even
// when this one is rejected, so a client hammering past its limit does not
// earn extra capacity.
func (l *Limiter) CheckAndRecord(ctx context.Context, identity string, limit int) (*Result, error) {
	key := fmt.Sprintf(windowKeyFmt, identity)
	now := l.now()
	nowScore := scoreOf(now)
	cutoff := nowScore - l.window.Seconds()

	pipe := l.store.Pipeline()
	pipe.ZRemRangeByScore(key, math.Inf(-1), cutoff)
	count := pipe.ZCard(key)
	oldest := pipe.ZRangeWithScores(key, 0, 0)
	pipe.ZAdd(key, nowScore, uuid.NewString())
	pipe.Expire(key, l.window)
	if err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check for %q: %w", identity, err)
	}

	used := int(count.Val())
	res := &Result{Limit: limit, Reset: now.Add(l.window)}
	if entries := oldest.Val(); len(entries) > 0 {
		res.Reset = timeOf(entries[0].Score).Add(l.window)
	}

	if used >= limit {
		res.Allowed = false
		res.Remaining = 0
		if retry := res.Reset.Sub(now); retry > 0 {
			res.RetryAfter = retry
		}
		return res, nil
	}

	res.Allowed = true
	res.Remaining = limit - used - 1
	return res, nil
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeOf(score float64) time.Time {
	return time.Unix(0, int64(score*float64(time.Second)))
}
