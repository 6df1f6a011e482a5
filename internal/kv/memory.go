// memory.go implements Store entirely in process memory. It exists for the
// test suite and for single-process development without a Redis server; it is
// not suitable for multi-worker deployments because pipelines are only atomic
// within one process.
package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryValue struct {
	str      string
	hash     map[string]string
	set      map[string]struct{}
	zset     map[string]float64
	list     []string
	expireAt time.Time // zero = no expiry
}

func (v *memoryValue) expired(now time.Time) bool {
	return !v.expireAt.IsZero() && now.After(v.expireAt)
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memoryValue
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memoryValue),
		now:  time.Now,
	}
}

// SetClock overrides the store's clock. Tests use this to age out TTLs and
// sliding-window entries without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// lookup returns the live value for key, purging it first if expired.
// Caller must hold s.mu.
func (s *MemoryStore) lookup(key string) *memoryValue {
	v, ok := s.data[key]
	if !ok {
		return nil
	}
	if v.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return v
}

func (s *MemoryStore) ensure(key string) *memoryValue {
	if v := s.lookup(key); v != nil {
		return v
	}
	v := &memoryValue{}
	s.data[key] = v
	return v
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil {
		return "", ErrNotFound
	}
	return v.str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	v := &memoryValue{str: value}
	if ttl > 0 {
		v.expireAt = s.now().Add(ttl)
	}
	s.data[key] = v
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key) != nil, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ensure(key)
	n, _ := strconv.ParseInt(v.str, 10, 64)
	n++
	v.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, field, value)
	return nil
}

func (s *MemoryStore) hsetLocked(key, field, value string) {
	v := s.ensure(key)
	if v.hash == nil {
		v.hash = make(map[string]string)
	}
	v.hash[field] = value
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || v.hash == nil {
		return "", ErrNotFound
	}
	val, ok := v.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || v.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(v.hash, f)
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if v := s.lookup(key); v != nil {
		for f, val := range v.hash {
			out[f] = val
		}
	}
	return out, nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

func (s *MemoryStore) saddLocked(key string, members ...string) {
	v := s.ensure(key)
	if v.set == nil {
		v.set = make(map[string]struct{})
	}
	for _, m := range members {
		v.set[m] = struct{}{}
	}
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || v.set == nil {
		return nil
	}
	for _, m := range members {
		delete(v.set, m)
	}
	return nil
}

func (s *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || v.set == nil {
		return false, nil
	}
	_, ok := v.set[member]
	return ok, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || v.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(v.set))
	for m := range v.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, score, member)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, member string) {
	v := s.ensure(key)
	if v.zset == nil {
		v.zset = make(map[string]float64)
	}
	v.zset[member] = score
}

func (s *MemoryStore) zmembersLocked(key string, ascending bool) []MemberScore {
	v := s.lookup(key)
	if v == nil || v.zset == nil {
		return nil
	}
	out := make([]MemberScore, 0, len(v.zset))
	for m, sc := range v.zset {
		out = append(out, MemberScore{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			if ascending {
				return out[i].Score < out[j].Score
			}
			return out[i].Score > out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemoryStore) ZRevRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ms := range s.zmembersLocked(key, false) {
		if ms.Score < min || ms.Score > max {
			continue
		}
		out = append(out, ms.Member)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ensure(key)
	for _, val := range values {
		v.list = append([]string{val}, v.list...)
	}
	return nil
}

func (s *MemoryStore) RPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(key)
	if v == nil || len(v.list) == 0 {
		return "", ErrNotFound
	}
	last := v.list[len(v.list)-1]
	v.list = v.list[:len(v.list)-1]
	return last, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Pipeline returns a batch whose queued operations apply under a single lock
// acquisition, giving the same atomicity a Redis MULTI/EXEC provides.
func (s *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: s}
}

type memoryPipeline struct {
	store *MemoryStore
	ops   []func()
}

func (mp *memoryPipeline) Set(key, value string, ttl time.Duration) {
	mp.ops = append(mp.ops, func() { mp.store.setLocked(key, value, ttl) })
}

func (mp *memoryPipeline) Delete(keys ...string) {
	mp.ops = append(mp.ops, func() {
		for _, k := range keys {
			delete(mp.store.data, k)
		}
	})
}

func (mp *memoryPipeline) HSet(key, field, value string) {
	mp.ops = append(mp.ops, func() { mp.store.hsetLocked(key, field, value) })
}

func (mp *memoryPipeline) HDel(key string, fields ...string) {
	mp.ops = append(mp.ops, func() {
		if v := mp.store.lookup(key); v != nil && v.hash != nil {
			for _, f := range fields {
				delete(v.hash, f)
			}
		}
	})
}

func (mp *memoryPipeline) SAdd(key string, members ...string) {
	mp.ops = append(mp.ops, func() { mp.store.saddLocked(key, members...) })
}

func (mp *memoryPipeline) SRem(key string, members ...string) {
	mp.ops = append(mp.ops, func() {
		if v := mp.store.lookup(key); v != nil && v.set != nil {
			for _, m := range members {
				delete(v.set, m)
			}
		}
	})
}

func (mp *memoryPipeline) ZAdd(key string, score float64, member string) {
	mp.ops = append(mp.ops, func() { mp.store.zaddLocked(key, score, member) })
}

func (mp *memoryPipeline) ZRemRangeByScore(key string, min, max float64) {
	mp.ops = append(mp.ops, func() {
		if v := mp.store.lookup(key); v != nil && v.zset != nil {
			for m, sc := range v.zset {
				if sc >= min && sc <= max {
					delete(v.zset, m)
				}
			}
		}
	})
}

func (mp *memoryPipeline) ZCard(key string) *IntReply {
	reply := &IntReply{}
	mp.ops = append(mp.ops, func() {
		if v := mp.store.lookup(key); v != nil {
			reply.set(int64(len(v.zset)))
		}
	})
	return reply
}

func (mp *memoryPipeline) ZRangeWithScores(key string, start, stop int64) *MemberScoreReply {
	reply := &MemberScoreReply{}
	mp.ops = append(mp.ops, func() {
		members := mp.store.zmembersLocked(key, true)
		n := int64(len(members))
		if n == 0 {
			return
		}
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop {
			return
		}
		reply.set(members[start : stop+1])
	})
	return reply
}

func (mp *memoryPipeline) Expire(key string, ttl time.Duration) {
	mp.ops = append(mp.ops, func() {
		if v := mp.store.lookup(key); v != nil {
			v.expireAt = mp.store.now().Add(ttl)
		}
	})
}

func (mp *memoryPipeline) Exec(context.Context) error {
	mp.store.mu.Lock()
	defer mp.store.mu.Unlock()
	for _, op := range mp.ops {
		op()
	}
	return nil
}
