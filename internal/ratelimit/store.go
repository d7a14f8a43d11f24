package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// Store holds the per-key timestamp logs.
type Store interface {
	// Hit appends now to key's log, drops entries older than now-window and
	// returns the remaining count and the oldest remaining timestamp.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
	// Sweep drops buckets with nothing inside the window and returns how many.
	Sweep(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

type bucket struct {
	mu    sync.Mutex
	times []time.Time
}

// prune drops entries strictly before cutoff. b.mu must be held.
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.times) && b.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}
}

// MemoryStore keeps buckets in process. Hit locks the bucket before it lets go
// of the map lock, so Sweep never removes a bucket a Hit is about to append to.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// lockedBucket returns key's bucket with b.mu held.
func (s *MemoryStore) lockedBucket(key string) *bucket {
	s.mu.RLock()
	if b, ok := s.buckets[key]; ok {
		b.mu.Lock()
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.mu.Lock()
	return b
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	b := s.lockedBucket(key)
	defer b.mu.Unlock()
	b.times = append(b.times, now)
	b.prune(now.Add(-window))
	return len(b.times), b.times[0], nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.buckets {
		b.mu.Lock()
		b.prune(cutoff)
		empty := len(b.times) == 0
		b.mu.Unlock()
		if empty {
			delete(s.buckets, k)
			n++
		}
	}
	return n, nil
}

// Len is the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// RedisStore keeps each bucket in a sorted set scored by unix milliseconds so
// every instance sharing the Redis sees the same window.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string

	// members need to be unique across instances hitting the same key in the same millisecond
	instance string
	seq      atomic.Uint64
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	var id [6]byte
	_, _ = rand.Read(id[:])
	return &RedisStore{rdb: rdb, prefix: prefix + "rl:", instance: hex.EncodeToString(id[:])}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	k := s.prefix + key
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + s.instance + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	var card *redis.IntCmd
	var first *redis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
		p.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = p.ZCard(ctx, k)
		first = p.ZRangeWithScores(ctx, k, 0, 0)
		p.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, xerrors.Wrap(err, "redis sliding window")
	}
	oldest := now
	if zs := first.Val(); len(zs) > 0 {
		oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return int(card.Val()), oldest, nil
}

// Sweep is a no-op: PEXPIRE on every hit lets Redis drop idle buckets.
func (s *RedisStore) Sweep(context.Context, time.Time, time.Duration) (int, error) { return 0, nil }
