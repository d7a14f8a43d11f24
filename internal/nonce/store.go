package nonce

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// ErrExists is returned by Store.Put when the key is already present.
var ErrExists = errors.New("nonce: key exists")

// Record is what the registry keeps per issued nonce. Only the hash of the
// nonce is ever used as a key.
type Record struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store persists nonce records keyed by hex digest.
type Store interface {
	// Put stores rec under key, failing with ErrExists if key is taken.
	Put(ctx context.Context, key string, rec Record) error
	Get(ctx context.Context, key string) (Record, bool, error)
	// Sweep removes records expired at now and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return ErrExists
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	rec, ok := s.records[key]
	s.mu.Unlock()
	return rec, ok, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len is the number of records held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RedisStore shares nonces between instances. Keys carry a PX expiry so
// Redis evicts them on its own and Sweep has nothing to do.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "nonce:"}
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	ttl := rec.ExpiresAt.Sub(rec.IssuedAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	val := strconv.FormatInt(rec.IssuedAt.UnixMilli(), 10) + ":" + strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, val, ttl).Result()
	if err != nil {
		return xerrors.Wrap(err, "redis set nonce")
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, xerrors.Wrap(err, "redis get nonce")
	}
	issued, expires, ok := strings.Cut(val, ":")
	if !ok {
		return Record{}, false, xerrors.Newf("malformed nonce record %q", val)
	}
	i, err1 := strconv.ParseInt(issued, 10, 64)
	e, err2 := strconv.ParseInt(expires, 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return Record{}, false, xerrors.Wrap(err, "parse nonce record")
	}
	return Record{IssuedAt: time.UnixMilli(i), ExpiresAt: time.UnixMilli(e)}, true, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }
