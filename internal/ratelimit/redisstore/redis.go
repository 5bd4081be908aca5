// Package redisstore keeps candidate rate-limit state in Redis so several
// proxy instances share one view of provider limits.
//
// Each key is a hash holding a version and the JSON-encoded state. Writes go
// through a Lua script that checks the version, so compare-and-swap is atomic
// on the server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/llmproxy/internal/ratelimit"
)

type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ ratelimit.Store = (*Store)(nil)

type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "llmproxy:ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL sets how long an entry survives without writes (default 1h). A
// state that still blocks is kept that long past its last reset.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New wraps a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "llmproxy:ratelimit:",
		ttl:       ratelimit.DefaultStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

// casScript writes the state only when the stored version matches.
// KEYS[1] = state hash
// ARGV[1] = expected version ("0" for a missing key)
// ARGV[2] = new version
// ARGV[3] = encoded state
// ARGV[4] = lifetime in milliseconds
var casScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
    current = "0"
end
if current ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "state", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

func (s *Store) Get(ctx context.Context, key string) (ratelimit.State, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(key), "state").Result()
	if errors.Is(err, goredis.Nil) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var st ratelimit.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return st, true, nil
}

func (s *Store) Put(ctx context.Context, key string, st ratelimit.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", key, err)
	}
	k := s.key(key)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, k, "version", strconv.FormatUint(st.Version, 10), "state", raw)
		p.PExpire(ctx, k, st.Lifetime(time.Now(), s.ttl))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, oldVersion uint64, next ratelimit.State) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("redisstore: encode %s: %w", key, err)
	}
	n, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		strconv.FormatUint(oldVersion, 10),
		strconv.FormatUint(next.Version, 10),
		string(raw),
		next.Lifetime(time.Now(), s.ttl).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: swap %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) (map[string]ratelimit.State, error) {
	out := make(map[string]ratelimit.State)
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()[len(s.keyPrefix):]
		st, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = st
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan: %w", err)
	}
	return out, nil
}
