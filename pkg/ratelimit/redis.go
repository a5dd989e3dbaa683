package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix is prepended to every key. Default: "gatekeeper:rl:"
	Prefix string
	// TTL is how long an entry outlives the end of its window, its last
	// request or its block, whichever is latest. Default: 1 hour
	TTL time.Duration
	// MaxRetries bounds optimistic transaction retries per Update.
	// Default: 10
	MaxRetries int
}

// RedisStore shares rate limit state between instances. Each entry is a hash;
// updates run inside WATCH/MULTI transactions so concurrent writers from any
// instance cannot lose increments.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxRetries int
}

var _ Store = (*RedisStore)(nil)

const (
	fieldCount       = "count"
	fieldWindowStart = "window_start"
	fieldWindowEnd   = "window_end"
	fieldBlocked     = "blocked"
	fieldBlockExpiry = "block_expiry"
	fieldLastSeen    = "last_seen"
)

// NewRedisStore wraps an existing client. The client must be reachable; use
// PingRedis to fail fast at startup.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "gatekeeper:rl:"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	return &RedisStore{
		client:     client,
		prefix:     opts.Prefix,
		ttl:        opts.TTL,
		maxRetries: opts.MaxRetries,
	}
}

// PingRedis checks connectivity with a short timeout.
func PingRedis(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error) {
	rkey := s.prefix + key
	var out Entry

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, exists := decodeEntry(vals)
		next, keep := fn(current, exists)
		out = next

		if !keep && !exists {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !keep {
				pipe.Del(ctx, rkey)
				return nil
			}
			pipe.HSet(ctx, rkey, encodeEntry(next))
			pipe.PExpire(ctx, rkey, s.expiryFor(next))
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Entry{}, fmt.Errorf("updating %s: %w", key, err)
	}
	return Entry{}, ErrConflict
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("reading %s: %w", key, err)
	}
	e, ok := decodeEntry(vals)
	return e, ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// expiryFor mirrors the limiter sweep: the key lives for TTL past the
// moment the entry stops mattering. Writes happen at LastSeen, so the
// remaining lifetime is measured from there.
func (s *RedisStore) expiryFor(e Entry) time.Duration {
	pending := time.Duration(e.retainedUntil()-e.LastSeen) * time.Millisecond
	return max(pending, 0) + s.ttl
}

func encodeEntry(e Entry) map[string]interface{} {
	blocked := "0"
	if e.Blocked {
		blocked = "1"
	}
	return map[string]interface{}{
		fieldCount:       e.Count,
		fieldWindowStart: e.WindowStart,
		fieldWindowEnd:   e.WindowEnd,
		fieldBlocked:     blocked,
		fieldBlockExpiry: e.BlockExpiry,
		fieldLastSeen:    e.LastSeen,
	}
}

// decodeEntry treats an empty or unparsable hash as absent, which resets a
// corrupted entry on its next write.
func decodeEntry(vals map[string]string) (Entry, bool) {
	if len(vals) == 0 {
		return Entry{}, false
	}
	var e Entry
	var err error
	if e.Count, err = strconv.Atoi(vals[fieldCount]); err != nil {
		return Entry{}, false
	}
	if e.WindowStart, err = strconv.ParseInt(vals[fieldWindowStart], 10, 64); err != nil {
		return Entry{}, false
	}
	if v := vals[fieldWindowEnd]; v != "" {
		if e.WindowEnd, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Entry{}, false
		}
	}
	e.Blocked = vals[fieldBlocked] == "1"
	if v := vals[fieldBlockExpiry]; v != "" {
		if e.BlockExpiry, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Entry{}, false
		}
	}
	if v := vals[fieldLastSeen]; v != "" {
		if e.LastSeen, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Entry{}, false
		}
	}
	return e, true
}
