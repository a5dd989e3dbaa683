package ratelimit

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// UpdateFunc receives the current entry (zero value with exists=false when the
// key is unknown) and returns the entry to persist. Returning keep=false
// removes the entry. Stores may call it more than once for a single Update,
// so it must not have side effects beyond its return values.
type UpdateFunc func(current Entry, exists bool) (next Entry, keep bool)

// Store holds rate limit entries. Update must apply fn atomically with respect
// to every other operation on the same key.
type Store interface {
	Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error)
	Get(ctx context.Context, key string) (Entry, bool, error)
	Delete(ctx context.Context, key string) error
	// Keys returns a point-in-time snapshot of stored keys.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

const memoryShardCount = 32

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// MemoryStore is a process-local Store. Keys are spread over independently
// locked shards so unrelated keys do not contend.
type MemoryStore struct {
	shards [memoryShardCount]*memoryShard
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]Entry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShardCount]
}

// Update applies fn under the shard lock that owns key.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) (Entry, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, exists := sh.entries[key]
	next, keep := fn(current, exists)
	if !keep {
		delete(sh.entries, key)
		return next, nil
	}
	sh.entries[key] = next
	return next, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.entries, key)
	return nil
}

// Keys locks one shard at a time, so the snapshot is not globally consistent.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of tracked keys (for testing/metrics).
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}
