package keyspace

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShardCount = 16

// MemoryStore is an in-memory KeySpace sharded by key hash so concurrent
// writers do not contend on a single lock.
type MemoryStore struct {
	shards []*memoryShard
	clock  *versionClock
}

// versionClock hands out store-wide monotonic versions. A single counter is
// shared by all shards so a delete/recreate of a key can never reuse a version.
type versionClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *versionClock) next() uint64 {
	c.mu.Lock()
	c.now++
	v := c.now
	c.mu.Unlock()
	return v
}

type memoryShard struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// NewMemoryStore creates an in-memory store with the default shard count.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreShards(defaultShardCount)
}

// NewMemoryStoreShards creates an in-memory store with the given shard count.
// Shard counts below one are treated as one.
func NewMemoryStoreShards(shards int) *MemoryStore {
	if shards < 1 {
		shards = 1
	}
	ms := &MemoryStore{
		shards: make([]*memoryShard, shards),
		clock:  &versionClock{},
	}
	for i := range ms.shards {
		ms.shards[i] = &memoryShard{data: make(map[string]Entry)}
	}
	return ms
}

func (ms *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ms.shards[int(h.Sum32())%len(ms.shards)]
}

// Get retrieves the entry for key. The returned value is a copy.
func (ms *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	s := ms.shard(key)
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return Entry{Value: value, Version: e.Version}, nil
}

// Set stores a copy of value under key and returns the new version.
func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte) (uint64, error) {
	stored := make([]byte, len(value))
	copy(stored, value)

	s := ms.shard(key)
	s.mu.Lock()
	version := ms.clock.next()
	s.data[key] = Entry{Value: stored, Version: version}
	s.mu.Unlock()
	return version, nil
}

// Delete removes key. Idempotent.
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	s := ms.shard(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Clear removes all keys from all shards.
func (ms *MemoryStore) Clear(ctx context.Context) error {
	for _, s := range ms.shards {
		s.mu.Lock()
		s.data = make(map[string]Entry)
		s.mu.Unlock()
	}
	return nil
}

// Len reports the number of stored keys.
func (ms *MemoryStore) Len(ctx context.Context) (int, error) {
	n := 0
	for _, s := range ms.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (ms *MemoryStore) Close() error {
	return nil
}
