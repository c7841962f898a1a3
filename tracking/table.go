package tracking

import (
	"container/list"
	"hash/fnv"
	"sync"

	"github.com/keytrack/keytrack/types"
)

const defaultTableShards = 16

// EvictFunc is called when the table evicts a key to stay within its entry
// budget. It receives the sessions whose interest in the key was lost; they
// can no longer be invalidated precisely and must be told to flush.
type EvictFunc func(key string, sessions []types.SessionID)

// Table maps keys to the sessions that read them while tracked. It is sharded
// by key hash so concurrent reads and writes touching different keys do not
// contend on a single lock.
type Table struct {
	shards  []*tableShard
	onEvict EvictFunc
}

type tableShard struct {
	mu      sync.Mutex
	entries map[string]*interest
	order   *list.List // keys, oldest first
	maxKeys int
}

type interest struct {
	sessions map[types.SessionID]struct{}
	elem     *list.Element
}

// NewTable creates a Table bounded to maxKeys tracked keys in total. A
// maxKeys of zero or less means unbounded. onEvict may be nil.
func NewTable(maxKeys int, onEvict EvictFunc) *Table {
	return NewTableShards(maxKeys, defaultTableShards, onEvict)
}

// NewTableShards creates a Table with an explicit shard count. The key budget
// is split evenly across shards, rounding up.
func NewTableShards(maxKeys, shards int, onEvict EvictFunc) *Table {
	if shards < 1 {
		shards = 1
	}
	perShard := 0
	if maxKeys > 0 {
		perShard = (maxKeys + shards - 1) / shards
	}
	t := &Table{
		shards:  make([]*tableShard, shards),
		onEvict: onEvict,
	}
	for i := range t.shards {
		t.shards[i] = &tableShard{
			entries: make(map[string]*interest),
			order:   list.New(),
			maxKeys: perShard,
		}
	}
	return t
}

func (t *Table) shard(key string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[int(h.Sum32())%len(t.shards)]
}

// RecordRead registers sid's interest in key. If inserting a new key would
// exceed the shard's budget, the oldest key in the shard is evicted and its
// interest set is reported through the EvictFunc. The callback runs outside
// the shard lock.
func (t *Table) RecordRead(sid types.SessionID, key string) {
	s := t.shard(key)

	var evictedKey string
	var evicted []types.SessionID

	s.mu.Lock()
	in, ok := s.entries[key]
	if !ok {
		if s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
			evictedKey, evicted = s.evictOldestLocked()
		}
		in = &interest{
			sessions: make(map[types.SessionID]struct{}),
			elem:     s.order.PushBack(key),
		}
		s.entries[key] = in
	}
	in.sessions[sid] = struct{}{}
	s.mu.Unlock()

	if evicted != nil && t.onEvict != nil {
		t.onEvict(evictedKey, evicted)
	}
}

func (s *tableShard) evictOldestLocked() (string, []types.SessionID) {
	front := s.order.Front()
	if front == nil {
		return "", nil
	}
	key := front.Value.(string)
	in := s.entries[key]
	s.order.Remove(front)
	delete(s.entries, key)

	sids := make([]types.SessionID, 0, len(in.sessions))
	for sid := range in.sessions {
		sids = append(sids, sid)
	}
	return key, sids
}

// ConsumeInterest atomically returns and clears the interest set for key.
// Returns nil when no session is tracking the key. Take-and-clear is a single
// critical section so two concurrent writes cannot both observe the same
// interest, and a read cannot slip in between the take and the clear.
func (t *Table) ConsumeInterest(key string) []types.SessionID {
	s := t.shard(key)

	s.mu.Lock()
	in, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.order.Remove(in.elem)
	delete(s.entries, key)
	s.mu.Unlock()

	sids := make([]types.SessionID, 0, len(in.sessions))
	for sid := range in.sessions {
		sids = append(sids, sid)
	}
	return sids
}

// RemoveSession drops sid from every entry, removing entries that become
// empty. Called on session teardown; fans out to all shards.
func (t *Table) RemoveSession(sid types.SessionID) {
	for _, s := range t.shards {
		s.mu.Lock()
		for key, in := range s.entries {
			if _, ok := in.sessions[sid]; !ok {
				continue
			}
			delete(in.sessions, sid)
			if len(in.sessions) == 0 {
				s.order.Remove(in.elem)
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// Contains reports whether sid has recorded interest in key.
func (t *Table) Contains(sid types.SessionID, key string) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.entries[key]
	if !ok {
		return false
	}
	_, ok = in.sessions[sid]
	return ok
}

// ContainsSession reports whether sid appears under any key. Scans all shards.
func (t *Table) ContainsSession(sid types.SessionID) bool {
	for _, s := range t.shards {
		s.mu.Lock()
		for _, in := range s.entries {
			if _, ok := in.sessions[sid]; ok {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	return false
}

// Len reports the number of tracked keys.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
