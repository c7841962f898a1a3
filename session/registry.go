package session

import (
	"sync"
	"sync/atomic"

	"github.com/keytrack/keytrack/push"
	"github.com/keytrack/keytrack/types"
)

// Registry tracks live sessions by id and hands out ids. Ids are monotonic
// and never reused within a process, so a stale redirect target can never
// silently point at a newer connection.
type Registry struct {
	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[types.SessionID]*Session)}
}

// Register creates a session bound to ch and returns it.
func (r *Registry) Register(ch push.Channel) *Session {
	s := &Session{
		id:      types.SessionID(r.nextID.Add(1)),
		channel: ch,
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id types.SessionID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove drops the session from the registry. The caller is responsible for
// the cascade into the tracking table and prefix registry.
func (r *Registry) Remove(id types.SessionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Each calls fn for every live session. fn must not register or remove
// sessions.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
