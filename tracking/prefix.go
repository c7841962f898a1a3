package tracking

import (
	"sync"

	"github.com/keytrack/keytrack/types"
)

// PrefixRegistry maps key prefixes to the sessions subscribed to them. Unlike
// the Table, entries persist across writes; they are removed only by explicit
// unsubscribe or session teardown. The empty prefix subscribes to every key.
//
// Matching runs on every write, so prefixes are held in a byte trie: a match
// walks at most len(key) nodes regardless of how many prefixes are registered.
type PrefixRegistry struct {
	mu       sync.RWMutex
	root     *prefixNode
	prefixes int
}

type prefixNode struct {
	children map[byte]*prefixNode
	sessions map[types.SessionID]struct{} // sessions subscribed to exactly this prefix
}

func newPrefixNode() *prefixNode {
	return &prefixNode{children: make(map[byte]*prefixNode)}
}

// NewPrefixRegistry creates an empty registry.
func NewPrefixRegistry() *PrefixRegistry {
	return &PrefixRegistry{root: newPrefixNode()}
}

// Subscribe registers sid for all keys starting with prefix. Idempotent.
func (r *PrefixRegistry) Subscribe(sid types.SessionID, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	for i := 0; i < len(prefix); i++ {
		child, ok := node.children[prefix[i]]
		if !ok {
			child = newPrefixNode()
			node.children[prefix[i]] = child
		}
		node = child
	}
	if node.sessions == nil {
		node.sessions = make(map[types.SessionID]struct{})
	}
	if len(node.sessions) == 0 {
		r.prefixes++
	}
	node.sessions[sid] = struct{}{}
}

// Unsubscribe removes sid's subscription to prefix. Unsubscribing a prefix
// that was never subscribed, or twice, is a no-op.
func (r *PrefixRegistry) Unsubscribe(sid types.SessionID, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	path := make([]*prefixNode, 0, len(prefix)+1)
	path = append(path, node)
	for i := 0; i < len(prefix); i++ {
		child, ok := node.children[prefix[i]]
		if !ok {
			return
		}
		node = child
		path = append(path, node)
	}
	if node.sessions == nil {
		return
	}
	if _, ok := node.sessions[sid]; !ok {
		return
	}
	delete(node.sessions, sid)
	if len(node.sessions) == 0 {
		r.prefixes--
	}
	r.pruneLocked(path, prefix)
}

// pruneLocked removes now-empty trie nodes along path, leaf to root.
func (r *PrefixRegistry) pruneLocked(path []*prefixNode, prefix string) {
	for i := len(path) - 1; i > 0; i-- {
		node := path[i]
		if len(node.children) > 0 || len(node.sessions) > 0 {
			return
		}
		delete(path[i-1].children, prefix[i-1])
	}
}

// MatchingSessions returns every session subscribed to any prefix of key,
// including the empty prefix. Returns nil when nothing matches.
func (r *PrefixRegistry) MatchingSessions(key string) []types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.SessionID
	seen := make(map[types.SessionID]struct{})

	node := r.root
	for {
		for sid := range node.sessions {
			if _, dup := seen[sid]; !dup {
				seen[sid] = struct{}{}
				out = append(out, sid)
			}
		}
		if len(key) == 0 {
			return out
		}
		child, ok := node.children[key[0]]
		if !ok {
			return out
		}
		node = child
		key = key[1:]
	}
}

// RemoveSession drops every subscription held by sid.
func (r *PrefixRegistry) RemoveSession(sid types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeSessionLocked(r.root, sid)
}

func (r *PrefixRegistry) removeSessionLocked(node *prefixNode, sid types.SessionID) {
	if _, ok := node.sessions[sid]; ok {
		delete(node.sessions, sid)
		if len(node.sessions) == 0 {
			r.prefixes--
		}
	}
	for b, child := range node.children {
		r.removeSessionLocked(child, sid)
		if len(child.children) == 0 && len(child.sessions) == 0 {
			delete(node.children, b)
		}
	}
}

// ContainsSession reports whether sid holds any subscription.
func (r *PrefixRegistry) ContainsSession(sid types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return containsSession(r.root, sid)
}

func containsSession(node *prefixNode, sid types.SessionID) bool {
	if _, ok := node.sessions[sid]; ok {
		return true
	}
	for _, child := range node.children {
		if containsSession(child, sid) {
			return true
		}
	}
	return false
}

// Len reports the number of distinct subscribed prefixes.
func (r *PrefixRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefixes
}
