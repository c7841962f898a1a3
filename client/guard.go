package client

import "sync"

// fetchGuard closes the window between the server recording read interest and
// the client storing the fetched value. A fetch registers its key before the
// request goes out; if an invalidation for that key (or a flush) arrives
// before the fetch completes, the guard is marked dirty and the fetched value
// is served to the caller but not cached. Over-fetching is safe; caching a
// value the server already invalidated is not.
type fetchGuard struct {
	mu       sync.Mutex
	inflight map[string][]*guardToken
}

type guardToken struct {
	dirty bool
}

func newFetchGuard() *fetchGuard {
	return &fetchGuard{inflight: make(map[string][]*guardToken)}
}

// begin registers an in-flight fetch for key.
func (g *fetchGuard) begin(key string) *guardToken {
	tok := &guardToken{}
	g.mu.Lock()
	g.inflight[key] = append(g.inflight[key], tok)
	g.mu.Unlock()
	return tok
}

// end unregisters the fetch and reports whether the value may be cached.
func (g *fetchGuard) end(key string, tok *guardToken) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	toks := g.inflight[key]
	for i, t := range toks {
		if t == tok {
			toks = append(toks[:i], toks[i+1:]...)
			break
		}
	}
	if len(toks) == 0 {
		delete(g.inflight, key)
	} else {
		g.inflight[key] = toks
	}
	return !tok.dirty
}

// invalidate marks all in-flight fetches for key dirty.
func (g *fetchGuard) invalidate(key string) {
	g.mu.Lock()
	for _, tok := range g.inflight[key] {
		tok.dirty = true
	}
	g.mu.Unlock()
}

// invalidateAll marks every in-flight fetch dirty. Used for flushes and
// disconnects.
func (g *fetchGuard) invalidateAll() {
	g.mu.Lock()
	for _, toks := range g.inflight {
		for _, tok := range toks {
			tok.dirty = true
		}
	}
	g.mu.Unlock()
}
