package client

import "testing"

func TestFetchGuardCleanFetch(t *testing.T) {
	g := newFetchGuard()

	tok := g.begin("user:1")
	if !g.end("user:1", tok) {
		t.Fatal("Undisturbed fetch should be cacheable")
	}
}

func TestFetchGuardInvalidatedFetch(t *testing.T) {
	g := newFetchGuard()

	tok := g.begin("user:1")
	g.invalidate("user:1")
	if g.end("user:1", tok) {
		t.Fatal("Fetch raced by invalidation should not be cacheable")
	}
}

func TestFetchGuardUnrelatedKey(t *testing.T) {
	g := newFetchGuard()

	tok := g.begin("user:1")
	g.invalidate("user:2")
	if !g.end("user:1", tok) {
		t.Fatal("Invalidation of an unrelated key should not dirty the fetch")
	}
}

func TestFetchGuardInvalidateAll(t *testing.T) {
	g := newFetchGuard()

	tok1 := g.begin("user:1")
	tok2 := g.begin("user:2")
	g.invalidateAll()

	if g.end("user:1", tok1) {
		t.Fatal("Flush should dirty all in-flight fetches")
	}
	if g.end("user:2", tok2) {
		t.Fatal("Flush should dirty all in-flight fetches")
	}
}

func TestFetchGuardConcurrentFetchesSameKey(t *testing.T) {
	g := newFetchGuard()

	tok1 := g.begin("user:1")
	tok2 := g.begin("user:1")
	g.invalidate("user:1")

	if g.end("user:1", tok1) || g.end("user:1", tok2) {
		t.Fatal("All in-flight fetches for the key should be dirtied")
	}

	// A fetch started after the invalidation is clean.
	tok3 := g.begin("user:1")
	if !g.end("user:1", tok3) {
		t.Fatal("Fetch begun after invalidation should be cacheable")
	}
}
