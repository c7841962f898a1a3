// Package tracking implements the server-side interest structures behind
// invalidation: the Table records which session read which exact key (default
// mode), and the PrefixRegistry records which session subscribed to which key
// prefix (broadcast mode).
//
// The two structures are deliberately disjoint: a default-mode session never
// appears in the registry and a broadcast-mode session never appears in the
// table. The dispatcher unions both on every write to compute the sessions to
// notify.
//
// Table entries are single-shot. Consuming the interest for a key removes the
// entry; a session must read the key again to be tracked again. This bounds
// server state without per-client bookkeeping beyond the next invalidation.
package tracking
