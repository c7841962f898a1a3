// Package types holds the domain types shared between the keytrack server and
// client.
package types

// SessionID identifies one logical client connection. IDs are assigned by the
// server, are stable for the lifetime of the connection, and are never reused
// within a server process. The zero value means "no session".
type SessionID uint64

// Mode is the tracking mode of a session.
type Mode uint8

const (
	// ModeOff means reads are not tracked and no invalidations are delivered.
	ModeOff Mode = iota

	// ModeDefault tracks the exact keys read by the session. Tracking is
	// single-shot: once an invalidation for a key has been delivered, the
	// session must read the key again to be tracked again.
	ModeDefault

	// ModeBroadcast delivers invalidations for every written key matching one
	// of the session's subscribed prefixes, regardless of what the session has
	// read.
	ModeBroadcast
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeDefault:
		return "default"
	case ModeBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Kind discriminates invalidation payloads.
type Kind uint8

const (
	// KindKeys invalidates the listed keys.
	KindKeys Kind = iota

	// KindFlush tells the client its entire local cache is unreliable and must
	// be cleared. Flush messages carry no keys.
	KindFlush
)

func (k Kind) String() string {
	switch k {
	case KindKeys:
		return "keys"
	case KindFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Invalidation is the message pushed to a client when keys it may have cached
// are no longer valid.
type Invalidation struct {
	Kind Kind     `json:"kind"`
	Keys []string `json:"keys,omitempty"`
}

// Flush returns the invalidation that clears everything.
func Flush() Invalidation {
	return Invalidation{Kind: KindFlush}
}

// InvalidateKeys builds a keyed invalidation.
func InvalidateKeys(keys ...string) Invalidation {
	return Invalidation{Kind: KindKeys, Keys: keys}
}
