// Package session holds the per-connection tracking state machine and the
// registry of live sessions.
package session

import (
	"fmt"
	"sync"

	"github.com/keytrack/keytrack/push"
	"github.com/keytrack/keytrack/types"
)

// ProtocolError reports an invalid command or option combination. It is
// returned synchronously to the offending session and leaves its state
// unchanged.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return e.msg
}

// NewProtocolError builds a ProtocolError from a format string.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// CachingOverride is the transient per-command override set by an explicit
// "cache the next read: yes/no" directive. It is consumed by the next read and
// cleared unconditionally whether or not it was meaningful.
type CachingOverride uint8

const (
	CachingUnset CachingOverride = iota
	CachingYes
	CachingNo
)

// Options are the tracking parameters fixed when tracking is enabled.
type Options struct {
	// Broadcast selects prefix-subscription mode instead of exact-key mode.
	Broadcast bool

	// OptIn tracks a read only after an explicit "cache next: yes". Default
	// mode only; mutually exclusive with OptOut.
	OptIn bool

	// OptOut tracks every read unless preceded by "cache next: no". Default
	// mode only; mutually exclusive with OptIn.
	OptOut bool

	// NoLoop suppresses invalidations caused by this session's own writes.
	// Combinable with either mode.
	NoLoop bool

	// Redirect delivers this session's invalidations on another session's
	// channel. Zero means inline delivery on the session's own connection.
	Redirect types.SessionID

	// Prefixes are the initial broadcast subscriptions. Broadcast mode only.
	// An empty list in broadcast mode subscribes to every key.
	Prefixes []string
}

// Validate checks the option combination without touching any session.
func (o Options) Validate() error {
	if o.OptIn && o.OptOut {
		return NewProtocolError("OPTIN and OPTOUT are mutually exclusive")
	}
	if o.Broadcast && (o.OptIn || o.OptOut) {
		return NewProtocolError("OPTIN/OPTOUT are only meaningful without BCAST")
	}
	if !o.Broadcast && len(o.Prefixes) > 0 {
		return NewProtocolError("PREFIX requires BCAST")
	}
	return nil
}

// Session is the tracking state of one logical client connection.
type Session struct {
	id      types.SessionID
	channel push.Channel

	mu          sync.Mutex
	mode        types.Mode
	optIn       bool
	optOut      bool
	noLoop      bool
	redirect    types.SessionID
	cachingNext CachingOverride
}

// ID returns the server-assigned session id.
func (s *Session) ID() types.SessionID {
	return s.id
}

// Channel returns the session's own delivery channel. Redirection is resolved
// by the dispatcher, not here.
func (s *Session) Channel() push.Channel {
	return s.channel
}

// Mode returns the current tracking mode.
func (s *Session) Mode() types.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// NoLoop reports whether the session suppresses its own write echoes.
func (s *Session) NoLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noLoop
}

// Redirect returns the session id invalidations are redirected to, or zero.
func (s *Session) Redirect() types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirect
}

// EnableTracking moves the session from Off into Default or Broadcast mode.
// Changing mode while tracking is already on is rejected; the client must
// disable tracking first. On any error the session state is unchanged.
func (s *Session) EnableTracking(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != types.ModeOff {
		return NewProtocolError("tracking already enabled in %s mode", s.mode)
	}

	if opts.Broadcast {
		s.mode = types.ModeBroadcast
	} else {
		s.mode = types.ModeDefault
	}
	s.optIn = opts.OptIn
	s.optOut = opts.OptOut
	s.noLoop = opts.NoLoop
	s.redirect = opts.Redirect
	s.cachingNext = CachingUnset
	return nil
}

// DisableTracking returns the session to Off and clears all options.
func (s *Session) DisableTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = types.ModeOff
	s.optIn = false
	s.optOut = false
	s.noLoop = false
	s.redirect = 0
	s.cachingNext = CachingUnset
}

// SetCachingNext arms the per-command override for the next read. Yes is only
// valid under OPTIN and no only under OPTOUT, matching the directive to the
// sub-mode that gives it meaning.
func (s *Session) SetCachingNext(yes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != types.ModeDefault {
		return NewProtocolError("CACHING requires tracking in default mode")
	}
	if yes && !s.optIn {
		return NewProtocolError("CACHING YES requires OPTIN")
	}
	if !yes && !s.optOut {
		return NewProtocolError("CACHING NO requires OPTOUT")
	}

	if yes {
		s.cachingNext = CachingYes
	} else {
		s.cachingNext = CachingNo
	}
	return nil
}

// ShouldTrackRead decides whether the read being executed records interest,
// and consumes the per-command override. The override is cleared on every read
// regardless of mode, so stale directives can never leak into later commands.
func (s *Session) ShouldTrackRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	override := s.cachingNext
	s.cachingNext = CachingUnset

	if s.mode != types.ModeDefault {
		return false
	}
	if s.optIn {
		return override == CachingYes
	}
	if s.optOut {
		return override != CachingNo
	}
	return true
}
