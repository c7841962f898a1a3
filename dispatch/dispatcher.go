// Package dispatch ties key writes to invalidation delivery. On every write it
// consumes exact-key interest from the tracking table, unions in broadcast
// prefix subscribers, applies NOLOOP suppression, and pushes one message per
// delivery channel.
package dispatch

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/keytrack/keytrack/push"
	"github.com/keytrack/keytrack/session"
	"github.com/keytrack/keytrack/tracking"
	"github.com/keytrack/keytrack/types"
)

// Stats counts dispatcher activity. All fields are updated atomically; read
// them through Snapshot.
type Stats struct {
	// KeyInvalidations is the number of KEYS messages pushed.
	KeyInvalidations int64

	// FlushInvalidations is the number of FLUSH messages pushed.
	FlushInvalidations int64

	// TrackingEvictions counts keys evicted from the tracking table to stay
	// within its budget. Each one degraded precision for some sessions.
	TrackingEvictions int64

	// DeliveryFailures counts pushes rejected by a stalled or closed channel.
	DeliveryFailures int64
}

// Dispatcher computes and delivers the invalidations caused by writes.
type Dispatcher struct {
	table    *tracking.Table
	prefixes *tracking.PrefixRegistry
	sessions *session.Registry
	log      zerolog.Logger

	stats Stats
}

// New creates a dispatcher over the given interest structures and session
// registry.
func New(table *tracking.Table, prefixes *tracking.PrefixRegistry, sessions *session.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		table:    table,
		prefixes: prefixes,
		sessions: sessions,
		log:      log,
	}
}

// OnWrite dispatches invalidations for keys mutated by one logical operation
// performed by writer (zero when the writer is not a tracked session, e.g. an
// administrative flush). Interest consumption and NOLOOP evaluation happen
// synchronously in this call; only the delivery itself is queued, so the
// writer can never receive its own echo under NOLOOP regardless of load.
func (d *Dispatcher) OnWrite(writer types.SessionID, keys ...string) {
	perChannel := make(map[push.Channel][]string)
	dedupe := make(map[push.Channel]map[string]struct{})

	for _, key := range keys {
		targets := d.table.ConsumeInterest(key)
		targets = append(targets, d.prefixes.MatchingSessions(key)...)

		for _, sid := range targets {
			s := d.sessions.Get(sid)
			if s == nil {
				// Session torn down between interest recording and this write.
				continue
			}
			if sid == writer && s.NoLoop() {
				continue
			}
			ch := d.channelFor(s)
			if ch == nil {
				continue
			}
			if dedupe[ch] == nil {
				dedupe[ch] = make(map[string]struct{})
			}
			if _, dup := dedupe[ch][key]; dup {
				continue
			}
			dedupe[ch][key] = struct{}{}
			perChannel[ch] = append(perChannel[ch], key)
		}
	}

	for ch, chKeys := range perChannel {
		if err := ch.Push(types.InvalidateKeys(chKeys...)); err != nil {
			atomic.AddInt64(&d.stats.DeliveryFailures, 1)
			d.log.Warn().Err(err).Strs("keys", chKeys).Msg("invalidation delivery failed")
			continue
		}
		atomic.AddInt64(&d.stats.KeyInvalidations, 1)
	}
}

// OnFlush tells every tracked session that its whole cache is unreliable.
// Used for keyspace-wide clears.
func (d *Dispatcher) OnFlush() {
	pushed := make(map[push.Channel]struct{})
	d.sessions.Each(func(s *session.Session) {
		if s.Mode() == types.ModeOff {
			return
		}
		ch := d.channelFor(s)
		if ch == nil {
			return
		}
		if _, done := pushed[ch]; done {
			return
		}
		pushed[ch] = struct{}{}
		d.pushFlush(ch)
	})
}

// OnTableEvict is the tracking.EvictFunc: when the table drops a key it can no
// longer track precisely, every session that had interest in it is told to
// flush. Conservative over-invalidation instead of silent loss.
func (d *Dispatcher) OnTableEvict(key string, sids []types.SessionID) {
	atomic.AddInt64(&d.stats.TrackingEvictions, 1)
	d.log.Info().Str("key", key).Int("sessions", len(sids)).
		Msg("tracking table full, evicted key with conservative flush")

	d.FlushSessions(sids)
}

// FlushSessions pushes a FLUSH to each listed session, deduplicating shared
// redirect channels.
func (d *Dispatcher) FlushSessions(sids []types.SessionID) {
	pushed := make(map[push.Channel]struct{})
	for _, sid := range sids {
		s := d.sessions.Get(sid)
		if s == nil {
			continue
		}
		ch := d.channelFor(s)
		if ch == nil {
			continue
		}
		if _, done := pushed[ch]; done {
			continue
		}
		pushed[ch] = struct{}{}
		d.pushFlush(ch)
	}
}

func (d *Dispatcher) pushFlush(ch push.Channel) {
	if err := ch.Push(types.Flush()); err != nil {
		atomic.AddInt64(&d.stats.DeliveryFailures, 1)
		d.log.Warn().Err(err).Msg("flush delivery failed")
		return
	}
	atomic.AddInt64(&d.stats.FlushInvalidations, 1)
}

// channelFor resolves the delivery channel for s, following a redirect when
// one is set. A redirect whose target is gone yields nil; the server tears
// down tracking for such sessions when the target connection closes.
func (d *Dispatcher) channelFor(s *session.Session) push.Channel {
	target := s.Redirect()
	if target == 0 {
		return s.Channel()
	}
	rs := d.sessions.Get(target)
	if rs == nil {
		d.log.Warn().Uint64("session", uint64(s.ID())).Uint64("redirect", uint64(target)).
			Msg("redirect target gone, dropping delivery")
		return nil
	}
	return rs.Channel()
}

// Snapshot returns the current counter values.
func (d *Dispatcher) Snapshot() Stats {
	return Stats{
		KeyInvalidations:   atomic.LoadInt64(&d.stats.KeyInvalidations),
		FlushInvalidations: atomic.LoadInt64(&d.stats.FlushInvalidations),
		TrackingEvictions:  atomic.LoadInt64(&d.stats.TrackingEvictions),
		DeliveryFailures:   atomic.LoadInt64(&d.stats.DeliveryFailures),
	}
}
