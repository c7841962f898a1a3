// Package server implements the keytrack TCP server: the accept loop, the
// per-connection command handlers, and the wiring between the keyspace, the
// interest structures, and the invalidation dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keytrack/keytrack/dispatch"
	"github.com/keytrack/keytrack/keyspace"
	"github.com/keytrack/keytrack/session"
	"github.com/keytrack/keytrack/tracking"
	"github.com/keytrack/keytrack/types"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("server closed")

const keyLockStripes = 64

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address.
	Addr string

	// MaxTrackedKeys bounds the tracking table. Zero or less means unbounded.
	MaxTrackedKeys int

	// DeliveryTimeout bounds how long an invalidation push may wait for room
	// in a session's delivery queue before the session is declared stalled
	// and forcibly disconnected.
	DeliveryTimeout time.Duration

	// PushBuffer is the per-session delivery queue size.
	PushBuffer int

	// KeySpace is the authoritative store. If nil an in-memory store is used.
	KeySpace keyspace.KeySpace

	// Logger receives server logs. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:7411",
		MaxTrackedKeys:  1_000_000,
		DeliveryTimeout: 5 * time.Second,
		PushBuffer:      128,
		Logger:          zerolog.Nop(),
	}
}

// Validate validates the config.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timeout must be positive")
	}
	if c.PushBuffer < 1 {
		return fmt.Errorf("push buffer must be at least 1")
	}
	return nil
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	Sessions    int
	TrackedKeys int
	Prefixes    int
	Dispatch    dispatch.Stats
}

// Server accepts client connections and serves the keytrack protocol.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	ks         keyspace.KeySpace
	ownedStore bool

	table      *tracking.Table
	prefixes   *tracking.PrefixRegistry
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher

	// keyLocks serialize the store write and the invalidation dispatch for a
	// key, so invalidations are observed in write order per key.
	keyLocks [keyLockStripes]sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	handlers map[*connHandler]struct{}
	closed   bool

	group *errgroup.Group
}

// New creates a Server from cfg.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ks := cfg.KeySpace
	owned := false
	if ks == nil {
		ks = keyspace.NewMemoryStore()
		owned = true
	}

	s := &Server{
		cfg:        cfg,
		log:        cfg.Logger,
		ks:         ks,
		ownedStore: owned,
		prefixes:   tracking.NewPrefixRegistry(),
		sessions:   session.NewRegistry(),
		handlers:   make(map[*connHandler]struct{}),
	}

	// The table's evict hook points at the dispatcher and the dispatcher
	// reads the table. Evictions only happen once reads are being served, by
	// which time both are in place.
	s.table = tracking.NewTable(cfg.MaxTrackedKeys, func(key string, sids []types.SessionID) {
		s.dispatcher.OnTableEvict(key, sids)
	})
	s.dispatcher = dispatch.New(s.table, s.prefixes, s.sessions, cfg.Logger)

	return s, nil
}

// Start begins listening and accepting connections. It returns once the
// listener is bound; connections are served on background goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.group = &errgroup.Group{}
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	s.group.Go(s.acceptLoop)
	return nil
}

// Addr returns the bound listen address, useful when the config used port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			return err
		}

		h := newConnHandler(s, conn)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.handlers[h] = struct{}{}
		s.mu.Unlock()

		s.group.Go(func() error {
			h.serve()
			return nil
		})
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) removeHandler(h *connHandler) {
	s.mu.Lock()
	delete(s.handlers, h)
	s.mu.Unlock()
}

// keyLock returns the stripe lock for key.
func (s *Server) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.keyLocks[int(h.Sum32())%keyLockStripes]
}

// dropRedirectsTo tears down tracking for every session that redirects its
// invalidations to the closed session target. Their delivery path is gone, so
// leaving them tracked would silently lose invalidations; untracking them is
// the conservative move, and the owning clients are expected to flush.
func (s *Server) dropRedirectsTo(target types.SessionID) {
	s.sessions.Each(func(sess *session.Session) {
		if sess.Redirect() != target {
			return
		}
		sess.DisableTracking()
		s.table.RemoveSession(sess.ID())
		s.prefixes.RemoveSession(sess.ID())
		s.log.Warn().
			Uint64("session", uint64(sess.ID())).
			Uint64("redirect", uint64(target)).
			Msg("redirect target closed, tracking disabled")
	})
}

// Stats returns a snapshot of server activity.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:    s.sessions.Len(),
		TrackedKeys: s.table.Len(),
		Prefixes:    s.prefixes.Len(),
		Dispatch:    s.dispatcher.Snapshot(),
	}
}

// Shutdown stops accepting connections, closes live ones, and waits for the
// handlers to drain or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	ln := s.listener
	handlers := make([]*connHandler, 0, len(s.handlers))
	for h := range s.handlers {
		handlers = append(handlers, h)
	}
	group := s.group
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, h := range handlers {
		h.close()
	}

	done := make(chan struct{})
	go func() {
		if group != nil {
			group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ownedStore {
		return s.ks.Close()
	}
	return nil
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
