package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keytrack/keytrack/keyspace"
	"github.com/keytrack/keytrack/protocol"
	"github.com/keytrack/keytrack/push"
	"github.com/keytrack/keytrack/session"
	"github.com/keytrack/keytrack/types"
)

// connHandler serves one client connection. Responses and pushes share the
// connection; writeMu keeps their frames from interleaving. The handler is
// the push.Sink for the session's delivery channel.
type connHandler struct {
	srv  *Server
	conn net.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	sess    *session.Session
	channel *push.Buffered

	closeOnce sync.Once
}

func newConnHandler(s *Server, conn net.Conn) *connHandler {
	h := &connHandler{
		srv:  s,
		conn: conn,
	}
	h.channel = push.NewBuffered(h, s.cfg.PushBuffer, s.cfg.DeliveryTimeout, h.onDeliveryFail)
	h.sess = s.sessions.Register(h.channel)
	h.log = s.log.With().
		Uint64("session", uint64(h.sess.ID())).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	return h
}

// WritePush implements push.Sink.
func (h *connHandler) WritePush(inv types.Invalidation) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return protocol.WritePush(h.conn, inv)
}

func (h *connHandler) writeResponse(resp *protocol.Response) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return protocol.WriteResponse(h.conn, resp)
}

// onDeliveryFail fires when the session's delivery channel stalls or its
// write fails. A session that cannot receive invalidations must not stay
// connected: closing the connection forces the client to flush and resync.
func (h *connHandler) onDeliveryFail(err error) {
	h.log.Warn().Err(err).Msg("invalidation delivery failed, disconnecting session")
	h.conn.Close()
}

func (h *connHandler) serve() {
	defer h.teardown()

	h.log.Debug().Msg("session opened")

	for {
		cmd, err := protocol.ReadCommand(h.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !h.srv.isClosed() {
				h.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		resp := h.handle(cmd)
		if err := h.writeResponse(resp); err != nil {
			h.log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

// teardown cascades the session's removal: registry, tracking table, prefix
// subscriptions, and every session that redirected deliveries here.
func (h *connHandler) teardown() {
	h.closeOnce.Do(func() {
		sid := h.sess.ID()
		h.srv.sessions.Remove(sid)
		h.srv.table.RemoveSession(sid)
		h.srv.prefixes.RemoveSession(sid)
		h.channel.Close()
		h.conn.Close()
		h.srv.dropRedirectsTo(sid)
		h.srv.removeHandler(h)
		h.log.Debug().Msg("session closed")
	})
}

func (h *connHandler) close() {
	h.conn.Close()
}

func (h *connHandler) handle(cmd *protocol.Command) *protocol.Response {
	ctx := context.Background()

	switch cmd.Type {
	case protocol.CmdPing:
		return &protocol.Response{Type: protocol.RespOK}

	case protocol.CmdHello:
		return &protocol.Response{Type: protocol.RespInt, N: uint64(h.sess.ID())}

	case protocol.CmdGet:
		return h.handleGet(ctx, cmd.Key)

	case protocol.CmdSet:
		return h.handleSet(ctx, cmd.Key, cmd.Value)

	case protocol.CmdDel:
		return h.handleDel(ctx, cmd.Key)

	case protocol.CmdFlushAll:
		if err := h.srv.ks.Clear(ctx); err != nil {
			return errResponse(err)
		}
		h.srv.dispatcher.OnFlush()
		return &protocol.Response{Type: protocol.RespOK}

	case protocol.CmdTrack:
		return h.handleTrack(cmd.Args)

	case protocol.CmdUntrack:
		h.sess.DisableTracking()
		h.srv.table.RemoveSession(h.sess.ID())
		h.srv.prefixes.RemoveSession(h.sess.ID())
		return &protocol.Response{Type: protocol.RespOK}

	case protocol.CmdSubscribe:
		if h.sess.Mode() != types.ModeBroadcast {
			return errResponse(session.NewProtocolError("SUBSCRIBE requires BCAST tracking"))
		}
		h.srv.prefixes.Subscribe(h.sess.ID(), cmd.Key)
		return &protocol.Response{Type: protocol.RespOK}

	case protocol.CmdUnsubscribe:
		if h.sess.Mode() != types.ModeBroadcast {
			return errResponse(session.NewProtocolError("UNSUBSCRIBE requires BCAST tracking"))
		}
		h.srv.prefixes.Unsubscribe(h.sess.ID(), cmd.Key)
		return &protocol.Response{Type: protocol.RespOK}

	case protocol.CmdCaching:
		return h.handleCaching(cmd.Args)

	default:
		return errResponse(session.NewProtocolError("unknown command %d", cmd.Type))
	}
}

// handleGet serves a read. Interest is recorded BEFORE the store read: if a
// write lands between the read and the interest recording the client would
// cache a value nobody will ever invalidate. Recording first can only cause a
// spurious invalidation, never a stale cache.
func (h *connHandler) handleGet(ctx context.Context, key string) *protocol.Response {
	if h.sess.ShouldTrackRead() {
		h.srv.table.RecordRead(h.sess.ID(), key)
	}

	entry, err := h.srv.ks.Get(ctx, key)
	if errors.Is(err, keyspace.ErrNotFound) {
		return &protocol.Response{Type: protocol.RespNil}
	}
	if err != nil {
		return errResponse(err)
	}
	return &protocol.Response{Type: protocol.RespValue, Value: entry.Value, N: entry.Version}
}

// handleSet holds the key's stripe lock across the store write and the
// dispatch, so two writes to the same key cannot invalidate out of order.
func (h *connHandler) handleSet(ctx context.Context, key string, value []byte) *protocol.Response {
	lock := h.srv.keyLock(key)
	lock.Lock()
	version, err := h.srv.ks.Set(ctx, key, value)
	if err == nil {
		h.srv.dispatcher.OnWrite(h.sess.ID(), key)
	}
	lock.Unlock()

	if err != nil {
		return errResponse(err)
	}
	return &protocol.Response{Type: protocol.RespInt, N: version}
}

func (h *connHandler) handleDel(ctx context.Context, key string) *protocol.Response {
	lock := h.srv.keyLock(key)
	lock.Lock()
	err := h.srv.ks.Delete(ctx, key)
	if err == nil {
		h.srv.dispatcher.OnWrite(h.sess.ID(), key)
	}
	lock.Unlock()

	if err != nil {
		return errResponse(err)
	}
	return &protocol.Response{Type: protocol.RespOK}
}

func (h *connHandler) handleTrack(args []string) *protocol.Response {
	opts, err := parseTrackArgs(args)
	if err != nil {
		return errResponse(err)
	}

	if opts.Redirect == h.sess.ID() {
		return errResponse(session.NewProtocolError("REDIRECT to own session is meaningless"))
	}

	if err := h.sess.EnableTracking(opts); err != nil {
		return errResponse(err)
	}

	// The redirect target is validated after the redirect is published. The
	// target's teardown scans for sessions redirecting to it, so checking
	// first would leave a window where the target vanishes unseen and every
	// delivery for this session is silently dropped. In this order either the
	// teardown scan finds us, or we find the target gone and roll back.
	if opts.Redirect != 0 && h.srv.sessions.Get(opts.Redirect) == nil {
		h.sess.DisableTracking()
		return errResponse(session.NewProtocolError("REDIRECT target session %d does not exist", opts.Redirect))
	}

	if opts.Broadcast {
		if len(opts.Prefixes) == 0 {
			h.srv.prefixes.Subscribe(h.sess.ID(), "")
		}
		for _, p := range opts.Prefixes {
			h.srv.prefixes.Subscribe(h.sess.ID(), p)
		}
	}

	h.log.Debug().
		Str("mode", h.sess.Mode().String()).
		Uint64("redirect", uint64(opts.Redirect)).
		Msg("tracking enabled")
	return &protocol.Response{Type: protocol.RespOK}
}

func (h *connHandler) handleCaching(args []string) *protocol.Response {
	if len(args) != 1 {
		return errResponse(session.NewProtocolError("CACHING takes exactly one argument: yes or no"))
	}
	var yes bool
	switch strings.ToLower(args[0]) {
	case protocol.CachingYes:
		yes = true
	case protocol.CachingNo:
		yes = false
	default:
		return errResponse(session.NewProtocolError("CACHING argument must be yes or no, got %q", args[0]))
	}
	if err := h.sess.SetCachingNext(yes); err != nil {
		return errResponse(err)
	}
	return &protocol.Response{Type: protocol.RespOK}
}

// parseTrackArgs turns TRACK option tokens into session options.
func parseTrackArgs(args []string) (session.Options, error) {
	var opts session.Options
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case protocol.TokenBcast:
			opts.Broadcast = true
		case protocol.TokenOptIn:
			opts.OptIn = true
		case protocol.TokenOptOut:
			opts.OptOut = true
		case protocol.TokenNoLoop:
			opts.NoLoop = true
		case protocol.TokenRedirect:
			if i+1 >= len(args) {
				return session.Options{}, session.NewProtocolError("REDIRECT requires a session id")
			}
			i++
			id, err := strconv.ParseUint(args[i], 10, 64)
			if err != nil || id == 0 {
				return session.Options{}, session.NewProtocolError("invalid REDIRECT session id %q", args[i])
			}
			opts.Redirect = types.SessionID(id)
		case protocol.TokenPrefix:
			if i+1 >= len(args) {
				return session.Options{}, session.NewProtocolError("PREFIX requires a prefix argument")
			}
			i++
			opts.Prefixes = append(opts.Prefixes, args[i])
		default:
			return session.Options{}, session.NewProtocolError("unknown TRACK option %q", args[i])
		}
	}
	return opts, nil
}

func errResponse(err error) *protocol.Response {
	return &protocol.Response{Type: protocol.RespErr, Err: err.Error()}
}
