// Package client implements the tracked keytrack client: a local cache in
// front of the server, kept correct by the server's invalidation pushes.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keytrack/keytrack/cache"
	"github.com/keytrack/keytrack/protocol"
	"github.com/keytrack/keytrack/types"
)

// ErrNotFound is returned when a key does not exist on the server.
var ErrNotFound = errors.New("key not found")

// ServerError is an error reported by the server in response to a command,
// typically a rejected option combination.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "server: " + e.Msg
}

// Stats represents client statistics.
type Stats struct {
	LocalHits     int64
	LocalMisses   int64
	ServerHits    int64
	ServerMisses  int64
	Invalidations int64
	Flushes       int64
	Reconnects    int64
}

// conn is one live connection with its response plumbing. A conn fails at
// most once; failure closes dead and wakes any waiting request.
type conn struct {
	net.Conn
	reqMu sync.Mutex // serializes request/response exchanges
	resp  chan *protocol.Response
	dead  chan struct{}
	once  sync.Once
	err   error
}

func newConn(nc net.Conn) *conn {
	return &conn{
		Conn: nc,
		resp: make(chan *protocol.Response, 8),
		dead: make(chan struct{}),
	}
}

func (cn *conn) fail(err error) {
	cn.once.Do(func() {
		cn.err = err
		close(cn.dead)
	})
}

// Tracks the CacheNext state the server holds for this session. Consumed by
// the next server read, exactly like the server-side override.
const (
	cacheNextUnset int32 = iota
	cacheNextYes
	cacheNextNo
)

// Client is a tracked cache client. All methods are safe for concurrent use.
type Client struct {
	options    Options
	local      cache.LocalCache
	marshaller cache.Marshaller
	logger     cache.Logger
	guard      *fetchGuard
	group      singleflight.Group

	// cacheNext mirrors the server-side per-command override so the client
	// only caches locally what the server is actually tracking.
	cacheNext int32

	prefixMu sync.Mutex
	prefixes map[string]struct{}

	closed   int32
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu           sync.Mutex // guards connection replacement
	data         *conn
	pushc        *conn
	sessionID    types.SessionID
	reconnecting bool

	stats Stats
}

// New connects to the server, establishes tracking per the options, and
// returns a ready client. The initial connection failure is returned rather
// than retried.
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = cache.NewLRUCacheFactory(opts.LocalCacheConfig.MaxSize)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = cache.NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}

	local, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	c := &Client{
		options:    opts,
		local:      local,
		marshaller: opts.Marshaller,
		logger:     opts.Logger,
		guard:      newFetchGuard(),
		shutdown:   make(chan struct{}),
		prefixes:   make(map[string]struct{}),
	}
	for _, p := range opts.Prefixes {
		c.prefixes[p] = struct{}{}
	}

	c.mu.Lock()
	err = c.connectLocked()
	c.mu.Unlock()
	if err != nil {
		local.Close()
		return nil, err
	}

	if opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c, nil
}

// connectLocked dials, handshakes, and starts the reader goroutines.
// Caller holds c.mu.
func (c *Client) connectLocked() error {
	dataNC, err := net.DialTimeout("tcp", c.options.Addr, c.options.DialTimeout)
	if err != nil {
		return err
	}

	hello, err := c.roundTripRaw(dataNC, &protocol.Command{Type: protocol.CmdHello})
	if err != nil {
		dataNC.Close()
		return err
	}
	sessionID := types.SessionID(hello.N)

	var pushNC net.Conn
	var redirect types.SessionID
	if c.options.SeparateInvalidationConn {
		pushNC, err = net.DialTimeout("tcp", c.options.Addr, c.options.DialTimeout)
		if err != nil {
			dataNC.Close()
			return err
		}
		pushHello, err := c.roundTripRaw(pushNC, &protocol.Command{Type: protocol.CmdHello})
		if err != nil {
			dataNC.Close()
			pushNC.Close()
			return err
		}
		redirect = types.SessionID(pushHello.N)
	}

	if c.options.Mode != types.ModeOff {
		track := &protocol.Command{Type: protocol.CmdTrack, Args: c.trackArgs(redirect)}
		resp, err := c.roundTripRaw(dataNC, track)
		if err == nil && resp.Type == protocol.RespErr {
			err = &ServerError{Msg: resp.Err}
		}
		if err != nil {
			dataNC.Close()
			if pushNC != nil {
				pushNC.Close()
			}
			return err
		}
	}

	c.data = newConn(dataNC)
	c.sessionID = sessionID
	c.wg.Add(1)
	go c.readLoop(c.data)

	if pushNC != nil {
		c.pushc = newConn(pushNC)
		c.wg.Add(1)
		go c.readLoop(c.pushc)
	}

	if c.options.DebugMode {
		c.logger.Debug("connected", "addr", c.options.Addr, "session", uint64(sessionID), "mode", c.options.Mode.String())
	}
	return nil
}

// roundTripRaw performs a synchronous exchange on a connection that has no
// reader goroutine yet. Pushes cannot arrive before tracking is enabled, but
// any that do are dropped.
func (c *Client) roundTripRaw(nc net.Conn, cmd *protocol.Command) (*protocol.Response, error) {
	deadline := time.Now().Add(c.options.RequestTimeout)
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer nc.SetDeadline(time.Time{})

	if err := protocol.WriteCommand(nc, cmd); err != nil {
		return nil, err
	}
	for {
		frame, err := protocol.ReadServerFrame(nc)
		if err != nil {
			return nil, err
		}
		if frame.Response != nil {
			return frame.Response, nil
		}
	}
}

// trackArgs builds the TRACK option tokens from the client options.
func (c *Client) trackArgs(redirect types.SessionID) []string {
	var args []string
	if c.options.Mode == types.ModeBroadcast {
		args = append(args, protocol.TokenBcast)
		// Use the live subscription set, not the initial options, so a
		// reconnect restores prefixes added or dropped since connect.
		c.prefixMu.Lock()
		for p := range c.prefixes {
			args = append(args, protocol.TokenPrefix, p)
		}
		c.prefixMu.Unlock()
	}
	if c.options.OptIn {
		args = append(args, protocol.TokenOptIn)
	}
	if c.options.OptOut {
		args = append(args, protocol.TokenOptOut)
	}
	if c.options.NoLoop {
		args = append(args, protocol.TokenNoLoop)
	}
	if redirect != 0 {
		args = append(args, protocol.TokenRedirect, strconv.FormatUint(uint64(redirect), 10))
	}
	return args
}

func (c *Client) readLoop(cn *conn) {
	defer c.wg.Done()
	for {
		frame, err := protocol.ReadServerFrame(cn)
		if err != nil {
			cn.fail(err)
			c.onConnDead(cn, err)
			return
		}
		if frame.Push != nil {
			c.handleInvalidation(*frame.Push)
			continue
		}
		select {
		case cn.resp <- frame.Response:
		case <-c.shutdown:
			return
		}
	}
}

// handleInvalidation applies a pushed invalidation to the local cache.
func (c *Client) handleInvalidation(inv types.Invalidation) {
	switch inv.Kind {
	case types.KindKeys:
		for _, key := range inv.Keys {
			c.guard.invalidate(key)
			c.local.Delete(key)
		}
		atomic.AddInt64(&c.stats.Invalidations, 1)
		if c.options.DebugMode {
			c.logger.Debug("invalidated keys", "keys", inv.Keys)
		}
	case types.KindFlush:
		c.guard.invalidateAll()
		c.local.Clear()
		atomic.AddInt64(&c.stats.Flushes, 1)
		if c.options.DebugMode {
			c.logger.Debug("flushed local cache on server push")
		}
	}
}

// onConnDead handles the loss of either connection. Losing the push
// connection is treated exactly like losing the data connection: the client
// cannot know which invalidations it missed, so the whole local cache goes.
func (c *Client) onConnDead(cn *conn, err error) {
	c.mu.Lock()
	if cn != c.data && cn != c.pushc {
		// Already replaced by a reconnect.
		c.mu.Unlock()
		return
	}
	c.disconnectLocked()
	startReconnect := c.options.ReconnectInterval > 0 && atomic.LoadInt32(&c.closed) == 0 && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
		c.wg.Add(1)
		go c.reconnectLoop()
	}
	c.mu.Unlock()

	if atomic.LoadInt32(&c.closed) == 0 {
		c.logger.Warn("connection lost, local cache flushed", "error", err)
		if c.options.OnError != nil {
			c.options.OnError(err)
		}
	}
}

// disconnectLocked closes both connections and flushes the local cache. A
// disconnected client may have missed invalidations, so nothing cached can be
// trusted. Caller holds c.mu.
func (c *Client) disconnectLocked() {
	if c.data != nil {
		c.data.fail(ErrDisconnected)
		c.data.Close()
		c.data = nil
	}
	if c.pushc != nil {
		c.pushc.fail(ErrDisconnected)
		c.pushc.Close()
		c.pushc = nil
	}
	c.guard.invalidateAll()
	c.local.Clear()
	atomic.AddInt64(&c.stats.Flushes, 1)
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.options.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.data != nil {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		err := c.connectLocked()
		if err == nil {
			c.reconnecting = false
			atomic.AddInt64(&c.stats.Reconnects, 1)
			c.mu.Unlock()
			c.logger.Info("reconnected", "addr", c.options.Addr)
			return
		}
		c.mu.Unlock()

		if c.options.DebugMode {
			c.logger.Debug("reconnect attempt failed", "error", err)
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.options.RequestTimeout)
		if err := c.Ping(ctx); err != nil && c.options.DebugMode {
			c.logger.Debug("ping failed", "error", err)
		}

		// The push connection carries no requests, so a half-open failure
		// there would otherwise surface only when a delivery is lost. Pinging
		// it turns that into a prompt disconnect and flush.
		c.mu.Lock()
		pc := c.pushc
		c.mu.Unlock()
		if pc != nil {
			if _, err := c.exchange(ctx, pc, &protocol.Command{Type: protocol.CmdPing}); err != nil && c.options.DebugMode {
				c.logger.Debug("push connection ping failed", "error", err)
			}
		}
		cancel()
	}
}

// do performs one command round trip on the data connection.
func (c *Client) do(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, ErrClientClosed
	}

	c.mu.Lock()
	cn := c.data
	c.mu.Unlock()
	if cn == nil {
		return nil, ErrDisconnected
	}

	return c.exchange(ctx, cn, cmd)
}

// exchange performs one command round trip on the given connection.
func (c *Client) exchange(ctx context.Context, cn *conn, cmd *protocol.Command) (*protocol.Response, error) {
	cn.reqMu.Lock()
	defer cn.reqMu.Unlock()

	if err := cn.SetWriteDeadline(time.Now().Add(c.options.RequestTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.WriteCommand(cn, cmd); err != nil {
		cn.fail(err)
		cn.Close()
		return nil, err
	}

	timer := time.NewTimer(c.options.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-cn.resp:
		return resp, nil
	case <-cn.dead:
		return nil, cn.err
	case <-timer.C:
		// The response may still arrive; the stream is now ambiguous, so the
		// connection cannot be reused.
		err := fmt.Errorf("request timed out after %s", c.options.RequestTimeout)
		cn.fail(err)
		cn.Close()
		return nil, err
	case <-ctx.Done():
		cn.fail(ctx.Err())
		cn.Close()
		return nil, ctx.Err()
	case <-c.shutdown:
		return nil, ErrClientClosed
	}
}

// Get retrieves a value, serving from the local cache when possible. On a
// local miss the value is fetched from the server; concurrent fetches of the
// same key are collapsed into one request.
func (c *Client) Get(ctx context.Context, key string) (any, bool) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, false
	}

	if value, found := c.local.Get(key); found {
		atomic.AddInt64(&c.stats.LocalHits, 1)
		return value, true
	}
	atomic.AddInt64(&c.stats.LocalMisses, 1)

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			atomic.AddInt64(&c.stats.ServerMisses, 1)
			return nil, false
		}
		if c.options.OnError != nil {
			c.options.OnError(err)
		}
		if c.options.DebugMode {
			c.logger.Error("get failed", "key", key, "error", err)
		}
		return nil, false
	}

	atomic.AddInt64(&c.stats.ServerHits, 1)
	return value, true
}

// cacheable reports whether the server is tracking the read this fetch is
// about to perform, consuming the mirrored CacheNext override. Caching a read
// the server does not track would serve stale data forever.
func (c *Client) cacheable(key string) bool {
	override := atomic.SwapInt32(&c.cacheNext, cacheNextUnset)

	switch c.options.Mode {
	case types.ModeOff:
		return false
	case types.ModeBroadcast:
		return c.matchesPrefix(key)
	}
	if c.options.OptIn {
		return override == cacheNextYes
	}
	if c.options.OptOut {
		return override != cacheNextNo
	}
	return true
}

// matchesPrefix reports whether key falls under one of the broadcast
// subscriptions. An empty subscription set means all keys.
func (c *Client) matchesPrefix(key string) bool {
	c.prefixMu.Lock()
	defer c.prefixMu.Unlock()
	if len(c.prefixes) == 0 {
		return true
	}
	for p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// fetch performs the server read for one key and stores the result in the
// local cache unless an invalidation raced with the fetch.
func (c *Client) fetch(ctx context.Context, key string) (any, error) {
	cacheable := c.cacheable(key)
	tok := c.guard.begin(key)

	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdGet, Key: key})
	if err != nil {
		c.guard.end(key, tok)
		return nil, err
	}

	switch resp.Type {
	case protocol.RespNil:
		c.guard.end(key, tok)
		return nil, ErrNotFound
	case protocol.RespErr:
		c.guard.end(key, tok)
		return nil, &ServerError{Msg: resp.Err}
	case protocol.RespValue:
		var value any
		if err := c.marshaller.Unmarshal(resp.Value, &value); err != nil {
			c.guard.end(key, tok)
			return nil, err
		}
		if c.guard.end(key, tok) && cacheable {
			c.local.Set(key, value, 1)
		} else if c.options.DebugMode {
			c.logger.Debug("not caching fetched value", "key", key)
		}
		return value, nil
	default:
		c.guard.end(key, tok)
		return nil, fmt.Errorf("unexpected response type %d", resp.Type)
	}
}

// Set writes a value to the server. The local entry for the key is dropped
// rather than updated: in default mode the client is only tracked for keys it
// has read, so a locally cached write could go stale without notice.
func (c *Client) Set(ctx context.Context, key string, value any) error {
	data, err := c.marshaller.Marshal(value)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdSet, Key: key, Value: data})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	c.guard.invalidate(key)
	c.local.Delete(key)
	return nil
}

// Delete removes a key from the server and the local cache.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdDel, Key: key})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	c.guard.invalidate(key)
	c.local.Delete(key)
	return nil
}

// FlushAll clears the server keyspace and the local cache.
func (c *Client) FlushAll(ctx context.Context) error {
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdFlushAll})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	c.guard.invalidateAll()
	c.local.Clear()
	return nil
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdPing})
	if err != nil {
		return err
	}
	if resp.Type != protocol.RespOK {
		return fmt.Errorf("unexpected ping response type %d", resp.Type)
	}
	return nil
}

// CacheNext arms the per-command tracking override for the next read: true
// requests tracking under OPTIN, false declines tracking under OPTOUT.
func (c *Client) CacheNext(ctx context.Context, track bool) error {
	arg := protocol.CachingNo
	if track {
		arg = protocol.CachingYes
	}
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdCaching, Args: []string{arg}})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	if track {
		atomic.StoreInt32(&c.cacheNext, cacheNextYes)
	} else {
		atomic.StoreInt32(&c.cacheNext, cacheNextNo)
	}
	return nil
}

// Subscribe adds a broadcast prefix subscription.
func (c *Client) Subscribe(ctx context.Context, prefix string) error {
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdSubscribe, Key: prefix})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	c.prefixMu.Lock()
	c.prefixes[prefix] = struct{}{}
	c.prefixMu.Unlock()
	return nil
}

// Unsubscribe drops a broadcast prefix subscription. Unsubscribing a prefix
// that is not subscribed is not an error.
func (c *Client) Unsubscribe(ctx context.Context, prefix string) error {
	resp, err := c.do(ctx, &protocol.Command{Type: protocol.CmdUnsubscribe, Key: prefix})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespErr {
		return &ServerError{Msg: resp.Err}
	}

	c.prefixMu.Lock()
	delete(c.prefixes, prefix)
	c.prefixMu.Unlock()

	// Anything cached under the prefix will no longer be invalidated.
	c.local.Clear()
	c.guard.invalidateAll()
	return nil
}

// SessionID returns the server-assigned id of the data connection's session.
func (c *Client) SessionID() types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether the client currently has a live data connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data != nil
}

// Stats returns client statistics.
func (c *Client) Stats() Stats {
	return Stats{
		LocalHits:     atomic.LoadInt64(&c.stats.LocalHits),
		LocalMisses:   atomic.LoadInt64(&c.stats.LocalMisses),
		ServerHits:    atomic.LoadInt64(&c.stats.ServerHits),
		ServerMisses:  atomic.LoadInt64(&c.stats.ServerMisses),
		Invalidations: atomic.LoadInt64(&c.stats.Invalidations),
		Flushes:       atomic.LoadInt64(&c.stats.Flushes),
		Reconnects:    atomic.LoadInt64(&c.stats.Reconnects),
	}
}

// LocalMetrics returns the local cache's own metrics.
func (c *Client) LocalMetrics() cache.LocalCacheMetrics {
	return c.local.Metrics()
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	close(c.shutdown)

	c.mu.Lock()
	if c.data != nil {
		c.data.fail(ErrClientClosed)
		c.data.Close()
		c.data = nil
	}
	if c.pushc != nil {
		c.pushc.fail(ErrClientClosed)
		c.pushc.Close()
		c.pushc = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.local.Close()
	return nil
}
