package client

import (
	"errors"
	"time"

	"github.com/keytrack/keytrack/cache"
	"github.com/keytrack/keytrack/types"
)

// ErrInvalidConfig is returned when client options are invalid.
var ErrInvalidConfig = errors.New("invalid client configuration")

// ErrClientClosed is returned when operations are performed on a closed client.
var ErrClientClosed = errors.New("client is closed")

// ErrDisconnected is returned while the client has no live server connection.
var ErrDisconnected = errors.New("client is disconnected")

// Options configures a tracked client.
type Options struct {
	// Addr is the keytrack server address (e.g. "localhost:7411").
	Addr string

	// Mode selects the tracking mode established at connect time.
	Mode types.Mode

	// OptIn only tracks reads explicitly marked with CacheNext(true).
	// Default mode only; mutually exclusive with OptOut.
	OptIn bool

	// OptOut tracks every read except those marked with CacheNext(false).
	// Default mode only; mutually exclusive with OptIn.
	OptOut bool

	// NoLoop suppresses invalidations for this client's own writes.
	NoLoop bool

	// Prefixes are the broadcast subscriptions established at connect time.
	// Broadcast mode only. Empty means "all keys".
	Prefixes []string

	// SeparateInvalidationConn opens a dedicated connection for invalidation
	// pushes and redirects tracking to it (the two-connection model). The
	// default is inline delivery on the data connection, which is immune to
	// the fetch/invalidate race by construction.
	SeparateInvalidationConn bool

	// LocalCacheConfig configures the local cache.
	LocalCacheConfig cache.LocalCacheConfig

	// LocalCacheFactory is the factory for creating the local cache.
	// If nil, defaults to the LRU factory.
	LocalCacheFactory cache.LocalCacheFactory

	// Marshaller converts cached values to and from wire bytes.
	// If nil, defaults to JSON.
	Marshaller cache.Marshaller

	// Logger is the logger for debug logging. If nil, defaults to no-op.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds a single command round trip.
	RequestTimeout time.Duration

	// PingInterval is how often the client pings to detect a dead server
	// promptly instead of serving stale data indefinitely. With a separate
	// invalidation connection both connections are pinged. Zero disables
	// pinging.
	PingInterval time.Duration

	// ReconnectInterval is the delay between reconnect attempts after a lost
	// connection. Zero disables automatic reconnection.
	ReconnectInterval time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default client options: default-mode tracking on a
// single connection with an LRU local cache.
func DefaultOptions() Options {
	return Options{
		Addr:              "localhost:7411",
		Mode:              types.ModeDefault,
		LocalCacheConfig:  cache.DefaultLocalCacheConfig(),
		DialTimeout:       5 * time.Second,
		RequestTimeout:    5 * time.Second,
		PingInterval:      10 * time.Second,
		ReconnectInterval: time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Addr == "" {
		return ErrInvalidConfig
	}
	if o.OptIn && o.OptOut {
		return ErrInvalidConfig
	}
	if (o.OptIn || o.OptOut) && o.Mode != types.ModeDefault {
		return ErrInvalidConfig
	}
	if len(o.Prefixes) > 0 && o.Mode != types.ModeBroadcast {
		return ErrInvalidConfig
	}
	if o.DialTimeout <= 0 || o.RequestTimeout <= 0 {
		return ErrInvalidConfig
	}
	if err := o.LocalCacheConfig.Validate(); err != nil {
		return ErrInvalidConfig
	}
	return nil
}
