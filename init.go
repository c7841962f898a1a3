// Package keytrack provides a client-side cache kept coherent by
// server-assisted invalidation. The server tracks which keys each client has
// read and pushes an invalidation when any of them changes, so clients serve
// reads from local memory without a TTL staleness window.
package keytrack

import (
	"time"

	"github.com/keytrack/keytrack/cache"
	"github.com/keytrack/keytrack/client"
	"github.com/keytrack/keytrack/types"
)

// Config configures a tracked client.
type Config struct {
	// Addr is the keytrack server address (e.g. "localhost:7411").
	Addr string

	// Mode selects the tracking mode: default (per-read interest) or
	// broadcast (prefix subscriptions).
	Mode types.Mode

	// OptIn only tracks reads explicitly marked with CacheNext(true).
	OptIn bool

	// OptOut tracks every read except those marked with CacheNext(false).
	OptOut bool

	// NoLoop suppresses invalidations for this client's own writes.
	NoLoop bool

	// Prefixes are broadcast subscriptions established at connect time.
	Prefixes []string

	// SeparateInvalidationConn opens a dedicated connection for invalidation
	// pushes instead of interleaving them on the data connection.
	SeparateInvalidationConn bool

	// LocalCacheConfig configures the local cache.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory is the factory for creating the local cache.
	// If nil, defaults to the LRU factory.
	LocalCacheFactory LocalCacheFactory

	// Marshaller is the marshaller for serialization.
	// If nil, defaults to JSON marshaller.
	Marshaller Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds a single command round trip.
	RequestTimeout time.Duration

	// PingInterval is how often the client pings the server. Zero disables.
	PingInterval time.Duration

	// ReconnectInterval is the delay between reconnect attempts. Zero
	// disables automatic reconnection.
	ReconnectInterval time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// New connects to a keytrack server and returns a tracked client.
// This is the root-level initialization function that allows users to import
// from the root package.
func New(cfg Config) (*Client, error) {
	opts := client.Options{
		Addr:                     cfg.Addr,
		Mode:                     cfg.Mode,
		OptIn:                    cfg.OptIn,
		OptOut:                   cfg.OptOut,
		NoLoop:                   cfg.NoLoop,
		Prefixes:                 cfg.Prefixes,
		SeparateInvalidationConn: cfg.SeparateInvalidationConn,
		LocalCacheConfig:         cfg.LocalCacheConfig,
		LocalCacheFactory:        cfg.LocalCacheFactory,
		Marshaller:               cfg.Marshaller,
		Logger:                   cfg.Logger,
		DebugMode:                cfg.DebugMode,
		DialTimeout:              cfg.DialTimeout,
		RequestTimeout:           cfg.RequestTimeout,
		PingInterval:             cfg.PingInterval,
		ReconnectInterval:        cfg.ReconnectInterval,
		OnError:                  cfg.OnError,
	}

	return client.New(opts)
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	defaults := client.DefaultOptions()
	return Config{
		Addr:              defaults.Addr,
		Mode:              defaults.Mode,
		LocalCacheConfig:  defaults.LocalCacheConfig,
		DialTimeout:       defaults.DialTimeout,
		RequestTimeout:    defaults.RequestTimeout,
		PingInterval:      defaults.PingInterval,
		ReconnectInterval: defaults.ReconnectInterval,
	}
}

// Client is an alias for client.Client.
type Client = client.Client

// Stats is an alias for client.Stats.
type Stats = client.Stats

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
