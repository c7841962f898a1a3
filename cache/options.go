package cache

import "errors"

// ErrInvalidConfig is returned when a local cache configuration is invalid.
var ErrInvalidConfig = errors.New("invalid local cache configuration")

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * expected max items.
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction
	// (Ristretto only). Recommended: 64.
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            1 << 26, // 64MB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            10000,
	}
}

// Validate validates the configuration.
func (c LocalCacheConfig) Validate() error {
	if c.NumCounters <= 0 || c.MaxCost <= 0 || c.BufferItems <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
