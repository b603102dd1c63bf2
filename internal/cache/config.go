package cache

import "time"

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	// RelayListTTL of 0 keeps a resolved relay list until a newer one supersedes it.
	RelayListTTL         time.Duration
	RelayListNotFoundTTL time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RelayListTTL:         0,
		RelayListNotFoundTTL: 5 * time.Minute, // lets an author who publishes a list later be picked up
	}
}
