package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Open builds the configured backend: "memory" (default) or "redis".
func Open(ctx context.Context, backend, redisURL, prefix string) (CacheBackend, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryCache(50000, 5*time.Minute), nil
	case "redis":
		if prefix == "" {
			prefix = "nostr-pool:"
		}
		rc, err := NewRedisCache(ctx, redisURL, prefix)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
