// Package database persists events accepted by the relay pool.
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"nostr-pool/internal/types"
)

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("database closed")

// Database is the storage capability the pool writes accepted events through.
type Database interface {
	// SaveEvent stores evt and reports whether it was new.
	SaveEvent(ctx context.Context, evt types.Event) (bool, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	// QueryEvents returns events matching any filter, newest first.
	QueryEvents(ctx context.Context, filters []types.Filter) ([]types.Event, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string // none|memory|sqlite
	Path        string
	BusyTimeout time.Duration
}

// Open initializes the configured database.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config) (Database, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		db, err := OpenSQLite(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}
}

// sortNewestFirst orders by created_at desc, then id desc for a stable order.
func sortNewestFirst(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}
