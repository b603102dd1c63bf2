package database

import (
	"context"
	"sync"

	"nostr-pool/internal/types"
)

// Memory keeps events in a map. It is meant for tests and short-lived processes.
type Memory struct {
	mu     sync.RWMutex
	events map[string]types.Event
	closed bool
}

func NewMemory() *Memory {
	return &Memory{events: make(map[string]types.Event)}
}

func (m *Memory) SaveEvent(_ context.Context, evt types.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.events[evt.ID]; ok {
		return false, nil
	}
	evt.RelaysSeen = nil
	m.events[evt.ID] = evt
	return true, nil
}

func (m *Memory) HasEvent(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.events[id]
	return ok, nil
}

func (m *Memory) QueryEvents(_ context.Context, filters []types.Filter) ([]types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	seen := make(map[string]struct{})
	var out []types.Event
	for _, f := range filters {
		var matched []types.Event
		for _, evt := range m.events {
			if f.Matches(&evt) {
				matched = append(matched, evt)
			}
		}
		sortNewestFirst(matched)
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		for _, evt := range matched {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
	return nil
}
