package pool

import (
	"context"
	"sort"
	"time"

	"nostr-pool/internal/types"
)

// FetchEvents runs a one-shot query: it subscribes, collects until every
// targeted relay sent EOSE (or timeout passes), and returns the distinct
// events newest first. A single filter's limit caps the result.
func (p *RelayPool) FetchEvents(ctx context.Context, filters []types.Filter, timeout time.Duration) ([]types.Event, error) {
	return p.fetch(ctx, filters, timeout, nil, false)
}

// FetchEventsFrom is FetchEvents restricted to the given pool relays.
func (p *RelayPool) FetchEventsFrom(ctx context.Context, relays []string, filters []types.Filter, timeout time.Duration) ([]types.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return p.fetch(ctx, filters, timeout, relays, false)
}

func (p *RelayPool) fetch(ctx context.Context, filters []types.Filter, timeout time.Duration, relays []string, internal bool) ([]types.Event, error) {
	if timeout <= 0 {
		timeout = p.Options().Timeout
	}
	sink := make(chan types.Event, 256)
	sub, err := p.subscribe(ctx, filters, SubscribeOptions{
		Relays:    relays,
		AutoClose: &AutoClose{ExitOnEOSE: true, Timeout: timeout},
		internal:  internal,
		sink:      sink,
	})
	if err != nil {
		return nil, err
	}

	var events []types.Event
collect:
	for {
		select {
		case evt := <-sink:
			events = append(events, evt)
		case <-sub.done:
			break collect
		case <-ctx.Done():
			p.closeSubscription(sub.id, sub.seq, CloseUnsubscribed)
			return nil, ctx.Err()
		}
	}
	for drained := false; !drained; {
		select {
		case evt := <-sink:
			events = append(events, evt)
		default:
			drained = true
		}
	}

	sortNewestFirst(events)
	if len(filters) == 1 && filters[0].Limit > 0 && len(events) > filters[0].Limit {
		events = events[:filters[0].Limit]
	}
	return events, nil
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
