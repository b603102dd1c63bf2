package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/cache"
	"nostr-pool/internal/config"
	"nostr-pool/internal/database"
	"nostr-pool/internal/types"
)

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), config.New().WithMinPOW(300))
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "min_pow", cerr.Field)
}

func TestAddAndRemoveRelays(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, testOptions())

	_, err := p.AddRelay("https://not-a-relay.example", RelayOptions{})
	assert.ErrorIs(t, err, ErrInvalidRelayURL)

	added, err := p.AddRelay("wss://Relay.Example/", RelayOptions{})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = p.AddRelay("wss://relay.example", RelayOptions{})
	require.NoError(t, err)
	assert.False(t, added)

	relays := p.Relays()
	require.Len(t, relays, 1)
	assert.Equal(t, "wss://relay.example", relays[0].URL)
	assert.Equal(t, StatusDisconnected, relays[0].Status)
	assert.Equal(t, DefaultFlags, relays[0].Flags)

	require.NoError(t, p.RemoveRelay("wss://relay.example"))
	assert.Empty(t, p.Relays())
	assert.ErrorIs(t, p.RemoveRelay("wss://relay.example"), ErrRelayNotFound)
	_, err = p.RelayStats("wss://relay.example")
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestRelayStatusTransitions(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions())
	rx := p.Notifications(64)
	connectPool(t, p, fr)

	var seen []RelayStatus
	for len(seen) < 3 {
		n := nextOf(t, rx, NotificationRelayStatus)
		assert.Equal(t, fr.url, n.RelayURL)
		seen = append(seen, n.Status)
	}
	assert.Equal(t, []RelayStatus{StatusConnecting, StatusConnected, StatusReady}, seen)

	stats, err := p.RelayStats(fr.url)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, stats.Status)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.False(t, stats.ConnectedAt.IsZero())
}

func TestAutoconnect(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions().WithAutoconnect(true))
	_, err := p.AddRelay(fr.url, RelayOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, p.WaitForReady(ctx, fr.url))
}

func TestRemoveRelayClosesItsSubscriptions(t *testing.T) {
	t.Parallel()
	a, b := newFakeRelay(t), newFakeRelay(t)
	b.noEOSE = true
	p := newTestPool(t, testOptions())
	connectPool(t, p, a, b)
	rx := p.Notifications(64)

	_, err := p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "keep"})
	require.NoError(t, err)
	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{
		ID:        "waiting",
		AutoClose: &AutoClose{ExitOnEOSE: true},
	})
	require.NoError(t, err)
	eventually(t, func() bool { return countOf(b.reqIDs(), "waiting") == 1 && countOf(b.reqIDs(), "keep") == 1 })

	require.NoError(t, p.RemoveRelay(b.url))
	closed := nextOf(t, rx, NotificationClosed)
	assert.Equal(t, "waiting", closed.SubscriptionID)
	assert.Equal(t, CloseEOSE, closed.Reason)
	eventually(t, func() bool { return countOf(b.closeList(), "keep") == 1 })

	info, ok := p.Subscription("keep")
	require.True(t, ok)
	assert.NotContains(t, info.Relays, b.url)
	assert.Contains(t, info.Relays, a.url)
}

func TestSlowRelaysExcludedFromNewSubscriptions(t *testing.T) {
	t.Parallel()
	fast, slow := newFakeRelay(t), newFakeRelay(t)
	p := newTestPool(t, testOptions().WithMaxAvgLatency(500*time.Millisecond))
	connectPool(t, p, fast, slow)

	r, err := p.relay(slow.url)
	require.NoError(t, err)
	r.stats.recordLatency(2 * time.Second)

	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "fast-only"})
	require.NoError(t, err)
	eventually(t, func() bool { return countOf(fast.reqIDs(), "fast-only") == 1 })
	assert.Zero(t, countOf(slow.reqIDs(), "fast-only"))
	stats, err := p.RelayStats(slow.url)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, stats.Status)

	// relays named explicitly are used regardless
	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "pinned", Relays: []string{slow.url}})
	require.NoError(t, err)
	eventually(t, func() bool { return countOf(slow.reqIDs(), "pinned") == 1 })

	// lifting the limit restores the relay
	require.NoError(t, p.SetOptions(p.Options().WithMaxAvgLatency(0)))
	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "both"})
	require.NoError(t, err)
	eventually(t, func() bool { return countOf(slow.reqIDs(), "both") == 1 })
}

func TestSetOptions(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, testOptions())
	before := p.Options()

	err := p.SetOptions(before.WithDifficulty(-1))
	require.Error(t, err)
	assert.Equal(t, before.Difficulty, p.Options().Difficulty)

	require.NoError(t, p.SetOptions(before.WithMinPOW(12).WithDedupWindow(time.Minute, 10)))
	assert.Equal(t, 12, p.Options().MinPOW)
	assert.Equal(t, 10, p.Options().DedupSize)
}

func TestDisconnectAndReconnect(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions())
	connectPool(t, p, fr)

	_, err := p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "durable"})
	require.NoError(t, err)
	eventually(t, func() bool { return countOf(fr.reqIDs(), "durable") == 1 })

	p.Disconnect()
	for _, s := range p.Relays() {
		assert.Equal(t, StatusDisconnected, s.Status)
	}
	assert.Equal(t, []string{"durable"}, p.Subscriptions())

	p.Connect()
	eventually(t, func() bool { return countOf(fr.reqIDs(), "durable") == 2 })

	require.NoError(t, p.DisconnectRelay(fr.url))
	require.NoError(t, p.ConnectRelay(fr.url))
	eventually(t, func() bool { return countOf(fr.reqIDs(), "durable") == 3 })
	assert.ErrorIs(t, p.ConnectRelay("wss://missing.example"), ErrRelayNotFound)
}

func TestWaitForReadyHonorsContext(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions())
	_, err := p.AddRelay(fr.url, RelayOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitForReady(ctx), context.DeadlineExceeded)
}

func TestHandleNotificationsStops(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	fr.store(signedNote(t, keys, 1, "one"))
	p := newTestPool(t, testOptions())
	connectPool(t, p, fr)

	done := make(chan error, 1)
	got := make(chan string, 1)
	go func() {
		done <- p.HandleNotifications(context.Background(), func(n Notification) (bool, error) {
			if n.Kind == NotificationEvent {
				got <- n.Event.Content
				return true, nil
			}
			return false, nil
		})
	}()

	eventually(t, func() bool { return p.bus.receiverCount() == 1 })
	_, err := p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{})
	require.NoError(t, err)

	select {
	case content := <-got:
		assert.Equal(t, "one", content)
	case <-time.After(testTimeout):
		t.Fatal("no event handled")
	}
	assert.NoError(t, <-done)

	boom := errors.New("boom")
	go func() {
		done <- p.HandleNotifications(context.Background(), func(Notification) (bool, error) { return false, boom })
	}()
	eventually(t, func() bool { return p.bus.receiverCount() == 1 })
	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, boom)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	db := database.NewMemory()
	mc := cache.NewMemoryCache(10, time.Minute)
	p, err := New(context.Background(), testOptions(),
		WithLogger(discardLogger()),
		WithDatabase(db),
		WithCache(mc, cache.DefaultCacheConfig()))
	require.NoError(t, err)
	connectPool(t, p, fr)
	rx := p.Notifications(64)

	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "open"})
	require.NoError(t, err)

	handled := make(chan error, 1)
	go func() {
		handled <- p.HandleNotifications(context.Background(), func(Notification) (bool, error) { return false, nil })
	}()
	eventually(t, func() bool { return p.bus.receiverCount() == 2 })

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	closed := nextOf(t, rx, NotificationClosed)
	assert.Equal(t, CloseShutdown, closed.Reason)
	nextOf(t, rx, NotificationShutdown)
	_, err = rx.Recv(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, <-handled)

	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{})
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.AddRelay(fr.url, RelayOptions{})
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = db.HasEvent(context.Background(), "x")
	assert.ErrorIs(t, err, database.ErrClosed)
	for _, s := range p.Relays() {
		assert.Equal(t, StatusDisconnected, s.Status)
	}
}

type countingDB struct {
	*database.Memory
	saves atomic.Int32
}

func (c *countingDB) SaveEvent(ctx context.Context, evt types.Event) (bool, error) {
	c.saves.Add(1)
	return c.Memory.SaveEvent(ctx, evt)
}

func TestEventSharedBySubscriptionsStoredOnce(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	note := signedNote(t, keys, 100, "shared")
	fr.store(note)

	db := &countingDB{Memory: database.NewMemory()}
	p := newTestPool(t, testOptions(), WithDatabase(db))
	connectPool(t, p, fr)
	rx := p.Notifications(64)

	_, err := p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "one"})
	require.NoError(t, err)
	require.Len(t, collectEvents(t, rx, "one", 1), 1)
	_, err = p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "two"})
	require.NoError(t, err)
	require.Len(t, collectEvents(t, rx, "two", 1), 1)

	stored, err := db.HasEvent(context.Background(), note.ID)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.EqualValues(t, 1, db.saves.Load())
}
