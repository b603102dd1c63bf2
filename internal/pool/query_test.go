package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/types"
)

func TestFetchEventsMergesRelays(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	shared := signedNote(t, keys, 200, "shared")
	oldest := signedNote(t, keys, 100, "oldest")
	newest := signedNote(t, keys, 300, "newest")

	a, b := newFakeRelay(t), newFakeRelay(t)
	a.store(shared, oldest)
	b.store(shared, newest)
	p := newTestPool(t, testOptions())
	connectPool(t, p, a, b)
	rx := p.Notifications(64)

	events, err := p.FetchEvents(context.Background(), notesFilter(), testTimeout)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, newest.ID, events[0].ID)
	assert.Equal(t, shared.ID, events[1].ID)
	assert.Equal(t, oldest.ID, events[2].ID)

	// one-shot queries still notify the bus
	closed := nextOf(t, rx, NotificationClosed)
	assert.Equal(t, CloseEOSE, closed.Reason)
	assert.Empty(t, p.Subscriptions())
}

func TestFetchEventsHonorsLimit(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	for i := int64(1); i <= 5; i++ {
		fr.store(signedNote(t, keys, i*10, "n"))
	}
	p := newTestPool(t, testOptions())
	connectPool(t, p, fr)

	events, err := p.FetchEvents(context.Background(), []types.Filter{{Kinds: []int{types.KindTextNote}, Limit: 2}}, testTimeout)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(50), events[0].CreatedAt)
	assert.Equal(t, int64(40), events[1].CreatedAt)
}

func TestFetchEventsReturnsPartialOnTimeout(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	quick, silent := newFakeRelay(t), newFakeRelay(t)
	silent.noEOSE = true
	silent.store(signedNote(t, keys, 1, "from the silent one"))
	p := newTestPool(t, testOptions())
	connectPool(t, p, quick, silent)

	start := time.Now()
	events, err := p.FetchEvents(context.Background(), notesFilter(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestFetchEventsContextCanceled(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	fr.noEOSE = true
	p := newTestPool(t, testOptions())
	connectPool(t, p, fr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.FetchEvents(ctx, notesFilter(), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, p.Subscriptions())
}

func TestFetchEventsFrom(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	a, b := newFakeRelay(t), newFakeRelay(t)
	a.store(signedNote(t, keys, 1, "a"))
	b.store(signedNote(t, keys, 2, "b"))
	p := newTestPool(t, testOptions())
	connectPool(t, p, a, b)

	events, err := p.FetchEventsFrom(context.Background(), []string{b.url}, notesFilter(), testTimeout)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Content)

	_, err = p.FetchEventsFrom(context.Background(), nil, notesFilter(), testTimeout)
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestSortNewestFirst(t *testing.T) {
	t.Parallel()
	events := []types.Event{
		{ID: "a", CreatedAt: 1},
		{ID: "c", CreatedAt: 2},
		{ID: "b", CreatedAt: 2},
	}
	sortNewestFirst(events)
	assert.Equal(t, []string{"c", "b", "a"}, []string{events[0].ID, events[1].ID, events[2].ID})
}
