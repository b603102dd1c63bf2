package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/database"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
)

func TestPublishPartialSuccess(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	good, picky := newFakeRelay(t), newFakeRelay(t)
	picky.okFunc = func(types.Event) (bool, string) { return false, "blocked: spam" }

	db := database.NewMemory()
	p := newTestPool(t, testOptions(), WithDatabase(db))
	connectPool(t, p, good, picky)

	evt := signedNote(t, keys, 1, "hello")
	out, err := p.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, out.ID)
	assert.Equal(t, []string{good.url}, out.Success)
	require.Contains(t, out.Failed, picky.url)

	var perr *PublishError
	require.ErrorAs(t, out.Failed[picky.url], &perr)
	assert.Equal(t, "blocked: spam", perr.Message)
	assert.Equal(t, picky.url, perr.Relay)

	require.Len(t, good.publishedList(), 1)
	assert.Equal(t, evt.ID, good.publishedList()[0].ID)

	stored, err := db.HasEvent(context.Background(), evt.ID)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestPublishAllFailed(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	fr.okFunc = func(types.Event) (bool, string) { return false, "invalid: nope" }
	p := newTestPool(t, testOptions())
	connectPool(t, p, fr)

	out, err := p.Publish(context.Background(), signedNote(t, keys, 1, "rejected"))
	require.ErrorIs(t, err, ErrPublishFailed)
	require.NotNil(t, out)
	assert.Empty(t, out.Success)
	assert.Len(t, out.Failed, 1)
	assert.Contains(t, err.Error(), "invalid: nope")
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	p := newTestPool(t, testOptions())
	ctx := context.Background()

	evt := signedNote(t, keys, 1, "x")
	_, err := p.Publish(ctx, evt)
	assert.ErrorIs(t, err, ErrNoRelays)

	tampered := evt
	tampered.Content = "y"
	_, err = p.Publish(ctx, tampered)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = p.PublishTo(ctx, evt, []string{"wss://missing.example"})
	assert.ErrorIs(t, err, ErrRelayNotFound)

	_, err = p.PublishTo(ctx, evt, nil)
	assert.ErrorIs(t, err, ErrNoRelays)

	_, err = p.SignAndPublish(ctx, types.Event{Kind: types.KindTextNote})
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestPublishToIdleRelayFails(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions())
	_, err := p.AddRelay(fr.url, RelayOptions{})
	require.NoError(t, err)

	out, err := p.PublishTo(context.Background(), signedNote(t, keys, 1, "x"), []string{fr.url})
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, out.Failed[fr.url], ErrRelayNotReady)
}

func TestPublishWaitsForConnectingRelay(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions())
	_, err := p.AddRelay(fr.url, RelayOptions{})
	require.NoError(t, err)
	p.Connect()

	out, err := p.Publish(context.Background(), signedNote(t, keys, 1, "early"))
	require.NoError(t, err)
	assert.Equal(t, []string{fr.url}, out.Success)
}

func TestPublishSkipsReadOnlyRelays(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	rw, ro := newFakeRelay(t), newFakeRelay(t)
	p := newTestPool(t, testOptions())
	_, err := p.AddRelay(ro.url, RelayOptions{Flags: FlagRead})
	require.NoError(t, err)
	connectPool(t, p, rw)

	out, err := p.Publish(context.Background(), signedNote(t, keys, 1, "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{rw.url}, out.Success)
	assert.Empty(t, ro.publishedList())
}

func TestPublishRetriesAfterAuthentication(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	fr.challenge = "challenge-1"
	fr.requireAuth = true
	p := newTestPool(t, testOptions(), WithSigner(keys))
	connectPool(t, p, fr)

	evt := signedNote(t, keys, 1, "members only")
	out, err := p.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, []string{fr.url}, out.Success)

	stats, err := p.RelayStats(fr.url)
	require.NoError(t, err)
	assert.True(t, stats.Authenticated)
}

func TestAuthFailureKeepsRelayUsable(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	fr.challenge = "challenge-2"
	fr.requireAuth = true
	fr.rejectAuth = true
	p := newTestPool(t, testOptions(), WithSigner(keys))
	connectPool(t, p, fr)

	out, err := p.Publish(context.Background(), signedNote(t, keys, 1, "denied"))
	require.ErrorIs(t, err, ErrPublishFailed)
	var authErr *AuthenticationError
	require.True(t, errors.As(out.Failed[fr.url], &authErr), "got %v", out.Failed[fr.url])
	assert.Contains(t, authErr.Reason, "restricted")

	eventually(t, func() bool { return fr.acceptCount() == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, p.WaitForReady(ctx, fr.url))

	stats, err := p.RelayStats(fr.url)
	require.NoError(t, err)
	assert.False(t, stats.Authenticated)
	assert.Error(t, stats.LastError)

	// a one-shot query refused for auth still completes
	events, err := p.FetchEventsFrom(context.Background(), []string{fr.url}, notesFilter(), testTimeout)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuthRequiredSubscriptionResentAfterAuth(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	fr.challenge = "challenge-3"
	fr.requireAuth = true
	fr.store(signedNote(t, keys, 1, "private"))
	p := newTestPool(t, testOptions(), WithSigner(keys))
	connectPool(t, p, fr)
	rx := p.Notifications(64)

	_, err := p.Subscribe(context.Background(), notesFilter(), SubscribeOptions{ID: "members"})
	require.NoError(t, err)
	events := collectEvents(t, rx, "members", 1)
	require.Len(t, events, 1)
	assert.Equal(t, "private", events[0].Event.Content)
}

func TestSignAndPublishMinesProofOfWork(t *testing.T) {
	t.Parallel()
	keys := testKeys(t)
	fr := newFakeRelay(t)
	p := newTestPool(t, testOptions().WithDifficulty(8), WithSigner(keys))
	connectPool(t, p, fr)

	out, err := p.SignAndPublish(context.Background(), types.Event{
		Kind:    types.KindTextNote,
		Tags:    [][]string{},
		Content: "worked for it",
	})
	require.NoError(t, err)
	require.Len(t, out.Success, 1)

	published := fr.publishedList()
	require.Len(t, published, 1)
	evt := published[0]
	assert.GreaterOrEqual(t, nostr.Difficulty(evt.ID), 8)
	assert.True(t, nostr.ValidateEventSignature(&evt))
	assert.NotZero(t, evt.CreatedAt)

	pub, err := keys.PublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pub, evt.PubKey)

	nonce := evt.TagValues("nonce")
	require.Len(t, nonce, 1)
}
