package pool

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/config"
	"nostr-pool/internal/types"
)

const relayA = "wss://a.example"

func powEvent(zeroNibbles int) *types.Event {
	id := strings.Repeat("0", zeroNibbles) + strings.Repeat("f", 64-zeroNibbles)
	return &types.Event{ID: id, Kind: types.KindTextNote, Tags: [][]string{}}
}

func TestAdmitDefaults(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Admit(powEvent(0), relayA, config.New()))
}

func TestAdmitFiltering(t *testing.T) {
	t.Parallel()
	evt := powEvent(0)

	black := config.New().WithFiltering(config.NewRelayFiltering(config.Blacklist, relayA))
	rej := Admit(evt, relayA, black)
	require.NotNil(t, rej)
	assert.Equal(t, RejectFiltered, rej.Reason)
	assert.Nil(t, Admit(evt, "wss://b.example", black))

	white := config.New().WithFiltering(config.NewRelayFiltering(config.Whitelist, relayA))
	assert.Nil(t, Admit(evt, relayA, white))
	rej = Admit(evt, "wss://b.example", white)
	require.NotNil(t, rej)
	assert.Equal(t, RejectFiltered, rej.Reason)

	emptyWhite := config.New().WithFiltering(config.NewRelayFiltering(config.Whitelist))
	assert.NotNil(t, Admit(evt, relayA, emptyWhite))
}

func TestAdmitMinPOW(t *testing.T) {
	t.Parallel()
	opts := config.New().WithMinPOW(16)

	rej := Admit(powEvent(3), relayA, opts)
	require.NotNil(t, rej)
	assert.Equal(t, RejectPOW, rej.Reason)
	assert.Contains(t, rej.Error(), "12")

	assert.Nil(t, Admit(powEvent(4), relayA, opts))
	assert.Nil(t, Admit(powEvent(5), relayA, opts))
}

func TestAdmitLimits(t *testing.T) {
	t.Parallel()
	evt := powEvent(0)
	evt.Tags = [][]string{{"t", "a"}}
	evt.Content = "short"
	fits, err := json.Marshal(evt)
	require.NoError(t, err)

	opts := config.New().WithRelayLimits(config.RelayLimits{MaxEventTags: 2, MaxEventSize: len(fits)})
	assert.Nil(t, Admit(evt, relayA, opts))

	evt.Tags = [][]string{{"t", "a"}, {"t", "b"}, {"t", "c"}}
	rej := Admit(evt, relayA, opts)
	require.NotNil(t, rej)
	assert.Equal(t, RejectTooManyTags, rej.Reason)

	// tags and content both count toward the size
	evt.Tags = [][]string{{"t", "a"}, {"t", "b"}}
	rej = Admit(evt, relayA, opts)
	require.NotNil(t, rej)
	assert.Equal(t, RejectTooLarge, rej.Reason)

	evt.Tags = [][]string{{"t", "a"}}
	evt.Content = "shorter"
	rej = Admit(evt, relayA, opts)
	require.NotNil(t, rej)
	assert.Equal(t, RejectTooLarge, rej.Reason)
	assert.Contains(t, rej.Detail, fmt.Sprintf("limit %d", len(fits)))
}

func TestAdmitFilteringCheckedFirst(t *testing.T) {
	t.Parallel()
	opts := config.New().
		WithMinPOW(30).
		WithFiltering(config.NewRelayFiltering(config.Blacklist, relayA))
	rej := Admit(powEvent(0), relayA, opts)
	require.NotNil(t, rej)
	assert.Equal(t, RejectFiltered, rej.Reason)
}
