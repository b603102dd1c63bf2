package signer

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/nips"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
)

func TestSignEventProducesValidEvent(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	in := types.Event{CreatedAt: 1700000000, Kind: 1, Content: "hello <world>"}
	out, err := keys.SignEvent(context.Background(), in)
	require.NoError(t, err)

	pub, _ := keys.PublicKey(context.Background())
	assert.Equal(t, pub, out.PubKey)
	assert.True(t, nostr.CheckEventID(&out))
	assert.True(t, nostr.ValidateEventSignature(&out))
	assert.Empty(t, in.Sig, "input must not be modified")
}

func TestNewKeysAcceptsNsec(t *testing.T) {
	hexKey := "0000000000000000000000000000000000000000000000000000000000000003"
	fromHex, err := NewKeys(hexKey)
	require.NoError(t, err)

	data, err := nips.Bech32ConvertBits(mustHex(t, hexKey), 8, 5, true)
	require.NoError(t, err)
	nsec, err := nips.Bech32Encode("nsec", data)
	require.NoError(t, err)

	fromNsec, err := NewKeys(nsec)
	require.NoError(t, err)
	assert.Equal(t, fromHex.public, fromNsec.public)
}

func TestNewKeysRejectsGarbage(t *testing.T) {
	_, err := NewKeys("zz")
	assert.Error(t, err)
	_, err = NewKeys("abcd")
	assert.Error(t, err)
}

func TestPublicOnlyCannotSign(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	pubOnly, err := PublicOnly(keys.public)
	require.NoError(t, err)

	_, err = pubOnly.SignEvent(context.Background(), types.Event{Kind: 1})
	assert.ErrorIs(t, err, ErrNoSecretKey)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
