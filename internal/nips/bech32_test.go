package nips

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pubHex = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func TestNpubRoundTrip(t *testing.T) {
	npub, err := EncodePubkey(pubHex)
	require.NoError(t, err)
	assert.Contains(t, npub, "npub1")

	decoded, err := DecodeNpub(npub)
	require.NoError(t, err)
	assert.Equal(t, pubHex, decoded)
}

func TestDecodeRejectsWrongPrefixAndChecksum(t *testing.T) {
	npub, err := EncodePubkey(pubHex)
	require.NoError(t, err)

	_, err = DecodeNsec(npub)
	assert.Error(t, err)

	last := npub[len(npub)-1]
	swap := byte('q')
	if last == 'q' {
		swap = 'p'
	}
	corrupted := npub[:len(npub)-1] + string(swap)
	_, err = DecodeNpub(corrupted)
	assert.Error(t, err)
}

func TestDecodeNsec(t *testing.T) {
	data, err := Bech32ConvertBits(make([]byte, 32), 8, 5, true)
	require.NoError(t, err)
	nsec, err := Bech32Encode("nsec", data)
	require.NoError(t, err)

	hexKey, err := DecodeNsec(nsec)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", hexKey)
}
