package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nostr-pool/internal/types"
)

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://Relay.Damus.io/", "wss://relay.damus.io"},
		{"  wss://nos.lol  ", "wss://nos.lol"},
		{"ws://127.0.0.1:7777", "ws://127.0.0.1:7777"},
		{"ws://localhost:8080/path/", "ws://localhost:8080/path"},
		{"wss://abcdefghijklmnop.onion", "wss://abcdefghijklmnop.onion"},
		{"https://relay.damus.io", ""},
		{"relay.damus.io", ""},
		{"wss://https://relay.damus.io", ""},
		{"wss://printer.local", ""},
		{"wss://my%20relay.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRelayURL(tt.in), "input %q", tt.in)
	}
}

func TestIsOnionURL(t *testing.T) {
	assert.True(t, IsOnionURL("ws://abc.onion"))
	assert.False(t, IsOnionURL("wss://relay.damus.io"))
}

func TestParseRelayList(t *testing.T) {
	evt := &types.Event{
		Kind:      types.KindRelayList,
		CreatedAt: 42,
		Tags: [][]string{
			{"r", "wss://both.example.com"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://write.example.com/", "write"},
			{"r", "not a url"},
			{"p", "ignored"},
		},
	}
	list := ParseRelayList(evt)
	assert.Equal(t, int64(42), list.CreatedAt)
	assert.Equal(t, []string{"wss://both.example.com", "wss://read.example.com"}, list.Read)
	assert.Equal(t, []string{"wss://both.example.com", "wss://write.example.com"}, list.Write)

	assert.Nil(t, ParseRelayList(&types.Event{Kind: 1}))
}
