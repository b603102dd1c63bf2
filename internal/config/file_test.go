package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
relays:
  - url: wss://relay.damus.io
  - url: wss://purplepag.es
    read: false
    write: false
    discovery: true
gossip: true
gossipPolicy: merge
minPow: 12
reqFiltersChunkSize: 2
timeout: 5s
maxAvgLatency: 800ms
connection:
  mode: proxy
  proxy: 127.0.0.1:9050
  target: onion
filtering:
  mode: whitelist
  relays: [wss://relay.damus.io/]
database:
  driver: sqlite
  path: /tmp/events.db
`

func TestParseYAML(t *testing.T) {
	f, err := Parse("pool.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, f.Relays, 2)
	assert.True(t, f.Relays[0].CanRead())
	assert.False(t, f.Relays[1].CanWrite())
	assert.True(t, f.Relays[1].Discovery)
	assert.Equal(t, "sqlite", f.Database.Driver)

	o, err := f.Options(New())
	require.NoError(t, err)
	assert.True(t, o.Gossip)
	assert.Equal(t, GossipMerge, o.GossipPolicy)
	assert.Equal(t, 12, o.MinPOW)
	assert.Equal(t, uint8(2), o.ReqFiltersChunkSize)
	assert.Equal(t, 5*time.Second, o.Timeout)
	assert.Equal(t, 800*time.Millisecond, o.MaxAvgLatency)
	assert.Equal(t, TargetOnion, o.Connection.Target)
	assert.IsType(t, ProxyMode{}, o.Connection.Mode)
	assert.True(t, o.Filtering.Admits("wss://relay.damus.io"))
	assert.False(t, o.Filtering.Admits("wss://nos.lol"))
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	_, err := Parse("pool.json", []byte(`{"relays":[],"bogus":true}`))
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestOptionsFailFast(t *testing.T) {
	cases := map[string]string{
		"bad proxy":    `{"connection":{"mode":"proxy","proxy":"nope"}}`,
		"bad mode":     `{"connection":{"mode":"carrier-pigeon"}}`,
		"bad duration": `{"timeout":"soon"}`,
		"bad filter":   `{"filtering":{"mode":"greylist"}}`,
		"bad relay":    `{"relays":[{"url":"http://example.com"}]}`,
		"bad policy":   `{"gossipPolicy":"sometimes"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Parse("pool.json", []byte(body))
			require.NoError(t, err)
			_, err = f.Options(New())
			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	o, err := f.Options(New())
	require.NoError(t, err)
	assert.Equal(t, New().Timeout, o.Timeout)
}

func TestResolvePath(t *testing.T) {
	t.Setenv("NOSTR_POOL_CONFIG", "/etc/pool.yaml")
	assert.Equal(t, "explicit.json", ResolvePath("explicit.json"))
	assert.Equal(t, "/etc/pool.yaml", ResolvePath(""))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"minPow":1}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *File, 4)
	go Watch(ctx, path, nil, func(f *File) { got <- f })

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"minPow":7}`), 0o600))

	select {
	case f := <-got:
		assert.Equal(t, 7, f.MinPOW)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
