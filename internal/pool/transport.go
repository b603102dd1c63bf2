package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"nostr-pool/internal/config"
	"nostr-pool/internal/nostr"
)

const handshakeTimeout = 10 * time.Second

// transport builds websocket dialers for the configured connection mode.
// The embedded tor client is started on first use and shared by all relays.
type transport struct {
	log *slog.Logger

	mu        sync.Mutex
	tor       *tor.Tor
	torDialer *tor.Dialer
	torDir    string
}

func newTransport(log *slog.Logger) *transport {
	return &transport{log: log}
}

// dialer returns a websocket dialer for relayURL. With TargetOnion the mode
// only applies to .onion relays; everything else dials directly.
func (t *transport) dialer(ctx context.Context, relayURL string, conn config.ConnectionOptions) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   16 << 10,
		WriteBufferSize:  16 << 10,
	}
	if conn.Target == config.TargetOnion && !nostr.IsOnionURL(relayURL) {
		return d, nil
	}

	switch m := conn.Mode.(type) {
	case nil, config.DirectMode:
		if nostr.IsOnionURL(relayURL) {
			return nil, fmt.Errorf("onion relay %s needs a proxy or embedded tor", relayURL)
		}
		return d, nil
	case config.ProxyMode:
		socks, err := proxy.SOCKS5("tcp", m.Addr.String(), nil, &net.Dialer{Timeout: handshakeTimeout})
		if err != nil {
			return nil, err
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		d.NetDialContext = cd.DialContext
		return d, nil
	case config.EmbeddedTorMode:
		td, err := t.torDialerFor(ctx, m.DataDir)
		if err != nil {
			return nil, err
		}
		d.NetDialContext = td.DialContext
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported connection mode %T", m)
	}
}

func (t *transport) torDialerFor(ctx context.Context, dataDir string) (*tor.Dialer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.torDialer != nil && t.torDir == dataDir {
		return t.torDialer, nil
	}
	if t.tor != nil {
		// Data dir changed; restart with the new one.
		_ = t.tor.Close()
		t.tor, t.torDialer = nil, nil
	}

	t.log.Info("starting embedded tor", "data_dir", dataDir)
	startCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	conf := &tor.StartConf{DataDir: dataDir}
	if dataDir == "" {
		conf.TempDataDirBase = os.TempDir()
	}
	tr, err := tor.Start(startCtx, conf)
	if err != nil {
		return nil, fmt.Errorf("start tor: %w", err)
	}
	dialer, err := tr.Dialer(startCtx, nil)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("tor dialer: %w", err)
	}
	t.tor, t.torDialer, t.torDir = tr, dialer, dataDir
	return dialer, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tor == nil {
		return nil
	}
	err := t.tor.Close()
	t.tor, t.torDialer = nil, nil
	return err
}
