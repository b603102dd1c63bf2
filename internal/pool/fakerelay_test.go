package pool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"nostr-pool/internal/config"
	"nostr-pool/internal/metrics"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/signer"
	"nostr-pool/internal/types"
)

const testTimeout = 5 * time.Second

type fakeReq struct {
	subID   string
	filters []types.Filter
}

// fakeRelay is a minimal NIP-01/NIP-42 relay backed by httptest.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server
	url string

	mu        sync.Mutex
	stored    []types.Event
	reqs      []fakeReq
	closes    []string
	published []types.Event
	conns     map[*websocket.Conn]*fakeConn
	accepts   int

	// knobs, set before connecting
	challenge   string
	requireAuth bool
	rejectAuth  bool
	noEOSE      bool
	okFunc      func(types.Event) (bool, string)
}

type fakeConn struct {
	ws     *websocket.Conn
	writeM sync.Mutex
	authed bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{t: t, conns: make(map[*websocket.Conn]*fakeConn)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fr.serve(ws)
	}))
	fr.url = "ws" + strings.TrimPrefix(fr.srv.URL, "http")
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) store(events ...types.Event) {
	fr.mu.Lock()
	fr.stored = append(fr.stored, events...)
	fr.mu.Unlock()
}

func (fr *fakeRelay) serve(ws *websocket.Conn) {
	c := &fakeConn{ws: ws}
	fr.mu.Lock()
	fr.conns[ws] = c
	fr.accepts++
	challenge := fr.challenge
	fr.mu.Unlock()
	defer func() {
		fr.mu.Lock()
		delete(fr.conns, ws)
		fr.mu.Unlock()
		_ = ws.Close()
	}()

	if challenge != "" {
		c.send("AUTH", challenge)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(msg[0], &label)
		switch label {
		case "REQ":
			fr.handleReq(c, msg)
		case "CLOSE":
			var subID string
			_ = json.Unmarshal(msg[1], &subID)
			fr.mu.Lock()
			fr.closes = append(fr.closes, subID)
			fr.mu.Unlock()
		case "EVENT":
			fr.handleEvent(c, msg)
		case "AUTH":
			fr.handleAuth(c, msg)
		}
	}
}

func (fr *fakeRelay) handleReq(c *fakeConn, msg []json.RawMessage) {
	var subID string
	_ = json.Unmarshal(msg[1], &subID)
	req := fakeReq{subID: subID}
	for _, raw := range msg[2:] {
		var f types.Filter
		if err := json.Unmarshal(raw, &f); err == nil {
			req.filters = append(req.filters, f)
		}
	}

	fr.mu.Lock()
	fr.reqs = append(fr.reqs, req)
	needAuth := fr.requireAuth && !c.authed
	var matched []types.Event
	for _, evt := range fr.stored {
		for _, f := range req.filters {
			if f.Matches(&evt) {
				matched = append(matched, evt)
				break
			}
		}
	}
	noEOSE := fr.noEOSE
	fr.mu.Unlock()

	if needAuth {
		c.send("CLOSED", subID, nostr.PrefixAuthRequired+" sign in first")
		return
	}
	for _, evt := range matched {
		c.send("EVENT", subID, evt)
	}
	if !noEOSE {
		c.send("EOSE", subID)
	}
}

func (fr *fakeRelay) handleEvent(c *fakeConn, msg []json.RawMessage) {
	var evt types.Event
	if err := json.Unmarshal(msg[1], &evt); err != nil {
		return
	}
	fr.mu.Lock()
	fr.published = append(fr.published, evt)
	needAuth := fr.requireAuth && !c.authed
	okFunc := fr.okFunc
	fr.mu.Unlock()

	if needAuth {
		c.send("OK", evt.ID, false, nostr.PrefixAuthRequired+" sign in first")
		return
	}
	ok, reason := true, ""
	if okFunc != nil {
		ok, reason = okFunc(evt)
	}
	c.send("OK", evt.ID, ok, reason)
}

func (fr *fakeRelay) handleAuth(c *fakeConn, msg []json.RawMessage) {
	var evt types.Event
	if err := json.Unmarshal(msg[1], &evt); err != nil {
		return
	}
	fr.mu.Lock()
	reject := fr.rejectAuth
	challenge := fr.challenge
	fr.mu.Unlock()

	valid := evt.Kind == types.KindClientAuth &&
		evt.HasTagValue("challenge", challenge) &&
		nostr.CheckEventID(&evt) &&
		nostr.ValidateEventSignature(&evt)
	if reject || !valid {
		c.send("OK", evt.ID, false, "restricted: not allowed")
		return
	}
	fr.mu.Lock()
	c.authed = true
	fr.mu.Unlock()
	c.send("OK", evt.ID, true, "")
}

func (c *fakeConn) send(parts ...interface{}) {
	data, err := json.Marshal(parts)
	if err != nil {
		return
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

// broadcast sends a live event to every open connection under subID.
func (fr *fakeRelay) broadcast(subID string, evt types.Event) {
	fr.mu.Lock()
	conns := make([]*fakeConn, 0, len(fr.conns))
	for _, c := range fr.conns {
		conns = append(conns, c)
	}
	fr.mu.Unlock()
	for _, c := range conns {
		c.send("EVENT", subID, evt)
	}
}

// sendRaw writes an arbitrary frame to every open connection.
func (fr *fakeRelay) sendRaw(parts ...interface{}) {
	fr.mu.Lock()
	conns := make([]*fakeConn, 0, len(fr.conns))
	for _, c := range fr.conns {
		conns = append(conns, c)
	}
	fr.mu.Unlock()
	for _, c := range conns {
		c.send(parts...)
	}
}

// dropConnections closes every open socket from the server side.
func (fr *fakeRelay) dropConnections() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for ws := range fr.conns {
		_ = ws.Close()
	}
}

func (fr *fakeRelay) reqList() []fakeReq {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]fakeReq(nil), fr.reqs...)
}

func (fr *fakeRelay) reqIDs() []string {
	var ids []string
	for _, r := range fr.reqList() {
		ids = append(ids, r.subID)
	}
	return ids
}

func (fr *fakeRelay) closeList() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.closes...)
}

func (fr *fakeRelay) publishedList() []types.Event {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]types.Event(nil), fr.published...)
}

func (fr *fakeRelay) acceptCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.accepts
}

func testOptions() config.Options {
	return config.New().
		WithTimeout(testTimeout).
		WithReconnectDelay(20*time.Millisecond, 200*time.Millisecond).
		WithPingInterval(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, opts config.Options, options ...Option) *RelayPool {
	t.Helper()
	options = append([]Option{WithLogger(discardLogger())}, options...)
	p, err := New(context.Background(), opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// connectPool adds relays, connects and waits until all are ready.
func connectPool(t *testing.T, p *RelayPool, relays ...*fakeRelay) {
	t.Helper()
	for _, fr := range relays {
		_, err := p.AddRelay(fr.url, RelayOptions{})
		require.NoError(t, err)
	}
	p.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, p.WaitForReady(ctx))
}

func testKeys(t *testing.T) *signer.Keys {
	t.Helper()
	k, err := signer.GenerateKeys()
	require.NoError(t, err)
	return k
}

func signedNote(t *testing.T, k *signer.Keys, createdAt int64, content string, tags ...[]string) types.Event {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	evt, err := k.SignEvent(context.Background(), types.Event{
		CreatedAt: createdAt,
		Kind:      types.KindTextNote,
		Tags:      tags,
		Content:   content,
	})
	require.NoError(t, err)
	return evt
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, 10*time.Millisecond, msgAndArgs...)
}

// nextOf reads notifications until one of kind arrives.
func nextOf(t *testing.T, rx *Receiver, kind NotificationKind) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for {
		n, err := rx.Recv(ctx)
		require.NoError(t, err, "waiting for %s notification", kind)
		if n.Kind == kind {
			return n
		}
	}
}

// metricValue sums every sample of the named counter or gauge.
func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
	}
	return total
}
