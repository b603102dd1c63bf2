package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"nostr-pool/internal/config"
	"nostr-pool/internal/metrics"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/signer"
	"nostr-pool/internal/types"
)

type relayEventKind int

const (
	relayStatusChanged relayEventKind = iota
	relayMessage
	relayInvalidEvent
)

// relayEvent is what a relay reports upward to its pool.
type relayEvent struct {
	kind   relayEventKind
	relay  string
	status RelayStatus
	prev   RelayStatus
	err    error
	// authenticated is set on the Ready transition that follows a successful AUTH.
	authenticated bool
	// awaitAuth marks an auth-required CLOSED that authenticating may still resolve.
	awaitAuth bool
	msg       *nostr.RelayMessage
}

// relayEnv is the part of the pool a relay may use. Relays never touch the
// pool's maps; everything they learn goes through emit.
type relayEnv struct {
	options   func() config.Options
	transport *transport
	signer    signer.Signer
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	emit      func(ctx context.Context, ev relayEvent) bool
}

type okResult struct {
	accepted bool
	message  string
	err      error
}

type okWaiter struct {
	ch     chan okResult
	sentAt time.Time
}

// Relay owns one websocket connection and keeps it alive with backoff.
type Relay struct {
	url   string
	env   *relayEnv
	stats *relayStats

	mu            sync.Mutex
	flags         RelayFlags
	status        RelayStatus
	changed       chan struct{} // closed on every status or auth change
	conn          *websocket.Conn
	limiter       *rate.Limiter
	cancel        context.CancelFunc
	done          chan struct{}
	challenge     string
	authenticated bool
	authErr       error
	pendingOK     map[string][]*okWaiter
	reqSentAt     map[string]time.Time
	pingSentAt    time.Time

	writeMu sync.Mutex
}

func newRelay(url string, flags RelayFlags, env *relayEnv) *Relay {
	return &Relay{
		url:       url,
		env:       env,
		stats:     newRelayStats(env.clock),
		flags:     flags,
		changed:   make(chan struct{}),
		pendingOK: make(map[string][]*okWaiter),
		reqSentAt: make(map[string]time.Time),
	}
}

func (r *Relay) URL() string { return r.url }

func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Relay) Flags() RelayFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags
}

func (r *Relay) addFlags(f RelayFlags) {
	r.mu.Lock()
	r.flags |= f
	r.mu.Unlock()
}

// removeFlags clears f and returns what is left.
func (r *Relay) removeFlags(f RelayFlags) RelayFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags &^= f
	return r.flags
}

func (r *Relay) snapshot() RelayStats {
	r.mu.Lock()
	out := RelayStats{
		URL:           r.url,
		Status:        r.status,
		Flags:         r.flags,
		Authenticated: r.authenticated,
	}
	r.mu.Unlock()
	r.stats.fill(&out)
	return out
}

// tooSlow reports whether the measured average exceeds max. Relays without
// samples are never too slow.
func (r *Relay) tooSlow(max time.Duration) bool {
	if max <= 0 {
		return false
	}
	avg, ok := r.stats.latency()
	return ok && avg > max
}

// writable reports whether events may be written now. An AUTH exchange in
// progress does not block writes.
func (r *Relay) writable() bool {
	s := r.Status()
	return s == StatusReady || s == StatusAuthenticating
}

func (r *Relay) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// connect starts the connection loop. Calling it on a running relay is a no-op.
func (r *Relay) connect(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

// disconnect stops the loop, closes the socket and waits for the loop to exit.
func (r *Relay) disconnect() {
	r.mu.Lock()
	cancel, done, conn := r.cancel, r.done, r.conn
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	r.setStatus(context.Background(), nil, StatusDisconnected, nil, false)
}

func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		opts := r.env.options()
		err := r.session(ctx, opts)
		if ctx.Err() != nil {
			return
		}

		failures := r.stats.consecutiveFailures() + 1
		delay := backoffDelay(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, failures)
		r.stats.recordFailure(err, delay)
		r.env.log.Warn("relay connection lost",
			"relay", r.url,
			"error", err,
			"failure_count", failures,
			"retry_in", delay)
		r.setStatus(ctx, nil, StatusDisconnected, err, false)

		select {
		case <-ctx.Done():
			return
		case <-r.env.clock.After(delay):
		}
	}
}

// session dials once and serves the connection until it fails.
func (r *Relay) session(ctx context.Context, opts config.Options) error {
	r.setStatus(ctx, nil, StatusConnecting, nil, false)
	r.stats.recordAttempt()
	r.env.metrics.ConnectAttempt(r.url)

	dialer, err := r.env.transport.dialer(ctx, r.url, opts.Connection)
	if err != nil {
		r.env.metrics.ConnectFailure(r.url)
		return &TransportError{Relay: r.url, Op: "dial", Err: err}
	}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		r.env.metrics.ConnectFailure(r.url)
		return &TransportError{Relay: r.url, Op: "dial", Err: err}
	}
	if opts.Limits.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.Limits.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		r.mu.Lock()
		sent := r.pingSentAt
		r.pingSentAt = time.Time{}
		r.mu.Unlock()
		if !sent.IsZero() {
			r.observeLatency(r.env.clock.Since(sent))
		}
		return nil
	})

	r.mu.Lock()
	r.conn = conn
	r.limiter = newLimiter(opts.Limits)
	r.challenge = ""
	r.authenticated = false
	r.authErr = nil
	r.mu.Unlock()

	r.stats.recordSuccess()
	r.env.log.Info("relay connected", "relay", r.url)
	r.setStatus(ctx, conn, StatusConnected, nil, false)
	r.setStatus(ctx, conn, StatusReady, nil, false)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { _ = conn.Close() })
	defer stop()
	go r.pingLoop(sessCtx, conn, opts.PingInterval, opts.WriteTimeout)

	err = r.readLoop(sessCtx, conn)

	r.mu.Lock()
	r.conn = nil
	pending := r.pendingOK
	r.pendingOK = make(map[string][]*okWaiter)
	r.reqSentAt = make(map[string]time.Time)
	r.authenticated = false
	r.notifyLocked()
	r.mu.Unlock()
	_ = conn.Close()

	terr := &TransportError{Relay: r.url, Op: "read", Err: err}
	for _, waiters := range pending {
		for _, w := range waiters {
			w.ch <- okResult{err: terr}
		}
	}
	return terr
}

func newLimiter(l config.RelayLimits) *rate.Limiter {
	if l.MaxOutgoingPerSecond <= 0 {
		return nil
	}
	burst := l.OutgoingBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.MaxOutgoingPerSecond), burst)
}

// readLoop continuously reads from the connection and reports upward
func (r *Relay) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg []interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			r.env.log.Debug("relay sent non-array message", "relay", r.url, "error", err)
			continue
		}

		rm, err := nostr.ParseRelayMessage(msg)
		if err != nil {
			if errors.Is(err, nostr.ErrInvalidEvent) && rm != nil {
				if !r.env.emit(ctx, relayEvent{kind: relayInvalidEvent, relay: r.url, msg: rm}) {
					return ctx.Err()
				}
				continue
			}
			r.env.log.Debug("unparseable relay message", "relay", r.url, "error", err)
			continue
		}

		ev := relayEvent{kind: relayMessage, relay: r.url, msg: rm}
		if rm.Label == nostr.LabelClosed && rm.HasPrefix(nostr.PrefixAuthRequired) {
			ev.awaitAuth = r.awaitsAuth()
		}
		r.observe(ctx, conn, rm)
		if !r.env.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

// observe handles the parts of a message the relay owns itself:
// latency samples, OK waiters and AUTH challenges.
func (r *Relay) observe(ctx context.Context, conn *websocket.Conn, rm *nostr.RelayMessage) {
	switch rm.Label {
	case nostr.LabelEvent, nostr.LabelEOSE, nostr.LabelClosed:
		r.mu.Lock()
		sent, ok := r.reqSentAt[rm.SubscriptionID]
		delete(r.reqSentAt, rm.SubscriptionID)
		r.mu.Unlock()
		if ok {
			r.observeLatency(r.env.clock.Since(sent))
		}

	case nostr.LabelOK:
		r.mu.Lock()
		waiters := r.pendingOK[rm.EventID]
		delete(r.pendingOK, rm.EventID)
		r.mu.Unlock()
		for i, w := range waiters {
			if i == 0 {
				r.observeLatency(r.env.clock.Since(w.sentAt))
			}
			w.ch <- okResult{accepted: rm.Accepted, message: rm.Message}
		}

	case nostr.LabelAuth:
		go r.authenticate(ctx, conn, rm.Challenge)
	}
}

func (r *Relay) observeLatency(d time.Duration) {
	avg := r.stats.recordLatency(d)
	r.env.metrics.RelayLatency(r.url, avg.Seconds())
}

func (r *Relay) pingLoop(ctx context.Context, conn *websocket.Conn, interval, writeTimeout time.Duration) {
	if interval <= 0 {
		return
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ticker := r.env.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.pingSentAt = r.env.clock.Now()
			r.mu.Unlock()
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				r.env.log.Debug("ping failed", "relay", r.url, "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// setStatus records a transition and reports it upward. When conn is non-nil
// the transition is dropped if that connection is no longer current.
func (r *Relay) setStatus(ctx context.Context, conn *websocket.Conn, s RelayStatus, cause error, authenticated bool) {
	r.mu.Lock()
	if conn != nil && r.conn != conn {
		r.mu.Unlock()
		return
	}
	prev := r.status
	if prev == s && cause == nil && !authenticated {
		r.mu.Unlock()
		return
	}
	r.status = s
	r.notifyLocked()
	r.mu.Unlock()

	r.env.metrics.RelayStatus(r.url, int(s))
	r.env.emit(ctx, relayEvent{
		kind:          relayStatusChanged,
		relay:         r.url,
		status:        s,
		prev:          prev,
		err:           cause,
		authenticated: authenticated,
	})
}

func (r *Relay) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// waitStatus blocks until the relay reaches want or ctx ends.
func (r *Relay) waitStatus(ctx context.Context, want RelayStatus) error {
	for {
		r.mu.Lock()
		status, ch := r.status, r.changed
		r.mu.Unlock()
		if status == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (r *Relay) send(ctx context.Context, data []byte) error {
	r.mu.Lock()
	conn, lim := r.conn, r.limiter
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", r.url, ErrRelayNotReady)
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	timeout := r.env.options().WriteTimeout
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		// The read loop notices the closed socket and reconnects.
		_ = conn.Close()
		return &TransportError{Relay: r.url, Op: "write", Err: err}
	}
	return nil
}

func (r *Relay) sendReq(ctx context.Context, wireID string, filters []types.Filter) error {
	data, err := nostr.EncodeReq(wireID, filters)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.reqSentAt[wireID] = r.env.clock.Now()
	r.mu.Unlock()
	return r.send(ctx, data)
}

func (r *Relay) sendClose(ctx context.Context, wireID string) error {
	data, err := nostr.EncodeClose(wireID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.reqSentAt, wireID)
	r.mu.Unlock()
	return r.send(ctx, data)
}

// sendAwaitOK writes data and waits for the OK carrying eventID.
func (r *Relay) sendAwaitOK(ctx context.Context, eventID string, data []byte) (bool, string, error) {
	w := &okWaiter{ch: make(chan okResult, 1), sentAt: r.env.clock.Now()}
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return false, "", fmt.Errorf("%s: %w", r.url, ErrRelayNotReady)
	}
	r.pendingOK[eventID] = append(r.pendingOK[eventID], w)
	r.mu.Unlock()

	if err := r.send(ctx, data); err != nil {
		r.dropWaiter(eventID, w)
		return false, "", err
	}
	select {
	case res := <-w.ch:
		return res.accepted, res.message, res.err
	case <-ctx.Done():
		r.dropWaiter(eventID, w)
		return false, "", ctx.Err()
	}
}

func (r *Relay) dropWaiter(eventID string, w *okWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.pendingOK[eventID]
	for i, x := range waiters {
		if x == w {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.pendingOK, eventID)
	} else {
		r.pendingOK[eventID] = waiters
	}
}

// publish sends evt and waits for the relay's verdict. An auth-required
// refusal is retried once after authentication completes.
func (r *Relay) publish(ctx context.Context, evt types.Event) error {
	if !r.writable() {
		return &PublishError{Relay: r.url, Err: ErrRelayNotReady}
	}
	data, err := nostr.EncodeEvent(evt)
	if err != nil {
		return &PublishError{Relay: r.url, Err: err}
	}

	accepted, msg, err := r.sendAwaitOK(ctx, evt.ID, data)
	if err != nil {
		return &PublishError{Relay: r.url, Err: err}
	}
	if accepted {
		return nil
	}
	if !strings.HasPrefix(msg, nostr.PrefixAuthRequired) || !r.canAuthenticate() {
		return &PublishError{Relay: r.url, Message: msg}
	}

	if err := r.waitAuthenticated(ctx); err != nil {
		return &PublishError{Relay: r.url, Message: msg, Err: err}
	}
	accepted, msg, err = r.sendAwaitOK(ctx, evt.ID, data)
	if err != nil {
		return &PublishError{Relay: r.url, Err: err}
	}
	if !accepted {
		return &PublishError{Relay: r.url, Message: msg}
	}
	return nil
}

func (r *Relay) canAuthenticate() bool {
	return r.env.signer != nil && r.env.options().AutomaticAuthentication
}

// awaitsAuth reports whether the current connection may still authenticate,
// as of the frames read so far.
func (r *Relay) awaitsAuth() bool {
	if !r.canAuthenticate() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.authenticated && r.authErr == nil
}

// waitAuthenticated returns nil once the current connection has authenticated,
// or the AuthenticationError of the last failed attempt.
func (r *Relay) waitAuthenticated(ctx context.Context) error {
	for {
		r.mu.Lock()
		authed, authErr, conn, ch := r.authenticated, r.authErr, r.conn, r.changed
		r.mu.Unlock()
		switch {
		case authed:
			return nil
		case authErr != nil:
			return authErr
		case conn == nil:
			return fmt.Errorf("%s: %w", r.url, ErrRelayNotReady)
		}
		select {
		case <-ctx.Done():
			return &AuthenticationError{Relay: r.url, Reason: "no challenge answered", Err: ctx.Err()}
		case <-ch:
		}
	}
}

// authenticate answers a NIP-42 challenge on conn. Failure leaves the relay
// usable for reads.
func (r *Relay) authenticate(ctx context.Context, conn *websocket.Conn, challenge string) {
	opts := r.env.options()
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.challenge = challenge
	r.authenticated = false
	r.authErr = nil
	r.notifyLocked()
	r.mu.Unlock()

	if r.env.signer == nil || !opts.AutomaticAuthentication {
		r.env.log.Debug("auth challenge ignored", "relay", r.url)
		return
	}

	r.setStatus(ctx, conn, StatusAuthenticating, nil, false)

	authCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		authCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	err := r.answerChallenge(authCtx, challenge)

	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.authenticated = true
	} else {
		r.authErr = err
	}
	r.notifyLocked()
	r.mu.Unlock()

	if err != nil {
		r.stats.recordError(err)
		r.env.log.Warn("relay authentication failed", "relay", r.url, "error", err)
	} else {
		r.env.log.Info("relay authenticated", "relay", r.url)
	}
	r.setStatus(ctx, conn, StatusReady, err, err == nil)
}

func (r *Relay) answerChallenge(ctx context.Context, challenge string) error {
	evt := types.Event{
		CreatedAt: r.env.clock.Now().Unix(),
		Kind:      types.KindClientAuth,
		Tags: [][]string{
			{"relay", r.url},
			{"challenge", challenge},
		},
	}
	signed, err := r.env.signer.SignEvent(ctx, evt)
	if err != nil {
		return &AuthenticationError{Relay: r.url, Reason: "sign", Err: err}
	}
	data, err := nostr.EncodeAuth(signed)
	if err != nil {
		return &AuthenticationError{Relay: r.url, Reason: "encode", Err: err}
	}
	accepted, msg, err := r.sendAwaitOK(ctx, signed.ID, data)
	if err != nil {
		return &AuthenticationError{Relay: r.url, Reason: "no response", Err: err}
	}
	if !accepted {
		return &AuthenticationError{Relay: r.url, Reason: msg}
	}
	return nil
}
