// Package pool multiplexes subscriptions and publishes across a set of
// nostr relays.
//
// A RelayPool owns one Relay per URL. Each Relay keeps its websocket alive
// with exponential backoff and reports everything it reads to the pool's
// inbox; a single goroutine drains the inbox, runs admission and dedup, and
// fans results out on the notification bus. Relay and subscription maps are
// only mutated by pool methods under the pool lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"

	"nostr-pool/internal/cache"
	"nostr-pool/internal/config"
	"nostr-pool/internal/database"
	"nostr-pool/internal/metrics"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/signer"
	"nostr-pool/internal/types"
	"nostr-pool/internal/util"
)

const inboxSize = 1024

// RelayOptions configures a relay when it is added. Zero Flags means read and write.
type RelayOptions struct {
	Flags RelayFlags
}

// RelayPool is safe for concurrent use.
type RelayPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts      atomic.Pointer[config.Options]
	log       *slog.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	signer    signer.Signer
	db        database.Database
	cache     cache.CacheBackend
	cacheCfg  cache.CacheConfig
	transport *transport
	bus       *Bus
	gossip    *gossipRouter
	env       *relayEnv
	inbox     chan relayEvent
	seen      *expirable.LRU[string, struct{}]

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu        sync.RWMutex
	relays    map[string]*Relay
	subs      map[string]*subscription
	wire      map[string]wireRef
	subSeq    uint64
	connected bool
}

// Option customizes a RelayPool at construction.
type Option func(*RelayPool)

// WithSigner enables SignAndPublish and NIP-42 authentication.
func WithSigner(s signer.Signer) Option {
	return func(p *RelayPool) { p.signer = s }
}

// WithDatabase persists every admitted event. The pool closes it on Close.
func WithDatabase(db database.Database) Option {
	return func(p *RelayPool) { p.db = db }
}

// WithCache backs the gossip relay-list cache. The pool closes it on Close.
func WithCache(c cache.CacheBackend, cfg cache.CacheConfig) Option {
	return func(p *RelayPool) {
		p.cache = c
		p.cacheCfg = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *RelayPool) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *RelayPool) { p.metrics = m }
}

// WithClock replaces the wall clock for timers, backoff and latency.
func WithClock(c clock.Clock) Option {
	return func(p *RelayPool) { p.clock = c }
}

// New validates opts and starts an empty pool. Relays are added with AddRelay.
func New(ctx context.Context, opts config.Options, options ...Option) (*RelayPool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &RelayPool{
		cacheCfg: cache.DefaultCacheConfig(),
		inbox:    make(chan relayEvent, inboxSize),
		relays:   make(map[string]*Relay),
		subs:     make(map[string]*subscription),
		wire:     make(map[string]wireRef),
	}
	for _, o := range options {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	p.opts.Store(&opts)
	p.ctx, p.cancel = context.WithCancel(ctx)

	size := opts.DedupSize
	if size <= 0 {
		size = 10000
	}
	p.seen = expirable.NewLRU[string, struct{}](size, nil, opts.DedupWindow)
	p.bus = NewBus(p.metrics)
	p.transport = newTransport(p.log)
	p.gossip = newGossipRouter(p.cache, p.cacheCfg, p.clock, p.log, p.fetchRelayLists)
	p.env = &relayEnv{
		options:   p.Options,
		transport: p.transport,
		signer:    p.signer,
		clock:     p.clock,
		log:       p.log,
		metrics:   p.metrics,
		emit:      p.emit,
	}

	p.wg.Add(1)
	go p.process()
	return p, nil
}

// Options returns the current options snapshot.
func (p *RelayPool) Options() config.Options {
	return *p.opts.Load()
}

// SetOptions swaps the options. In-flight operations keep the snapshot they
// started with; new dispatch, admission and reconnects use the new one.
func (p *RelayPool) SetOptions(o config.Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	prev := p.opts.Swap(&o)
	if o.DedupSize > 0 && o.DedupSize != prev.DedupSize {
		p.seen.Resize(o.DedupSize)
	}
	p.log.Info("options updated",
		"min_pow", o.MinPOW,
		"gossip", o.Gossip,
		"filtering", o.Filtering.Mode().String(),
		"max_avg_latency", o.MaxAvgLatency)
	return nil
}

// Notifications returns a new bus receiver. buffer <= 0 uses NotificationBuffer.
func (p *RelayPool) Notifications(buffer int) *Receiver {
	if buffer <= 0 {
		buffer = p.Options().NotificationBuffer
	}
	return p.bus.Subscribe(buffer)
}

// HandleNotifications calls fn for each notification until fn asks to stop,
// fn fails, ctx ends, or the pool shuts down.
func (p *RelayPool) HandleNotifications(ctx context.Context, fn func(Notification) (bool, error)) error {
	rx := p.Notifications(0)
	defer rx.Close()
	for {
		n, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrBusClosed) {
				return nil
			}
			return err
		}
		if n.Kind == NotificationShutdown {
			return nil
		}
		stop, err := fn(n)
		if err != nil || stop {
			return err
		}
	}
}

// AddRelay adds a relay. It reports false when the URL is already present.
func (p *RelayPool) AddRelay(rawURL string, ro RelayOptions) (bool, error) {
	url := nostr.NormalizeRelayURL(rawURL)
	if url == "" {
		return false, fmt.Errorf("%w: %q", ErrInvalidRelayURL, rawURL)
	}
	if p.closed.Load() {
		return false, ErrPoolClosed
	}
	flags := ro.Flags
	if flags == 0 {
		flags = DefaultFlags
	}

	p.mu.Lock()
	if existing := p.relays[url]; existing != nil {
		var outs []outbound
		// A relay the gossip router added becomes a regular one.
		if existing.Flags() == FlagGossip {
			existing.addFlags(flags)
			outs = p.attachRelayLocked(existing)
		}
		p.mu.Unlock()
		p.flush(outs)
		return false, nil
	}
	r := newRelay(url, flags, p.env)
	p.relays[url] = r
	outs := p.attachRelayLocked(r)
	if p.connected || p.Options().Autoconnect {
		r.connect(p.ctx)
	}
	p.mu.Unlock()

	p.flush(outs)
	p.log.Info("relay added", "relay", url, "flags", flags.String())
	return true, nil
}

// RemoveRelay disconnects a relay and drops it from every subscription.
func (p *RelayPool) RemoveRelay(rawURL string) error {
	url := nostr.NormalizeRelayURL(rawURL)
	p.mu.Lock()
	r := p.relays[url]
	if r == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRelayNotFound, rawURL)
	}
	delete(p.relays, url)
	var completed []*subscription
	var outs []outbound
	for _, sub := range p.subs {
		if _, ok := sub.relays[url]; !ok {
			continue
		}
		outs = append(outs, p.unassignLocked(sub, r)...)
		if sub.autoClose != nil && sub.autoClose.ExitOnEOSE && sub.allFinished() {
			completed = append(completed, sub)
		}
	}
	p.mu.Unlock()

	p.flush(outs)
	r.disconnect()
	p.metrics.ForgetRelay(url)
	p.log.Info("relay removed", "relay", url)
	for _, sub := range completed {
		p.closeSubscription(sub.id, sub.seq, CloseEOSE)
	}
	return nil
}

// Relays lists every relay's stats, sorted by URL.
func (p *RelayPool) Relays() []RelayStats {
	p.mu.RLock()
	urls := util.SortedKeys(p.relays)
	p.mu.RUnlock()
	out := make([]RelayStats, 0, len(urls))
	for _, url := range urls {
		if s, err := p.RelayStats(url); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// RelayStats reports one relay's connection history and current state.
func (p *RelayPool) RelayStats(rawURL string) (RelayStats, error) {
	url := nostr.NormalizeRelayURL(rawURL)
	p.mu.RLock()
	r := p.relays[url]
	n := 0
	if r != nil {
		for _, sub := range p.subs {
			if _, ok := sub.relays[url]; ok && !sub.internal {
				n++
			}
		}
	}
	p.mu.RUnlock()
	if r == nil {
		return RelayStats{}, fmt.Errorf("%w: %s", ErrRelayNotFound, rawURL)
	}
	s := r.snapshot()
	s.Subscriptions = n
	return s, nil
}

// Connect starts every relay, and relays added later, connecting.
func (p *RelayPool) Connect() {
	p.mu.Lock()
	p.connected = true
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()
	for _, r := range relays {
		r.connect(p.ctx)
	}
}

// Disconnect closes every relay connection. Subscriptions stay registered
// and are re-sent on the next Connect.
func (p *RelayPool) Disconnect() {
	p.mu.Lock()
	p.connected = false
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			r.disconnect()
		}(r)
	}
	wg.Wait()
}

func (p *RelayPool) ConnectRelay(rawURL string) error {
	r, err := p.relay(rawURL)
	if err != nil {
		return err
	}
	r.connect(p.ctx)
	return nil
}

func (p *RelayPool) DisconnectRelay(rawURL string) error {
	r, err := p.relay(rawURL)
	if err != nil {
		return err
	}
	r.disconnect()
	return nil
}

// WaitForReady blocks until every named relay (all relays when none are
// named) is Ready, or ctx ends.
func (p *RelayPool) WaitForReady(ctx context.Context, urls ...string) error {
	var relays []*Relay
	if len(urls) == 0 {
		p.mu.RLock()
		for _, r := range p.relays {
			relays = append(relays, r)
		}
		p.mu.RUnlock()
	}
	for _, u := range urls {
		r, err := p.relay(u)
		if err != nil {
			return err
		}
		relays = append(relays, r)
	}
	for _, r := range relays {
		if err := r.waitStatus(ctx, StatusReady); err != nil {
			return fmt.Errorf("%s: %w", r.url, err)
		}
	}
	return nil
}

func (p *RelayPool) relay(rawURL string) (*Relay, error) {
	url := nostr.NormalizeRelayURL(rawURL)
	p.mu.RLock()
	r := p.relays[url]
	p.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRelayNotFound, rawURL)
	}
	return r, nil
}

func (p *RelayPool) score(url string) int {
	p.mu.RLock()
	r := p.relays[url]
	p.mu.RUnlock()
	if r == nil {
		return 50
	}
	return r.stats.score()
}

// readRelays are the manual read relays fast enough for new dispatch.
func (p *RelayPool) readRelays(o config.Options) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var urls []string
	for url, r := range p.relays {
		if r.Flags().Has(FlagRead) && !r.tooSlow(o.MaxAvgLatency) {
			urls = append(urls, url)
		}
	}
	return util.SortedCopy(urls)
}

func (p *RelayPool) writeRelays(o config.Options) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var urls []string
	for url, r := range p.relays {
		if r.Flags().Has(FlagWrite) && !r.tooSlow(o.MaxAvgLatency) {
			urls = append(urls, url)
		}
	}
	return util.SortedCopy(urls)
}

func (p *RelayPool) discoveryRelays(o config.Options) []string {
	p.mu.RLock()
	var urls []string
	for url, r := range p.relays {
		if r.Flags().Has(FlagDiscovery) {
			urls = append(urls, url)
		}
	}
	p.mu.RUnlock()
	if len(urls) == 0 {
		return p.readRelays(o)
	}
	return util.SortedCopy(urls)
}

type targets struct {
	relays   []string
	explicit bool
	manual   bool
	authors  []string
}

// plan picks a new subscription's relays.
func (p *RelayPool) plan(ctx context.Context, filters []types.Filter, opts SubscribeOptions) (targets, error) {
	if len(opts.Relays) > 0 {
		urls := make([]string, 0, len(opts.Relays))
		p.mu.RLock()
		for _, raw := range opts.Relays {
			url := nostr.NormalizeRelayURL(raw)
			if p.relays[url] == nil {
				p.mu.RUnlock()
				return targets{}, fmt.Errorf("%w: %s", ErrRelayNotFound, raw)
			}
			urls = append(urls, url)
		}
		p.mu.RUnlock()
		return targets{relays: util.Dedupe(urls), explicit: true}, nil
	}

	o := p.Options()
	manual := p.readRelays(o)
	if !o.Gossip || opts.internal {
		return targets{relays: manual, manual: true}, nil
	}

	authors, tagged := gossipSubjects(filters)
	lists := p.gossip.lookup(ctx, util.Dedupe(append(authors, tagged...)))
	t := p.gossip.route(filters, lists, manual, o, p.score)
	p.ensureGossipRelays(t.relays)
	return t, nil
}

// ensureGossipRelays adds and connects relays the gossip router picked.
func (p *RelayPool) ensureGossipRelays(urls []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	for _, url := range urls {
		if _, ok := p.relays[url]; ok {
			continue
		}
		r := newRelay(url, FlagGossip, p.env)
		p.relays[url] = r
		r.connect(p.ctx)
		p.log.Info("gossip relay added", "relay", url)
	}
}

// reresolve moves gossip subscriptions that follow author onto the relays
// of its newest relay list.
func (p *RelayPool) reresolve(author string) {
	o := p.Options()
	if !o.Gossip {
		return
	}
	type candidate struct {
		id      string
		seq     uint64
		filters []types.Filter
		authors []string
	}
	var cands []candidate
	p.mu.RLock()
	for _, sub := range p.subs {
		if sub.explicit || sub.autoClose != nil || sub.internal {
			continue
		}
		for _, a := range sub.authors {
			if a == author {
				cands = append(cands, candidate{sub.id, sub.seq, sub.filters, sub.authors})
				break
			}
		}
	}
	p.mu.RUnlock()
	if len(cands) == 0 {
		return
	}

	manual := p.readRelays(o)
	for _, c := range cands {
		lists, _ := p.gossip.known(c.authors)
		t := p.gossip.route(c.filters, lists, manual, o, p.score)
		p.ensureGossipRelays(t.relays)

		want := make(map[string]struct{}, len(t.relays))
		for _, u := range t.relays {
			want[u] = struct{}{}
		}
		var outs []outbound
		p.mu.Lock()
		sub := p.subs[c.id]
		if sub == nil || sub.seq != c.seq {
			p.mu.Unlock()
			continue
		}
		sub.manual = t.manual
		for url := range sub.relays {
			if _, keep := want[url]; !keep {
				outs = append(outs, p.unassignLocked(sub, p.relays[url])...)
			}
		}
		for _, url := range t.relays {
			if r := p.relays[url]; r != nil {
				outs = append(outs, p.assignLocked(sub, r)...)
			}
		}
		p.mu.Unlock()
		p.flush(outs)
		p.log.Debug("subscription re-resolved", "sub_id", c.id, "author", nostr.ShortID(author), "relays", len(t.relays))
	}
}

// fetchRelayLists is the gossip router's network lookup.
func (p *RelayPool) fetchRelayLists(ctx context.Context, authors []string) ([]types.Event, error) {
	relays := p.discoveryRelays(p.Options())
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	filter := types.Filter{Kinds: []int{types.KindRelayList}, Authors: authors}
	timeout := gossipFetchTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return p.fetch(ctx, []types.Filter{filter}, timeout, relays, true)
}

// emit hands a relay event to the processor.
func (p *RelayPool) emit(ctx context.Context, ev relayEvent) bool {
	select {
	case p.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-p.ctx.Done():
		return false
	}
}

func (p *RelayPool) process() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.inbox:
			p.handle(ev)
		}
	}
}

func (p *RelayPool) handle(ev relayEvent) {
	switch ev.kind {
	case relayStatusChanged:
		p.bus.Publish(Notification{
			Kind:     NotificationRelayStatus,
			RelayURL: ev.relay,
			Status:   ev.status,
			Err:      ev.err,
		})
		switch ev.status {
		case StatusReady:
			if ev.err != nil {
				p.authFailed(ev.relay, ev.err)
			}
			p.flush(p.collectPending(ev.relay, ev.authenticated))
		case StatusDisconnected:
			p.relayDown(ev.relay)
		}

	case relayInvalidEvent:
		p.metrics.EventReceived(ev.relay)
		p.reject(ev.relay, &AdmissionRejection{Relay: ev.relay, Reason: RejectInvalid, Detail: "id or signature mismatch"})

	case relayMessage:
		p.handleMessage(ev.relay, ev.msg, ev.awaitAuth)
	}
}

func (p *RelayPool) handleMessage(url string, rm *nostr.RelayMessage, awaitAuth bool) {
	switch rm.Label {
	case nostr.LabelEvent:
		p.handleEvent(url, rm)
		return
	case nostr.LabelEOSE:
		p.onEOSE(url, rm.SubscriptionID)
	case nostr.LabelClosed:
		p.onClosed(url, rm.SubscriptionID, rm.Message, awaitAuth)
	case nostr.LabelNotice:
		p.log.Info("relay notice", "relay", url, "message", rm.Message)
	}

	subID := rm.SubscriptionID
	if subID != "" {
		p.mu.RLock()
		if ref, ok := p.wire[subID]; ok {
			subID = ref.subID
		}
		p.mu.RUnlock()
	}
	p.bus.Publish(Notification{
		Kind:           NotificationMessage,
		RelayURL:       url,
		SubscriptionID: subID,
		Message:        rm,
	})
}

func (p *RelayPool) handleEvent(url string, rm *nostr.RelayMessage) {
	evt := rm.Event
	p.metrics.EventReceived(url)
	p.mu.RLock()
	r := p.relays[url]
	p.mu.RUnlock()
	if r != nil {
		r.stats.recordEvent()
	}

	if rej := Admit(&evt, url, p.Options()); rej != nil {
		p.reject(url, rej)
		return
	}
	if evt.Kind == types.KindRelayList && p.gossip.ingest(&evt) {
		p.reresolve(evt.PubKey)
	}

	p.mu.Lock()
	sub, d, _ := p.lookupLocked(url, rm.SubscriptionID)
	if d == nil {
		p.mu.Unlock()
		return
	}
	if ac := sub.autoClose; ac != nil && ac.MaxEvents > 0 && sub.delivered >= ac.MaxEvents {
		p.mu.Unlock()
		return
	}
	key := strconv.FormatUint(sub.seq, 10) + ":" + evt.ID
	if p.seen.Contains(key) {
		p.mu.Unlock()
		p.metrics.EventDuplicate()
		return
	}
	p.seen.Add(key, struct{}{})
	sub.delivered++
	maxHit := sub.autoClose != nil && sub.autoClose.MaxEvents > 0 && sub.delivered >= sub.autoClose.MaxEvents
	id, seq, internal, sink, done := sub.id, sub.seq, sub.internal, sub.sink, sub.done
	p.mu.Unlock()

	evt.RelaysSeen = []string{url}
	p.persist(evt)
	if !internal {
		p.bus.Publish(Notification{
			Kind:           NotificationEvent,
			RelayURL:       url,
			SubscriptionID: id,
			Event:          &evt,
		})
	}
	if sink != nil {
		select {
		case sink <- evt:
		case <-done:
		case <-p.ctx.Done():
		}
	}
	if maxHit {
		p.closeSubscription(id, seq, CloseMaxEvents)
	}
}

func (p *RelayPool) reject(url string, rej *AdmissionRejection) {
	p.mu.RLock()
	r := p.relays[url]
	p.mu.RUnlock()
	if r != nil {
		r.stats.recordRejected()
	}
	p.metrics.EventRejected(rej.Reason)
	p.log.Debug("event rejected", "relay", url, "reason", rej.Reason, "detail", rej.Detail)
}

// persist stores evt once. The seen cache only dedups within a subscription,
// so the same event reaching several subscriptions is checked against the
// database before writing.
func (p *RelayPool) persist(evt types.Event) {
	if p.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if stored, err := p.db.HasEvent(ctx, evt.ID); err == nil && stored {
		return
	}
	inserted, err := p.db.SaveEvent(ctx, evt)
	if err != nil {
		p.metrics.DatabaseError()
		p.log.Warn("failed to save event", "id", nostr.ShortID(evt.ID), "error", err)
		return
	}
	if !inserted {
		p.log.Debug("event already stored", "id", nostr.ShortID(evt.ID))
	}
}

// Close ends every subscription, disconnects all relays, emits Shutdown on
// the bus and closes the database and cache. Later calls return the same error.
func (p *RelayPool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.mu.RLock()
		ids := util.MapKeys(p.subs)
		relays := make([]*Relay, 0, len(p.relays))
		for _, r := range p.relays {
			relays = append(relays, r)
		}
		p.mu.RUnlock()

		for _, id := range ids {
			p.closeSubscription(id, 0, CloseShutdown)
		}
		p.cancel()

		var wg sync.WaitGroup
		for _, r := range relays {
			wg.Add(1)
			go func(r *Relay) {
				defer wg.Done()
				r.disconnect()
			}(r)
		}
		wg.Wait()
		p.wg.Wait()
		receivers := p.bus.receiverCount()
		p.bus.Close()

		var err error
		err = multierr.Append(err, p.transport.Close())
		if p.db != nil {
			err = multierr.Append(err, p.db.Close())
		}
		if p.cache != nil {
			err = multierr.Append(err, p.cache.Close())
		}
		p.closeErr = err
		p.log.Info("relay pool closed", "relays", len(relays), "receivers", receivers)
	})
	return p.closeErr
}
