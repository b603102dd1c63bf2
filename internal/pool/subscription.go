package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
	"nostr-pool/internal/util"
)

// Reasons carried by NotificationClosed.
const (
	CloseUnsubscribed = "unsubscribed"
	CloseEOSE         = "eose"
	CloseMaxEvents    = "max_events"
	CloseTimeout      = "timeout"
	CloseShutdown     = "shutdown"
)

// AutoClose ends a subscription on its own. Any condition that is met first wins.
type AutoClose struct {
	// ExitOnEOSE closes once every targeted relay sent EOSE, refused, or dropped.
	ExitOnEOSE bool
	// MaxEvents closes after this many distinct events. 0 means no limit.
	MaxEvents int
	// Timeout closes after this long. 0 means no limit.
	Timeout time.Duration
}

type SubscribeOptions struct {
	// ID is the subscription id; a random one is generated when empty.
	ID string
	// Relays restricts the subscription to these pool relays, bypassing gossip.
	Relays    []string
	AutoClose *AutoClose

	internal bool
	sink     chan types.Event
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID      string
	Filters []types.Filter
	// Relays maps each targeted relay to its chunk wire ids that are open there.
	Relays map[string][]string
	Errors []*SubscriptionError
}

type chunkState int

const (
	chunkPending chunkState = iota
	chunkSent
	chunkEOSE
	chunkRefused
	chunkAuthRequired
)

// dispatch is one relay's share of a subscription.
type dispatch struct {
	chunks []chunkState
	// gaveUp marks a relay that dropped while an auto-closing subscription waited on it.
	gaveUp bool
}

func (d *dispatch) finished() bool {
	if d.gaveUp {
		return true
	}
	for _, st := range d.chunks {
		if st != chunkEOSE && st != chunkRefused {
			return false
		}
	}
	return true
}

type subscription struct {
	id      string
	seq     uint64
	filters []types.Filter
	chunks  [][]types.Filter
	wireIDs []string

	explicit bool
	// manual subscriptions follow the pool's read relays as they come and go.
	manual bool
	// authors resolved through gossip, kept for re-resolution.
	authors []string

	relays    map[string]*dispatch
	errors    map[string]*SubscriptionError
	autoClose *AutoClose
	delivered int
	timer     *clock.Timer

	internal bool
	sink     chan types.Event
	done     chan struct{}
}

type wireRef struct {
	subID string
	chunk int
}

type outbound struct {
	relay   *Relay
	subID   string
	seq     uint64
	chunk   int
	wireID  string
	filters []types.Filter
	close   bool
}

// wireIDsFor names each chunk. A single chunk uses the subscription id
// itself; more get "<id>:<n>".
func wireIDsFor(id string, n int) []string {
	if n == 1 {
		return []string{id}
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = id + ":" + strconv.Itoa(i)
	}
	return ids
}

func chunkFilters(filters []types.Filter, size uint8) [][]types.Filter {
	return util.Chunk(filters, int(size))
}

// Subscribe opens a subscription on the pool's read relays (or the relays
// named in opts, or the gossip-resolved relays) and returns its id. Events
// arrive on the notification bus tagged with that id.
func (p *RelayPool) Subscribe(ctx context.Context, filters []types.Filter, opts SubscribeOptions) (string, error) {
	sub, err := p.subscribe(ctx, filters, opts)
	if err != nil {
		return "", err
	}
	return sub.id, nil
}

func (p *RelayPool) subscribe(ctx context.Context, filters []types.Filter, opts SubscribeOptions) (*subscription, error) {
	if len(filters) == 0 {
		return nil, ErrNoFilters
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	o := p.Options()

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	targets, err := p.plan(ctx, filters, opts)
	if err != nil {
		return nil, err
	}

	cloned := make([]types.Filter, len(filters))
	for i, f := range filters {
		cloned[i] = f.Clone()
	}
	chunks := chunkFilters(cloned, o.ReqFiltersChunkSize)
	sub := &subscription{
		id:        id,
		filters:   cloned,
		chunks:    chunks,
		wireIDs:   wireIDsFor(id, len(chunks)),
		explicit:  targets.explicit,
		manual:    targets.manual,
		authors:   targets.authors,
		relays:    make(map[string]*dispatch),
		errors:    make(map[string]*SubscriptionError),
		autoClose: opts.AutoClose,
		internal:  opts.internal,
		sink:      opts.sink,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, exists := p.subs[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, id)
	}
	for _, w := range sub.wireIDs {
		if _, taken := p.wire[w]; taken {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, w)
		}
	}
	p.subSeq++
	sub.seq = p.subSeq
	p.subs[id] = sub
	for i, w := range sub.wireIDs {
		p.wire[w] = wireRef{subID: id, chunk: i}
	}

	var outs []outbound
	for _, url := range targets.relays {
		r := p.relays[url]
		if r == nil {
			continue
		}
		// One-shot subscriptions do not wait for relays nobody is connecting.
		if sub.autoClose != nil && r.Status() == StatusDisconnected && !r.running() {
			continue
		}
		outs = append(outs, p.assignLocked(sub, r)...)
	}
	if ac := sub.autoClose; ac != nil && ac.Timeout > 0 {
		seq := sub.seq
		sub.timer = p.clock.AfterFunc(ac.Timeout, func() {
			p.closeSubscription(id, seq, CloseTimeout)
		})
	}
	active := len(p.subs)
	completed := sub.autoClose != nil && sub.autoClose.ExitOnEOSE && sub.allFinished()
	p.mu.Unlock()

	p.metrics.SubscriptionsActive(active)
	p.log.Debug("subscription opened",
		"sub_id", id,
		"filters", len(filters),
		"chunks", len(chunks),
		"relays", len(targets.relays))

	p.flush(outs)
	if completed {
		p.closeSubscription(id, sub.seq, CloseEOSE)
	}
	return sub, nil
}

// Unsubscribe closes a subscription on every relay. Unknown ids are ignored.
func (p *RelayPool) Unsubscribe(id string) {
	p.closeSubscription(id, 0, CloseUnsubscribed)
}

// UnsubscribeAll closes every subscription.
func (p *RelayPool) UnsubscribeAll() {
	p.mu.RLock()
	ids := util.MapKeys(p.subs)
	p.mu.RUnlock()
	for _, id := range ids {
		p.closeSubscription(id, 0, CloseUnsubscribed)
	}
}

// Subscription reports an active subscription's dispatch state.
func (p *RelayPool) Subscription(id string) (SubscriptionInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sub := p.subs[id]
	if sub == nil {
		return SubscriptionInfo{}, false
	}
	info := SubscriptionInfo{
		ID:      sub.id,
		Filters: make([]types.Filter, len(sub.filters)),
		Relays:  make(map[string][]string, len(sub.relays)),
	}
	for i, f := range sub.filters {
		info.Filters[i] = f.Clone()
	}
	for url, d := range sub.relays {
		var open []string
		for i, st := range d.chunks {
			if st == chunkSent || st == chunkEOSE {
				open = append(open, sub.wireIDs[i])
			}
		}
		info.Relays[url] = open
	}
	for _, url := range util.SortedKeys(sub.errors) {
		info.Errors = append(info.Errors, sub.errors[url])
	}
	return info, true
}

// Subscriptions lists active subscription ids.
func (p *RelayPool) Subscriptions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, sub := range p.subs {
		if !sub.internal {
			ids = append(ids, id)
		}
	}
	return util.SortedCopy(ids)
}

// assignLocked records r as a target of sub and returns the REQs to send
// now if r is ready.
func (p *RelayPool) assignLocked(sub *subscription, r *Relay) []outbound {
	if _, ok := sub.relays[r.url]; ok {
		return nil
	}
	d := &dispatch{chunks: make([]chunkState, len(sub.chunks))}
	sub.relays[r.url] = d
	if r.Status() != StatusReady {
		return nil
	}
	outs := make([]outbound, 0, len(sub.chunks))
	for i := range d.chunks {
		d.chunks[i] = chunkSent
		outs = append(outs, sub.req(r, i))
	}
	return outs
}

// unassignLocked drops r from sub, returning CLOSEs for chunks still open there.
func (p *RelayPool) unassignLocked(sub *subscription, r *Relay) []outbound {
	d, ok := sub.relays[r.url]
	if !ok {
		return nil
	}
	delete(sub.relays, r.url)
	delete(sub.errors, r.url)
	return sub.closes(r, d)
}

func (s *subscription) req(r *Relay, chunk int) outbound {
	return outbound{
		relay:   r,
		subID:   s.id,
		seq:     s.seq,
		chunk:   chunk,
		wireID:  s.wireIDs[chunk],
		filters: s.chunks[chunk],
	}
}

func (s *subscription) closes(r *Relay, d *dispatch) []outbound {
	if r == nil {
		return nil
	}
	var outs []outbound
	for i, st := range d.chunks {
		if st == chunkSent || st == chunkEOSE {
			outs = append(outs, outbound{relay: r, subID: s.id, seq: s.seq, chunk: i, wireID: s.wireIDs[i], close: true})
		}
	}
	return outs
}

func (s *subscription) allFinished() bool {
	for _, d := range s.relays {
		if !d.finished() {
			return false
		}
	}
	return true
}

// flush writes REQ and CLOSE frames outside the pool lock. A REQ that
// could not be written goes back to pending for the next Ready transition.
func (p *RelayPool) flush(outs []outbound) {
	var retry []string
	for _, o := range outs {
		var err error
		if o.close {
			err = o.relay.sendClose(p.ctx, o.wireID)
		} else {
			err = o.relay.sendReq(p.ctx, o.wireID, o.filters)
		}
		if err == nil {
			continue
		}
		p.log.Debug("relay write failed",
			"relay", o.relay.url,
			"wire_id", o.wireID,
			"close", o.close,
			"error", err)
		if !o.close && p.requeue(o) {
			retry = append(retry, o.relay.url)
		}
	}
	for _, url := range util.Dedupe(retry) {
		p.mu.RLock()
		r := p.relays[url]
		p.mu.RUnlock()
		if r != nil && r.Status() == StatusReady {
			p.flush(p.collectPending(url, false))
		}
	}
}

// requeue puts a REQ that failed to send back to pending.
func (p *RelayPool) requeue(o outbound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := p.subs[o.subID]
	if sub == nil || sub.seq != o.seq {
		return false
	}
	d := sub.relays[o.relay.url]
	if d == nil || d.chunks[o.chunk] != chunkSent {
		return false
	}
	d.chunks[o.chunk] = chunkPending
	return true
}

// collectPending marks every pending chunk on url as sent and returns the
// REQs. With authenticated set, chunks refused for missing auth are resent too.
func (p *RelayPool) collectPending(url string, authenticated bool) []outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.relays[url]
	if r == nil {
		return nil
	}
	var outs []outbound
	for _, sub := range p.subs {
		d := sub.relays[url]
		if d == nil {
			continue
		}
		for i, st := range d.chunks {
			if st == chunkPending || (authenticated && st == chunkAuthRequired) {
				d.chunks[i] = chunkSent
				outs = append(outs, sub.req(r, i))
			}
		}
	}
	return outs
}

// relayDown resets a dropped relay's chunks to pending so they are re-sent
// under the same wire ids on reconnect. Auto-closing subscriptions stop
// waiting for it instead.
func (p *RelayPool) relayDown(url string) {
	var completed []*subscription
	p.mu.Lock()
	for _, sub := range p.subs {
		d := sub.relays[url]
		if d == nil {
			continue
		}
		if sub.autoClose != nil {
			d.gaveUp = true
			if sub.autoClose.ExitOnEOSE && sub.allFinished() {
				completed = append(completed, sub)
			}
			continue
		}
		for i, st := range d.chunks {
			if st != chunkRefused {
				d.chunks[i] = chunkPending
			}
		}
	}
	p.mu.Unlock()

	for _, sub := range completed {
		p.closeSubscription(sub.id, sub.seq, CloseEOSE)
	}
}

// authFailed refuses the chunks on url that were waiting for authentication.
func (p *RelayPool) authFailed(url string, cause error) {
	var completed []*subscription
	p.mu.Lock()
	for _, sub := range p.subs {
		d := sub.relays[url]
		if d == nil {
			continue
		}
		refused := false
		for i, st := range d.chunks {
			if st == chunkAuthRequired {
				d.chunks[i] = chunkRefused
				refused = true
			}
		}
		if !refused {
			continue
		}
		sub.errors[url] = &SubscriptionError{Relay: url, SubscriptionID: sub.id, Message: cause.Error()}
		if sub.autoClose != nil && sub.autoClose.ExitOnEOSE && sub.allFinished() {
			completed = append(completed, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range completed {
		p.closeSubscription(sub.id, sub.seq, CloseEOSE)
	}
}

func (p *RelayPool) onEOSE(url, wireID string) {
	p.mu.Lock()
	sub, d, chunk := p.lookupLocked(url, wireID)
	if d == nil {
		p.mu.Unlock()
		return
	}
	if d.chunks[chunk] == chunkSent {
		d.chunks[chunk] = chunkEOSE
	}
	done := sub.autoClose != nil && sub.autoClose.ExitOnEOSE && sub.allFinished()
	id, seq := sub.id, sub.seq
	p.mu.Unlock()

	if done {
		p.closeSubscription(id, seq, CloseEOSE)
	}
}

// onClosed handles a relay ending one of our subscriptions. An auth-required
// refusal waits for authentication; anything else is recorded as refused.
func (p *RelayPool) onClosed(url, wireID, message string, awaitAuth bool) {
	p.mu.Lock()
	sub, d, chunk := p.lookupLocked(url, wireID)
	if d == nil {
		p.mu.Unlock()
		return
	}
	if awaitAuth && strings.HasPrefix(message, nostr.PrefixAuthRequired) {
		d.chunks[chunk] = chunkAuthRequired
	} else {
		d.chunks[chunk] = chunkRefused
		sub.errors[url] = &SubscriptionError{Relay: url, SubscriptionID: sub.id, Message: message}
	}
	done := sub.autoClose != nil && sub.autoClose.ExitOnEOSE && sub.allFinished()
	id, seq := sub.id, sub.seq
	p.mu.Unlock()

	p.log.Warn("relay closed subscription",
		"relay", url,
		"sub_id", id,
		"message", message)
	if done {
		p.closeSubscription(id, seq, CloseEOSE)
	}
}

func (p *RelayPool) lookupLocked(url, wireID string) (*subscription, *dispatch, int) {
	ref, ok := p.wire[wireID]
	if !ok {
		return nil, nil, 0
	}
	sub := p.subs[ref.subID]
	if sub == nil {
		return nil, nil, 0
	}
	d := sub.relays[url]
	if d == nil || ref.chunk >= len(d.chunks) {
		return sub, nil, 0
	}
	return sub, d, ref.chunk
}

// closeSubscription removes a subscription, sends CLOSE where it is open
// and emits its Closed notification. seq 0 matches any generation.
func (p *RelayPool) closeSubscription(id string, seq uint64, reason string) bool {
	p.mu.Lock()
	sub := p.subs[id]
	if sub == nil || (seq != 0 && sub.seq != seq) {
		p.mu.Unlock()
		return false
	}
	delete(p.subs, id)
	for _, w := range sub.wireIDs {
		delete(p.wire, w)
	}
	var outs []outbound
	for url, d := range sub.relays {
		outs = append(outs, sub.closes(p.relays[url], d)...)
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	close(sub.done)
	active := len(p.subs)
	p.mu.Unlock()

	p.metrics.SubscriptionsActive(active)
	if reason != CloseShutdown {
		p.flush(outs)
	}
	if !sub.internal {
		p.bus.Publish(Notification{
			Kind:           NotificationClosed,
			SubscriptionID: id,
			Reason:         reason,
		})
	}
	p.log.Debug("subscription closed", "sub_id", id, "reason", reason)
	return true
}

// attachRelayLocked adds a newly added read relay to subscriptions that
// follow the pool's read relays.
func (p *RelayPool) attachRelayLocked(r *Relay) []outbound {
	if !r.Flags().Has(FlagRead) {
		return nil
	}
	var outs []outbound
	for _, sub := range p.subs {
		if sub.explicit || !sub.manual || sub.autoClose != nil {
			continue
		}
		outs = append(outs, p.assignLocked(sub, r)...)
	}
	return outs
}
