package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"nostr-pool/internal/config"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
	"nostr-pool/internal/util"
)

// PublishOutput reports every targeted relay's verdict for one event.
type PublishOutput struct {
	ID      string
	Success []string
	Failed  map[string]error
}

// Publish sends a signed event to the pool's write relays (plus, with gossip,
// the author's write relays and the inboxes of p-tagged users) and waits for
// each relay's OK within Options.Timeout. The output is returned even when
// every relay failed, alongside ErrPublishFailed.
func (p *RelayPool) Publish(ctx context.Context, evt types.Event) (*PublishOutput, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !nostr.CheckEventID(&evt) || !nostr.ValidateEventSignature(&evt) {
		return nil, ErrInvalidEvent
	}
	o := p.Options()
	urls := p.publishTargets(ctx, evt, o)
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	return p.publishTo(ctx, evt, urls, o)
}

// PublishTo sends a signed event to the given pool relays only.
func (p *RelayPool) PublishTo(ctx context.Context, evt types.Event, relays []string) (*PublishOutput, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !nostr.CheckEventID(&evt) || !nostr.ValidateEventSignature(&evt) {
		return nil, ErrInvalidEvent
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	urls := make([]string, 0, len(relays))
	for _, raw := range relays {
		r, err := p.relay(raw)
		if err != nil {
			return nil, err
		}
		urls = append(urls, r.url)
	}
	return p.publishTo(ctx, evt, util.Dedupe(urls), p.Options())
}

// SignAndPublish fills in created_at if unset, mines proof of work when
// Options.Difficulty is set, signs with the pool's signer and publishes.
func (p *RelayPool) SignAndPublish(ctx context.Context, evt types.Event) (*PublishOutput, error) {
	if p.signer == nil {
		return nil, ErrNoSigner
	}
	o := p.Options()
	if evt.CreatedAt == 0 {
		evt.CreatedAt = p.clock.Now().Unix()
	}
	if o.Difficulty > 0 {
		pub, err := p.signer.PublicKey(ctx)
		if err != nil {
			return nil, err
		}
		evt.PubKey = pub
		mined, err := nostr.Mine(ctx, evt, o.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("mine pow: %w", err)
		}
		evt = mined
	}
	signed, err := p.signer.SignEvent(ctx, evt)
	if err != nil {
		return nil, err
	}
	return p.Publish(ctx, signed)
}

func (p *RelayPool) publishTargets(ctx context.Context, evt types.Event, o config.Options) []string {
	urls := p.writeRelays(o)
	if !o.Gossip {
		return urls
	}

	tagged := util.Dedupe(evt.TagValues("p"))
	lists := p.gossip.lookup(ctx, util.Dedupe(append([]string{evt.PubKey}, tagged...)))
	var extra []string
	pick := func(candidates []string) {
		var usable []string
		for _, u := range candidates {
			if o.Filtering.Admits(u) {
				usable = append(usable, u)
			}
		}
		if o.GossipMaxRelaysPerAuthor > 0 {
			usable = util.LimitSlice(sortByScore(usable, p.score), o.GossipMaxRelaysPerAuthor)
		}
		extra = append(extra, usable...)
	}
	if rl := lists[evt.PubKey]; rl != nil {
		pick(rl.Write)
	}
	for _, pk := range tagged {
		if rl := lists[pk]; rl != nil {
			pick(rl.Read)
		}
	}
	p.ensureGossipRelays(extra)
	return util.Dedupe(append(urls, extra...))
}

func (p *RelayPool) publishTo(ctx context.Context, evt types.Event, urls []string, o config.Options) (*PublishOutput, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	out := &PublishOutput{ID: evt.ID, Failed: make(map[string]error)}
	var mu sync.Mutex
	var g errgroup.Group
	for _, url := range urls {
		url := url
		g.Go(func() error {
			err := p.publishOne(ctx, url, evt)
			p.metrics.PublishResult(err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[url] = err
			} else {
				out.Success = append(out.Success, url)
			}
			return nil
		})
	}
	_ = g.Wait()
	out.Success = util.SortedCopy(out.Success)

	p.log.Info("event published",
		"id", nostr.ShortID(evt.ID),
		"kind", evt.Kind,
		"ok", len(out.Success),
		"failed", len(out.Failed))

	if len(out.Success) == 0 {
		var errs error
		for _, url := range util.SortedKeys(out.Failed) {
			errs = multierr.Append(errs, out.Failed[url])
		}
		return out, fmt.Errorf("%w: %w", ErrPublishFailed, errs)
	}
	p.persist(evt)
	return out, nil
}

// publishOne waits for a connecting relay to become ready before sending.
func (p *RelayPool) publishOne(ctx context.Context, url string, evt types.Event) error {
	r, err := p.relay(url)
	if err != nil {
		return &PublishError{Relay: url, Err: err}
	}
	if !r.writable() {
		if !r.running() {
			return &PublishError{Relay: url, Err: ErrRelayNotReady}
		}
		if err := r.waitStatus(ctx, StatusReady); err != nil {
			return &PublishError{Relay: url, Err: fmt.Errorf("%w: %w", ErrRelayNotReady, err)}
		}
	}
	return r.publish(ctx, evt)
}
