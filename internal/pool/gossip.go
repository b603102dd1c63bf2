package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"nostr-pool/internal/cache"
	"nostr-pool/internal/config"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
	"nostr-pool/internal/util"
)

const (
	relayListKeyPrefix = "relaylist:"
	gossipFetchTimeout = 10 * time.Second
)

// fetchFunc queries discovery relays for kind 10002 events of authors.
type fetchFunc func(ctx context.Context, authors []string) ([]types.Event, error)

// gossipRouter tracks the newest relay list per author and turns filters
// into relay sets (outbox for authors, inbox for p-tags).
type gossipRouter struct {
	cache cache.CacheBackend
	ttl   cache.CacheConfig
	clock clock.Clock
	log   *slog.Logger
	fetch fetchFunc

	mu       sync.RWMutex
	lists    map[string]*types.RelayList
	notFound map[string]time.Time // author -> expiry

	group singleflight.Group
}

func newGossipRouter(c cache.CacheBackend, ttl cache.CacheConfig, clk clock.Clock, log *slog.Logger, fetch fetchFunc) *gossipRouter {
	return &gossipRouter{
		cache:    c,
		ttl:      ttl,
		clock:    clk,
		log:      log,
		fetch:    fetch,
		lists:    make(map[string]*types.RelayList),
		notFound: make(map[string]time.Time),
	}
}

// buildBatchKey creates a stable key for singleflight deduplication.
func buildBatchKey(prefix string, relays, ids []string) string {
	return prefix + ":" + strings.Join(util.SortedCopy(relays), "|") + ":" + strings.Join(util.SortedCopy(ids), ",")
}

// ingest stores evt if it is a relay list newer than the one known for its
// author, and reports whether anything changed.
func (g *gossipRouter) ingest(evt *types.Event) bool {
	rl := nostr.ParseRelayList(evt)
	if rl == nil {
		return false
	}
	g.mu.Lock()
	if cur := g.lists[evt.PubKey]; cur != nil && cur.CreatedAt >= rl.CreatedAt {
		g.mu.Unlock()
		return false
	}
	g.lists[evt.PubKey] = rl
	delete(g.notFound, evt.PubKey)
	g.mu.Unlock()

	if g.cache != nil {
		go g.store(evt.PubKey, rl)
	}
	return true
}

func (g *gossipRouter) store(pubkey string, rl *types.RelayList) {
	data, err := json.Marshal(types.CachedRelayList{RelayList: rl, FetchedAt: g.clock.Now().Unix()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.cache.Set(ctx, relayListKeyPrefix+pubkey, data, g.ttl.RelayListTTL); err != nil {
		g.log.Debug("relay list cache write failed", "pubkey", nostr.ShortID(pubkey), "error", err)
	}
}

func (g *gossipRouter) markNotFound(ctx context.Context, authors []string) {
	if len(authors) == 0 {
		return
	}
	until := g.clock.Now().Add(g.ttl.RelayListNotFoundTTL)
	g.mu.Lock()
	for _, a := range authors {
		if _, ok := g.lists[a]; !ok {
			g.notFound[a] = until
		}
	}
	g.mu.Unlock()

	if g.cache == nil {
		return
	}
	data, _ := json.Marshal(types.CachedRelayList{FetchedAt: g.clock.Now().Unix(), NotFound: true})
	items := make(map[string][]byte, len(authors))
	for _, a := range authors {
		items[relayListKeyPrefix+a] = data
	}
	if err := g.cache.SetMultiple(ctx, items, g.ttl.RelayListNotFoundTTL); err != nil {
		g.log.Debug("relay list cache write failed", "error", err)
	}
}

// known returns lists held in memory and the authors not resolved there.
// Authors recently found to have no list count as resolved-to-nothing.
func (g *gossipRouter) known(authors []string) (map[string]*types.RelayList, []string) {
	now := g.clock.Now()
	lists := make(map[string]*types.RelayList, len(authors))
	var missing []string

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range authors {
		if rl := g.lists[a]; rl != nil {
			lists[a] = rl
			continue
		}
		if until, ok := g.notFound[a]; ok {
			if now.Before(until) {
				continue
			}
			delete(g.notFound, a)
		}
		missing = append(missing, a)
	}
	return lists, missing
}

// lookup resolves authors from memory, then the cache backend, then the
// discovery relays. Concurrent lookups of the same batch share one fetch.
func (g *gossipRouter) lookup(ctx context.Context, authors []string) map[string]*types.RelayList {
	lists, missing := g.known(authors)
	if len(missing) == 0 {
		return lists
	}

	if g.cache != nil {
		keys := make([]string, len(missing))
		for i, a := range missing {
			keys[i] = relayListKeyPrefix + a
		}
		cached, err := g.cache.GetMultiple(ctx, keys)
		if err != nil {
			g.log.Debug("relay list cache read failed", "error", err)
		}
		var still []string
		for _, a := range missing {
			data, ok := cached[relayListKeyPrefix+a]
			if !ok {
				still = append(still, a)
				continue
			}
			var entry types.CachedRelayList
			if err := json.Unmarshal(data, &entry); err != nil {
				still = append(still, a)
				continue
			}
			if entry.NotFound || entry.RelayList == nil {
				g.mu.Lock()
				g.notFound[a] = g.clock.Now().Add(g.ttl.RelayListNotFoundTTL)
				g.mu.Unlock()
				continue
			}
			g.mu.Lock()
			if cur := g.lists[a]; cur == nil || cur.CreatedAt < entry.RelayList.CreatedAt {
				g.lists[a] = entry.RelayList
			}
			lists[a] = g.lists[a]
			g.mu.Unlock()
		}
		missing = still
	}
	if len(missing) == 0 || g.fetch == nil {
		return lists
	}

	key := buildBatchKey("relaylists", nil, missing)
	_, err, shared := g.group.Do(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, gossipFetchTimeout)
		defer cancel()
		events, err := g.fetch(fctx, missing)
		if err != nil {
			return nil, err
		}
		for i := range events {
			g.ingest(&events[i])
		}
		_, unresolved := g.known(missing)
		g.markNotFound(fctx, unresolved)
		return nil, nil
	})
	if shared {
		g.log.Debug("singleflight: shared relay list fetch", "authors", len(missing))
	}
	if err != nil {
		g.log.Debug("relay list fetch failed", "authors", len(missing), "error", err)
	}

	resolved, _ := g.known(missing)
	for a, rl := range resolved {
		lists[a] = rl
	}
	return lists
}

// route picks relays for filters given resolved lists. Filters without
// authors or p-tags, and authors without a usable list, fall back to manual.
func (g *gossipRouter) route(filters []types.Filter, lists map[string]*types.RelayList, manual []string, o config.Options, score func(string) int) targets {
	authors, tagged := gossipSubjects(filters)
	needManual := false
	for _, f := range filters {
		if len(f.Authors) == 0 && len(f.Tags["p"]) == 0 {
			needManual = true
		}
	}

	set := make(map[string]struct{})
	pick := func(urls []string) bool {
		var usable []string
		for _, u := range urls {
			if o.Filtering.Admits(u) {
				usable = append(usable, u)
			}
		}
		if len(usable) == 0 {
			return false
		}
		if o.GossipMaxRelaysPerAuthor > 0 {
			usable = util.LimitSlice(sortByScore(usable, score), o.GossipMaxRelaysPerAuthor)
		}
		for _, u := range usable {
			set[u] = struct{}{}
		}
		return true
	}
	for _, a := range authors {
		rl := lists[a]
		if rl == nil || !pick(rl.Write) {
			needManual = true
		}
	}
	for _, pk := range tagged {
		rl := lists[pk]
		if rl == nil || !pick(rl.Read) {
			needManual = true
		}
	}

	useManual := needManual || o.GossipPolicy == config.GossipMerge
	if useManual {
		for _, u := range manual {
			set[u] = struct{}{}
		}
	}
	return targets{
		relays:  util.SortedKeys(set),
		manual:  useManual,
		authors: util.Dedupe(append(append([]string{}, authors...), tagged...)),
	}
}

// gossipSubjects returns the filters' authors and p-tagged pubkeys.
func gossipSubjects(filters []types.Filter) (authors, tagged []string) {
	for _, f := range filters {
		authors = append(authors, f.Authors...)
		tagged = append(tagged, f.Tags["p"]...)
	}
	return util.Dedupe(authors), util.Dedupe(tagged)
}
