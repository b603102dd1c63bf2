package config

import (
	"fmt"
	"sort"
	"strings"

	"nostr-pool/internal/nostr"
)

// FilteringMode decides how the relay set in RelayFiltering is interpreted.
type FilteringMode int

const (
	// Blacklist admits every relay except those in the set.
	Blacklist FilteringMode = iota
	// Whitelist admits only relays in the set.
	Whitelist
)

func (m FilteringMode) String() string {
	if m == Whitelist {
		return "whitelist"
	}
	return "blacklist"
}

// ParseFilteringMode parses "blacklist" or "whitelist".
func ParseFilteringMode(s string) (FilteringMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blacklist":
		return Blacklist, nil
	case "whitelist":
		return Whitelist, nil
	default:
		return Blacklist, &ConfigurationError{Field: "filtering.mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// RelayFiltering is an immutable mode plus relay set. The zero value is a
// blacklist with an empty set, which admits everything.
type RelayFiltering struct {
	mode   FilteringMode
	relays map[string]struct{}
}

// NewRelayFiltering builds a filter over the given relay URLs. URLs are
// normalized the way the pool names relays; invalid ones are dropped.
func NewRelayFiltering(mode FilteringMode, relays ...string) RelayFiltering {
	f := RelayFiltering{mode: mode, relays: make(map[string]struct{}, len(relays))}
	f.add(relays)
	return f
}

func (f RelayFiltering) add(relays []string) {
	for _, r := range relays {
		if n := nostr.NormalizeRelayURL(r); n != "" {
			f.relays[n] = struct{}{}
		}
	}
}

func (f RelayFiltering) Mode() FilteringMode { return f.mode }

// Admits reports whether events from relayURL may pass.
func (f RelayFiltering) Admits(relayURL string) bool {
	_, listed := f.relays[relayURL]
	if !listed && len(f.relays) > 0 {
		_, listed = f.relays[nostr.NormalizeRelayURL(relayURL)]
	}
	if f.mode == Whitelist {
		return listed
	}
	return !listed
}

// With returns a copy that also lists relays.
func (f RelayFiltering) With(relays ...string) RelayFiltering {
	out := NewRelayFiltering(f.mode, f.Relays()...)
	out.add(relays)
	return out
}

// Without returns a copy with relays removed from the set.
func (f RelayFiltering) Without(relays ...string) RelayFiltering {
	out := NewRelayFiltering(f.mode, f.Relays()...)
	for _, r := range relays {
		delete(out.relays, nostr.NormalizeRelayURL(r))
	}
	return out
}

// Relays returns the listed relays in sorted order.
func (f RelayFiltering) Relays() []string {
	out := make([]string, 0, len(f.relays))
	for r := range f.relays {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
