package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"nostr-pool/internal/nips"
	"nostr-pool/internal/types"
)

// filterFlags builds a single filter from flags, or decodes --filter JSON.
type filterFlags struct {
	ids     []string
	authors []string
	kinds   []int
	tags    []string
	limit   int
	since   int64
	until   int64
	search  string
	raw     []string
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVar(&f.ids, "id", nil, "Event id (repeatable)")
	fs.StringArrayVar(&f.authors, "author", nil, "Author pubkey, hex or npub (repeatable)")
	fs.IntSliceVar(&f.kinds, "kind", nil, "Event kind (repeatable or comma separated)")
	fs.StringArrayVar(&f.tags, "tag", nil, "Tag query as name=value, e.g. p=<pubkey> (repeatable)")
	fs.IntVar(&f.limit, "limit", 0, "Maximum events per relay")
	fs.Int64Var(&f.since, "since", 0, "Only events created at or after this unix time")
	fs.Int64Var(&f.until, "until", 0, "Only events created at or before this unix time")
	fs.StringVar(&f.search, "search", "", "NIP-50 search query")
	fs.StringArrayVar(&f.raw, "filter", nil, "Raw filter JSON, replaces the other filter flags (repeatable)")
}

func (f *filterFlags) filters() ([]types.Filter, error) {
	if len(f.raw) > 0 {
		out := make([]types.Filter, 0, len(f.raw))
		for _, raw := range f.raw {
			var flt types.Filter
			if err := json.Unmarshal([]byte(raw), &flt); err != nil {
				return nil, fmt.Errorf("--filter %s: %w", raw, err)
			}
			out = append(out, flt)
		}
		return out, nil
	}

	flt := types.Filter{
		IDs:    f.ids,
		Kinds:  f.kinds,
		Limit:  f.limit,
		Search: f.search,
	}
	for _, a := range f.authors {
		pk, err := decodePubkey(a)
		if err != nil {
			return nil, err
		}
		flt.Authors = append(flt.Authors, pk)
	}
	for _, t := range f.tags {
		name, value, ok := strings.Cut(t, "=")
		if !ok || len(name) != 1 || value == "" {
			return nil, fmt.Errorf("--tag %q: want a single-letter name=value", t)
		}
		if name == "p" {
			pk, err := decodePubkey(value)
			if err != nil {
				return nil, err
			}
			value = pk
		}
		if flt.Tags == nil {
			flt.Tags = make(map[string][]string)
		}
		flt.Tags[name] = append(flt.Tags[name], value)
	}
	if f.since > 0 {
		since := f.since
		flt.Since = &since
	}
	if f.until > 0 {
		until := f.until
		flt.Until = &until
	}
	return []types.Filter{flt}, nil
}

func decodePubkey(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		pk, err := nips.DecodeNpub(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub %q: %w", s, err)
		}
		return pk, nil
	}
	return strings.ToLower(s), nil
}
