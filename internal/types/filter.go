package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	// Tags holds single-letter tag queries keyed without the '#' prefix, e.g. "p", "e", "t".
	Tags   map[string][]string
	Search string // NIP-50 search query
}

// MarshalJSON encodes the filter in wire form, omitting empty fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 8)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			m["#"+name] = values
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a wire-form filter.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case key == "since":
			var v int64
			if err = json.Unmarshal(value, &v); err == nil {
				f.Since = &v
			}
		case key == "until":
			var v int64
			if err = json.Unmarshal(value, &v); err == nil {
				f.Until = &v
			}
		case key == "search":
			err = json.Unmarshal(value, &f.Search)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = json.Unmarshal(value, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// Matches reports whether evt satisfies every constraint of the filter.
// Search is relay-side only and is ignored here.
func (f Filter) Matches(evt *Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range values {
			if evt.HasTagValue(name, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can rewrite a filter without aliasing.
func (f Filter) Clone() Filter {
	out := Filter{
		IDs:     slices.Clone(f.IDs),
		Authors: slices.Clone(f.Authors),
		Kinds:   slices.Clone(f.Kinds),
		Limit:   f.Limit,
		Search:  f.Search,
	}
	if f.Since != nil {
		v := *f.Since
		out.Since = &v
	}
	if f.Until != nil {
		v := *f.Until
		out.Until = &v
	}
	if f.Tags != nil {
		out.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = slices.Clone(v)
		}
	}
	return out
}
