package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"nostr-pool/internal/nostr"
)

// DefaultPath is used when neither a flag nor NOSTR_POOL_CONFIG names a file.
const DefaultPath = "config/pool.json"

// File is the on-disk configuration (JSON or YAML).
type File struct {
	Relays                  []RelayEntry   `json:"relays"`
	Autoconnect             *bool          `json:"autoconnect"`
	Difficulty              int            `json:"difficulty"`
	MinPOW                  int            `json:"minPow"`
	ReqFiltersChunkSize     uint8          `json:"reqFiltersChunkSize"`
	Timeout                 string         `json:"timeout"`
	AutomaticAuthentication *bool          `json:"automaticAuthentication"`
	Gossip                  bool           `json:"gossip"`
	GossipPolicy            string         `json:"gossipPolicy"`
	MaxAvgLatency           string         `json:"maxAvgLatency"`
	Connection              ConnectionFile `json:"connection"`
	Limits                  *LimitsFile    `json:"limits"`
	Filtering               FilteringFile  `json:"filtering"`
	Database                DatabaseFile   `json:"database"`
	Cache                   CacheFile      `json:"cache"`
	Log                     LogFile        `json:"log"`
	Metrics                 MetricsFile    `json:"metrics"`
}

// RelayEntry configures one manually added relay. Read and Write default to true.
type RelayEntry struct {
	URL       string `json:"url"`
	Read      *bool  `json:"read"`
	Write     *bool  `json:"write"`
	Discovery bool   `json:"discovery"`
}

func (r RelayEntry) CanRead() bool  { return r.Read == nil || *r.Read }
func (r RelayEntry) CanWrite() bool { return r.Write == nil || *r.Write }

type ConnectionFile struct {
	Mode       string `json:"mode"` // direct|proxy|tor
	Proxy      string `json:"proxy"`
	TorDataDir string `json:"torDataDir"`
	Target     string `json:"target"` // all|onion
}

type LimitsFile struct {
	MaxMessageSize       int64   `json:"maxMessageSize"`
	MaxEventSize         int     `json:"maxEventSize"`
	MaxEventTags         int     `json:"maxEventTags"`
	MaxOutgoingPerSecond float64 `json:"maxOutgoingPerSecond"`
	OutgoingBurst        int     `json:"outgoingBurst"`
}

type FilteringFile struct {
	Mode   string   `json:"mode"`
	Relays []string `json:"relays"`
}

type DatabaseFile struct {
	Driver      string `json:"driver"` // none|memory|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busyTimeout"`
}

type CacheFile struct {
	Backend              string `json:"backend"` // memory|redis
	RedisURL             string `json:"redisUrl"`
	Prefix               string `json:"prefix"`
	RelayListTTL         string `json:"relayListTtl"`
	RelayListNotFoundTTL string `json:"relayListNotFoundTtl"`
}

type LogFile struct {
	Level string `json:"level"`
}

type MetricsFile struct {
	Addr string `json:"addr"`
}

// ResolvePath picks the explicit path, then NOSTR_POOL_CONFIG, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("NOSTR_POOL_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and strictly decodes a config file. A missing file yields an
// empty File so defaults apply; any other problem is an error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes config bytes; the path extension selects YAML or JSON.
func Parse(path string, data []byte) (*File, error) {
	jsonBytes, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, &ConfigurationError{Field: "file", Reason: "invalid YAML", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, &ConfigurationError{Field: "file", Reason: "invalid config", Err: err}
	}

	slog.Info("loaded pool configuration",
		"path", path,
		"relays", len(f.Relays),
		"gossip", f.Gossip,
		"connection", f.Connection.Mode)
	return &f, nil
}

// Options converts the file into an Options snapshot layered over base.
func (f *File) Options(base Options) (Options, error) {
	o := base
	if f.Autoconnect != nil {
		o = o.WithAutoconnect(*f.Autoconnect)
	}
	if f.AutomaticAuthentication != nil {
		o = o.WithAutomaticAuthentication(*f.AutomaticAuthentication)
	}
	if f.Difficulty != 0 {
		o = o.WithDifficulty(f.Difficulty)
	}
	if f.MinPOW != 0 {
		o = o.WithMinPOW(f.MinPOW)
	}
	if f.ReqFiltersChunkSize != 0 {
		o = o.WithReqFiltersChunkSize(f.ReqFiltersChunkSize)
	}
	if f.Gossip {
		o = o.WithGossip(true)
	}

	switch strings.ToLower(f.GossipPolicy) {
	case "":
	case "fallback":
		o = o.WithGossipPolicy(GossipFallback)
	case "merge":
		o = o.WithGossipPolicy(GossipMerge)
	default:
		return Options{}, &ConfigurationError{Field: "gossipPolicy", Reason: fmt.Sprintf("unknown policy %q", f.GossipPolicy)}
	}

	if d, err := parseDuration("timeout", f.Timeout); err != nil {
		return Options{}, err
	} else if d > 0 {
		o = o.WithTimeout(d)
	}
	if d, err := parseDuration("maxAvgLatency", f.MaxAvgLatency); err != nil {
		return Options{}, err
	} else if d > 0 {
		o = o.WithMaxAvgLatency(d)
	}

	conn, err := f.Connection.options()
	if err != nil {
		return Options{}, err
	}
	o = o.WithConnection(conn)

	if f.Limits != nil {
		o = o.WithRelayLimits(RelayLimits{
			MaxMessageSize:       f.Limits.MaxMessageSize,
			MaxEventSize:         f.Limits.MaxEventSize,
			MaxEventTags:         f.Limits.MaxEventTags,
			MaxOutgoingPerSecond: f.Limits.MaxOutgoingPerSecond,
			OutgoingBurst:        f.Limits.OutgoingBurst,
		})
	}

	mode, err := ParseFilteringMode(f.Filtering.Mode)
	if err != nil {
		return Options{}, err
	}
	relays := make([]string, 0, len(f.Filtering.Relays))
	for _, r := range f.Filtering.Relays {
		n := nostr.NormalizeRelayURL(r)
		if n == "" {
			return Options{}, &ConfigurationError{Field: "filtering.relays", Reason: fmt.Sprintf("invalid relay url %q", r)}
		}
		relays = append(relays, n)
	}
	o = o.WithFiltering(NewRelayFiltering(mode, relays...))

	for _, r := range f.Relays {
		if nostr.NormalizeRelayURL(r.URL) == "" {
			return Options{}, &ConfigurationError{Field: "relays", Reason: fmt.Sprintf("invalid relay url %q", r.URL)}
		}
	}

	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

func (c ConnectionFile) options() (ConnectionOptions, error) {
	target, err := ParseTarget(c.Target)
	if err != nil {
		return ConnectionOptions{}, err
	}
	out := ConnectionOptions{Target: target}

	switch strings.ToLower(c.Mode) {
	case "", "direct":
		out.Mode = DirectMode{}
	case "proxy":
		mode, err := ParseProxyAddr(c.Proxy)
		if err != nil {
			return ConnectionOptions{}, err
		}
		out.Mode = mode
	case "tor", "embedded-tor":
		out.Mode = EmbeddedTorMode{DataDir: c.TorDataDir}
	default:
		return ConnectionOptions{}, &ConfigurationError{Field: "connection.mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	return out, out.Validate()
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigurationError{Field: field, Reason: "invalid duration", Err: err}
	}
	if d < 0 {
		return 0, &ConfigurationError{Field: field, Reason: "must not be negative"}
	}
	return d, nil
}

// ParseDurationField exposes duration parsing with ConfigurationError wrapping
// for sections decoded outside this package (database, cache).
func ParseDurationField(field, s string) (time.Duration, error) {
	return parseDuration(field, s)
}
