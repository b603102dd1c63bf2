// Package config holds the relay pool's immutable Options and the file
// configuration that produces them.
//
// Options is a value: every With* method returns a modified copy and leaves
// the receiver untouched, so a snapshot handed to the pool can be shared
// freely between goroutines.
package config

import (
	"time"
)

// GossipPolicy decides how gossip-resolved relays combine with manually added ones.
type GossipPolicy int

const (
	// GossipFallback dispatches to resolved relays for resolved authors and
	// to the manual relays only for authors without a relay list.
	GossipFallback GossipPolicy = iota
	// GossipMerge always adds the manual relays to the resolved set.
	GossipMerge
)

func (p GossipPolicy) String() string {
	if p == GossipMerge {
		return "merge"
	}
	return "fallback"
}

// RelayLimits bounds what a relay may send us and how fast we write to it.
// Zero values mean unlimited.
type RelayLimits struct {
	MaxMessageSize       int64   // bytes per websocket frame
	MaxEventSize         int     // bytes of the serialized event
	MaxEventTags         int     // tags per event
	MaxOutgoingPerSecond float64 // REQ/EVENT/CLOSE/AUTH frames per second
	OutgoingBurst        int
}

// DefaultRelayLimits returns limits suitable for public relays.
func DefaultRelayLimits() RelayLimits {
	return RelayLimits{
		MaxMessageSize: 5 << 20,
		MaxEventSize:   256 << 10,
		MaxEventTags:   2000,
	}
}

// Options configures a relay pool.
type Options struct {
	// Autoconnect connects relays as soon as they are added.
	Autoconnect bool
	// Difficulty is the proof-of-work target applied to events we sign.
	Difficulty int
	// MinPOW rejects incoming events below this many leading zero bits. 0 disables.
	MinPOW int
	// ReqFiltersChunkSize caps filters per REQ; 0 sends every filter in one REQ.
	ReqFiltersChunkSize uint8
	// Timeout bounds publish acknowledgements and one-shot queries.
	Timeout                 time.Duration
	AutomaticAuthentication bool
	Gossip                  bool
	GossipPolicy            GossipPolicy
	// GossipMaxRelaysPerAuthor caps how many relays of one author's list are used.
	GossipMaxRelaysPerAuthor int
	Connection               ConnectionOptions
	Limits                   RelayLimits
	// MaxAvgLatency excludes slower relays from new dispatch. 0 disables.
	MaxAvgLatency time.Duration
	Filtering     RelayFiltering

	DedupWindow        time.Duration
	DedupSize          int
	NotificationBuffer int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
}

// New returns Options with defaults.
func New() Options {
	return Options{
		Autoconnect:              false,
		Timeout:                  60 * time.Second,
		AutomaticAuthentication:  true,
		Gossip:                   false,
		GossipPolicy:             GossipFallback,
		GossipMaxRelaysPerAuthor: 3,
		Connection:               ConnectionOptions{Mode: DirectMode{}, Target: TargetAll},
		Limits:                   DefaultRelayLimits(),
		Filtering:                NewRelayFiltering(Blacklist),
		DedupWindow:              10 * time.Minute,
		DedupSize:                10000,
		NotificationBuffer:       1024,
		ReconnectBaseDelay:       1 * time.Second,
		ReconnectMaxDelay:        5 * time.Minute,
		PingInterval:             55 * time.Second,
		WriteTimeout:             10 * time.Second,
	}
}

func (o Options) WithAutoconnect(v bool) Options { o.Autoconnect = v; return o }

func (o Options) WithDifficulty(bits int) Options { o.Difficulty = bits; return o }

func (o Options) WithMinPOW(bits int) Options { o.MinPOW = bits; return o }

func (o Options) WithReqFiltersChunkSize(n uint8) Options { o.ReqFiltersChunkSize = n; return o }

func (o Options) WithTimeout(d time.Duration) Options { o.Timeout = d; return o }

func (o Options) WithAutomaticAuthentication(v bool) Options {
	o.AutomaticAuthentication = v
	return o
}

func (o Options) WithGossip(v bool) Options { o.Gossip = v; return o }

func (o Options) WithGossipPolicy(p GossipPolicy) Options { o.GossipPolicy = p; return o }

func (o Options) WithConnection(c ConnectionOptions) Options { o.Connection = c; return o }

func (o Options) WithRelayLimits(l RelayLimits) Options { o.Limits = l; return o }

func (o Options) WithMaxAvgLatency(d time.Duration) Options { o.MaxAvgLatency = d; return o }

func (o Options) WithFiltering(f RelayFiltering) Options { o.Filtering = f; return o }

func (o Options) WithDedupWindow(d time.Duration, size int) Options {
	o.DedupWindow = d
	o.DedupSize = size
	return o
}

func (o Options) WithNotificationBuffer(n int) Options { o.NotificationBuffer = n; return o }

func (o Options) WithReconnectDelay(base, max time.Duration) Options {
	o.ReconnectBaseDelay = base
	o.ReconnectMaxDelay = max
	return o
}

func (o Options) WithPingInterval(d time.Duration) Options { o.PingInterval = d; return o }

// Validate reports the first configuration problem, as a *ConfigurationError.
func (o Options) Validate() error {
	if err := o.Connection.Validate(); err != nil {
		return err
	}
	if o.Difficulty < 0 || o.Difficulty > 256 {
		return &ConfigurationError{Field: "difficulty", Reason: "must be between 0 and 256"}
	}
	if o.MinPOW < 0 || o.MinPOW > 256 {
		return &ConfigurationError{Field: "min_pow", Reason: "must be between 0 and 256"}
	}
	if o.Timeout < 0 {
		return &ConfigurationError{Field: "timeout", Reason: "must not be negative"}
	}
	if o.MaxAvgLatency < 0 {
		return &ConfigurationError{Field: "max_avg_latency", Reason: "must not be negative"}
	}
	if o.ReconnectBaseDelay > o.ReconnectMaxDelay && o.ReconnectMaxDelay > 0 {
		return &ConfigurationError{Field: "reconnect", Reason: "base delay exceeds max delay"}
	}
	return nil
}
