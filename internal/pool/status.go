package pool

import "strings"

// RelayStatus is a relay connection's state.
type RelayStatus int

const (
	StatusDisconnected RelayStatus = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticating
	StatusReady
)

func (s RelayStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthenticating:
		return "authenticating"
	case StatusReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// RelayFlags mark what a relay is used for.
type RelayFlags uint8

const (
	FlagRead RelayFlags = 1 << iota
	FlagWrite
	// FlagDiscovery relays are queried for relay lists (kind 10002).
	FlagDiscovery
	// FlagGossip relays were added by the gossip router, not by the caller.
	FlagGossip
)

// DefaultFlags is read and write.
const DefaultFlags = FlagRead | FlagWrite

func (f RelayFlags) Has(flag RelayFlags) bool { return f&flag == flag }

func (f RelayFlags) String() string {
	var parts []string
	if f.Has(FlagRead) {
		parts = append(parts, "read")
	}
	if f.Has(FlagWrite) {
		parts = append(parts, "write")
	}
	if f.Has(FlagDiscovery) {
		parts = append(parts, "discovery")
	}
	if f.Has(FlagGossip) {
		parts = append(parts, "gossip")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
