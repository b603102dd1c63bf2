package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// ConnectionMode selects how relay sockets are dialed. The variant set is
// closed: DirectMode, ProxyMode and EmbeddedTorMode.
type ConnectionMode interface {
	connectionMode()
}

// DirectMode dials relays directly.
type DirectMode struct{}

// ProxyMode dials relays through a SOCKS5 proxy.
type ProxyMode struct {
	Addr netip.AddrPort
}

// EmbeddedTorMode routes relays through a tor client started by the pool.
// An empty DataDir lets tor pick a temporary directory.
type EmbeddedTorMode struct {
	DataDir string
}

func (DirectMode) connectionMode()      {}
func (ProxyMode) connectionMode()       {}
func (EmbeddedTorMode) connectionMode() {}

// ConnectionTarget selects which relays the non-direct mode applies to.
type ConnectionTarget int

const (
	TargetAll ConnectionTarget = iota
	// TargetOnion applies the mode only to .onion relays; others dial directly.
	TargetOnion
)

func (t ConnectionTarget) String() string {
	if t == TargetOnion {
		return "onion"
	}
	return "all"
}

// ConnectionOptions pairs a mode with its target.
type ConnectionOptions struct {
	Mode   ConnectionMode
	Target ConnectionTarget
}

// Validate checks proxy addresses and tor data paths.
func (c ConnectionOptions) Validate() error {
	switch m := c.Mode.(type) {
	case nil, DirectMode:
		return nil
	case ProxyMode:
		if !m.Addr.IsValid() || m.Addr.Port() == 0 {
			return &ConfigurationError{Field: "connection.proxy", Reason: "invalid proxy address"}
		}
		return nil
	case EmbeddedTorMode:
		if m.DataDir == "" {
			return nil
		}
		info, err := os.Stat(m.DataDir)
		if err == nil && !info.IsDir() {
			return &ConfigurationError{Field: "connection.tor_data_dir", Reason: "not a directory"}
		}
		if err != nil && !os.IsNotExist(err) {
			return &ConfigurationError{Field: "connection.tor_data_dir", Reason: "unusable path", Err: err}
		}
		if err != nil {
			parent := filepath.Dir(m.DataDir)
			if pinfo, perr := os.Stat(parent); perr != nil || !pinfo.IsDir() {
				return &ConfigurationError{Field: "connection.tor_data_dir", Reason: "parent directory does not exist"}
			}
		}
		return nil
	default:
		return &ConfigurationError{Field: "connection.mode", Reason: fmt.Sprintf("unsupported mode %T", m)}
	}
}

// ParseProxyAddr parses "host:port" into a SOCKS5 proxy mode.
func ParseProxyAddr(addr string) (ProxyMode, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(addr))
	if err != nil {
		return ProxyMode{}, &ConfigurationError{Field: "connection.proxy", Reason: "invalid proxy address", Err: err}
	}
	mode := ProxyMode{Addr: ap}
	if err := (ConnectionOptions{Mode: mode}).Validate(); err != nil {
		return ProxyMode{}, err
	}
	return mode, nil
}

// ParseTarget parses "all" or "onion".
func ParseTarget(s string) (ConnectionTarget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return TargetAll, nil
	case "onion":
		return TargetOnion, nil
	default:
		return TargetAll, &ConfigurationError{Field: "connection.target", Reason: fmt.Sprintf("unknown target %q", s)}
	}
}
