package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"nostr-pool/internal/config"
	"nostr-pool/internal/pool"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nostr-pool",
		Short:         "Subscribe, query and publish across a pool of nostr relays",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := applyFlags(cmd.Flags(), config.New())
			return err
		},
	}
	f := cmd.PersistentFlags()
	f.String("config", "", "Config file, JSON or YAML (default $NOSTR_POOL_CONFIG or "+config.DefaultPath+")")
	f.StringArray("relay", nil, "Relay URL to add for reading and writing (repeatable)")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
	f.Bool("gossip", false, "Route author queries through NIP-65 relay lists")
	f.Int("min-pow", 0, "Drop incoming events below this proof-of-work difficulty")
	f.Int("difficulty", 0, "Proof-of-work difficulty for events this tool signs")
	f.String("proxy", "", "SOCKS5 proxy address, ip:port")
	f.String("tor-data-dir", "", "Run an embedded tor client with this data directory")
	f.String("db", "", "Store received events in this SQLite file")
	f.String("sec", "", "Secret key, hex or nsec (default $NOSTR_SECRET_KEY)")

	cmd.AddCommand(newSubscribeCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newRelaysCmd())
	return cmd
}

// applyFlags layers explicitly set command line flags over o.
func applyFlags(flags *pflag.FlagSet, o config.Options) (config.Options, error) {
	if flags.Changed("gossip") {
		v, _ := flags.GetBool("gossip")
		o = o.WithGossip(v)
	}
	if flags.Changed("min-pow") {
		v, _ := flags.GetInt("min-pow")
		o = o.WithMinPOW(v)
	}
	if flags.Changed("difficulty") {
		v, _ := flags.GetInt("difficulty")
		o = o.WithDifficulty(v)
	}

	proxy, _ := flags.GetString("proxy")
	torDir, _ := flags.GetString("tor-data-dir")
	if proxy != "" && torDir != "" {
		return config.Options{}, errors.New("--proxy and --tor-data-dir are mutually exclusive")
	}
	conn := o.Connection
	switch {
	case proxy != "":
		mode, err := config.ParseProxyAddr(proxy)
		if err != nil {
			return config.Options{}, err
		}
		conn.Mode = mode
	case torDir != "":
		conn.Mode = config.EmbeddedTorMode{DataDir: torDir}
	}
	o = o.WithConnection(conn)

	if err := o.Validate(); err != nil {
		return config.Options{}, err
	}
	return o, nil
}

type relaySpec struct {
	url   string
	flags pool.RelayFlags
}

// relaySpecs lists the relays from the config file followed by extra read/write relays.
func relaySpecs(f *config.File, extra []string) []relaySpec {
	var out []relaySpec
	for _, r := range f.Relays {
		var flags pool.RelayFlags
		if r.CanRead() {
			flags |= pool.FlagRead
		}
		if r.CanWrite() {
			flags |= pool.FlagWrite
		}
		if r.Discovery {
			flags |= pool.FlagDiscovery
		}
		if flags == 0 {
			continue
		}
		out = append(out, relaySpec{url: r.URL, flags: flags})
	}
	for _, u := range extra {
		out = append(out, relaySpec{url: u, flags: pool.DefaultFlags})
	}
	return out
}

func addRelays(p *pool.RelayPool, specs []relaySpec) (int, error) {
	added := 0
	for _, s := range specs {
		ok, err := p.AddRelay(s.url, pool.RelayOptions{Flags: s.flags})
		if err != nil {
			return added, fmt.Errorf("relay %s: %w", s.url, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
