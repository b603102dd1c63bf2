package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"nostr-pool/internal/cache"
	"nostr-pool/internal/config"
	"nostr-pool/internal/database"
	"nostr-pool/internal/logging"
	"nostr-pool/internal/metrics"
	"nostr-pool/internal/pool"
	"nostr-pool/internal/signer"
)

// app is the pool plus everything a command wired around it.
type app struct {
	pool   *pool.RelayPool
	db     database.Database
	keys   *signer.Keys
	log    *slog.Logger
	stdout io.Writer
	flags  *pflag.FlagSet
	path   string
	server *http.Server
}

func setup(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	path = config.ResolvePath(path)
	file, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, _ := flags.GetString("log-level")
	if level == "" {
		level = file.Log.Level
	}
	log := logging.InitWriter(cmd.ErrOrStderr(), level)

	opts, err := file.Options(config.New())
	if err != nil {
		return nil, err
	}
	if opts, err = applyFlags(flags, opts); err != nil {
		return nil, err
	}

	a := &app{log: log, stdout: cmd.OutOrStdout(), flags: flags, path: path}
	var poolOpts []pool.Option
	poolOpts = append(poolOpts, pool.WithLogger(log))

	if a.keys, err = loadKeys(flags); err != nil {
		return nil, err
	}
	if a.keys != nil {
		poolOpts = append(poolOpts, pool.WithSigner(a.keys))
	}

	dbCfg, err := databaseConfig(flags, file.Database)
	if err != nil {
		return nil, err
	}
	if a.db, err = database.Open(ctx, dbCfg); err != nil {
		return nil, err
	}
	if a.db != nil {
		poolOpts = append(poolOpts, pool.WithDatabase(a.db))
	}

	cacheCfg, err := cacheConfig(file.Cache)
	if err != nil {
		return nil, a.abort(err)
	}
	backend, err := cache.Open(ctx, file.Cache.Backend, file.Cache.RedisURL, file.Cache.Prefix)
	if err != nil {
		return nil, a.abort(err)
	}
	poolOpts = append(poolOpts, pool.WithCache(backend, cacheCfg))

	addr, _ := flags.GetString("metrics-addr")
	if addr == "" {
		addr = file.Metrics.Addr
	}
	if addr != "" {
		m := metrics.New()
		if err := a.serveMetrics(addr, m); err != nil {
			_ = backend.Close()
			return nil, a.abort(err)
		}
		poolOpts = append(poolOpts, pool.WithMetrics(m))
	}

	p, err := pool.New(ctx, opts, poolOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, a.abort(err)
	}
	a.pool = p

	extra, _ := flags.GetStringArray("relay")
	n, err := addRelays(p, relaySpecs(file, extra))
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	if n == 0 {
		_ = a.Close()
		return nil, fmt.Errorf("no relays configured: pass --relay or list relays in %s", path)
	}
	log.Debug("pool ready", "relays", n, "config", path, "gossip", opts.Gossip)
	return a, nil
}

// abort releases what setup acquired before the pool took ownership.
func (a *app) abort(err error) error {
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	if a.server != nil {
		err = multierr.Append(err, a.server.Close())
	}
	return err
}

func (a *app) serveMetrics(addr string, m *metrics.Metrics) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// watchConfig hot-applies config file changes until ctx ends.
func (a *app) watchConfig(ctx context.Context) {
	if err := config.Watch(ctx, a.path, a.log, a.reload); err != nil {
		a.log.Warn("config watch stopped", "path", a.path, "error", err)
	}
}

func (a *app) reload(f *config.File) {
	o, err := f.Options(config.New())
	if err == nil {
		o, err = applyFlags(a.flags, o)
	}
	if err == nil {
		err = a.pool.SetOptions(o)
	}
	if err != nil {
		a.log.Warn("ignoring invalid config", "path", a.path, "error", err)
		return
	}
	n, err := addRelays(a.pool, relaySpecs(f, nil))
	if err != nil {
		a.log.Warn("config relay rejected", "error", err)
	}
	if n > 0 {
		a.log.Info("relays added from config", "count", n)
	}
}

func (a *app) Close() error {
	var err error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = multierr.Append(err, a.server.Shutdown(ctx))
		cancel()
	}
	if a.pool != nil {
		err = multierr.Append(err, a.pool.Close())
	}
	return err
}

func loadKeys(flags *pflag.FlagSet) (*signer.Keys, error) {
	sec, _ := flags.GetString("sec")
	if sec == "" {
		sec = os.Getenv("NOSTR_SECRET_KEY")
	}
	if sec == "" {
		return nil, nil
	}
	keys, err := signer.NewKeys(sec)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	return keys, nil
}

func databaseConfig(flags *pflag.FlagSet, f config.DatabaseFile) (database.Config, error) {
	busy, err := config.ParseDurationField("database.busyTimeout", f.BusyTimeout)
	if err != nil {
		return database.Config{}, err
	}
	cfg := database.Config{Driver: f.Driver, Path: f.Path, BusyTimeout: busy}
	if path, _ := flags.GetString("db"); path != "" {
		cfg.Driver = "sqlite"
		cfg.Path = path
	}
	return cfg, nil
}

func cacheConfig(f config.CacheFile) (cache.CacheConfig, error) {
	cfg := cache.DefaultCacheConfig()
	ttl, err := config.ParseDurationField("cache.relayListTtl", f.RelayListTTL)
	if err != nil {
		return cfg, err
	}
	if ttl > 0 {
		cfg.RelayListTTL = ttl
	}
	notFound, err := config.ParseDurationField("cache.relayListNotFoundTtl", f.RelayListNotFoundTTL)
	if err != nil {
		return cfg, err
	}
	if notFound > 0 {
		cfg.RelayListNotFoundTTL = notFound
	}
	return cfg, nil
}
