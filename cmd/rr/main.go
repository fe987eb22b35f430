// Command rr is rustory's CLI: the replication core's only front end
// exercising every internal package together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mattn/go-isatty"
	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/rustory-sh/rustory/internal/httptransport"
	"github.com/rustory-sh/rustory/internal/metrics"
	"github.com/rustory-sh/rustory/internal/p2p"
	"github.com/rustory-sh/rustory/internal/rconfig"
	"github.com/rustory-sh/rustory/internal/status"
	"github.com/rustory-sh/rustory/internal/storage"
	"github.com/rustory-sh/rustory/internal/supervisor"
	"github.com/rustory-sh/rustory/internal/syncengine"
	"github.com/rustory-sh/rustory/internal/tracker"
)

func main() {
	app := &cli.App{
		Name:  "rr",
		Usage: "distributed shell-history replication",
		Commands: []*cli.Command{
			serveCmd(),
			syncCmd(),
			p2pServeCmd(),
			p2pSyncCmd(),
			trackerServeCmd(),
			relayServeCmd(),
			syncStatusCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("rr failed", "err", err)
		os.Exit(1)
	}
}

func coreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "peers", Usage: "explicit peer addresses/URLs, comma-separated"},
		&cli.IntFlag{Name: "limit", Usage: "pull/push batch size"},
		&cli.BoolFlag{Name: "push", Usage: "also push locally-originated entries"},
		&cli.BoolFlag{Name: "watch", Usage: "run continuously instead of one-shot"},
		&cli.IntFlag{Name: "interval-sec", Usage: "watched-mode interval"},
		&cli.IntFlag{Name: "start-jitter-sec", Usage: "watched-mode random startup delay upper bound"},
		&cli.IntFlag{Name: "req-attempts", Usage: "max attempts per request"},
		&cli.IntFlag{Name: "req-timeout-base-sec", Usage: "per-attempt HTTP request timeout (the same for every attempt)"},
		&cli.IntFlag{Name: "req-timeout-cap-sec", Usage: "max per-attempt timeout (stored in the config; no transport reads it)"},
		&cli.IntFlag{Name: "req-backoff-base-ms", Usage: "base backoff between attempts"},
		&cli.StringFlag{Name: "swarm-key", Usage: "path to the swarm pre-shared key"},
		&cli.StringFlag{Name: "identity-key", Usage: "path to the local identity keypair"},
		&cli.StringFlag{Name: "relay", Usage: "relay server multiaddr"},
		&cli.StringSliceFlag{Name: "trackers", Usage: "tracker base URLs, comma-separated"},
		&cli.StringFlag{Name: "tracker-token", Usage: "bearer token for tracker requests"},
		&cli.IntFlag{Name: "ttl-sec", Usage: "tracker registration TTL"},
		&cli.StringFlag{Name: "bind", Usage: "HTTP listen address"},
		&cli.StringSliceFlag{Name: "listen", Usage: "p2p listen multiaddrs, comma-separated"},
		&cli.StringFlag{Name: "db-path", Usage: "local store path"},
	}
}

func loadConfig(c *cli.Context) (rconfig.Config, error) {
	flags := rconfig.Config{
		Limit:             c.Int("limit"),
		Push:              c.Bool("push"),
		Watch:             c.Bool("watch"),
		IntervalSec:       c.Int("interval-sec"),
		StartJitterSec:    c.Int("start-jitter-sec"),
		ReqAttempts:       c.Int("req-attempts"),
		ReqTimeoutBaseSec: c.Int("req-timeout-base-sec"),
		ReqTimeoutCapSec:  c.Int("req-timeout-cap-sec"),
		ReqBackoffBaseMs:  c.Int("req-backoff-base-ms"),
		SwarmKeyPath:      c.String("swarm-key"),
		IdentityKeyPath:   c.String("identity-key"),
		Relay:             c.String("relay"),
		Peers:             c.StringSlice("peers"),
		Trackers:          c.StringSlice("trackers"),
		TrackerToken:      c.String("tracker-token"),
		TTLSec:            c.Int("ttl-sec"),
		Bind:              c.String("bind"),
		Listen:            c.StringSlice("listen"),
		DBPath:            c.String("db-path"),
	}
	flagsSet := map[string]bool{}
	for _, name := range c.LocalFlagNames() {
		flagsSet[name] = true
	}

	env := envMap()
	return rconfig.Load(os.Getenv("RUSTORY_CONFIG"), env, flags, flagsSet)
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if len(kv) > 8 && kv[:8] == "RUSTORY_" {
					out[kv[:i]] = kv[i+1:]
				}
				break
			}
		}
	}
	return out
}

func openStore(cfg rconfig.Config) (*storage.Store, error) {
	path := cfg.DBPath
	if path == "" {
		path = storage.DefaultDBPath
	}
	return storage.Open(path)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP peer-sync server",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			mux := http.NewServeMux()
			mux.Handle("/", httptransport.NewServer(store, 0, m).Router())
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			bind := cfg.Bind
			if bind == "" {
				bind = "127.0.0.1:8080"
			}
			log.Info("serving HTTP peer sync", "bind", bind)
			return http.ListenAndServe(bind, mux)
		},
	}
}

func syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "pull (and optionally push) against HTTP peers",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			m := metrics.New(prometheus.NewRegistry())
			opts := supervisorOptionsFromConfig(cfg, store, httpPeersFromFlags(cfg), m)
			opts.ShowProgress = !cfg.Watch && isatty.IsTerminal(os.Stderr.Fd())
			build := func(p supervisor.Peer) (syncengine.Puller, syncengine.Pusher, error) {
				client := httptransport.NewClient(p.PeerID, cfg.ReqAttempts, time.Duration(cfg.ReqTimeoutBaseSec)*time.Second, time.Duration(cfg.ReqBackoffBaseMs)*time.Millisecond)
				return client, client, nil
			}

			ctx := signalContext()
			if cfg.Watch {
				go watchConfigFile(ctx, os.Getenv("RUSTORY_CONFIG"), log.Root())
				return supervisor.RunWatched(ctx, opts, build, cfg.IntervalSec, cfg.StartJitterSec)
			}
			return supervisor.RunOnce(ctx, opts, build)
		},
	}
}

func p2pServeCmd() *cli.Command {
	return &cli.Command{
		Name:  "p2p-serve",
		Usage: "run the p2p overlay host, serving sync-pull and entries-push",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			host, err := buildHost(cfg)
			if err != nil {
				return err
			}
			defer host.Close()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			p2p.RegisterHandlers(host, store, log.Root(), m)
			log.Info("serving p2p overlay", "peer_id", host.ID().String(), "addrs", host.Addrs())

			if cfg.Bind != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.Bind, mux); err != nil {
						log.Error("p2p-serve metrics listener exited", "err", err)
					}
				}()
			}

			trackers := trackerClients(cfg)
			ctx := signalContext()
			go p2p.AnnounceAddrs(ctx, host, trackers, map[string]string{"device_id": localDeviceID(cfg)}, log.Root())

			<-ctx.Done()
			return nil
		},
	}
}

func p2pSyncCmd() *cli.Command {
	return &cli.Command{
		Name:  "p2p-sync",
		Usage: "pull (and optionally push) against p2p peers",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			host, err := buildHost(cfg)
			if err != nil {
				return err
			}
			defer host.Close()

			m := metrics.New(prometheus.NewRegistry())
			opts := supervisorOptionsFromConfig(cfg, store, nil, m)
			opts.Trackers = trackerClients(cfg)
			opts.ShowProgress = !cfg.Watch && isatty.IsTerminal(os.Stderr.Fd())

			relayInfo, hasRelay := relayAddrInfo(cfg.Relay)
			build := func(sp supervisor.Peer) (syncengine.Puller, syncengine.Pusher, error) {
				peerID, err := peer.Decode(sp.PeerID)
				if err != nil {
					return nil, nil, fmt.Errorf("peer id %q is not a valid p2p peer ID: %w", sp.PeerID, err)
				}
				directAddrs, err := addrInfosFromStrings(peerID, sp.Addrs)
				if err != nil {
					return nil, nil, err
				}
				client, err := p2p.NewClient(host, peerID, directAddrs, relayInfo, hasRelay, m)
				if err != nil {
					return nil, nil, err
				}
				return client, client, nil
			}

			ctx := signalContext()
			if cfg.Watch {
				go watchConfigFile(ctx, os.Getenv("RUSTORY_CONFIG"), log.Root())
				return supervisor.RunWatched(ctx, opts, build, cfg.IntervalSec, cfg.StartJitterSec)
			}
			return supervisor.RunOnce(ctx, opts, build)
		},
	}
}

func trackerServeCmd() *cli.Command {
	return &cli.Command{
		Name:  "tracker-serve",
		Usage: "run the short-TTL peer tracker",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ttl := time.Duration(cfg.TTLSec) * time.Second
			srv := tracker.NewServer(ttl, cfg.TrackerToken)

			bind := cfg.Bind
			if bind == "" {
				bind = "127.0.0.1:9090"
			}
			log.Info("serving tracker", "bind", bind)
			return http.ListenAndServe(bind, srv.Router())
		},
	}
}

func relayServeCmd() *cli.Command {
	return &cli.Command{
		Name:  "relay-serve",
		Usage: "run the p2p relay server",
		Flags: coreFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			hostCfg, err := hostConfigFromCLIConfig(cfg)
			if err != nil {
				return err
			}
			relay, err := p2p.NewRelayServer(hostCfg)
			if err != nil {
				return err
			}
			defer relay.Close()

			log.Info("serving p2p relay", "peer_id", relay.Host().ID().String(), "addrs", relay.Host().Addrs())
			<-signalContext().Done()
			return nil
		},
	}
}

func syncStatusCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync-status",
		Usage: "print the local head, per-peer cursors, and pending-push counts",
		Flags: append(coreFlags(), &cli.StringFlag{Name: "peer", Usage: "restrict to one peer ID"}),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := status.Build(store, localDeviceID(cfg), c.String("peer"))
			if err != nil {
				return err
			}

			if isatty.IsTerminal(os.Stdout.Fd()) {
				colWidth := 0
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
					colWidth = w / 5
				}
				status.WriteTable(os.Stdout, report, colWidth)
				return nil
			}
			return status.WriteJSON(os.Stdout, report)
		},
	}
}

func supervisorOptionsFromConfig(cfg rconfig.Config, store *storage.Store, explicitPeers []supervisor.Peer, m *metrics.Registry) supervisor.Options {
	return supervisor.Options{
		ExplicitPeers:     explicitPeers,
		Trackers:          trackerClients(cfg),
		Store:             store,
		LocalDeviceID:     localDeviceID(cfg),
		Push:              cfg.Push,
		Limit:             limitOrDefault(cfg.Limit),
		PeerBookFreshness: time.Duration(cfg.PeerBookFreshnessSec) * time.Second,
		Logger:            log.Root(),
		Metrics:           m,
	}
}

func httpPeersFromFlags(cfg rconfig.Config) []supervisor.Peer {
	peers := make([]supervisor.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, supervisor.Peer{PeerID: httptransport.NormalizePeerKey(p)})
	}
	return peers
}

func trackerClients(cfg rconfig.Config) []*tracker.Client {
	clients := make([]*tracker.Client, 0, len(cfg.Trackers))
	for _, url := range cfg.Trackers {
		clients = append(clients, tracker.NewClient(url, cfg.TrackerToken))
	}
	return clients
}

func addrInfosFromStrings(peerID peer.ID, addrs []string) ([]peer.AddrInfo, error) {
	mas := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", a, err)
		}
		mas = append(mas, ma)
	}
	resolved := p2p.ResolveDNSAddrs(context.Background(), mas)
	filtered := p2p.FilterDialableAddrs(resolved)
	if len(filtered) == 0 {
		return nil, nil
	}
	return []peer.AddrInfo{{ID: peerID, Addrs: filtered}}, nil
}

func relayAddrInfo(relay string) (peer.AddrInfo, bool) {
	if relay == "" {
		return peer.AddrInfo{}, false
	}
	ma, err := multiaddr.NewMultiaddr(relay)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	resolved := p2p.ResolveDNSAddrs(context.Background(), []multiaddr.Multiaddr{ma})
	if len(resolved) == 0 {
		return peer.AddrInfo{}, false
	}
	info, err := peer.AddrInfoFromP2pAddr(resolved[0])
	if err != nil {
		return peer.AddrInfo{}, false
	}
	return *info, true
}

func buildHost(cfg rconfig.Config) (*p2p.Host, error) {
	hostCfg, err := hostConfigFromCLIConfig(cfg)
	if err != nil {
		return nil, err
	}
	return p2p.NewHost(hostCfg)
}

func hostConfigFromCLIConfig(cfg rconfig.Config) (p2p.HostConfig, error) {
	psk, err := p2p.LoadOrGeneratePSK(cfg.SwarmKeyPath)
	if err != nil {
		return p2p.HostConfig{}, err
	}
	identity, err := p2p.LoadOrGenerateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		return p2p.HostConfig{}, err
	}
	return p2p.HostConfig{
		ListenAddrs: cfg.Listen,
		PSK:         psk,
		Identity:    identity,
		EnableRelay: cfg.Relay != "",
		RelayAddr:   cfg.Relay,
	}, nil
}

func localDeviceID(cfg rconfig.Config) string {
	if id := os.Getenv("RUSTORY_DEVICE_ID"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// watchConfigFile logs when the TOML config backing this run changes on
// disk. Watched-mode runs are long-lived processes; an operator editing
// trackers or peers in the config file expects to see that the running
// process noticed, even though picking the change up takes a restart.
func watchConfigFile(ctx context.Context, path string, logger log.Logger) {
	if path == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", "err", err)
		return
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		logger.Warn("could not watch config file", "path", path, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Info("config file changed on disk, restart to apply", "path", path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "err", err)
		}
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}
