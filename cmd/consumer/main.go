// Command consumer runs a network-core consumer node: it connects to
// providers, named by peer ID, through the P2P session manager (direct,
// hole-punched, or relayed). It does not query the DHT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/internal/auth"
	"github.com/omerta-net/netcore/internal/config"
	"github.com/omerta-net/netcore/internal/daemon"
	"github.com/omerta-net/netcore/internal/identity"
	"github.com/omerta-net/netcore/internal/job"
	"github.com/omerta-net/netcore/internal/reputation"
	"github.com/omerta-net/netcore/internal/telemetry"
	"github.com/omerta-net/netcore/internal/watchdog"
	"github.com/omerta-net/netcore/pkg/mesh"
	"github.com/omerta-net/netcore/pkg/session"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to consumer config YAML")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	providerPeerID := flag.String("provider", "", "peer ID of the provider to connect to")
	flag.Parse()

	telemetry.SetDefault(*logLevel)
	slog.Info("netcore consumer starting", "version", version, "commit", commit, "buildDate", buildDate)

	if err := run(*configPath, *providerPeerID); err != nil {
		slog.Error("consumer exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, providerPeerID string) error {
	path, err := config.FindConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("locate config: %w", err)
	}
	cfg, err := config.LoadConsumerConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConsumerConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	config.ResolveConfigPaths(path, &cfg.Identity, &cfg.Security)

	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	slog.Info("identity loaded", "peerId", id.PeerID.String())

	var connGater *auth.AuthorizedPeerGater
	opts := []libp2p.Option{
		libp2p.Identity(id.PrivateKey),
		libp2p.ListenAddrStrings(cfg.Mesh.ListenAddresses...),
	}
	if cfg.Security.EnableConnectionGating {
		peers, err := auth.LoadAuthorizedKeys(cfg.Security.AuthorizedKeysFile)
		if err != nil {
			return fmt.Errorf("load authorized keys: %w", err)
		}
		connGater = auth.NewAuthorizedPeerGater(peers)
		opts = append(opts, libp2p.ConnectionGater(connGater))
	}

	host, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("construct libp2p host: %w", err)
	}
	defer host.Close()

	meshProvider := mesh.New(host)
	defer meshProvider.Close()

	sess := session.New(session.Config{
		LocalPeerID:        id.PeerID.String(),
		RendezvousURL:      cfg.Rendezvous.URL,
		STUNServerA:        cfg.Rendezvous.STUNServerA,
		STUNServerB:        cfg.Rendezvous.STUNServerB,
		EnableNATTraversal: cfg.Rendezvous.EnableNATTraversal,
		FallbackToRelay:    cfg.Rendezvous.FallbackToRelay,
	}, meshProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	defer sess.Stop()

	historyDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("determine history path: %w", err)
	}
	history := reputation.NewPeerHistory(filepath.Join(historyDir, "consumer-peer-history.json"))
	defer history.Save()

	if providerPeerID != "" {
		pc, err := sess.ConnectToPeer(ctx, providerPeerID, nil)
		if err != nil {
			return fmt.Errorf("connect to provider %s: %w", providerPeerID, err)
		}
		history.RecordConnection(providerPeerID, string(pc.ConnectionType), float64(pc.RTT.Milliseconds()))
		slog.Info("connected to provider", "peerId", providerPeerID, "connectionType", pc.ConnectionType, "isRelayed", pc.IsRelayed)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(version, "")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Telemetry.Metrics.ListenAddress, mux); err != nil {
				slog.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	rt := &consumerRuntime{
		host:         host,
		sess:         sess,
		authKeysPath: cfg.Security.AuthorizedKeysFile,
		gater:        connGater,
		version:      version,
		startTime:    time.Now(),
		history:      history,
	}

	socketPath, cookiePath, err := consumerDaemonPaths()
	if err != nil {
		return fmt.Errorf("determine daemon paths: %w", err)
	}
	srv := daemon.NewServer(rt, socketPath, cookiePath, version)
	srv.SetMetrics(metrics)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start daemon API: %w", err)
	}
	defer srv.Stop()

	watchdog.Ready()
	defer watchdog.Stopping()
	go watchdog.Run(ctx, watchdog.Config{}, []watchdog.HealthCheck{
		{Name: "daemon-socket", Check: func() error {
			if srv.Listener() == nil {
				return fmt.Errorf("daemon socket not listening")
			}
			return nil
		}},
	})

	slog.Info("consumer ready", "daemonSocket", socketPath)

	select {
	case <-ctx.Done():
	case <-srv.ShutdownCh():
		slog.Info("shutdown requested via daemon API")
		stop()
	}
	slog.Info("consumer shutting down")
	return nil
}

func consumerDaemonPaths() (socketPath, cookiePath string, err error) {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "consumer.sock"), filepath.Join(dir, ".consumer-daemon-cookie"), nil
}

// consumerRuntime implements daemon.RuntimeInfo for a running consumer node.
type consumerRuntime struct {
	host         host.Host
	sess         *session.Session
	authKeysPath string
	gater        *auth.AuthorizedPeerGater
	version      string
	startTime    time.Time
	history      *reputation.PeerHistory
}

func (rt *consumerRuntime) Host() host.Host           { return rt.host }
func (rt *consumerRuntime) Session() *session.Session { return rt.sess }
func (rt *consumerRuntime) AuthKeysPath() string       { return rt.authKeysPath }
func (rt *consumerRuntime) Version() string            { return rt.version }
func (rt *consumerRuntime) StartTime() time.Time       { return rt.startTime }

func (rt *consumerRuntime) GaterForHotReload() daemon.GaterReloader {
	if rt.gater == nil || rt.authKeysPath == "" {
		return nil
	}
	return &consumerGaterReloader{gater: rt.gater, authKeysPath: rt.authKeysPath}
}

func (rt *consumerRuntime) ConnectToPeer(ctx context.Context, peerID libp2ppeer.ID) error {
	pc, err := rt.sess.ConnectToPeer(ctx, peerID.String(), nil)
	if err != nil {
		return err
	}
	if rt.history != nil {
		rt.history.RecordConnection(peerID.String(), string(pc.ConnectionType), float64(pc.RTT.Milliseconds()))
	}
	return nil
}

// SubmitJob is a no-op on consumer nodes: binding a VM NIC to a tunnel
// session is a provider-side operation (spec.md §1's job contract runs
// against the node hosting the VM).
func (rt *consumerRuntime) SubmitJob(_ context.Context, submission job.JobSubmission) job.ExecutionResult {
	return job.Failed(submission.JobID, job.FailureResourceDenied)
}

// consumerGaterReloader implements daemon.GaterReloader by re-reading the
// authorized_keys file and updating the live connection gater.
type consumerGaterReloader struct {
	gater        *auth.AuthorizedPeerGater
	authKeysPath string
}

func (g *consumerGaterReloader) ReloadFromFile() error {
	peers, err := auth.LoadAuthorizedKeys(g.authKeysPath)
	if err != nil {
		return fmt.Errorf("failed to reload authorized_keys: %w", err)
	}
	g.gater.UpdateAuthorizedPeers(peers)
	return nil
}
