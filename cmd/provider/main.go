// Command provider runs a network-core provider node: it joins the mesh,
// announces itself on the DHT, and accepts job submissions that bind a
// VM's NIC to a per-job tunnel session.
package main

import (
	"context"
	"crypto/ed25519"
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
	"github.com/omerta-net/netcore/pkg/dht"
	"github.com/omerta-net/netcore/pkg/mesh"
	"github.com/omerta-net/netcore/pkg/session"
	"github.com/omerta-net/netcore/pkg/tunnel"
	"github.com/omerta-net/netcore/pkg/vmnet"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to provider config YAML")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	telemetry.SetDefault(*logLevel)
	slog.Info("netcore provider starting", "version", version, "commit", commit, "buildDate", buildDate)

	if err := run(*configPath); err != nil {
		slog.Error("provider exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	path, err := config.FindConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("locate config: %w", err)
	}
	cfg, err := config.LoadProviderConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateProviderConfig(cfg); err != nil {
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
		gater, err := newConnectionGater(cfg.Security.AuthorizedKeysFile)
		if err != nil {
			return fmt.Errorf("load authorized keys: %w", err)
		}
		connGater = gater
		opts = append(opts, libp2p.ConnectionGater(gater))
	}

	host, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("construct libp2p host: %w", err)
	}
	defer host.Close()

	meshProvider := mesh.New(host)
	defer meshProvider.Close()

	rawPriv, err := id.Ed25519PrivateKey()
	if err != nil {
		return fmt.Errorf("extract signing key: %w", err)
	}
	rawPub, err := id.Ed25519PublicKey()
	if err != nil {
		return fmt.Errorf("extract public key: %w", err)
	}

	routingTable := dht.NewRoutingTable(dht.DeriveKey(id.PeerID.String()), dht.DefaultBucketSize)
	announcementStore := dht.NewAnnouncementStore(10 * time.Minute)
	dhtService := dht.NewService(meshProvider, id.PeerID, ed25519.PrivateKey(rawPriv), ed25519.PublicKey(rawPub), routingTable, announcementStore)
	dhtService.Serve()

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

	historyDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("determine history path: %w", err)
	}
	history := reputation.NewPeerHistory(filepath.Join(historyDir, "provider-peer-history.json"))
	defer history.Save()

	rt := &providerRuntime{
		host:         host,
		sess:         sess,
		authKeysPath: cfg.Security.AuthorizedKeysFile,
		gater:        connGater,
		version:      version,
		startTime:    time.Now(),
		history:      history,
	}

	socketPath, cookiePath, err := daemonPaths()
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

	var advertiseAddr string
	if len(cfg.Mesh.ListenAddresses) > 0 {
		advertiseAddr = cfg.Mesh.ListenAddresses[0]
	}
	if err := dhtService.Announce(ctx, id.PeerID, advertiseAddr, 0, cfg.Mesh.ListenAddresses, []string{"provider"}, 10*time.Minute); err != nil {
		slog.Warn("dht: failed to publish self-announcement", "error", err)
	}
	refreshDone := make(chan struct{})
	go dhtService.RunRefreshLoop(refreshDone, 5*time.Minute)
	defer close(refreshDone)

	slog.Info("provider ready", "listenAddresses", cfg.Mesh.ListenAddresses, "daemonSocket", socketPath)

	select {
	case <-ctx.Done():
	case <-srv.ShutdownCh():
		slog.Info("shutdown requested via daemon API")
		stop()
	}
	slog.Info("provider shutting down")
	return nil
}

func newConnectionGater(authorizedKeysFile string) (*auth.AuthorizedPeerGater, error) {
	peers, err := auth.LoadAuthorizedKeys(authorizedKeysFile)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthorizedPeerGater(peers), nil
}

func daemonPaths() (socketPath, cookiePath string, err error) {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "provider.sock"), filepath.Join(dir, ".provider-daemon-cookie"), nil
}

// providerRuntime implements daemon.RuntimeInfo for a running provider node.
type providerRuntime struct {
	host         host.Host
	sess         *session.Session
	authKeysPath string
	gater        *auth.AuthorizedPeerGater
	version      string
	startTime    time.Time
	history      *reputation.PeerHistory
}

func (rt *providerRuntime) Host() host.Host           { return rt.host }
func (rt *providerRuntime) Session() *session.Session { return rt.sess }
func (rt *providerRuntime) AuthKeysPath() string       { return rt.authKeysPath }
func (rt *providerRuntime) Version() string            { return rt.version }
func (rt *providerRuntime) StartTime() time.Time       { return rt.startTime }

func (rt *providerRuntime) GaterForHotReload() daemon.GaterReloader {
	if rt.gater == nil || rt.authKeysPath == "" {
		return nil
	}
	return &gaterReloader{gater: rt.gater, authKeysPath: rt.authKeysPath}
}

func (rt *providerRuntime) ConnectToPeer(ctx context.Context, peerID libp2ppeer.ID) error {
	pc, err := rt.sess.ConnectToPeer(ctx, peerID.String(), nil)
	if err != nil {
		return err
	}
	if rt.history != nil {
		rt.history.RecordConnection(peerID.String(), string(pc.ConnectionType), float64(pc.RTT.Milliseconds()))
	}
	return nil
}

func (rt *providerRuntime) SubmitJob(ctx context.Context, submission job.JobSubmission) job.ExecutionResult {
	return submitJob(ctx, rt.sess, submission)
}

// gaterReloader implements daemon.GaterReloader by re-reading the
// authorized_keys file and updating the live connection gater.
type gaterReloader struct {
	gater        *auth.AuthorizedPeerGater
	authKeysPath string
}

func (g *gaterReloader) ReloadFromFile() error {
	peers, err := auth.LoadAuthorizedKeys(g.authKeysPath)
	if err != nil {
		return fmt.Errorf("failed to reload authorized_keys: %w", err)
	}
	g.gater.UpdateAuthorizedPeers(peers)
	return nil
}

// submitJob is the entry point the daemon's POST /v1/jobs route (and,
// transitively, the external scheduler) calls to bind a job's VM to an
// already-established tunnel session, per spec.md §1's job contract.
//
// ModeDirect needs no per-packet inspection, so it upgrades the session
// straight to a dial-through trafficClient via EnableDialSupport. Every
// other mode builds the vmnet network named by the job's VMNetworkConfig
// (which attaches the allowlist-backed filter strategy for that mode) and
// puts the session in the trafficSource role, so that guest egress frames
// handed to that network's HandleEgressFrame are filtered and then
// injected into the tunnel via TunnelSession.InjectPacket.
func submitJob(ctx context.Context, sess *session.Session, submission job.JobSubmission) job.ExecutionResult {
	pc, ok := sess.GetConnection(submission.ConsumerPeerID)
	if !ok || pc.Session == nil {
		return job.Failed(submission.JobID, job.FailureResourceDenied)
	}
	if pc.Session.State() != tunnel.StateActive {
		return job.Failed(submission.JobID, job.FailureInternalError)
	}

	if submission.Network.Mode == vmnet.ModeDirect {
		if err := pc.Session.EnableDialSupport(ctx); err != nil {
			slog.Warn("submitJob: enable dial support failed", "job", submission.JobID, "error", err)
			return job.Failed(submission.JobID, job.FailureInternalError)
		}
		return job.Succeeded(submission.JobID)
	}

	if _, err := vmnet.CreateNetwork(submission.Network.VMNetConfig(), pc.Session); err != nil {
		slog.Warn("submitJob: create vm network failed", "job", submission.JobID, "error", err)
		return job.Failed(submission.JobID, job.FailureFilterRejected)
	}
	if err := pc.Session.EnableTrafficRouting(ctx, false); err != nil {
		slog.Warn("submitJob: enable traffic routing failed", "job", submission.JobID, "error", err)
		return job.Failed(submission.JobID, job.FailureInternalError)
	}
	return job.Succeeded(submission.JobID)
}
