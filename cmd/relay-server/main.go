// Command relay-server runs the shared UDP relay that rendezvous assigns
// to peer pairs unable to complete NAT hole punching.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omerta-net/netcore/internal/config"
	"github.com/omerta-net/netcore/internal/telemetry"
	"github.com/omerta-net/netcore/pkg/relayserver"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to relay server config YAML")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	telemetry.SetDefault(*logLevel)
	slog.Info("netcore relay-server starting", "version", version, "commit", commit, "buildDate", buildDate)

	if err := run(*configPath); err != nil {
		slog.Error("relay-server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	path, err := config.FindConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("locate config: %w", err)
	}
	cfg, err := config.LoadRelayServerConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", cfg.Network.ListenAddresses[0])
	if err != nil {
		return fmt.Errorf("resolve listen address %q: %w", cfg.Network.ListenAddresses[0], err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	sessionTTL, err := time.ParseDuration(cfg.Resources.SessionTimeout)
	if err != nil {
		return fmt.Errorf("resources.session_timeout: %w", err)
	}
	server := relayserver.NewWithLimits(slog.Default(), cfg.Resources.MaxSessions, sessionTTL)

	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if cfg.Telemetry.Metrics.Enabled {
			metrics := telemetry.NewMetrics(version, "")
			mux.Handle("/metrics", metrics.Handler())
		}
		go func() {
			if err := http.ListenAndServe(cfg.Health.ListenAddress, mux); err != nil {
				slog.Error("health endpoint stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	expiryDone := make(chan struct{})
	go server.RunExpiryLoop(expiryDone, sessionTTL/2)
	defer close(expiryDone)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(conn) }()

	slog.Info("relay-server ready", "listen", udpAddr.String())
	select {
	case <-ctx.Done():
		slog.Info("relay-server shutting down")
		conn.Close()
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("relay serve: %w", err)
	}
}
