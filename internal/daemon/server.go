// Package daemon implements the local control API that cmd/provider and
// cmd/consumer expose over a Unix socket: status, connection, and
// authorized-peer inspection for operators and CLI tooling, separate from
// the P2P protocols themselves.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/internal/job"
	"github.com/omerta-net/netcore/internal/telemetry"
	"github.com/omerta-net/netcore/pkg/session"
)

// RuntimeInfo decouples the daemon package from the concrete cmd/provider
// and cmd/consumer wiring.
type RuntimeInfo interface {
	Host() host.Host
	Session() *session.Session
	AuthKeysPath() string
	GaterForHotReload() GaterReloader // nil if gating disabled
	Version() string
	StartTime() time.Time
	ConnectToPeer(ctx context.Context, peerID peer.ID) error
	SubmitJob(ctx context.Context, submission job.JobSubmission) job.ExecutionResult
}

// GaterReloader allows hot-reloading the authorized peers list.
type GaterReloader interface {
	ReloadFromFile() error
}

// Server is the daemon's Unix socket HTTP API server.
type Server struct {
	runtime    RuntimeInfo
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	version    string
	shutdownCh chan struct{}

	metrics *telemetry.Metrics // nil-safe

	mu sync.Mutex
}

// NewServer creates a new daemon API server.
func NewServer(runtime RuntimeInfo, socketPath, cookiePath, version string) *Server {
	return &Server{
		runtime:    runtime,
		socketPath: socketPath,
		cookiePath: cookiePath,
		version:    version,
		shutdownCh: make(chan struct{}),
	}
}

// SetMetrics configures optional Prometheus instrumentation. Must be
// called before Start. Nil-safe.
func (s *Server) SetMetrics(metrics *telemetry.Metrics) {
	s.metrics = metrics
}

// ShutdownCh is closed when a shutdown is requested via POST /v1/shutdown.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Start creates the Unix socket, writes the auth cookie, and begins
// serving in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// Restrictive umask avoids a TOCTOU window between Listen and Chmod.
	oldUmask := syscall.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	slog.Info("daemon cookie written", "path", s.cookiePath)

	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      InstrumentHandler(s.authMiddleware(mux), s.metrics),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon server error", "error", err)
		}
	}()

	slog.Info("daemon API listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server and removes the socket and
// cookie files.
func (s *Server) Stop() {
	slog.Info("daemon server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)

	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
	slog.Info("daemon server stopped")
}

func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		slog.Info("removing stale daemon socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}

	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrDaemonAlreadyRunning, s.socketPath)
}

func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listener returns the underlying net.Listener.
func (s *Server) Listener() net.Listener {
	return s.listener
}
