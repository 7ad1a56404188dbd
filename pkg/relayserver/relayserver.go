// Package relayserver implements the shared UDP relay rendezvous assigns
// to peer pairs that cannot complete NAT hole punching (spec §4.9): it
// forwards relaywire-encapsulated datagrams between exactly two
// registered endpoints per session token.
package relayserver

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omerta-net/netcore/pkg/relaywire"
)

var (
	ErrSessionFull     = errors.New("relayserver: session already has two peers")
	ErrTooManySessions = errors.New("relayserver: session table at capacity")
)

// defaultSessionTTL matches the loader's "10m" config default.
const defaultSessionTTL = 10 * time.Minute

// session tracks the (at most two) UDP endpoints relaying traffic under
// one session token.
type session struct {
	mu         sync.Mutex
	token      relaywire.SessionToken
	peers      [2]*net.UDPAddr
	lastActive time.Time
}

func (s *session) register(addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	for i, p := range s.peers {
		if p != nil && p.String() == addr.String() {
			return nil // already registered
		}
		if p == nil {
			s.peers[i] = addr
			return nil
		}
	}
	return ErrSessionFull
}

// other returns the peer address this datagram should be forwarded to,
// registering from if it's not yet known (first packet from a peer
// implicitly registers it, so the relay client doesn't need a separate
// handshake before sending data).
func (s *session) other(from *net.UDPAddr) (*net.UDPAddr, error) {
	if err := s.register(from); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p != nil && p.String() != from.String() {
			return p, nil
		}
	}
	return nil, nil // other peer hasn't sent anything yet
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Server is a UDP relay: it reads encapsulated datagrams, looks up the
// session by token, and forwards the payload (re-encapsulated) to
// whichever other endpoint is registered under that token. Session
// bookkeeping (capacity cap, TTL-based expiry) follows the same
// mutex-guarded-map-plus-CleanExpired shape as the teacher's relay
// pairing token store.
type Server struct {
	mu          sync.Mutex
	sessions    map[relaywire.SessionToken]*session
	logger      *slog.Logger
	maxSessions int
	sessionTTL  time.Duration
}

func New(logger *slog.Logger) *Server {
	return NewWithLimits(logger, 0, 0)
}

// NewWithLimits creates a relay server with an explicit session table
// capacity and idle-session TTL. A maxSessions of 0 means unbounded; a
// sessionTTL of 0 uses defaultSessionTTL.
func NewWithLimits(logger *slog.Logger, maxSessions int, sessionTTL time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTTL == 0 {
		sessionTTL = defaultSessionTTL
	}
	return &Server{
		sessions:    make(map[relaywire.SessionToken]*session),
		logger:      logger,
		maxSessions: maxSessions,
		sessionTTL:  sessionTTL,
	}
}

func (srv *Server) sessionFor(token relaywire.SessionToken) (*session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	s, ok := srv.sessions[token]
	if ok {
		return s, nil
	}
	if srv.maxSessions > 0 && len(srv.sessions) >= srv.maxSessions {
		return nil, ErrTooManySessions
	}
	s = &session{token: token, lastActive: time.Now()}
	srv.sessions[token] = s
	return s, nil
}

// RemoveSession drops a session's state, e.g. once its tunnel has ended.
func (srv *Server) RemoveSession(token relaywire.SessionToken) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, token)
}

// CleanExpired removes sessions that have been idle longer than the
// server's sessionTTL and returns how many were removed.
func (srv *Server) CleanExpired() int {
	now := time.Now()

	srv.mu.Lock()
	stale := make([]relaywire.SessionToken, 0)
	for token, s := range srv.sessions {
		if s.idleSince(now) > srv.sessionTTL {
			stale = append(stale, token)
		}
	}
	for _, token := range stale {
		delete(srv.sessions, token)
	}
	srv.mu.Unlock()

	if len(stale) > 0 {
		srv.logger.Info("relayserver: cleaned expired sessions", "count", len(stale))
	}
	return len(stale)
}

// RunExpiryLoop calls CleanExpired on the given interval until done is
// closed, mirroring the teacher's ticker-driven component lifecycle
// (PeerRelay/NetworkMonitor).
func (srv *Server) RunExpiryLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			srv.CleanExpired()
		}
	}
}

const maxDatagramSize = 65535 + relaywire.HeaderSize

// Serve reads datagrams from conn until it errors or is closed,
// forwarding each one to the other registered peer under its token.
func (srv *Server) Serve(conn *net.UDPConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		srv.handleDatagram(conn, addr, append([]byte(nil), buf[:n]...))
	}
}

func (srv *Server) handleDatagram(conn *net.UDPConn, from *net.UDPAddr, datagram []byte) {
	if len(datagram) < relaywire.HeaderSize {
		srv.logger.Warn("relayserver: dropping undersized datagram", "from", from, "len", len(datagram))
		return
	}
	var token relaywire.SessionToken
	copy(token[:], datagram[:4])

	payload, err := relaywire.Decapsulate(token, datagram)
	if err != nil {
		srv.logger.Warn("relayserver: dropping malformed datagram", "from", from, "error", err)
		return
	}

	s, err := srv.sessionFor(token)
	if err != nil {
		srv.logger.Warn("relayserver: rejecting new session", "from", from, "error", err)
		return
	}
	dest, err := s.other(from)
	if err != nil {
		srv.logger.Warn("relayserver: session full", "from", from)
		return
	}
	if dest == nil {
		return // no peer to forward to yet
	}

	out, err := relaywire.Encapsulate(token, payload)
	if err != nil {
		srv.logger.Warn("relayserver: re-encapsulate failed", "error", err)
		return
	}
	if _, err := conn.WriteToUDP(out, dest); err != nil {
		srv.logger.Warn("relayserver: forward failed", "to", dest, "error", err)
	}
}
