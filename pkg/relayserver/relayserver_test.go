package relayserver

import (
	"net"
	"testing"
	"time"

	"github.com/omerta-net/netcore/pkg/relaywire"
)

func localConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_ForwardsBetweenTwoPeers(t *testing.T) {
	relayConn := localConn(t)
	server := New(nil)
	go server.Serve(relayConn)

	a := localConn(t)
	b := localConn(t)

	var token relaywire.SessionToken
	copy(token[:], []byte{1, 2, 3, 4})

	msg, err := relaywire.Encapsulate(token, []byte("hello from a"))
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if _, err := a.WriteToUDP(msg, relayConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// a's packet registers a but there's no other peer yet, so it is
	// dropped silently; now b sends, which should register b and forward
	// to a once a sends again.
	msg2, err := relaywire.Encapsulate(token, []byte("hello from b"))
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if _, err := b.WriteToUDP(msg2, relayConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg3, err := relaywire.Encapsulate(token, []byte("second from a"))
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if _, err := a.WriteToUDP(msg3, relayConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := b.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("b did not receive forwarded datagram: %v", err)
	}
	payload, err := relaywire.Decapsulate(token, buf[:n])
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if string(payload) != "second from a" {
		t.Errorf("payload = %q, want %q", payload, "second from a")
	}
}

func TestServer_DropsUndersizedDatagram(t *testing.T) {
	relayConn := localConn(t)
	server := New(nil)
	go server.Serve(relayConn)

	a := localConn(t)
	if _, err := a.WriteToUDP([]byte{1, 2, 3}, relayConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// No panic / crash is the assertion here; give the goroutine a moment.
	time.Sleep(50 * time.Millisecond)
}

func TestServer_RemoveSessionClearsState(t *testing.T) {
	server := New(nil)
	var token relaywire.SessionToken
	copy(token[:], []byte{9, 9, 9, 9})

	s, err := server.sessionFor(token)
	if err != nil {
		t.Fatalf("sessionFor: %v", err)
	}
	if s == nil {
		t.Fatal("expected session")
	}
	server.RemoveSession(token)

	server.mu.Lock()
	_, exists := server.sessions[token]
	server.mu.Unlock()
	if exists {
		t.Error("expected session removed")
	}
}

func TestServer_RejectsOverCapacity(t *testing.T) {
	server := NewWithLimits(nil, 1, time.Minute)

	var tokenA, tokenB relaywire.SessionToken
	copy(tokenA[:], []byte{1, 1, 1, 1})
	copy(tokenB[:], []byte{2, 2, 2, 2})

	if _, err := server.sessionFor(tokenA); err != nil {
		t.Fatalf("sessionFor(tokenA): %v", err)
	}
	if _, err := server.sessionFor(tokenB); err != ErrTooManySessions {
		t.Errorf("sessionFor(tokenB) = %v, want ErrTooManySessions", err)
	}
}

func TestServer_CleanExpiredRemovesIdleSessions(t *testing.T) {
	server := NewWithLimits(nil, 0, time.Millisecond)

	var token relaywire.SessionToken
	copy(token[:], []byte{3, 3, 3, 3})
	if _, err := server.sessionFor(token); err != nil {
		t.Fatalf("sessionFor: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if removed := server.CleanExpired(); removed != 1 {
		t.Errorf("CleanExpired removed %d sessions, want 1", removed)
	}

	server.mu.Lock()
	_, exists := server.sessions[token]
	server.mu.Unlock()
	if exists {
		t.Error("expected expired session removed")
	}
}
