package stun

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

const magicCookie uint32 = 0x2112A442

// fakeStunServer answers every Binding Request on a UDP socket with a
// Binding Success response carrying an XOR-MAPPED-ADDRESS for respondAddr,
// mirroring the request's transaction ID. It runs until the test ends.
func fakeStunServer(t *testing.T, respondAddr string, respondPort uint16) string {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 20 {
				continue
			}
			txID := append([]byte(nil), buf[8:20]...)
			resp := buildBindingSuccess(txID, respondAddr, respondPort)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn.LocalAddr().String()
}

// buildBindingSuccess constructs a minimal Binding Success Response with a
// single XOR-MAPPED-ADDRESS attribute (RFC 5389 §15.2), independent of the
// production client's pion/stun-based implementation so the test does not
// merely check the library against itself.
func buildBindingSuccess(txID []byte, ip string, port uint16) []byte {
	const bindingSuccess uint16 = 0x0101
	const attrXorMapped uint16 = 0x0020

	ip4 := net.ParseIP(ip).To4()

	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], attrXorMapped)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	attr[5] = 0x01 // IPv4 family
	xPort := port ^ uint16(magicCookie>>16)
	binary.BigEndian.PutUint16(attr[6:8], xPort)
	rawIP := binary.BigEndian.Uint32(ip4)
	xAddr := rawIP ^ magicCookie
	binary.BigEndian.PutUint32(attr[8:12], xAddr)

	resp := make([]byte, 20+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], bindingSuccess)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], magicCookie)
	copy(resp[8:20], txID)
	copy(resp[20:], attr)
	return resp
}

func TestClient_Bind(t *testing.T) {
	addr := fakeStunServer(t, "203.0.113.50", 51900)

	c := New(WithTimeout(time.Second), WithMaxRetries(1))
	ep, err := c.Bind(context.Background(), addr)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if ep.Port != 51900 {
		t.Errorf("port = %d, want 51900", ep.Port)
	}
	if ep.Addr.String() != "203.0.113.50" {
		t.Errorf("addr = %s, want 203.0.113.50", ep.Addr)
	}
}

func TestClassifyNAT_ConeWhenSameMapping(t *testing.T) {
	srvA := fakeStunServer(t, "203.0.113.50", 51900)
	srvB := fakeStunServer(t, "203.0.113.50", 51900)

	c := New(WithTimeout(time.Second), WithMaxRetries(1))
	nat, probes, err := c.ClassifyNAT(context.Background(), srvA, srvB)
	if err != nil {
		t.Fatalf("ClassifyNAT: %v", err)
	}
	if nat != NATFullCone {
		t.Errorf("nat = %v, want fullCone", nat)
	}
	if len(probes) != 2 {
		t.Fatalf("probes = %d, want 2", len(probes))
	}
}

func TestClassifyNAT_SymmetricWhenDifferentPorts(t *testing.T) {
	srvA := fakeStunServer(t, "203.0.113.50", 51900)
	srvB := fakeStunServer(t, "203.0.113.50", 51901)

	c := New(WithTimeout(time.Second), WithMaxRetries(1))
	nat, _, err := c.ClassifyNAT(context.Background(), srvA, srvB)
	if err != nil {
		t.Fatalf("ClassifyNAT: %v", err)
	}
	if nat != NATSymmetric {
		t.Errorf("nat = %v, want symmetric", nat)
	}
}

func TestClassifyNAT_UnknownWhenBothFail(t *testing.T) {
	c := New(WithTimeout(50*time.Millisecond), WithMaxRetries(0))
	nat, _, err := c.ClassifyNAT(context.Background(), "127.0.0.1:1", "127.0.0.1:2")
	if err == nil {
		t.Fatal("expected error when both probes fail")
	}
	if nat != NATUnknown {
		t.Errorf("nat = %v, want unknown", nat)
	}
}
