// Package stun implements the minimal RFC 5389 Binding Request/Response
// subset the mesh needs to learn a peer's own reflexive endpoint, plus NAT
// classification from probing two distinct destinations. Message encoding
// is delegated to pion/stun, the STUN library already present (via
// pion/webrtc/pion/ice) in the corpus's dependency graph.
package stun

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/omerta-net/netcore/pkg/wire"
)

// NATType classifies a peer's NAT behavior per RFC 3489 terminology.
type NATType string

const (
	NATFullCone          NATType = "fullCone"
	NATRestrictedCone    NATType = "restrictedCone"
	NATPortRestrictedCone NATType = "portRestrictedCone"
	NATSymmetric         NATType = "symmetric"
	NATUnknown           NATType = "unknown"
)

// Probe is a single server's Binding Response, or the error that prevented
// one.
type Probe struct {
	Server   string
	Endpoint wire.Endpoint
	Err      error
}

// Client sends Binding Requests and classifies NAT type from the results.
type Client struct {
	timeout    time.Duration
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }
func WithMaxRetries(n int) Option        { return func(c *Client) { c.maxRetries = n } }

// New creates a STUN client with sane defaults: 2s timeout, 3 retries.
func New(opts ...Option) *Client {
	c := &Client{timeout: 2 * time.Second, maxRetries: 3}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bind sends a single Binding Request to server and returns the reflexive
// endpoint observed in the Binding Response's XOR-MAPPED-ADDRESS attribute.
func (c *Client) Bind(ctx context.Context, server string) (wire.Endpoint, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		ep, err := c.bindOnce(ctx, server)
		if err == nil {
			return ep, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return wire.Endpoint{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return wire.Endpoint{}, fmt.Errorf("stun: bind to %s failed after %d attempts: %w", server, c.maxRetries+1, lastErr)
}

func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond * time.Duration(1<<attempt)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (c *Client) bindOnce(ctx context.Context, server string) (wire.Endpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("resolve %s: %w", server, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	conn.SetDeadline(deadline)

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.Write(msg.Raw); err != nil {
		return wire.Endpoint{}, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("read: %w", err)
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return wire.Endpoint{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type != stun.BindingSuccess {
		return wire.Endpoint{}, fmt.Errorf("unexpected message class/method: %v", resp.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		return wire.Endpoint{}, fmt.Errorf("no XOR-MAPPED-ADDRESS in response: %w", err)
	}

	addr, ok := netAddrFromIP(xorAddr.IP)
	if !ok {
		return wire.Endpoint{}, fmt.Errorf("unsupported address family in XOR-MAPPED-ADDRESS")
	}

	return wire.Endpoint{Addr: addr, Port: uint16(xorAddr.Port)}, nil
}

// ClassifyNAT probes two distinct STUN destinations and classifies the
// peer's NAT type per spec.md §4.6: the same (addr, port) observed from
// both servers implies full cone; a differing port or addr implies
// symmetric. Two binding probes cannot tell the restricted-cone classes
// apart, so ClassifyNAT never returns them.
func (c *Client) ClassifyNAT(ctx context.Context, serverA, serverB string) (NATType, []Probe, error) {
	probes := []Probe{
		{Server: serverA},
		{Server: serverB},
	}

	epA, errA := c.Bind(ctx, serverA)
	probes[0].Endpoint, probes[0].Err = epA, errA

	epB, errB := c.Bind(ctx, serverB)
	probes[1].Endpoint, probes[1].Err = epB, errB

	if errA != nil && errB != nil {
		return NATUnknown, probes, fmt.Errorf("both STUN probes failed: %v; %v", errA, errB)
	}
	if errA != nil || errB != nil {
		return NATUnknown, probes, nil
	}

	switch {
	case epA.Addr == epB.Addr && epA.Port == epB.Port:
		return NATFullCone, probes, nil
	default:
		return NATSymmetric, probes, nil
	}
}
