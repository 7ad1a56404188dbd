// Package rendezvous implements the JSON-over-WebSocket signaling client
// peers use to register their reflexive endpoint, exchange it with a
// target peer, and negotiate a hole-punch strategy or relay assignment.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives every message the server sends: replies such as
// registered and pong as well as pushed ones (peerEndpoint,
// holePunchStrategy, holePunchNow/Initiate/Wait/Continue, relayAssigned,
// error).
type Handler func(Message)

// Client is a long-lived connection to a rendezvous server.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	handler Handler
	closed  bool

	writeMu sync.Mutex
}

// Dial opens a WebSocket connection to the rendezvous server at url
// (e.g. "wss://rendezvous.example.com/ws").
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// OnMessage installs the handler invoked for every message received by the
// background read loop. It must be called before Run.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Run drives the read loop until ctx is canceled or the connection closes.
// It is meant to be run in its own goroutine; every decoded Message is
// delivered to the handler installed via OnMessage, in the order the
// server sent them — the ordering guarantee in spec §4.8 (holePunchStrategy
// before holePunchNow/Initiate/Wait/Continue) depends on messages being
// delivered strictly in receive order, never reordered or dispatched
// concurrently.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.conn.Close()
		close(done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			<-done
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rendezvous: read: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("rendezvous: malformed message, dropping", "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

// Send writes a single message to the server. Safe for concurrent use.
func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("rendezvous: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("rendezvous: write %s: %w", msg.Type, err)
	}
	return nil
}

// Register announces peerID and natType to the server.
func (c *Client) Register(peerID string, natType string) error {
	return c.Send(Message{Type: TypeRegister, PeerID: peerID, NATType: natType})
}

// ReportEndpoint informs the server of this peer's observed reflexive endpoint.
func (c *Client) ReportEndpoint(addr string, port uint16) error {
	return c.Send(Message{Type: TypeReportEndpoint, Addr: addr, Port: port})
}

// RequestConnection asks the server to begin negotiation with targetPeerID.
func (c *Client) RequestConnection(targetPeerID string) error {
	return c.Send(Message{Type: TypeRequestConnection, TargetPeerID: targetPeerID})
}

// HolePunchReady tells the server this side is listening on its reported
// endpoint and ready to begin probing.
func (c *Client) HolePunchReady(targetPeerID string) error {
	return c.Send(Message{Type: TypeHolePunchReady, TargetPeerID: targetPeerID})
}

// HolePunchSent reports that a probe volley has gone out.
func (c *Client) HolePunchSent(targetPeerID string) error {
	return c.Send(Message{Type: TypeHolePunchSent, TargetPeerID: targetPeerID})
}

// HolePunchResult reports the local outcome of a hole-punch attempt.
func (c *Client) HolePunchResult(targetPeerID string, succeeded bool) error {
	return c.Send(Message{Type: TypeHolePunchResult, TargetPeerID: targetPeerID, Succeeded: succeeded})
}

// RequestRelay asks the server to assign a relay for targetPeerID.
func (c *Client) RequestRelay(targetPeerID string) error {
	return c.Send(Message{Type: TypeRequestRelay, TargetPeerID: targetPeerID})
}

// Ping sends a liveness probe; the server replies with pong.
func (c *Client) Ping() error {
	return c.Send(Message{Type: TypePing})
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
