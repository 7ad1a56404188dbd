// Package mesh provides, for each pair of online machine identities, a set
// of named bidirectional byte channels over libp2p streams, framed with
// go-msgio so message boundaries survive the underlying stream transport.
package mesh

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
)

// MaxMessageSize bounds a single channel message; large enough for a
// typical 1500-byte IP datagram plus headroom for tunnel framing.
const MaxMessageSize = 64 * 1024

// protocolPrefix namespaces libp2p protocol IDs by channel name, so each
// named channel gets its own stream protocol and, in turn, its own
// in-order delivery per (from, to, channel) without extra sequencing logic.
const protocolPrefix = "/omerta/mesh/1.0.0/"

// Handler receives messages arriving on a channel. senderMachine is the
// remote peer id; bytes is the message payload.
type Handler func(senderMachine peer.ID, payload []byte)

type outStreamKey struct {
	peer    peer.ID
	channel string
}

// Provider is the named-channel mesh over a single libp2p host.
type Provider struct {
	host host.Host

	mu       sync.RWMutex
	handlers map[string]Handler

	outMu sync.Mutex
	out   map[outStreamKey]*outStream
}

type outStream struct {
	mu     sync.Mutex
	stream network.Stream
	writer msgio.WriteCloser
}

// New wraps h as a channel Provider.
func New(h host.Host) *Provider {
	p := &Provider{
		host:     h,
		handlers: make(map[string]Handler),
		out:      make(map[outStreamKey]*outStream),
	}
	return p
}

func channelProtocol(channelName string) protocol.ID {
	return protocol.ID(protocolPrefix + channelName)
}

// Host returns the underlying libp2p host.
func (p *Provider) Host() host.Host {
	return p.host
}

// OnChannel registers handler as the receiver for channelName. Registering
// on an already-occupied channel atomically replaces the prior handler —
// SetStreamHandler itself is the atomic swap, since libp2p only ever holds
// one handler per protocol ID.
func (p *Provider) OnChannel(channelName string, handler Handler) {
	p.mu.Lock()
	p.handlers[channelName] = handler
	p.mu.Unlock()

	p.host.SetStreamHandler(channelProtocol(channelName), func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()

		reader := msgio.NewVarintReaderSize(bufio.NewReader(s), MaxMessageSize)
		for {
			msg, err := reader.ReadMsg()
			if err != nil {
				return
			}
			cp := append([]byte(nil), msg...)
			reader.ReleaseMsg(msg)

			p.mu.RLock()
			h := p.handlers[channelName]
			p.mu.RUnlock()
			if h == nil {
				continue
			}
			h(remote, cp)
		}
	})
}

// OffChannel deregisters channelName, closing the door on new streams for
// it; in-flight streams already accepted are allowed to finish or error out
// naturally when their peer closes.
func (p *Provider) OffChannel(channelName string) {
	p.mu.Lock()
	delete(p.handlers, channelName)
	p.mu.Unlock()
	p.host.RemoveStreamHandler(channelProtocol(channelName))
}

// SendOnChannel writes payload, framed with a varint length prefix, on the
// single outbound stream this Provider maintains to (toMachine, channelName)
// — reused across calls rather than opened per-message, so the transport's
// own in-stream ordering is what gives sendOnChannel its per-(from, to,
// channel) in-order guarantee. A broken stream is dropped and redialed on
// the next send.
func (p *Provider) SendOnChannel(ctx context.Context, payload []byte, toMachine peer.ID, channelName string) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("mesh: message of %d bytes exceeds channel limit %d", len(payload), MaxMessageSize)
	}

	key := outStreamKey{peer: toMachine, channel: channelName}

	os, err := p.getOrDialStream(ctx, key)
	if err != nil {
		return err
	}

	os.mu.Lock()
	defer os.mu.Unlock()
	if err := os.writer.WriteMsg(payload); err != nil {
		p.dropStream(key)
		return fmt.Errorf("mesh: write to %s on %s: %w", toMachine, channelName, err)
	}
	return nil
}

func (p *Provider) getOrDialStream(ctx context.Context, key outStreamKey) (*outStream, error) {
	p.outMu.Lock()
	if existing, ok := p.out[key]; ok {
		p.outMu.Unlock()
		return existing, nil
	}
	p.outMu.Unlock()

	s, err := p.host.NewStream(ctx, key.peer, channelProtocol(key.channel))
	if err != nil {
		return nil, fmt.Errorf("mesh: open stream to %s on %s: %w", key.peer, key.channel, err)
	}

	os := &outStream{stream: s, writer: msgio.NewVarintWriter(s)}

	p.outMu.Lock()
	defer p.outMu.Unlock()
	if existing, ok := p.out[key]; ok {
		s.Close()
		return existing, nil
	}
	p.out[key] = os
	return os, nil
}

func (p *Provider) dropStream(key outStreamKey) {
	p.outMu.Lock()
	os, ok := p.out[key]
	delete(p.out, key)
	p.outMu.Unlock()
	if ok {
		os.stream.Close()
	}
}

// Close removes every registered channel handler.
func (p *Provider) Close() {
	p.mu.Lock()
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.OffChannel(name)
	}

	p.outMu.Lock()
	for key, os := range p.out {
		os.stream.Close()
		delete(p.out, key)
	}
	p.outMu.Unlock()

	slog.Debug("mesh: provider closed")
}
