package netstack

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Fake is an in-memory Bridge double used by tests elsewhere in this
// module (pkg/tunnel). It records injected packets and lets the test drive
// "packets the stack emits" by calling Emit directly, instead of running a
// real gVisor stack.
type Fake struct {
	mu       sync.Mutex
	started  bool
	injected [][]byte
	onReturn ReturnFunc
	dialFunc func(ctx context.Context, host string, port uint16) (net.Conn, error)
}

var _ Bridge = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Start(ctx context.Context, cfg Config, onReturn ReturnFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.onReturn = onReturn
	return nil
}

func (f *Fake) InjectPacket(ipPacket []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return fmt.Errorf("netstack: fake not started")
	}
	cp := append([]byte(nil), ipPacket...)
	f.injected = append(f.injected, cp)
	return nil
}

func (f *Fake) DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	f.mu.Lock()
	dial := f.dialFunc
	f.mu.Unlock()
	if dial != nil {
		return dial(ctx, host, port)
	}
	return nil, fmt.Errorf("netstack: fake has no dial function configured")
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// Injected returns every packet handed to InjectPacket so far.
func (f *Fake) Injected() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.injected))
	copy(out, f.injected)
	return out
}

// Emit simulates the stack emitting a packet, invoking the onReturn
// callback the way the gVisor bridge's channel notifier would.
func (f *Fake) Emit(ipPacket []byte) {
	f.mu.Lock()
	cb := f.onReturn
	f.mu.Unlock()
	if cb != nil {
		cb(ipPacket)
	}
}

// SetDialFunc overrides DialTCP's behavior for tests that exercise
// trafficClient outbound dialing.
func (f *Fake) SetDialFunc(fn func(ctx context.Context, host string, port uint16) (net.Conn, error)) {
	f.mu.Lock()
	f.dialFunc = fn
	f.mu.Unlock()
}
