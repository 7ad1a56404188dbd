package rendezvous

import "github.com/omerta-net/netcore/pkg/holepunch"

// MessageType tags every rendezvous message per spec §4.8.
type MessageType string

const (
	// Client -> server.
	TypeRegister          MessageType = "register"
	TypeReportEndpoint    MessageType = "reportEndpoint"
	TypeRequestConnection MessageType = "requestConnection"
	TypeHolePunchReady    MessageType = "holePunchReady"
	TypeHolePunchSent     MessageType = "holePunchSent"
	TypeHolePunchResult   MessageType = "holePunchResult"
	TypeRequestRelay      MessageType = "requestRelay"
	TypePing              MessageType = "ping"

	// Server -> client.
	TypeRegistered       MessageType = "registered"
	TypePeerEndpoint     MessageType = "peerEndpoint"
	TypeHolePunchStrategy MessageType = "holePunchStrategy"
	TypeHolePunchNow     MessageType = "holePunchNow"
	TypeHolePunchInitiate MessageType = "holePunchInitiate"
	TypeHolePunchWait    MessageType = "holePunchWait"
	TypeHolePunchContinue MessageType = "holePunchContinue"
	TypeRelayAssigned    MessageType = "relayAssigned"
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
)

// Message is the envelope every rendezvous frame round-trips as. Only the
// fields relevant to Type are populated; encoding/json marshals struct
// fields in declaration order and omits empty ones via omitempty, so two
// Messages with identical content always serialize to identical bytes.
type Message struct {
	Type MessageType `json:"type"`

	// register
	PeerID string `json:"peerId,omitempty"`
	NATType string `json:"natType,omitempty"`

	// reportEndpoint / peerEndpoint
	Addr string `json:"addr,omitempty"`
	Port uint16 `json:"port,omitempty"`

	// requestConnection / holePunch*
	TargetPeerID string `json:"targetPeerId,omitempty"`

	// holePunchStrategy
	Strategy holepunch.Strategy `json:"strategy,omitempty"`

	// holePunchResult
	Succeeded bool `json:"succeeded,omitempty"`

	// relayAssigned
	RelayAddr  string `json:"relayAddr,omitempty"`
	RelayToken string `json:"relayToken,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`
}
