// Package peer manages one WebRTC connection per remote room member: the
// offer/answer negotiation state machine, trickle ICE buffering, and the
// data channels carried on the connection.
package peer

import "github.com/meshconf/signaling-relay/internal/protocol"

// ConnState is the subset of connection states the negotiation layer reacts
// to.
type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataChannel is the transport-agnostic handle for a negotiated channel.
// Handlers must be registered before the channel opens.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnOpen(f func())
	OnMessage(f func(data []byte))
	OnClose(f func())
	Close() error
}

// EngineCallbacks are invoked by the engine as negotiation side effects
// occur. All fields are optional.
type EngineCallbacks struct {
	// OnLocalCandidate fires for each locally gathered trickle ICE candidate.
	OnLocalCandidate func(protocol.Candidate)
	// OnDataChannel fires on the responder side when the remote creates a
	// channel.
	OnDataChannel func(DataChannel)
	// OnConnectionStateChange reports transport-level state transitions.
	OnConnectionStateChange func(ConnState)
}

// Engine abstracts the WebRTC implementation under a Link. CreateOffer and
// CreateAnswer set the local description as a side effect.
type Engine interface {
	CreateOffer() (protocol.SDP, error)
	CreateAnswer() (protocol.SDP, error)
	SetRemoteDescription(protocol.SDP) error
	AddICECandidate(protocol.Candidate) error
	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

// EngineFactory builds one Engine per peer link.
type EngineFactory func(EngineCallbacks) (Engine, error)
