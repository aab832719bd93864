package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

// LinkState is the negotiation state of one peer link.
//
// Every member already in a room initiates toward each newcomer, and the
// newcomer only ever responds, so the two sides of a link always take
// opposite paths through the state machine and glare cannot occur.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOfferSent
	LinkOfferReceived
	LinkAnswerExchanged
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOfferSent:
		return "offer-sent"
	case LinkOfferReceived:
		return "offer-received"
	case LinkAnswerExchanged:
		return "answer-exchanged"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotInitiator  = errors.New("peer: link is not the initiator")
	ErrBadTransition = errors.New("peer: unexpected negotiation message for state")
)

type LinkConfig struct {
	PeerID   string
	PeerName string
	// Initiator marks the side that creates the data channels and the offer.
	Initiator bool

	Factory EngineFactory
	Logger  *slog.Logger

	// Send delivers envelopes to the relay. The link fills in the peer
	// addressing.
	Send func(protocol.Envelope) error

	// ChannelLabels are the data channels negotiated on this link.
	ChannelLabels   []string
	ChannelHandlers ChannelHandlers

	// OnStateChange observes link state transitions. Called with the link
	// lock held; observers must not call back into the link.
	OnStateChange func(LinkState)
}

// Link drives negotiation with a single remote peer.
type Link struct {
	peerID    string
	peerName  string
	initiator bool
	log       *slog.Logger
	send      func(protocol.Envelope) error

	engine     Engine
	binder     *ChannelBinder
	candidates candidateBuffer

	mu            sync.Mutex
	state         LinkState
	onStateChange func(LinkState)
}

func NewLink(cfg LinkConfig) (*Link, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("peer_id", cfg.PeerID, "initiator", cfg.Initiator)

	l := &Link{
		peerID:        cfg.PeerID,
		peerName:      cfg.PeerName,
		initiator:     cfg.Initiator,
		log:           log,
		send:          cfg.Send,
		state:         LinkIdle,
		onStateChange: cfg.OnStateChange,
	}
	l.binder = NewChannelBinder(log, cfg.ChannelLabels, cfg.ChannelHandlers)

	engine, err := cfg.Factory(EngineCallbacks{
		OnLocalCandidate:        l.sendLocalCandidate,
		OnDataChannel:           l.binder.Adopt,
		OnConnectionStateChange: l.handleConnState,
	})
	if err != nil {
		return nil, fmt.Errorf("peer: create engine for %s: %w", cfg.PeerID, err)
	}
	l.engine = engine
	return l, nil
}

func (l *Link) PeerID() string   { return l.peerID }
func (l *Link) PeerName() string { return l.peerName }
func (l *Link) Initiator() bool  { return l.initiator }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(s)
}

func (l *Link) setStateLocked(s LinkState) {
	if l.state == s || l.state == LinkClosed {
		return
	}
	l.log.Debug("link state", "from", l.state.String(), "to", s.String())
	l.state = s
	if l.onStateChange != nil {
		l.onStateChange(s)
	}
}

// Start creates the data channels and sends the offer. Initiator side only;
// responders wait for HandleOffer.
func (l *Link) Start() error {
	if !l.initiator {
		return ErrNotInitiator
	}
	l.mu.Lock()
	if l.state != LinkIdle {
		l.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrBadTransition, l.state)
	}
	l.mu.Unlock()

	// Channels must exist before the offer so they are negotiated in the
	// initial SDP.
	if err := l.binder.CreateChannels(l.engine); err != nil {
		return fmt.Errorf("peer: create data channels for %s: %w", l.peerID, err)
	}

	offer, err := l.engine.CreateOffer()
	if err != nil {
		return fmt.Errorf("peer: create offer for %s: %w", l.peerID, err)
	}

	l.setState(LinkOfferSent)
	return l.send(protocol.Envelope{
		Type:         protocol.TypeOffer,
		TargetUserID: l.peerID,
		Offer:        &offer,
	})
}

// HandleOffer applies a remote offer and replies with an answer. Responder
// side only.
func (l *Link) HandleOffer(sdp protocol.SDP) error {
	l.mu.Lock()
	if l.initiator || l.state != LinkIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: offer in %s (initiator=%v)", ErrBadTransition, state, l.initiator)
	}
	l.setStateLocked(LinkOfferReceived)
	l.mu.Unlock()

	if err := l.engine.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("peer: apply offer from %s: %w", l.peerID, err)
	}
	l.drainCandidates()

	answer, err := l.engine.CreateAnswer()
	if err != nil {
		return fmt.Errorf("peer: create answer for %s: %w", l.peerID, err)
	}

	l.setState(LinkAnswerExchanged)
	return l.send(protocol.Envelope{
		Type:         protocol.TypeAnswer,
		TargetUserID: l.peerID,
		Answer:       &answer,
	})
}

// HandleAnswer applies the remote answer to a sent offer.
func (l *Link) HandleAnswer(sdp protocol.SDP) error {
	l.mu.Lock()
	if l.state != LinkOfferSent {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: answer in %s", ErrBadTransition, state)
	}
	l.mu.Unlock()

	if err := l.engine.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("peer: apply answer from %s: %w", l.peerID, err)
	}
	l.drainCandidates()

	l.setState(LinkAnswerExchanged)
	return nil
}

// HandleRemoteCandidate applies a trickled candidate, buffering it when the
// remote description is not yet set.
func (l *Link) HandleRemoteCandidate(c protocol.Candidate) error {
	if l.candidates.Add(c) {
		return nil
	}
	if err := l.engine.AddICECandidate(c); err != nil {
		return fmt.Errorf("peer: add candidate from %s: %w", l.peerID, err)
	}
	return nil
}

// drainCandidates flushes candidates buffered before the remote description
// was available. Runs once per link; later candidates apply directly.
func (l *Link) drainCandidates() {
	for _, c := range l.candidates.Drain() {
		if err := l.engine.AddICECandidate(c); err != nil {
			l.log.Warn("discarding buffered candidate", "err", err)
		}
	}
}

// SendData writes on the labeled data channel.
func (l *Link) SendData(label string, data []byte) error {
	return l.binder.Send(label, data)
}

// ChannelState reports the lifecycle of the labeled channel.
func (l *Link) ChannelState(label string) ChannelState {
	return l.binder.State(label)
}

func (l *Link) sendLocalCandidate(c protocol.Candidate) {
	err := l.send(protocol.Envelope{
		Type:         protocol.TypeICECandidate,
		TargetUserID: l.peerID,
		Candidate:    &c,
	})
	if err != nil {
		l.log.Warn("failed to send local candidate", "err", err)
	}
}

func (l *Link) handleConnState(s ConnState) {
	switch s {
	case ConnStateConnected:
		l.setState(LinkConnected)
	case ConnStateDisconnected:
		l.setState(LinkDisconnected)
	case ConnStateFailed:
		l.setState(LinkFailed)
	case ConnStateClosed:
		l.setState(LinkClosed)
	}
}

// Close tears down the channels and the engine. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return nil
	}
	l.setStateLocked(LinkClosed)
	l.mu.Unlock()

	l.binder.Close()
	return l.engine.Close()
}
