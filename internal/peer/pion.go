package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

// chatMaxRetransmits bounds retransmission on the chat channel. Chat is
// ordered but a stalled retransmit queue must not wedge the stream.
const chatMaxRetransmits uint16 = 3

// NewAPI builds the shared WebRTC API with pion logging routed to slog.
// configure, when non-nil, can adjust the SettingEngine before the API is
// sealed (tests use it to install a virtual network).
func NewAPI(log *slog.Logger, configure func(*webrtc.SettingEngine)) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(log),
	}
	if configure != nil {
		configure(&se)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// NewPionFactory returns an EngineFactory producing real PeerConnections
// from the shared API.
func NewPionFactory(api *webrtc.API, iceServers []webrtc.ICEServer) EngineFactory {
	return func(cb EngineCallbacks) (Engine, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("peer: new peer connection: %w", err)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			// nil marks end of gathering; there is nothing to trickle.
			if c == nil || cb.OnLocalCandidate == nil {
				return
			}
			cb.OnLocalCandidate(protocol.CandidateFromPion(c.ToJSON()))
		})
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if cb.OnDataChannel != nil {
				cb.OnDataChannel(&pionDataChannel{dc: dc})
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if cb.OnConnectionStateChange != nil {
				cb.OnConnectionStateChange(connStateFromPion(s))
			}
		})

		return &pionEngine{pc: pc}, nil
	}
}

type pionEngine struct {
	pc *webrtc.PeerConnection
}

func (e *pionEngine) CreateOffer() (protocol.SDP, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(offer), nil
}

func (e *pionEngine) CreateAnswer() (protocol.SDP, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(answer), nil
}

func (e *pionEngine) SetRemoteDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(desc)
}

func (e *pionEngine) AddICECandidate(c protocol.Candidate) error {
	return e.pc.AddICECandidate(c.ToPion())
}

func (e *pionEngine) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	maxRetransmits := chatMaxRetransmits
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (e *pionEngine) Close() error {
	return e.pc.Close()
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateConnecting
	}
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string {
	return d.dc.Label()
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *pionDataChannel) OnMessage(f func(data []byte)) {
	d.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		f(m.Data)
	})
}

func (d *pionDataChannel) OnClose(f func()) {
	d.dc.OnClose(f)
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}
