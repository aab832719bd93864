package peer

import (
	"errors"
	"sync"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

// fakeEngine is a scriptable Engine for exercising the negotiation state
// machine without a WebRTC stack.
type fakeEngine struct {
	mu sync.Mutex

	cb EngineCallbacks

	remoteDesc   *protocol.SDP
	applied      []protocol.Candidate
	channels     []*fakeDataChannel
	offerCount   int
	answerCount  int
	closed       bool
	failNextSRD  bool
	failCreateDC bool
}

func newFakeFactory(store **fakeEngine) EngineFactory {
	return func(cb EngineCallbacks) (Engine, error) {
		e := &fakeEngine{cb: cb}
		if store != nil {
			*store = e
		}
		return e, nil
	}
}

func (e *fakeEngine) CreateOffer() (protocol.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerCount++
	return protocol.SDP{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (e *fakeEngine) CreateAnswer() (protocol.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answerCount++
	return protocol.SDP{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (e *fakeEngine) SetRemoteDescription(sdp protocol.SDP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNextSRD {
		e.failNextSRD = false
		return errors.New("fake: set remote description failed")
	}
	e.remoteDesc = &sdp
	return nil
}

func (e *fakeEngine) AddICECandidate(c protocol.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, c)
	return nil
}

func (e *fakeEngine) CreateDataChannel(label string) (DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreateDC {
		return nil, errors.New("fake: create data channel failed")
	}
	dc := &fakeDataChannel{label: label}
	e.channels = append(e.channels, dc)
	return dc, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) appliedCandidates() []protocol.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Candidate, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *fakeEngine) remote() *protocol.SDP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteDesc
}

func (e *fakeEngine) connState(s ConnState) {
	if e.cb.OnConnectionStateChange != nil {
		e.cb.OnConnectionStateChange(s)
	}
}

func (e *fakeEngine) announceChannel(label string) *fakeDataChannel {
	dc := &fakeDataChannel{label: label}
	if e.cb.OnDataChannel != nil {
		e.cb.OnDataChannel(dc)
	}
	return dc
}

func (e *fakeEngine) gatherCandidate(c protocol.Candidate) {
	if e.cb.OnLocalCandidate != nil {
		e.cb.OnLocalCandidate(c)
	}
}

type fakeDataChannel struct {
	mu sync.Mutex

	label     string
	sent      [][]byte
	closed    bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("fake: channel closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	d.sent = append(d.sent, buf)
	return nil
}

func (d *fakeDataChannel) OnOpen(f func())            { d.mu.Lock(); d.onOpen = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnMessage(f func([]byte))   { d.mu.Lock(); d.onMessage = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnClose(f func())           { d.mu.Lock(); d.onClose = f; d.mu.Unlock() }

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	f := d.onClose
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already && f != nil {
		f()
	}
	return nil
}

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) deliver(data []byte) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(data)
	}
}

func (d *fakeDataChannel) sentFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}
