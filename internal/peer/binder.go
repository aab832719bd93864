package peer

import (
	"errors"
	"log/slog"
	"sync"
)

// ChannelState tracks a bound data channel's lifecycle.
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrChannelNotOpen = errors.New("peer: data channel not open")

// ChannelHandlers receive bound-channel events. The label identifies the
// channel; a binder may track several.
type ChannelHandlers struct {
	OnOpen    func(label string)
	OnMessage func(label string, data []byte)
	OnClose   func(label string)
}

// ChannelBinder owns the data channels of one peer link. Only the
// negotiation initiator creates channels; the responder adopts the ones
// announced by the remote. Both sides converge on the same labels, so
// exactly one channel exists per label per link.
type ChannelBinder struct {
	log      *slog.Logger
	labels   []string
	handlers ChannelHandlers

	mu       sync.Mutex
	channels map[string]DataChannel
	states   map[string]ChannelState
}

func NewChannelBinder(log *slog.Logger, labels []string, handlers ChannelHandlers) *ChannelBinder {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelBinder{
		log:      log,
		labels:   labels,
		handlers: handlers,
		channels: make(map[string]DataChannel),
		states:   make(map[string]ChannelState),
	}
}

// CreateChannels opens the binder's channels on the engine. Called on the
// initiator side only, before the offer is created so the channels are
// negotiated in the initial SDP.
func (b *ChannelBinder) CreateChannels(engine Engine) error {
	for _, label := range b.labels {
		dc, err := engine.CreateDataChannel(label)
		if err != nil {
			return err
		}
		b.bind(dc)
	}
	return nil
}

// Adopt binds a channel announced by the remote peer. Channels with labels
// the binder does not track are closed immediately.
func (b *ChannelBinder) Adopt(dc DataChannel) {
	if !b.tracks(dc.Label()) {
		b.log.Warn("rejecting unexpected data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	b.bind(dc)
}

func (b *ChannelBinder) tracks(label string) bool {
	for _, l := range b.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (b *ChannelBinder) bind(dc DataChannel) {
	label := dc.Label()

	b.mu.Lock()
	b.channels[label] = dc
	b.states[label] = ChannelOpening
	b.mu.Unlock()

	dc.OnOpen(func() {
		b.mu.Lock()
		b.states[label] = ChannelOpen
		b.mu.Unlock()
		if b.handlers.OnOpen != nil {
			b.handlers.OnOpen(label)
		}
	})
	dc.OnMessage(func(data []byte) {
		if b.handlers.OnMessage != nil {
			b.handlers.OnMessage(label, data)
		}
	})
	dc.OnClose(func() {
		b.mu.Lock()
		alreadyClosed := b.states[label] == ChannelClosed
		b.states[label] = ChannelClosed
		b.mu.Unlock()
		if !alreadyClosed && b.handlers.OnClose != nil {
			b.handlers.OnClose(label)
		}
	})
}

// State reports the lifecycle state of the labeled channel. Unknown labels
// report ChannelClosed.
func (b *ChannelBinder) State(label string) ChannelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[label]
	if !ok {
		return ChannelClosed
	}
	return state
}

// Send writes data on the labeled channel. It fails until the channel has
// opened.
func (b *ChannelBinder) Send(label string, data []byte) error {
	b.mu.Lock()
	dc := b.channels[label]
	open := b.states[label] == ChannelOpen
	b.mu.Unlock()

	if dc == nil || !open {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close closes all bound channels.
func (b *ChannelBinder) Close() {
	b.mu.Lock()
	channels := make([]DataChannel, 0, len(b.channels))
	for _, dc := range b.channels {
		channels = append(channels, dc)
	}
	b.mu.Unlock()

	for _, dc := range channels {
		_ = dc.Close()
	}
}
