package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/meshconf/signaling-relay/internal/protocol"
	"github.com/meshconf/signaling-relay/internal/transport"
)

// Callbacks observe room and peer lifecycle. All fields are optional and
// are invoked from the orchestrator's run goroutine, except OnChat which
// may fire from a data channel goroutine.
type Callbacks struct {
	OnRoomJoined    func(selfID string, existing []protocol.UserInfo)
	OnPeerJoined    func(peerID, peerName string)
	OnPeerConnected func(peerID, peerName string)
	OnPeerLeft      func(peerID, peerName string)
	OnChat          func(peerID, peerName string, msg ChatMessage)
	OnServerError   func(message string)
}

type OrchestratorConfig struct {
	RoomID   string
	UserName string

	Client  *transport.Client
	Factory EngineFactory
	Logger  *slog.Logger

	Callbacks Callbacks
}

// Orchestrator joins one room and maintains a mesh of peer links, one per
// remote member. Members already in the room initiate toward each newcomer.
// Links fail independently; a broken link never affects the rest of the
// mesh.
type Orchestrator struct {
	roomID   string
	userName string
	client   *transport.Client
	factory  EngineFactory
	log      *slog.Logger
	cb       Callbacks

	mu     sync.Mutex
	selfID string
	links  map[string]*Link

	// pending holds the most recent unhandled state per peer. Coalescing by
	// peer means a burst of transitions can never crowd out a later failure
	// notice. Posting must not block: links report state changes while
	// holding their own lock, and handling a notice can close a link.
	noticeMu sync.Mutex
	pending  map[string]LinkState
	noticeCh chan struct{}
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		roomID:   cfg.RoomID,
		userName: cfg.UserName,
		client:   cfg.Client,
		factory:  cfg.Factory,
		log:      log.With("room_id", cfg.RoomID),
		cb:       cfg.Callbacks,
		links:    make(map[string]*Link),
		pending:  make(map[string]LinkState),
		noticeCh: make(chan struct{}, 1),
	}
}

// SelfID returns the relay-assigned user id, empty before room-joined.
func (o *Orchestrator) SelfID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfID
}

// Peers returns the ids of peers with a live link.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.links))
	for id := range o.links {
		out = append(out, id)
	}
	return out
}

// SendChat broadcasts a chat message to every peer whose chat channel is
// open. Peers still negotiating are skipped.
func (o *Orchestrator) SendChat(text string) error {
	data, err := NewChatMessage(text).Encode()
	if err != nil {
		return err
	}

	o.mu.Lock()
	links := make([]*Link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, l := range links {
		if err := l.SendData(ChatChannelLabel, data); err != nil {
			if !errors.Is(err, ErrChannelNotOpen) {
				o.log.Warn("chat send failed", "peer_id", l.PeerID(), "err", err)
			}
		}
	}
	return nil
}

// Leave closes every peer link and gives up the room membership. The
// signaling connection stays open.
func (o *Orchestrator) Leave() error {
	o.closeAllLinks()
	o.mu.Lock()
	o.selfID = ""
	o.mu.Unlock()
	return o.client.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom})
}

// Run processes signaling traffic until ctx is cancelled or the transport
// gives up reconnecting.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.closeAllLinks()

	for {
		select {
		case ev, ok := <-o.client.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transport.EventOpened:
				// A reconnect means a fresh relay-side identity, so existing
				// links are stale. Rejoin from scratch.
				o.closeAllLinks()
				if err := o.client.Send(protocol.Envelope{
					Type:     protocol.TypeJoinRoom,
					RoomID:   o.roomID,
					UserName: o.userName,
				}); err != nil {
					return err
				}
			case transport.EventClosed:
				o.closeAllLinks()
			case transport.EventReconnectExhausted:
				o.log.Error("signaling reconnect exhausted", "err", ev.Err)
				return ev.Err
			}
		case env, ok := <-o.client.Incoming():
			if !ok {
				return nil
			}
			o.handleEnvelope(env)
		case <-o.noticeCh:
			o.drainNotices()
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomJoined:
		o.handleRoomJoined(env)
	case protocol.TypeUserJoined:
		o.handleUserJoined(env)
	case protocol.TypeUserLeft:
		o.handleUserLeft(env)
	case protocol.TypeOffer:
		o.handleOffer(env)
	case protocol.TypeAnswer:
		o.handleAnswer(env)
	case protocol.TypeICECandidate:
		o.handleCandidate(env)
	case protocol.TypeError:
		o.log.Warn("relay error", "message", env.Message)
		if o.cb.OnServerError != nil {
			o.cb.OnServerError(env.Message)
		}
	default:
		o.log.Warn("unexpected envelope from relay", "type", string(env.Type))
	}
}

func (o *Orchestrator) handleRoomJoined(env protocol.Envelope) {
	o.mu.Lock()
	o.selfID = env.UserID
	o.mu.Unlock()

	o.log.Info("joined room", "user_id", env.UserID, "existing_members", len(env.Users))
	if o.cb.OnRoomJoined != nil {
		o.cb.OnRoomJoined(env.UserID, env.Users)
	}

	// Members already present will each initiate toward us. Create the
	// responder links now so candidates that race ahead of an offer have
	// somewhere to buffer.
	for _, u := range env.Users {
		if _, err := o.createLink(u.UserID, u.UserName, false); err != nil {
			o.log.Error("create responder link", "peer_id", u.UserID, "err", err)
		}
	}
}

func (o *Orchestrator) handleUserJoined(env protocol.Envelope) {
	o.log.Info("peer joined", "peer_id", env.UserID, "peer_name", env.UserName)
	if o.cb.OnPeerJoined != nil {
		o.cb.OnPeerJoined(env.UserID, env.UserName)
	}
	// Existing members initiate toward the newcomer.
	link, err := o.createLink(env.UserID, env.UserName, true)
	if err != nil {
		o.log.Error("create link", "peer_id", env.UserID, "err", err)
		return
	}
	if err := link.Start(); err != nil {
		o.log.Error("start negotiation", "peer_id", env.UserID, "err", err)
		o.removeLink(env.UserID)
	}
}

func (o *Orchestrator) handleUserLeft(env protocol.Envelope) {
	o.log.Info("peer left", "peer_id", env.UserID, "peer_name", env.UserName)
	o.removeLink(env.UserID)
	if o.cb.OnPeerLeft != nil {
		o.cb.OnPeerLeft(env.UserID, env.UserName)
	}
}

func (o *Orchestrator) handleOffer(env protocol.Envelope) {
	link := o.link(env.UserID)
	if link == nil {
		// Normally created on room-joined, but an offer can still arrive for
		// a member the snapshot missed.
		var err error
		link, err = o.createLink(env.UserID, env.UserName, false)
		if err != nil {
			o.log.Error("create responder link", "peer_id", env.UserID, "err", err)
			return
		}
	}
	if err := link.HandleOffer(*env.Offer); err != nil {
		o.log.Error("handle offer", "peer_id", env.UserID, "err", err)
		o.removeLink(env.UserID)
	}
}

func (o *Orchestrator) handleAnswer(env protocol.Envelope) {
	link := o.link(env.UserID)
	if link == nil {
		o.log.Warn("answer from unknown peer", "peer_id", env.UserID)
		return
	}
	if err := link.HandleAnswer(*env.Answer); err != nil {
		o.log.Error("handle answer", "peer_id", env.UserID, "err", err)
		o.removeLink(env.UserID)
	}
}

func (o *Orchestrator) handleCandidate(env protocol.Envelope) {
	link := o.link(env.UserID)
	if link == nil {
		o.log.Debug("candidate from unknown peer", "peer_id", env.UserID)
		return
	}
	if err := link.HandleRemoteCandidate(*env.Candidate); err != nil {
		o.log.Warn("apply candidate", "peer_id", env.UserID, "err", err)
	}
}

func (o *Orchestrator) postNotice(peerID string, state LinkState) {
	o.noticeMu.Lock()
	o.pending[peerID] = state
	o.noticeMu.Unlock()
	select {
	case o.noticeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) drainNotices() {
	o.noticeMu.Lock()
	pending := o.pending
	o.pending = make(map[string]LinkState)
	o.noticeMu.Unlock()
	for peerID, state := range pending {
		o.handleLinkNotice(peerID, state)
	}
}

func (o *Orchestrator) handleLinkNotice(peerID string, state LinkState) {
	link := o.link(peerID)
	if link == nil {
		return
	}
	switch state {
	case LinkConnected:
		o.log.Info("peer connected", "peer_id", peerID)
		if o.cb.OnPeerConnected != nil {
			o.cb.OnPeerConnected(peerID, link.PeerName())
		}
	case LinkFailed, LinkDisconnected:
		// One broken link must not disturb the rest of the mesh: drop just
		// this peer and let signaling re-establish it if the peer returns.
		o.log.Warn("peer link lost", "peer_id", peerID, "state", state.String())
		name := link.PeerName()
		o.removeLink(peerID)
		if o.cb.OnPeerLeft != nil {
			o.cb.OnPeerLeft(peerID, name)
		}
	}
}

func (o *Orchestrator) createLink(peerID, peerName string, initiator bool) (*Link, error) {
	o.removeLink(peerID)

	link, err := NewLink(LinkConfig{
		PeerID:        peerID,
		PeerName:      peerName,
		Initiator:     initiator,
		Factory:       o.factory,
		Logger:        o.log,
		Send:          o.client.Send,
		ChannelLabels: []string{ChatChannelLabel},
		ChannelHandlers: ChannelHandlers{
			OnMessage: func(label string, data []byte) {
				if label != ChatChannelLabel {
					return
				}
				msg, err := DecodeChatMessage(data)
				if err != nil {
					o.log.Warn("bad chat payload", "peer_id", peerID, "err", err)
					return
				}
				if o.cb.OnChat != nil {
					o.cb.OnChat(peerID, peerName, msg)
				}
			},
		},
		OnStateChange: func(s LinkState) {
			o.postNotice(peerID, s)
		},
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.links[peerID] = link
	o.mu.Unlock()
	return link, nil
}

func (o *Orchestrator) link(peerID string) *Link {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.links[peerID]
}

func (o *Orchestrator) removeLink(peerID string) {
	o.mu.Lock()
	link := o.links[peerID]
	delete(o.links, peerID)
	o.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (o *Orchestrator) closeAllLinks() {
	o.mu.Lock()
	links := o.links
	o.links = make(map[string]*Link)
	o.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}
