// Package signaling implements the room signaling WebSocket endpoint.
//
// Each connection is assigned a server-generated user id at upgrade time.
// Clients join a room, then exchange offer/answer/ice-candidate envelopes
// that the relay forwards verbatim, rewriting only the sender identity.
// Malformed or invalid envelopes are answered with an error envelope; the
// connection stays open so a single bad message cannot tear down an
// otherwise healthy session.
package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/signaling-relay/internal/metrics"
	"github.com/meshconf/signaling-relay/internal/origin"
	"github.com/meshconf/signaling-relay/internal/protocol"
	"github.com/meshconf/signaling-relay/internal/ratelimit"
	"github.com/meshconf/signaling-relay/internal/registry"
)

const (
	wsWriteWait = 1 * time.Second

	// sendQueueSize bounds per-connection outbound buffering. A full queue
	// means the client is not draining; the connection is closed rather than
	// blocking the registry.
	sendQueueSize = 64
)

type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *registry.Registry

	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock is used by the per-connection rate limiter. Nil means wall clock.
	Clock ratelimit.Clock
}

// Server upgrades signaling connections and runs the per-connection
// protocol loop.
type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry

	allowedOrigins []string

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	messagesPerSec  int
	clock           ratelimit.Clock

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	s := &Server{
		log:             log,
		metrics:         cfg.Metrics,
		registry:        cfg.Registry,
		allowedOrigins:  cfg.AllowedOrigins,
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		messagesPerSec:  cfg.MaxMessagesPerSecond,
		clock:           clock,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.messagesPerSec <= 0 {
		s.messagesPerSec = 50
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r.Header.Get("Origin"), r.Host, s.allowedOrigins)
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		srv:      s,
		conn:     conn,
		userID:   uuid.NewString(),
		outgoing: make(chan protocol.Envelope, sendQueueSize),
		closed:   make(chan struct{}),
	}
	sess.log = s.log.With("user_id", sess.userID, "remote_addr", r.RemoteAddr)

	sess.log.Debug("signaling connection opened")
	go sess.writePump()
	sess.readLoop()
}

// session is one signaling connection. It doubles as the registry's
// delivery handle for the connected user.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	userID string

	// roomID and userName are owned by readLoop; they are set on join and
	// cleared on leave.
	roomID   string
	userName string

	outgoing  chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// Deliver queues env for the write pump. Called from the registry's owner
// goroutine, so it must never block.
func (s *session) Deliver(env protocol.Envelope) error {
	select {
	case s.outgoing <- env:
		return nil
	case <-s.closed:
		return errors.New("signaling: connection closed")
	default:
		s.log.Warn("send queue full, closing connection")
		s.close()
		return errors.New("signaling: send queue full")
	}
}

func (s *session) IsOpen() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *session) writeClose(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	s.close()
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.outgoing:
			data, err := env.Encode()
			if err != nil {
				s.log.Error("encode outbound envelope", "err", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) readLoop() {
	defer s.teardown()

	s.conn.SetReadLimit(s.srv.maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(s.srv.clock, int64(s.srv.messagesPerSec), int64(s.srv.messagesPerSec))

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))

		if !limiter.Allow(1) {
			s.srv.metrics.Inc(metrics.RateLimited)
			s.log.Warn("message rate limit exceeded")
			s.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.protocolError(err.Error())
			continue
		}

		switch env.Type {
		case protocol.TypeJoinRoom:
			s.handleJoin(env)
		case protocol.TypeLeaveRoom:
			s.handleLeave()
		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
			s.handleRelay(env)
		default:
			// Server-to-client types are not accepted inbound.
			s.protocolError("unexpected message type: " + string(env.Type))
		}
	}
}

// protocolError reports an invalid message to the client. The connection
// stays open.
func (s *session) protocolError(message string) {
	s.srv.metrics.Inc(metrics.ProtocolErrors)
	s.log.Debug("protocol error", "message", message)
	_ = s.Deliver(protocol.ErrorEnvelope(message))
}

func (s *session) handleJoin(env protocol.Envelope) {
	if s.roomID != "" {
		s.protocolError("already in a room")
		return
	}

	// The registry queues the room-joined snapshot for us and announces
	// user-joined to the other members in one operation, so no member can
	// ever see the joiner through both.
	_, err := s.srv.registry.Join(env.RoomID, s.userID, env.UserName, s)
	switch {
	case errors.Is(err, registry.ErrRoomFull):
		s.protocolError("room is full")
		return
	case err != nil:
		s.log.Error("join failed", "room_id", env.RoomID, "err", err)
		s.protocolError("failed to join room")
		return
	}

	s.roomID = env.RoomID
	s.userName = env.UserName
}

func (s *session) handleLeave() {
	if s.roomID == "" {
		s.protocolError("not in a room")
		return
	}
	s.leaveAndNotify()
}

func (s *session) handleRelay(env protocol.Envelope) {
	if s.roomID == "" {
		s.protocolError("not in a room")
		return
	}

	target := env.TargetUserID
	if target == "" {
		target = env.UserID
	}
	if targetRoom, ok := s.srv.registry.RoomOf(target); !ok || targetRoom != s.roomID {
		// The target raced a disconnect or was never here. Dropping is the
		// correct outcome; the sender observes connection failure via ICE.
		s.log.Debug("relay target not in room", "type", env.Type, "target_user_id", target)
		return
	}

	env.UserID = s.userID
	env.UserName = s.userName
	env.TargetUserID = ""
	s.srv.registry.RouteTo(target, env)
}

// leaveAndNotify removes the user from its room; the registry announces
// user-left to the remaining members.
func (s *session) leaveAndNotify() {
	if _, err := s.srv.registry.Leave(s.userID); err != nil {
		return
	}
	s.roomID = ""
	s.userName = ""
}

func (s *session) teardown() {
	if s.roomID != "" {
		s.leaveAndNotify()
	}
	s.close()
	s.log.Debug("signaling connection closed")
}
