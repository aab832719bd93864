package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/signaling-relay/internal/metrics"
	"github.com/meshconf/signaling-relay/internal/protocol"
	"github.com/meshconf/signaling-relay/internal/ratelimit"
	"github.com/meshconf/signaling-relay/internal/registry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var _ ratelimit.Clock = (*testClock)(nil)

func startServer(t *testing.T, mod func(*Config)) string {
	t.Helper()

	reg := registry.New(registry.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)

	cfg := Config{
		Metrics:              metrics.New(),
		Registry:             reg,
		IdleTimeout:          5 * time.Second,
		PingInterval:         time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 1000,
	}
	if mod != nil {
		mod(&cfg)
	}

	srv := httptest.NewServer(NewServer(cfg))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse %q: %v", data, err)
	}
	return env
}

func join(t *testing.T, conn *websocket.Conn, roomID, userName string) protocol.Envelope {
	t.Helper()
	send(t, conn, `{"type":"join-room","roomId":"`+roomID+`","userName":"`+userName+`"}`)
	env := recvEnvelope(t, conn)
	if env.Type != protocol.TypeRoomJoined {
		t.Fatalf("join reply type = %q: %+v", env.Type, env)
	}
	return env
}

func TestJoinFlow(t *testing.T) {
	url := startServer(t, nil)

	alice := dial(t, url)
	aliceJoined := join(t, alice, "demo", "Alice")
	if aliceJoined.RoomID != "demo" || aliceJoined.UserID == "" {
		t.Fatalf("unexpected room-joined: %+v", aliceJoined)
	}
	if len(aliceJoined.Users) != 0 {
		t.Fatalf("first joiner saw existing users: %+v", aliceJoined.Users)
	}

	bob := dial(t, url)
	bobJoined := join(t, bob, "demo", "Bob")
	if len(bobJoined.Users) != 1 || bobJoined.Users[0].UserName != "Alice" {
		t.Fatalf("second joiner users = %+v", bobJoined.Users)
	}
	if bobJoined.Users[0].UserID != aliceJoined.UserID {
		t.Fatalf("existing user id mismatch")
	}

	// Alice is told about Bob, with Bob's server-assigned id.
	notice := recvEnvelope(t, alice)
	if notice.Type != protocol.TypeUserJoined || notice.UserID != bobJoined.UserID || notice.UserName != "Bob" {
		t.Fatalf("unexpected user-joined: %+v", notice)
	}
}

func TestOfferAnswerCandidateRouting(t *testing.T) {
	url := startServer(t, nil)

	alice := dial(t, url)
	aliceJoined := join(t, alice, "demo", "Alice")

	bob := dial(t, url)
	bobJoined := join(t, bob, "demo", "Bob")
	recvEnvelope(t, alice) // user-joined Bob

	send(t, bob, `{"type":"offer","targetUserId":"`+aliceJoined.UserID+`","offer":{"type":"offer","sdp":"v=0 bob"}}`)
	offer := recvEnvelope(t, alice)
	if offer.Type != protocol.TypeOffer || offer.UserID != bobJoined.UserID {
		t.Fatalf("unexpected offer: %+v", offer)
	}
	if offer.TargetUserID != "" {
		t.Fatalf("relayed offer kept targetUserId")
	}
	if offer.Offer == nil || offer.Offer.SDP != "v=0 bob" {
		t.Fatalf("offer payload mangled: %+v", offer.Offer)
	}

	send(t, alice, `{"type":"answer","targetUserId":"`+bobJoined.UserID+`","answer":{"type":"answer","sdp":"v=0 alice"}}`)
	answer := recvEnvelope(t, bob)
	if answer.Type != protocol.TypeAnswer || answer.UserID != aliceJoined.UserID {
		t.Fatalf("unexpected answer: %+v", answer)
	}

	send(t, bob, `{"type":"ice-candidate","targetUserId":"`+aliceJoined.UserID+`","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}}`)
	cand := recvEnvelope(t, alice)
	if cand.Type != protocol.TypeICECandidate || cand.UserID != bobJoined.UserID {
		t.Fatalf("unexpected candidate: %+v", cand)
	}
	if cand.Candidate == nil || cand.Candidate.SDPMid == nil || *cand.Candidate.SDPMid != "0" {
		t.Fatalf("candidate payload mangled: %+v", cand.Candidate)
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	url := startServer(t, nil)
	conn := dial(t, url)

	send(t, conn, `{not json`)
	errEnv := recvEnvelope(t, conn)
	if errEnv.Type != protocol.TypeError || errEnv.Message == "" {
		t.Fatalf("expected error envelope, got %+v", errEnv)
	}

	send(t, conn, `{"type":"join-room","roomId":"demo"}`)
	errEnv = recvEnvelope(t, conn)
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("expected error envelope for missing userName, got %+v", errEnv)
	}

	send(t, conn, `{"type":"join-room","roomId":"demo","userName":"Alice","extra":true}`)
	errEnv = recvEnvelope(t, conn)
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("expected error envelope for unknown field, got %+v", errEnv)
	}

	// The connection survived all of the above.
	join(t, conn, "demo", "Alice")
}

func TestRelayBeforeJoinRejected(t *testing.T) {
	url := startServer(t, nil)
	conn := dial(t, url)

	send(t, conn, `{"type":"offer","targetUserId":"nobody","offer":{"type":"offer","sdp":"v=0"}}`)
	errEnv := recvEnvelope(t, conn)
	if errEnv.Type != protocol.TypeError || !strings.Contains(errEnv.Message, "not in a room") {
		t.Fatalf("expected not-in-a-room error, got %+v", errEnv)
	}
}

func TestSecondJoinRejected(t *testing.T) {
	url := startServer(t, nil)
	conn := dial(t, url)
	join(t, conn, "demo", "Alice")

	send(t, conn, `{"type":"join-room","roomId":"other","userName":"Alice"}`)
	errEnv := recvEnvelope(t, conn)
	if errEnv.Type != protocol.TypeError || !strings.Contains(errEnv.Message, "already in a room") {
		t.Fatalf("expected already-in-a-room error, got %+v", errEnv)
	}
}

func TestUserLeftOnDisconnect(t *testing.T) {
	url := startServer(t, nil)

	alice := dial(t, url)
	join(t, alice, "demo", "Alice")

	bob := dial(t, url)
	bobJoined := join(t, bob, "demo", "Bob")
	recvEnvelope(t, alice) // user-joined Bob

	bob.Close()

	left := recvEnvelope(t, alice)
	if left.Type != protocol.TypeUserLeft || left.UserID != bobJoined.UserID || left.UserName != "Bob" {
		t.Fatalf("unexpected user-left: %+v", left)
	}
}

func TestExplicitLeaveRoom(t *testing.T) {
	url := startServer(t, nil)

	alice := dial(t, url)
	join(t, alice, "demo", "Alice")

	bob := dial(t, url)
	join(t, bob, "demo", "Bob")
	recvEnvelope(t, alice) // user-joined Bob

	send(t, bob, `{"type":"leave-room"}`)
	left := recvEnvelope(t, alice)
	if left.Type != protocol.TypeUserLeft || left.UserName != "Bob" {
		t.Fatalf("unexpected user-left: %+v", left)
	}

	// Bob's connection remains usable and can join again.
	join(t, bob, "demo2", "Bob")
}

func TestRelayToDepartedTargetIsDropped(t *testing.T) {
	url := startServer(t, nil)

	alice := dial(t, url)
	join(t, alice, "demo", "Alice")

	bob := dial(t, url)
	bobJoined := join(t, bob, "demo", "Bob")
	recvEnvelope(t, alice) // user-joined Bob

	bob.Close()
	recvEnvelope(t, alice) // user-left Bob

	send(t, alice, `{"type":"offer","targetUserId":"`+bobJoined.UserID+`","offer":{"type":"offer","sdp":"v=0"}}`)

	// No error envelope; the connection keeps working.
	join2 := dial(t, url)
	join(t, join2, "demo", "Carol")
	notice := recvEnvelope(t, alice)
	if notice.Type != protocol.TypeUserJoined || notice.UserName != "Carol" {
		t.Fatalf("expected user-joined Carol, got %+v", notice)
	}
}

func TestRoomFull(t *testing.T) {
	url := startServer(t, func(cfg *Config) {
		reg := registry.New(registry.Config{MaxRoomMembers: 1})
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go reg.Run(ctx)
		cfg.Registry = reg
	})

	alice := dial(t, url)
	join(t, alice, "demo", "Alice")

	bob := dial(t, url)
	send(t, bob, `{"type":"join-room","roomId":"demo","userName":"Bob"}`)
	errEnv := recvEnvelope(t, bob)
	if errEnv.Type != protocol.TypeError || !strings.Contains(errEnv.Message, "full") {
		t.Fatalf("expected room-full error, got %+v", errEnv)
	}

	// A full room elsewhere does not block other rooms.
	join(t, bob, "demo2", "Bob")
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	url := startServer(t, func(cfg *Config) {
		cfg.MaxMessageBytes = 128
	})
	conn := dial(t, url)

	send(t, conn, `{"type":"join-room","roomId":"demo","userName":"`+strings.Repeat("x", 1024)+`"}`)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived oversized message")
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	url := startServer(t, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 3
		cfg.Clock = clock
	})
	conn := dial(t, url)

	// The clock never advances, so the fourth message exhausts the bucket.
	for i := 0; i < 3; i++ {
		send(t, conn, `{"type":"leave-room"}`)
		recvEnvelope(t, conn) // not-in-a-room error
	}
	send(t, conn, `{"type":"leave-room"}`)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var closeErr error
	for closeErr == nil {
		_, _, closeErr = conn.ReadMessage()
	}
	if !websocket.IsCloseError(closeErr, websocket.ClosePolicyViolation) {
		t.Fatalf("close err = %v, want policy violation", closeErr)
	}
}

func TestBinaryMessageRejected(t *testing.T) {
	url := startServer(t, nil)
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var closeErr error
	for closeErr == nil {
		_, _, closeErr = conn.ReadMessage()
	}
	if !websocket.IsCloseError(closeErr, websocket.CloseUnsupportedData) {
		t.Fatalf("close err = %v, want unsupported data", closeErr)
	}
}
