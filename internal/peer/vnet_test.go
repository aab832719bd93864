package peer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/meshconf/signaling-relay/internal/transport"
)

// vnetPair builds two WebRTC APIs whose ICE agents talk over a virtual
// network, so connectivity needs no real sockets.
func vnetPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: NewLoggerFactory(slog.New(slog.NewTextHandler(io.Discard, nil))),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	configure := func(n *vnet.Net) func(*webrtc.SettingEngine) {
		return func(se *webrtc.SettingEngine) {
			se.SetNet(n)
			se.SetICETimeouts(3*time.Second, 6*time.Second, 200*time.Millisecond)
		}
	}
	return NewAPI(log, configure(netA)), NewAPI(log, configure(netB))
}

type vnetMember struct {
	orch *Orchestrator

	mu        sync.Mutex
	connected int
	chats     []ChatMessage
}

func startVNetMember(t *testing.T, url string, api *webrtc.API, userName string) *vnetMember {
	t.Helper()

	m := &vnetMember{}
	client := transport.New(transport.Config{
		URL:        url,
		RetryDelay: 50 * time.Millisecond,
	})
	m.orch = NewOrchestrator(OrchestratorConfig{
		RoomID:   "vnet",
		UserName: userName,
		Client:   client,
		Factory:  NewPionFactory(api, nil),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: Callbacks{
			OnPeerConnected: func(id, name string) {
				m.mu.Lock()
				m.connected++
				m.mu.Unlock()
			},
			OnChat: func(id, name string, msg ChatMessage) {
				m.mu.Lock()
				m.chats = append(m.chats, msg)
				m.mu.Unlock()
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()
	go func() { _ = m.orch.Run(ctx) }()
	return m
}

func (m *vnetMember) connectedPeers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *vnetMember) firstChat() (ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chats) == 0 {
		return ChatMessage{}, false
	}
	return m.chats[0], true
}

func TestChatAcrossVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("full ICE handshake over vnet")
	}

	url := startRelay(t)
	apiA, apiB := vnetPair(t)

	alice := startVNetMember(t, url, apiA, "Alice")
	waitFor(t, "alice to join", func() bool { return alice.orch.SelfID() != "" })

	bob := startVNetMember(t, url, apiB, "Bob")
	waitFor(t, "bob to join", func() bool { return bob.orch.SelfID() != "" })

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if alice.connectedPeers() >= 1 && bob.connectedPeers() >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if alice.connectedPeers() < 1 || bob.connectedPeers() < 1 {
		t.Fatalf("peers never connected (alice=%d bob=%d)", alice.connectedPeers(), bob.connectedPeers())
	}

	// The chat channel opens shortly after the connection; resend until the
	// first frame lands.
	for time.Now().Before(deadline) {
		if err := bob.orch.SendChat("hello over vnet"); err != nil {
			t.Fatalf("send chat: %v", err)
		}
		if _, ok := alice.firstChat(); ok {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	msg, ok := alice.firstChat()
	if !ok {
		t.Fatalf("chat never delivered")
	}
	if msg.Text != "hello over vnet" || msg.Kind != ChatKindMessage {
		t.Fatalf("chat = %+v", msg)
	}
}
