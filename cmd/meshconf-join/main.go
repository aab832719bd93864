// meshconf-join is a terminal conference client: it joins a room on a
// meshconf relay, establishes a data channel to every other member, and
// bridges stdin/stdout to the mesh chat.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/meshconf/signaling-relay/internal/peer"
	"github.com/meshconf/signaling-relay/internal/protocol"
	"github.com/meshconf/signaling-relay/internal/transport"
)

var (
	flagServer  string
	flagName    string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshconf-join <room-id>",
		Short: "Join a meshconf room and chat over peer-to-peer data channels",
		Long: `Join a room on a meshconf relay. Media and chat flow directly between
members over WebRTC; the relay only carries signaling.

Lines typed on stdin are sent to every connected member. Type /quit to leave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "http://127.0.0.1:8080", "Relay base URL")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name (defaults to $USER)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, roomID string) error {
	userName := flagName
	if userName == "" {
		userName = os.Getenv("USER")
	}
	if userName == "" {
		userName = "anonymous"
	}

	logger := newLogger()

	base, err := url.Parse(flagServer)
	if err != nil {
		return fmt.Errorf("parse server URL: %w", err)
	}
	wsURL, err := signalURL(base)
	if err != nil {
		return err
	}

	iceServers, err := fetchICEServers(ctx, base)
	if err != nil {
		// The relay serves signaling even when ICE discovery is down;
		// host candidates may still connect on a local network.
		logger.Warn("ICE server discovery failed, continuing without STUN/TURN", "err", err)
	}

	client := transport.New(transport.Config{
		URL:    wsURL,
		Logger: logger,
	})

	api := peer.NewAPI(logger, nil)
	orch := peer.NewOrchestrator(peer.OrchestratorConfig{
		RoomID:   roomID,
		UserName: userName,
		Client:   client,
		Factory:  peer.NewPionFactory(api, iceServers),
		Logger:   logger,
		Callbacks: peer.Callbacks{
			OnRoomJoined: func(selfID string, existing []protocol.UserInfo) {
				fmt.Printf("* joined room %s as %s (%d other member(s))\n", roomID, userName, len(existing))
			},
			OnPeerJoined: func(id, name string) {
				fmt.Printf("* %s joined\n", name)
			},
			OnPeerConnected: func(id, name string) {
				fmt.Printf("* connected to %s\n", name)
			},
			OnPeerLeft: func(id, name string) {
				fmt.Printf("* %s left\n", name)
			},
			OnChat: func(id, name string, msg peer.ChatMessage) {
				fmt.Printf("[%s] %s\n", name, msg.Text)
			},
			OnServerError: func(message string) {
				fmt.Fprintf(os.Stderr, "! relay: %s\n", message)
			},
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- client.Run(runCtx) }()
	go func() { errCh <- orch.Run(runCtx) }()

	go readStdin(cancel, orch)

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		return nil
	}
}

func readStdin(cancel context.CancelFunc, orch *peer.Orchestrator) {
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := orch.SendChat(line); err != nil {
			fmt.Fprintln(os.Stderr, "! send failed:", err)
		}
	}

	// Tell the relay before dropping the connection so the other members
	// see user-left right away instead of waiting out the idle timeout.
	if err := orch.Leave(); err != nil {
		fmt.Fprintln(os.Stderr, "! leave failed:", err)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// signalURL derives the ws:// signaling endpoint from the relay base URL.
func signalURL(base *url.URL) (string, error) {
	ws := *base
	switch base.Scheme {
	case "http", "ws":
		ws.Scheme = "ws"
	case "https", "wss":
		ws.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", base.Scheme)
	}
	ws.Path = strings.TrimSuffix(ws.Path, "/") + "/signal"
	return ws.String(), nil
}

func fetchICEServers(ctx context.Context, base *url.URL) ([]webrtc.ICEServer, error) {
	iceURL := *base
	iceURL.Path = strings.TrimSuffix(iceURL.Path, "/") + "/webrtc/ice"

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, iceURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: %s: %s", iceURL.Path, resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ICE config: %w", err)
	}
	return payload.ICEServers, nil
}
