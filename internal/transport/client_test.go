package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runClient(t *testing.T, cfg Config) (*Client, context.CancelFunc, chan error) {
	t.Helper()
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel, runErr
}

func waitEvent(t *testing.T, c *Client, want EventKind) Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed while waiting for %v", want)
			}
			if ev.Kind == want {
				return ev
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func TestSendReceiveOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, _, _ := runClient(t, Config{URL: wsURL(srv)})
	waitEvent(t, c, EventOpened)

	const n = 20
	for i := 0; i < n; i++ {
		if err := c.Send(protocol.ErrorEnvelope(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case env := <-c.Incoming():
			if want := fmt.Sprintf("m%d", i); env.Message != want {
				t.Fatalf("incoming[%d] = %q, want %q", i, env.Message, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for echo %d", i)
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, _, _ := runClient(t, Config{
		URL:        wsURL(srv),
		RetryDelay: 10 * time.Millisecond,
	})

	waitEvent(t, c, EventOpened)
	waitEvent(t, c, EventClosed)
	waitEvent(t, c, EventOpened)

	if got := conns.Load(); got < 2 {
		t.Fatalf("server saw %d connections, want >= 2", got)
	}
}

func TestReconnectExhaustedExactlyOnce(t *testing.T) {
	// A server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := wsURL(srv)
	srv.Close()

	c, _, runErr := runClient(t, Config{
		URL:        url,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	})

	ev := waitEvent(t, c, EventReconnectExhausted)
	if ev.Err == nil {
		t.Fatalf("exhausted event carries no error")
	}

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatalf("Run returned nil after exhaustion")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after exhaustion")
	}

	// The events channel is closed afterwards; no second terminal event.
	for ev := range c.Events() {
		if ev.Kind == EventReconnectExhausted {
			t.Fatalf("second terminal event observed")
		}
	}

	if err := c.Send(protocol.ErrorEnvelope("late")); err != ErrClientClosed {
		t.Fatalf("send after shutdown err = %v, want ErrClientClosed", err)
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, cancel, runErr := runClient(t, Config{URL: wsURL(srv)})
	waitEvent(t, c, EventOpened)

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
