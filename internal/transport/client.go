// Package transport is the participant's connection to the relay.
//
// It maintains a single WebSocket to the signaling endpoint and reconnects
// with a fixed delay when the connection drops. Retries are bounded per
// outage; a successful reconnect resets the budget. When the budget is
// exhausted the client emits a terminal ReconnectExhausted event exactly
// once and stops.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/signaling-relay/internal/protocol"
)

type EventKind int

const (
	// EventOpened fires after each successful connect, including reconnects.
	EventOpened EventKind = iota
	// EventClosed fires when an established connection drops. A reconnect
	// attempt follows unless the retry budget is exhausted.
	EventClosed
	// EventReconnectExhausted is terminal. It fires at most once, after the
	// last failed reconnect attempt.
	EventReconnectExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventReconnectExhausted:
		return "reconnect-exhausted"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Err  error
}

var ErrClientClosed = errors.New("transport: client closed")

const (
	DefaultMaxRetries   = 5
	DefaultRetryDelay   = 2 * time.Second
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 60 * time.Second

	writeWait     = 5 * time.Second
	sendQueueSize = 64
	eventBuffer   = 16
)

type Config struct {
	// URL is the ws:// or wss:// signaling endpoint.
	URL    string
	Logger *slog.Logger

	// MaxRetries is the number of consecutive failed connect attempts
	// tolerated before giving up. Zero means DefaultMaxRetries.
	MaxRetries int
	RetryDelay time.Duration

	PingInterval time.Duration
	PongWait     time.Duration

	Dialer *websocket.Dialer
}

// Client is a reconnecting signaling connection. Envelope order is
// preserved within a connection: all writes flow through one pump.
type Client struct {
	url    string
	log    *slog.Logger
	dialer *websocket.Dialer

	maxRetries   int
	retryDelay   time.Duration
	pingInterval time.Duration
	pongWait     time.Duration

	outgoing chan protocol.Envelope
	incoming chan protocol.Envelope
	events   chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		url:          cfg.URL,
		log:          log,
		dialer:       cfg.Dialer,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		outgoing:     make(chan protocol.Envelope, sendQueueSize),
		incoming:     make(chan protocol.Envelope, sendQueueSize),
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}
	if c.pongWait <= c.pingInterval {
		c.pongWait = DefaultPongWait
	}
	return c
}

// Incoming delivers envelopes received from the relay, in arrival order.
func (c *Client) Incoming() <-chan protocol.Envelope {
	return c.incoming
}

// Events delivers connection lifecycle events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send queues env for delivery. Envelopes queued while disconnected are
// flushed after a successful reconnect, still in order.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Run connects and serves until ctx is cancelled or the reconnect budget is
// exhausted. It returns nil on cancellation and the last connect error on
// exhaustion.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	retries := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			c.log.Warn("signaling connect failed", "attempt", retries, "max", c.maxRetries, "err", err)
			if retries >= c.maxRetries {
				c.emit(Event{Kind: EventReconnectExhausted, Err: err})
				return err
			}
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		retries = 0
		c.log.Info("signaling connected", "url", c.url)
		c.emit(Event{Kind: EventOpened})

		err = c.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("signaling connection lost", "err", err)
		c.emit(Event{Kind: EventClosed, Err: err})

		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return nil
		}
		// The next dial is attempt one of a fresh budget.
		retries = 0
	}
}

// serveConn pumps one connection until it fails or ctx is cancelled.
func (c *Client) serveConn(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	writeDone := make(chan struct{})
	readDone := make(chan error, 1)

	go func() {
		defer close(writeDone)
		// Closing the conn unblocks the read loop when the write side fails.
		defer conn.Close()
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case env := <-c.outgoing:
				data, err := env.Encode()
				if err != nil {
					c.log.Error("encode envelope", "err", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-readDone:
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))

		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("discarding malformed envelope from relay", "err", err)
			continue
		}
		select {
		case c.incoming <- env:
		case <-ctx.Done():
			readErr = ctx.Err()
			goto out
		}
	}
out:
	readDone <- readErr
	conn.Close()
	<-writeDone
	return readErr
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping transport event, consumer not keeping up", "kind", ev.Kind.String())
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.incoming)
		close(c.events)
	})
}
