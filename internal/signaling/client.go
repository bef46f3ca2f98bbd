package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/murmur/internal/dns"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// ErrClosed is returned by Emit after Disconnect or a transport drop.
var ErrClosed = errors.New("signaling: connection closed")

// Client is the WebSocket connection to the relay server.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer
	log       zerolog.Logger
	handlers  handlers

	mu   sync.Mutex
	conn *websocket.Conn

	outgoing  chan *Message
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

// NewClient creates a client for serverURL. The connection is opened by
// Connect or lazily by Join.
func NewClient(serverURL string, log zerolog.Logger) *Client {
	resolver := dns.NewResolver()
	return &Client{
		serverURL: serverURL,
		dialer: &websocket.Dialer{
			NetDialContext:   resolver.DialContext,
			HandshakeTimeout: 10 * time.Second,
		},
		log:      log.With().Str("component", "signaling").Logger(),
		outgoing: make(chan *Message, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if c.closing.Load() {
		return ErrClosed
	}

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn = conn
	c.log.Debug().Str("url", u.String()).Msg("Connected to relay")

	go c.readPump(conn)
	go c.writePump(conn)
	return nil
}

// Join connects if needed and asks the relay to add us to roomID.
func (c *Client) Join(ctx context.Context, roomID string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Emit(EventJoinRoom, roomID)
}

// On registers fn for event. Handlers run on the read goroutine.
func (c *Client) On(event string, fn Handler) {
	c.handlers.on(event, fn)
}

// Emit queues one message for the relay.
func (c *Client) Emit(event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Disconnect closes the connection. No disconnect event is raised for a
// close we asked for. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.closing.Store(true)
	c.stop()
	return nil
}

func (c *Client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.stop()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.stop()
			if !c.closing.Load() {
				c.log.Warn().Err(err).Msg("Relay connection lost")
				c.handlers.dispatch(EventDisconnect, nil)
			}
			return
		}
		if !c.handlers.dispatch(msg.Type, msg.Payload) {
			c.log.Debug().Str("type", msg.Type).Msg("Unhandled relay message")
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Str("type", msg.Type).Msg("Write to relay failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.drain(conn)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes messages queued before the close was requested.
func (c *Client) drain(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
