// Package server runs one reader and one writer goroutine per WebSocket
// connection; neither touches chat state directly.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Client represents a WebSocket client connection in the signaling system.
// It manages the connection state, outgoing message queue, hub reference,
// and the connection id other clients use to address it.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a new Client instance with a fresh random connection id.
// The client's send channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	cfg = sanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// readPump decodes frames into envelopes until the connection fails, then
// asks the hub to unregister the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.closeConn("read")
	}()

	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadFailure(err)
			return
		}
		if messageType != websocket.TextMessage || !c.admit() {
			continue
		}
		c.processMessage(frame)
	}
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error extending read deadline for %s: %v", c.addr, err)
	}
}

// logReadFailure reports why the read loop stopped. Ordinary closes are
// logged briefly; anything else is flagged as unexpected.
func (c *Client) logReadFailure(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Frame from %s exceeded %d bytes; closing", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Printf("Client %s (%s) disconnected: %v", c.id, c.addr, err)
	default:
		log.Printf("Unexpected read error from %s: %v", c.addr, err)
	}
}

// admit applies the per-connection rate limit.
func (c *Client) admit() bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}
	log.Printf("Rate limit exceeded for %s (%d events per %s); dropping event", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
	return false
}

// processMessage decodes a raw frame into an envelope and hands it to the hub.
// Malformed frames are dropped, as is anything arriving after the hub stops.
func (c *Client) processMessage(frame []byte) {
	var msg Inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Printf("Invalid envelope from %s: %v", c.addr, err)
		return
	}
	if msg.Event == "" {
		log.Printf("Envelope from %s has no event name; dropping", c.addr)
		return
	}

	select {
	case c.hub.inbound <- inboundEvent{client: c, msg: msg}:
	case <-c.hub.done:
	}
}

// writePump writes queued envelopes one per frame and keeps the connection
// alive with pings. It exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn("write")
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing to %s: %v", c.addr, err)
				}
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error pinging %s: %v", c.addr, err)
				}
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) closeConn(pump string) {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing connection in %s pump for %s: %v", pump, c.addr, err)
	}
}
