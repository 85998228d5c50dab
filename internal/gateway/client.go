package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message. SDP offers/answers can run
	// several kilobytes once ICE candidates and codec lines are included, so this is sized well above a typical chat
	// payload.
	maxMessageSize = 16 * 1024

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBuffer is the depth of a client's outbound queue before messages start getting dropped.
	sendBuffer = 64
)

// Client represents a single control-channel WebSocket connection. Each client runs two goroutines (readPump and
// writePump) and exposes the signaling.Channel interface so the broker and presence broadcaster can route frames to
// it without depending on this package.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// done is closed to signal shutdown. The send channel is never closed directly; writePump and enqueue both select
	// on done, avoiding a send-on-closed-channel panic when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// limiter gates inbound frames per connection; only touched from readPump, so it needs no mutex.
	limiter *rate.Limiter

	// Session state, protected by mu. Written during auth/register_machine, by every heartbeat (lastHeartbeat) and by
	// the broker when it assigns a web-client id, and read from any goroutine that routes frames to this channel.
	mu            sync.RWMutex
	authenticated bool
	userID        uuid.UUID
	machineID     uuid.UUID
	hasMachineID  bool
	webClientID   string
	hasWebClient  bool
	lastHeartbeat time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		log:           logger,
		limiter:       rate.NewLimiter(rate.Limit(hub.cfg.RateLimitWSEventsPerSecond), hub.cfg.RateLimitWSBurst),
		lastHeartbeat: time.Now(),
	}
}

// closeSend signals the client's write loop to stop. Safe to call from multiple goroutines; only the first call has
// any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Send implements signaling.Channel.
func (c *Client) Send(frame []byte) {
	c.enqueue(frame)
}

// UserID implements signaling.Channel.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// MachineID implements signaling.Channel.
func (c *Client) MachineID() (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machineID, c.hasMachineID
}

// WebClientID implements signaling.Channel.
func (c *Client) WebClientID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webClientID, c.hasWebClient
}

// SetWebClientID implements signaling.Channel.
func (c *Client) SetWebClientID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webClientID = id
	c.hasWebClient = true
}

// IsAuthenticated reports whether the channel has completed auth or register_user.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) setAuthenticated(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.userID = userID
}

func (c *Client) setMachineID(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machineID = id
	c.hasMachineID = true
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

func (c *Client) isStale(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastHeartbeat) > timeout
}

// reply encodes and enqueues a correlated response frame, logging and dropping on a marshal failure.
func (c *Client) reply(id, msgType string, payload any) {
	frame, err := wire.Encode(msgType, id, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("type", msgType).Msg("failed to encode reply frame")
		return
	}
	c.enqueue(frame)
}

// replyError encodes and enqueues a correlated error frame.
func (c *Client) replyError(id, code, message string) {
	c.enqueue(wire.EncodeError(id, code, message))
}

// readPump reads frames from the WebSocket connection and dispatches them by type. It runs in its own goroutine and
// is responsible for unregistering the client when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("control channel read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.replyError("", wire.CodeInvalidMessage, "invalid JSON frame")
			continue
		}

		c.hub.dispatch(c, frame)
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and
// exits when done is closed, draining any buffered messages first.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("control channel write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue sends a message to the client's write channel. If the client has already been shut down, the message is
// silently dropped. If the channel is full, the message is dropped and the connection is closed to prevent
// backpressure from one slow reader stalling the broker.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("send buffer full, closing control channel")
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
// With a nil conn (only possible in tests that exercise dispatch without a real socket) it only signals the write
// loop to stop.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		c.closeSend()
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
