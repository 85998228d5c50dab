package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/auth"
	"github.com/fenwick-dev/rendezvous-server/internal/config"
	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/metrics"
	"github.com/fenwick-dev/rendezvous-server/internal/presence"
	"github.com/fenwick-dev/rendezvous-server/internal/signaling"
	"github.com/fenwick-dev/rendezvous-server/internal/user"
	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

// repoTimeout bounds every individual repository call made while dispatching an inbound frame, so a single stuck
// query cannot wedge a connection's read loop indefinitely.
const repoTimeout = 5 * time.Second

// ErrMaxConnections is returned by register when the hub is at capacity.
var ErrMaxConnections = errors.New("gateway: max connections reached")

// Hub is the control-channel connection registry. It tracks every live WebSocket connection, periodically sweeps
// stale machines (both in-memory channels and the durable registry), and dispatches every inbound frame to the
// signaling broker, presence broadcaster, or one of the account/machine services.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	cfg      *config.Config
	auth     *auth.Service
	users    user.Repository
	machines *machine.Service
	broker   *signaling.Broker
	presence *presence.Broadcaster
	metrics  *metrics.Metrics
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHub creates a new control-channel hub.
func NewHub(
	cfg *config.Config,
	authSvc *auth.Service,
	users user.Repository,
	machines *machine.Service,
	broker *signaling.Broker,
	presenceBroadcaster *presence.Broadcaster,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		cfg:      cfg,
		auth:     authSvc,
		users:    users,
		machines: machines,
		broker:   broker,
		presence: presenceBroadcaster,
		metrics:  m,
		log:      logger.With().Str("component", "gateway").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection and runs its read/write pumps. It
// blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)
	if err := h.register(client); err != nil {
		h.log.Debug().Err(err).Msg("rejecting control channel, hub at capacity")
		client.closeWithCode(websocket.ClosePolicyViolation, "server at capacity")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// ClientCount returns the number of currently connected control channels.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.ConnectedChannels.Set(float64(len(h.clients)))
	}
	return nil
}

// unregister removes a client from the registry and, if it had registered as a machine, flips it offline and fans
// out the presence event.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if h.metrics != nil {
		h.metrics.ConnectedChannels.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()

	c.closeSend()

	mid, ok := c.MachineID()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	if err := h.machines.SetOnline(ctx, mid, false); err != nil {
		h.log.Warn().Err(err).Stringer("machine_id", mid).Msg("failed to flip machine offline on disconnect")
	}
	h.broker.UnregisterMachine(mid, c)
	if err := h.presence.Broadcast(ctx, mid, false, c); err != nil {
		h.log.Warn().Err(err).Stringer("machine_id", mid).Msg("failed to broadcast offline presence")
	}
}

// Run starts the periodic stale sweep and blocks until the context is cancelled or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep closes any in-memory channel that has missed its heartbeat deadline, then invokes the durable stale sweep and
// fans out an offline presence event for every machine it transitions. The two sweeps are independent: a channel can
// go stale and get closed locally in the same tick its owning machine row is marked offline, or on different ticks if
// the connection was already gone before the row went stale.
func (h *Hub) sweep(ctx context.Context) {
	timeout := h.cfg.HeartbeatTimeout()

	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		if c.isStale(timeout) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.unregister(c)
		c.closeWithCode(CloseHeartbeatTimeout, "heartbeat timeout")
	}

	ids, err := h.machines.SweepStale(ctx, timeout)
	if err != nil {
		h.log.Warn().Err(err).Msg("stale machine sweep failed")
		return
	}
	for _, id := range ids {
		if err := h.presence.Broadcast(ctx, id, false, nil); err != nil {
			h.log.Warn().Err(err).Stringer("machine_id", id).Msg("failed to broadcast presence for swept machine")
		}
	}

	if h.metrics != nil {
		h.metrics.PendingConnections.Set(float64(h.broker.PendingCount()))
	}
}

// Shutdown closes every connected control channel with a going-away code and stops the sweep loop.
func (h *Hub) Shutdown() {
	close(h.stop)

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}
}

// dispatch routes a single decoded frame to its handler. Handlers reply on the same connection using the frame's
// correlation id; malformed payloads or semantic errors produce an `error` frame rather than closing the connection,
// except for the gateway-level conditions (rate limit, heartbeat timeout) enforced in the read loop and sweep.
func (h *Hub) dispatch(c *Client, frame wire.Frame) {
	switch frame.Type {
	case "auth":
		h.handleAuth(c, frame.ID, frame.Payload)
	case "register_user":
		h.handleRegisterUser(c, frame.ID, frame.Payload)
	case "register_machine":
		h.requireAuth(c, frame.ID, func() { h.handleRegisterMachine(c, frame.ID, frame.Payload) })
	case "heartbeat":
		h.handleHeartbeat(c, frame.ID)
	case "list_machines":
		h.requireAuth(c, frame.ID, func() { h.handleListMachines(c, frame.ID) })
	case "delete_machine":
		h.requireAuth(c, frame.ID, func() { h.handleDeleteMachine(c, frame.ID, frame.Payload) })
	case "rename_machine":
		h.requireAuth(c, frame.ID, func() { h.handleRenameMachine(c, frame.ID, frame.Payload) })
	case "connect_to_machine":
		h.requireAuth(c, frame.ID, func() { h.handleConnectToMachine(c, frame.ID, frame.Payload) })
	case "connection_accepted":
		h.handleConnectionAccepted(c, frame.ID, frame.Payload)
	case "connection_rejected":
		h.handleConnectionRejected(c, frame.ID, frame.Payload)
	case "rtc_offer":
		h.handleRTCOffer(c, frame.ID, frame.Payload)
	case "rtc_answer":
		h.handleRTCAnswer(c, frame.ID, frame.Payload)
	case "rtc_ice_candidate":
		h.handleRTCIceCandidate(c, frame.ID, frame.Payload)
	default:
		c.replyError(frame.ID, wire.CodeUnknownMessage, "unknown message type: "+frame.Type)
	}
}

func (h *Hub) requireAuth(c *Client, id string, fn func()) {
	if !c.IsAuthenticated() {
		c.replyError(id, wire.CodeNotAuthenticated, "authentication required")
		return
	}
	fn()
}

// decode unmarshals a frame payload, replying INVALID_MESSAGE on failure. Returns whether decoding succeeded.
func decode(c *Client, id string, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		c.replyError(id, wire.CodeInvalidMessage, "missing payload")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.replyError(id, wire.CodeInvalidMessage, "invalid payload")
		return false
	}
	return true
}

func mapBrokerErr(c *Client, id string, err error) {
	switch {
	case errors.Is(err, signaling.ErrAccessDenied):
		c.replyError(id, wire.CodeAccessDenied, "access denied")
	case errors.Is(err, signaling.ErrMachineOffline):
		c.replyError(id, wire.CodeMachineOffline, "target machine is offline")
	case errors.Is(err, signaling.ErrConnectionNotFound):
		c.replyError(id, wire.CodeConnectionNotFound, "connection not found")
	case errors.Is(err, signaling.ErrInvalidConnection):
		c.replyError(id, wire.CodeInvalidConnection, "sender is not a participant of this connection")
	default:
		c.replyError(id, wire.CodeInternalError, "internal error")
	}
}
