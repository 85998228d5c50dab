package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

// Payload shapes for inbound frames. Each mirrors the corresponding entry in the wire format's dispatch table.

type authPayload struct {
	Token    string `json:"token,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

type registerUserPayload struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerMachinePayload struct {
	Name         string               `json:"name"`
	Platform     machine.Platform     `json:"platform"`
	Capabilities machine.Capabilities `json:"capabilities"`
}

type deleteMachinePayload struct {
	MachineID string `json:"machineId"`
}

type renameMachinePayload struct {
	MachineID string `json:"machineId"`
	NewName   string `json:"newName"`
}

type connectToMachinePayload struct {
	TargetMachineID string `json:"targetMachineId"`
}

type connectionDecisionPayload struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

type rtcSDPPayload struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp"`
}

type rtcIceCandidatePayload struct {
	ConnectionID string          `json:"connectionId"`
	Candidate    json.RawMessage `json:"candidate"`
}

// handleAuth implements the `auth` message: authenticate with either a bearer token or email/password, marking the
// channel authenticated on success. Invalid credentials are a reported failure, not a wire error, since the client is
// expected to retry.
func (h *Hub) handleAuth(c *Client, id string, raw json.RawMessage) {
	var p authPayload
	if !decode(c, id, raw, &p) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	switch {
	case p.Token != "":
		userID, _, err := h.auth.VerifyToken(p.Token)
		if err != nil {
			c.reply(id, "auth_response", map[string]any{"success": false, "error": "invalid token"})
			return
		}
		u, err := h.users.GetByID(ctx, userID)
		if err != nil {
			c.reply(id, "auth_response", map[string]any{"success": false, "error": "user not found"})
			return
		}
		c.setAuthenticated(userID)
		c.reply(id, "auth_response", map[string]any{"success": true, "user": u.ToView(), "token": p.Token})

	case p.Email != "" && p.Password != "":
		result, err := h.auth.Login(ctx, p.Email, p.Password)
		if err != nil {
			c.reply(id, "auth_response", map[string]any{"success": false, "error": "invalid credentials"})
			return
		}
		userID, err := uuid.Parse(result.User.ID)
		if err != nil {
			c.reply(id, "auth_response", map[string]any{"success": false, "error": "invalid credentials"})
			return
		}
		c.setAuthenticated(userID)
		c.reply(id, "auth_response", map[string]any{"success": true, "user": result.User, "token": result.AccessToken})

	default:
		c.replyError(id, wire.CodeInvalidMessage, "token or email/password required")
	}
}

// handleRegisterUser implements the `register_user` message: create an account and authenticate the channel with it
// in one step.
func (h *Hub) handleRegisterUser(c *Client, id string, raw json.RawMessage) {
	var p registerUserPayload
	if !decode(c, id, raw, &p) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	result, err := h.auth.Register(ctx, p.Email, p.Username, p.Password)
	if err != nil {
		c.reply(id, "register_user_response", map[string]any{"success": false, "error": err.Error()})
		return
	}

	userID, err := uuid.Parse(result.User.ID)
	if err != nil {
		c.reply(id, "register_user_response", map[string]any{"success": false, "error": "registration failed"})
		return
	}
	c.setAuthenticated(userID)
	c.reply(id, "register_user_response", map[string]any{"success": true, "user": result.User, "token": result.AccessToken})
}

// validPlatforms gates register_machine's platform field against the known enum.
var validPlatforms = map[machine.Platform]bool{
	machine.PlatformWindows: true,
	machine.PlatformMacOS:   true,
	machine.PlatformLinux:   true,
}

// handleRegisterMachine implements `register_machine`: upserts the machine, binds it to this channel, and fans out
// an online presence event to the owner's other channels.
func (h *Hub) handleRegisterMachine(c *Client, id string, raw json.RawMessage) {
	var p registerMachinePayload
	if !decode(c, id, raw, &p) {
		return
	}
	if p.Name == "" || !validPlatforms[p.Platform] {
		c.replyError(id, wire.CodeInvalidMessage, "name and a valid platform are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	m, err := h.machines.Register(ctx, machine.RegisterParams{
		UserID:       c.UserID(),
		Name:         p.Name,
		Platform:     p.Platform,
		Capabilities: p.Capabilities,
	})
	if err != nil {
		c.replyError(id, wire.CodeRegistrationFailed, err.Error())
		return
	}

	c.setMachineID(m.ID)
	h.broker.RegisterMachine(m.ID, c)
	if err := h.presence.Broadcast(ctx, m.ID, true, c); err != nil {
		h.log.Warn().Err(err).Stringer("machine_id", m.ID).Msg("failed to broadcast online presence")
	}

	c.reply(id, "machine_registered", map[string]string{"machineId": m.ID.String(), "name": m.Name})
}

// handleHeartbeat implements `heartbeat`: refreshes the channel's local liveness clock and, for a registered machine,
// the durable last_seen column, then acknowledges.
func (h *Hub) handleHeartbeat(c *Client, id string) {
	c.touchHeartbeat()

	if mid, ok := c.MachineID(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
		defer cancel()
		if err := h.machines.Heartbeat(ctx, mid); err != nil {
			h.log.Warn().Err(err).Stringer("machine_id", mid).Msg("failed to record heartbeat")
		}
	}

	c.reply(id, "heartbeat_ack", nil)
}

// handleListMachines implements `list_machines`: returns every machine owned by the authenticated user.
func (h *Hub) handleListMachines(c *Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	machines, err := h.machines.ListOwned(ctx, c.UserID())
	if err != nil {
		c.replyError(id, wire.CodeInternalError, "failed to list machines")
		return
	}

	infos := make([]machine.Info, len(machines))
	for i, m := range machines {
		infos[i] = m.ToInfo()
	}
	c.reply(id, "machines_list", map[string]any{"machines": infos})
}

// handleDeleteMachine implements `delete_machine`, scoped to the authenticated user's ownership.
func (h *Hub) handleDeleteMachine(c *Client, id string, raw json.RawMessage) {
	var p deleteMachinePayload
	if !decode(c, id, raw, &p) {
		return
	}
	machineID, err := uuid.Parse(p.MachineID)
	if err != nil {
		c.replyError(id, wire.CodeInvalidMessage, "invalid machineId")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	ok, err := h.machines.Delete(ctx, c.UserID(), machineID)
	if err != nil {
		c.replyError(id, wire.CodeInternalError, "failed to delete machine")
		return
	}
	c.reply(id, "delete_machine_response", map[string]any{"success": ok, "machineId": p.MachineID})
}

// handleRenameMachine implements `rename_machine`, scoped to the authenticated user's ownership.
func (h *Hub) handleRenameMachine(c *Client, id string, raw json.RawMessage) {
	var p renameMachinePayload
	if !decode(c, id, raw, &p) {
		return
	}
	machineID, err := uuid.Parse(p.MachineID)
	if err != nil {
		c.replyError(id, wire.CodeInvalidMessage, "invalid machineId")
		return
	}
	if p.NewName == "" {
		c.replyError(id, wire.CodeInvalidMessage, "newName is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	m, ok, err := h.machines.Rename(ctx, c.UserID(), machineID, p.NewName)
	if err != nil {
		c.replyError(id, wire.CodeInternalError, "failed to rename machine")
		return
	}
	if !ok {
		c.reply(id, "rename_machine_response", map[string]any{"success": false, "machineId": p.MachineID})
		return
	}
	c.reply(id, "rename_machine_response", map[string]any{"success": true, "machineId": p.MachineID, "name": m.Name})
}

// handleConnectToMachine implements `connect_to_machine`: no response is sent to the originator on success, only the
// target machine receives connection_request via the broker.
func (h *Hub) handleConnectToMachine(c *Client, id string, raw json.RawMessage) {
	var p connectToMachinePayload
	if !decode(c, id, raw, &p) {
		return
	}
	targetID, err := uuid.Parse(p.TargetMachineID)
	if err != nil {
		c.replyError(id, wire.CodeInvalidMessage, "invalid targetMachineId")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	if _, err := h.broker.Connect(ctx, c, targetID); err != nil {
		mapBrokerErr(c, id, err)
	}
}

func (h *Hub) handleConnectionAccepted(c *Client, id string, raw json.RawMessage) {
	var p connectionDecisionPayload
	if !decode(c, id, raw, &p) {
		return
	}
	if err := h.broker.Accept(c, p.ConnectionID); err != nil {
		mapBrokerErr(c, id, err)
	}
}

// handleConnectionRejected implements `connection_rejected`: the broker silently drops a mismatched sender, so there
// is never an error reply here.
func (h *Hub) handleConnectionRejected(c *Client, id string, raw json.RawMessage) {
	var p connectionDecisionPayload
	if !decode(c, id, raw, &p) {
		return
	}
	h.broker.Reject(c, p.ConnectionID, p.Reason)
}

func (h *Hub) handleRTCOffer(c *Client, id string, raw json.RawMessage) {
	var p rtcSDPPayload
	if !decode(c, id, raw, &p) {
		return
	}
	if err := h.broker.Offer(c, p.ConnectionID, p.SDP); err != nil {
		mapBrokerErr(c, id, err)
	}
}

func (h *Hub) handleRTCAnswer(c *Client, id string, raw json.RawMessage) {
	var p rtcSDPPayload
	if !decode(c, id, raw, &p) {
		return
	}
	if err := h.broker.Answer(c, p.ConnectionID, p.SDP); err != nil {
		mapBrokerErr(c, id, err)
	}
}

// handleRTCIceCandidate implements `rtc_ice_candidate`: best-effort relay, never produces an error frame.
func (h *Hub) handleRTCIceCandidate(c *Client, id string, raw json.RawMessage) {
	var p rtcIceCandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.broker.IceCandidate(c, p.ConnectionID, p.Candidate)
}
