// Package signaling implements the pending-connection state machine that mediates a WebRTC handshake between a
// control channel originator and a registered target machine: request, accept/reject, SDP offer/answer, and
// best-effort ICE candidate relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

// pendingTimeout is how long a pending connection waits for the target machine to accept before it expires.
const pendingTimeout = 30 * time.Second

// webClientPrefix identifies transient web-client stable ids, as opposed to machine ids (uuids).
const webClientPrefix = "web-client-"

// Sentinel errors returned by broker operations. Callers map these to wire error codes.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrMachineOffline     = errors.New("target machine offline")
	ErrConnectionNotFound = errors.New("pending connection not found")
	ErrInvalidConnection  = errors.New("sender is not a participant of this connection")
)

// Channel is the minimal interface the broker needs from a control channel to route signaling frames. Implemented by
// *gateway.Client.
type Channel interface {
	Send(frame []byte)
	UserID() uuid.UUID
	MachineID() (uuid.UUID, bool)
	WebClientID() (string, bool)
	SetWebClientID(id string)
}

// pendingConnection is the bookkeeping for one in-flight handshake. Originator is held as a strong reference per the
// data model; the target is always resolved live through MachineChannels.
type pendingConnection struct {
	ID              string
	OriginatorID    string
	Originator      Channel
	TargetMachineID uuid.UUID
	CreatedAt       time.Time
	timer           *time.Timer
}

// Broker holds the three shared in-memory tables and drives the signaling state machine. Each table is guarded by its
// own mutex, per the concurrency model.
type Broker struct {
	machineMu       sync.RWMutex
	machineChannels map[uuid.UUID]Channel

	webMu            sync.Mutex
	webChannels      map[string]Channel
	webClientCounter int

	pendingMu sync.Mutex
	pending   map[string]*pendingConnection

	machines *machine.Service
	log      zerolog.Logger
}

// NewBroker creates a new signaling broker.
func NewBroker(machines *machine.Service, logger zerolog.Logger) *Broker {
	return &Broker{
		machineChannels: make(map[uuid.UUID]Channel),
		webChannels:     make(map[string]Channel),
		pending:         make(map[string]*pendingConnection),
		machines:        machines,
		log:             logger.With().Str("component", "signaling").Logger(),
	}
}

// RegisterMachine attaches a channel as the live endpoint for a machine id, replacing any prior entry. The displaced
// channel, if any, stays open but stops receiving routed frames.
func (b *Broker) RegisterMachine(machineID uuid.UUID, ch Channel) {
	b.machineMu.Lock()
	defer b.machineMu.Unlock()
	b.machineChannels[machineID] = ch
}

// UnregisterMachine removes the channel for a machine id, but only if it is still the current entry (a newer
// registration may have already replaced it).
func (b *Broker) UnregisterMachine(machineID uuid.UUID, ch Channel) {
	b.machineMu.Lock()
	defer b.machineMu.Unlock()
	if current, ok := b.machineChannels[machineID]; ok && current == ch {
		delete(b.machineChannels, machineID)
	}
}

// MachineChannel returns the live channel registered for a machine id, if any.
func (b *Broker) MachineChannel(machineID uuid.UUID) (Channel, bool) {
	b.machineMu.RLock()
	defer b.machineMu.RUnlock()
	ch, ok := b.machineChannels[machineID]
	return ch, ok
}

// ChannelsForOwner returns every live machine channel owned by userID, excluding the given channel if present. Used
// by presence fan-out; browser-only channels are never included, matching the known iteration-source limitation.
func (b *Broker) ChannelsForOwner(userID uuid.UUID, exclude Channel) []Channel {
	b.machineMu.RLock()
	defer b.machineMu.RUnlock()

	var out []Channel
	for _, ch := range b.machineChannels {
		if ch == exclude {
			continue
		}
		if ch.UserID() == userID {
			out = append(out, ch)
		}
	}
	return out
}

func (b *Broker) newWebClientID() string {
	b.webMu.Lock()
	defer b.webMu.Unlock()
	b.webClientCounter++
	return fmt.Sprintf("%s%d", webClientPrefix, b.webClientCounter)
}

func (b *Broker) registerWeb(id string, ch Channel) {
	b.webMu.Lock()
	defer b.webMu.Unlock()
	b.webChannels[id] = ch
}

func (b *Broker) unregisterWeb(id string) {
	b.webMu.Lock()
	defer b.webMu.Unlock()
	delete(b.webChannels, id)
}

func (b *Broker) webChannel(id string) (Channel, bool) {
	b.webMu.Lock()
	defer b.webMu.Unlock()
	ch, ok := b.webChannels[id]
	return ch, ok
}

func (b *Broker) pendingGet(id string) (*pendingConnection, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	pc, ok := b.pending[id]
	return pc, ok
}

func (b *Broker) pendingPut(pc *pendingConnection) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.pending[pc.ID] = pc
}

func (b *Broker) pendingDelete(id string) (*pendingConnection, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	return pc, ok
}

// stableID returns a channel's stable routing identifier: its machine id if registered as a machine, else its
// assigned transient web-client id.
func stableID(ch Channel) string {
	if mid, ok := ch.MachineID(); ok {
		return mid.String()
	}
	if wid, ok := ch.WebClientID(); ok {
		return wid
	}
	return ""
}

func isWebClientID(id string) bool {
	return strings.HasPrefix(id, webClientPrefix)
}

// PendingCount returns the number of in-flight pending connections, for metrics.
func (b *Broker) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Connect implements connect_to_machine: authorizes the originator against the target, creates a pending connection,
// sends connection_request to the target, and arms the 30s acceptance timeout.
func (b *Broker) Connect(ctx context.Context, originator Channel, targetMachineID uuid.UUID) (string, error) {
	ok, err := b.machines.CanAccess(ctx, originator.UserID(), targetMachineID)
	if err != nil {
		return "", fmt.Errorf("check access: %w", err)
	}
	if !ok {
		return "", ErrAccessDenied
	}

	target, ok := b.MachineChannel(targetMachineID)
	if !ok {
		return "", ErrMachineOffline
	}

	var originatorID, originatorName string
	if mid, isMachine := originator.MachineID(); isMachine {
		originatorID = mid.String()
		if m, gErr := b.machines.Get(ctx, mid); gErr == nil {
			originatorName = m.Name
		}
	} else {
		originatorID = b.newWebClientID()
		originator.SetWebClientID(originatorID)
		b.registerWeb(originatorID, originator)
		originatorName = "Web Client"
	}

	connID := uuid.NewString()
	pc := &pendingConnection{
		ID:              connID,
		OriginatorID:    originatorID,
		Originator:      originator,
		TargetMachineID: targetMachineID,
		CreatedAt:       time.Now(),
	}
	b.pendingPut(pc)

	frame, err := wire.Encode("connection_request", "", map[string]string{
		"fromMachineId":   originatorID,
		"fromMachineName": originatorName,
		"connectionId":    connID,
	})
	if err != nil {
		b.pendingDelete(connID)
		return "", fmt.Errorf("encode connection_request: %w", err)
	}
	target.Send(frame)

	pc.timer = time.AfterFunc(pendingTimeout, func() { b.expire(connID) })

	return connID, nil
}

// expire fires when a pending connection's 30s acceptance window elapses without resolution.
func (b *Broker) expire(connID string) {
	pc, ok := b.pendingDelete(connID)
	if !ok {
		return
	}
	if isWebClientID(pc.OriginatorID) {
		b.unregisterWeb(pc.OriginatorID)
	}
	pc.Originator.Send(wire.EncodeError("", wire.CodeConnectionTimeout, "connection timed out"))
}

// Accept implements connection_accepted: only the target machine's own channel may accept, and accepting does not
// delete the pending entry (it is retained to validate subsequent SDP/ICE).
func (b *Broker) Accept(sender Channel, connectionID string) error {
	pc, ok := b.pendingGet(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	mid, isMachine := sender.MachineID()
	if !isMachine || mid != pc.TargetMachineID {
		return ErrInvalidConnection
	}

	frame, err := wire.Encode("connection_accepted", "", map[string]string{
		"connectionId":    connectionID,
		"targetMachineId": pc.TargetMachineID.String(),
	})
	if err != nil {
		return fmt.Errorf("encode connection_accepted: %w", err)
	}
	pc.Originator.Send(frame)
	return nil
}

// Reject implements connection_rejected: a mismatched sender is silently dropped rather than erroring.
func (b *Broker) Reject(sender Channel, connectionID, reason string) {
	pc, ok := b.pendingGet(connectionID)
	if !ok {
		return
	}
	mid, isMachine := sender.MachineID()
	if !isMachine || mid != pc.TargetMachineID {
		return
	}

	pc, ok = b.pendingDelete(connectionID)
	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	frame, err := wire.Encode("connection_rejected", "", map[string]string{
		"connectionId": connectionID,
		"reason":       reason,
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to encode connection_rejected")
		return
	}
	pc.Originator.Send(frame)
}

// Offer implements rtc_offer: forwards to the target machine, resolved live, with targetMachineId rewritten to the
// sender's stable id so the callee knows where to direct its answer.
func (b *Broker) Offer(sender Channel, connectionID, sdp string) error {
	pc, ok := b.pendingGet(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	senderID := stableID(sender)
	isOriginator := sender == pc.Originator || senderID == pc.OriginatorID
	isTarget := func() bool { mid, ok := sender.MachineID(); return ok && mid == pc.TargetMachineID }()
	if !isOriginator && !isTarget {
		return ErrInvalidConnection
	}

	target, ok := b.MachineChannel(pc.TargetMachineID)
	if !ok {
		return ErrMachineOffline
	}

	frame, err := wire.Encode("rtc_offer", "", map[string]string{
		"connectionId":    connectionID,
		"targetMachineId": senderID,
		"sdp":             sdp,
	})
	if err != nil {
		return fmt.Errorf("encode rtc_offer: %w", err)
	}
	target.Send(frame)
	return nil
}

// Answer implements rtc_answer: always forwarded back to the originator's strong channel reference, with
// targetMachineId rewritten to the answerer's machine id. The pending entry is deleted afterward, and the originator's
// transient web-client entry (if any) is removed.
func (b *Broker) Answer(sender Channel, connectionID, sdp string) error {
	pc, ok := b.pendingGet(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	rewritten := pc.TargetMachineID.String()
	if mid, ok := sender.MachineID(); ok {
		rewritten = mid.String()
	}

	frame, err := wire.Encode("rtc_answer", "", map[string]string{
		"connectionId":    connectionID,
		"targetMachineId": rewritten,
		"sdp":             sdp,
	})
	if err != nil {
		return fmt.Errorf("encode rtc_answer: %w", err)
	}

	b.pendingDelete(connectionID)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if isWebClientID(pc.OriginatorID) {
		b.unregisterWeb(pc.OriginatorID)
	}

	pc.Originator.Send(frame)
	return nil
}

// IceCandidate implements rtc_ice_candidate: best-effort relay that never errors. A missing pending entry or an
// offline recipient simply drops the candidate, since candidates can trickle in late.
func (b *Broker) IceCandidate(sender Channel, connectionID string, candidate json.RawMessage) {
	pc, ok := b.pendingGet(connectionID)
	if !ok {
		return
	}

	senderID := stableID(sender)
	var recipient Channel
	if senderID == pc.OriginatorID {
		recipient, ok = b.MachineChannel(pc.TargetMachineID)
	} else {
		recipient, ok = pc.Originator, pc.Originator != nil
	}
	if !ok || recipient == nil {
		return
	}

	frame, err := wire.Encode("rtc_ice_candidate", "", struct {
		ConnectionID    string          `json:"connectionId"`
		TargetMachineID string          `json:"targetMachineId"`
		Candidate       json.RawMessage `json:"candidate"`
	}{connectionID, senderID, candidate})
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to encode rtc_ice_candidate")
		return
	}
	recipient.Send(frame)
}
