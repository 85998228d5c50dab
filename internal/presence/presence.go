// Package presence broadcasts machine online/offline transitions to a user's other live machine channels. Presence
// truth lives in the machines table (is_online, last_seen); this package holds no cache of its own, it only fans out.
package presence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/signaling"
	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

// Broker is the subset of *signaling.Broker presence needs: the live registry of machine channels for an owner. Note:
// browser-only channels are never returned here (the iteration source is MachineChannels), so they never observe
// these notifications — a known limitation, preserved as-is.
type Broker interface {
	ChannelsForOwner(userID uuid.UUID, exclude signaling.Channel) []signaling.Channel
}

// Broadcaster emits machine_online/machine_offline notifications.
type Broadcaster struct {
	broker   Broker
	machines *machine.Service
	log      zerolog.Logger
}

// NewBroadcaster creates a new presence broadcaster.
func NewBroadcaster(broker Broker, machines *machine.Service, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{broker: broker, machines: machines, log: logger.With().Str("component", "presence").Logger()}
}

// Broadcast fetches the machine to learn its owner and name, then sends machine_online or machine_offline to every
// other live machine channel belonging to the same owner. exclude, if non-nil, is skipped (typically the channel that
// just triggered the transition).
func (b *Broadcaster) Broadcast(ctx context.Context, machineID uuid.UUID, online bool, exclude signaling.Channel) error {
	m, err := b.machines.Get(ctx, machineID)
	if err != nil {
		return fmt.Errorf("get machine for presence broadcast: %w", err)
	}

	eventType := "machine_offline"
	if online {
		eventType = "machine_online"
	}

	frame, err := wire.Encode(eventType, "", map[string]string{
		"machineId": machineID.String(),
		"name":      m.Name,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	for _, ch := range b.broker.ChannelsForOwner(m.UserID, exclude) {
		ch.Send(frame)
	}
	return nil
}
