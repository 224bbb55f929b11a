// Package node composes the coordinator: the engine client, the shadow
// store, the protocol executor and the reconciliation loop.
package node

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/engine"
	"DlcCoordinator/internal/protocol"
	"DlcCoordinator/internal/reconciler"
	"DlcCoordinator/internal/store"
)

// Node is the coordinator's channel-management core.
type Node struct {
	engine     engine.Engine
	store      *store.Store
	executor   *protocol.Executor
	reconciler *reconciler.Reconciler
	log        zerolog.Logger
}

func New(
	eng engine.Engine,
	st *store.Store,
	executor *protocol.Executor,
	rec *reconciler.Reconciler,
	log zerolog.Logger,
) *Node {
	return &Node{
		engine:     eng,
		store:      st,
		executor:   executor,
		reconciler: rec,
		log:        log,
	}
}

// Run consumes the engine's channel event stream until the subscription
// closes or ctx is cancelled. A closed subscription is fatal; process
// supervision restarts the coordinator.
func (n *Node) Run(ctx context.Context) error {
	return n.reconciler.Run(ctx)
}

// CloseChannel asks the engine to close a DLC channel and starts the
// corresponding protocol execution, chained to the channel's previous
// protocol so the causal history stays intact.
func (n *Node) CloseChannel(ctx context.Context, channelID dlc.ChannelID, force bool) (dlc.ProtocolID, error) {
	channel, err := n.engine.GetChannelByID(channelID)
	if err != nil {
		return dlc.ProtocolID{}, err
	}

	var previousID *dlc.ProtocolID
	if len(channel.ReferenceID) > 0 {
		prev, err := dlc.ProtocolIDFromReferenceID(channel.ReferenceID)
		if err != nil {
			return dlc.ProtocolID{}, err
		}
		previousID = &prev
	}

	referenceID, err := n.engine.CloseChannel(ctx, channelID, force)
	if err != nil {
		return dlc.ProtocolID{}, fmt.Errorf("close channel %s: %w", channelID, err)
	}
	protocolID, err := dlc.ProtocolIDFromReferenceID(referenceID)
	if err != nil {
		return dlc.ProtocolID{}, err
	}

	protocolType := dlc.ProtocolTypeClose
	if force {
		protocolType = dlc.ProtocolTypeForceClose
	}

	err = n.executor.Start(ctx, protocolID, previousID, nil, channel.ID, channel.CounterParty, protocolType)
	if err != nil {
		return dlc.ProtocolID{}, err
	}

	n.log.Info().
		Str("channel_id", channelID.String()).
		Str("protocol_id", protocolID.String()).
		Bool("force", force).
		Msg("Closing DLC channel")
	return protocolID, nil
}

// Store exposes the shadow store for read-only query surfaces.
func (n *Node) Store() *store.Store {
	return n.store
}
