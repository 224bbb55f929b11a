// Package protocol creates and finalizes DLC protocol executions. The
// executor is the single writer of protocol status transitions besides the
// reconciler's failure/cancellation bookkeeping.
package protocol

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/feed"
	"DlcCoordinator/internal/observability"
)

// Store is the subset of the shadow store the executor writes.
type Store interface {
	InsertProtocol(ctx context.Context, p *dlc.Protocol) error
	GetProtocol(ctx context.Context, id dlc.ProtocolID) (*dlc.Protocol, error)
	MarkProtocolFinished(ctx context.Context, id dlc.ProtocolID, contractID *dlc.ContractID) error
}

// Executor starts and finalizes protocol executions.
type Executor struct {
	store   Store
	feed    feed.Sink
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewExecutor(store Store, sink feed.Sink, metrics *observability.Metrics, log zerolog.Logger) *Executor {
	return &Executor{
		store:   store,
		feed:    sink,
		metrics: metrics,
		log:     log,
	}
}

// Start inserts a new pending protocol execution before any message
// exchange happens. previousID chains this execution to its predecessor over
// the same channel. Returns dlc.ErrConflict if newID already exists.
func (e *Executor) Start(
	ctx context.Context,
	newID dlc.ProtocolID,
	previousID *dlc.ProtocolID,
	contractID *dlc.ContractID,
	channelID dlc.ChannelID,
	trader dlc.PublicKey,
	protocolType dlc.ProtocolType,
) error {
	p := &dlc.Protocol{
		ProtocolID:         newID,
		PreviousProtocolID: previousID,
		ChannelID:          channelID,
		ContractID:         contractID,
		Trader:             trader,
		ProtocolType:       protocolType,
		ProtocolState:      dlc.ProtocolStatePending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.InsertProtocol(ctx, p); err != nil {
		return err
	}

	e.metrics.IncProtocolStarted(protocolType.String())
	e.log.Info().
		Str("protocol_id", newID.String()).
		Str("protocol_type", protocolType.String()).
		Str("channel_id", channelID.String()).
		Str("trader", string(trader)).
		Msg("Started DLC protocol")
	return nil
}

// Finish marks a protocol execution successful and, if the protocol type
// affects a trading position, notifies the position feed. A second call on
// the same id reports dlc.ErrAlreadyFinalized rather than no-oping.
func (e *Executor) Finish(
	ctx context.Context,
	protocolID dlc.ProtocolID,
	trader dlc.PublicKey,
	contractID *dlc.ContractID,
	channelID dlc.ChannelID,
) error {
	p, err := e.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return err
	}

	if err := e.store.MarkProtocolFinished(ctx, protocolID, contractID); err != nil {
		return err
	}
	e.metrics.IncProtocolFinished(p.ProtocolType.String(), "success")

	if p.ProtocolType.AffectsPosition() {
		n := feed.Notification{
			ProtocolID:   protocolID,
			ProtocolType: p.ProtocolType.String(),
			Trader:       trader,
			ChannelID:    channelID,
			ContractID:   contractID,
			Timestamp:    time.Now().UTC(),
		}
		if err := e.feed.Publish(ctx, n); err != nil {
			// The protocol is already finalized; downstream consumers can
			// reconcile from the store if this notification is lost.
			e.metrics.IncFeedPublishError()
			e.log.Warn().Err(err).
				Str("protocol_id", protocolID.String()).
				Msg("Failed to publish position notification")
		} else {
			e.metrics.IncFeedPublished()
		}
	}

	e.log.Info().
		Str("protocol_id", protocolID.String()).
		Str("protocol_type", p.ProtocolType.String()).
		Str("channel_id", channelID.String()).
		Msg("Finished DLC protocol")
	return nil
}
