// Package reconciler shadows the contract engine's channel lifecycle into
// the coordinator's durable store and drives dependent settlement state.
//
// The engine owns the authoritative protocol state. Each event carries a
// reference id correlating it to a protocol execution; the reconciler maps
// the event to the stored protocol and channel records, persists the
// transition idempotently, and on terminal closures computes the trader's
// realized pnl. Events can be delayed, duplicated or dropped, so every
// handler tolerates redelivery and missing shadow rows.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/engine"
	"DlcCoordinator/internal/event"
	"DlcCoordinator/internal/observability"
	"DlcCoordinator/internal/position"
	"DlcCoordinator/internal/settlement"
)

// ChannelStore is the shadow-channel surface the reconciler writes.
type ChannelStore interface {
	InsertPendingChannel(ctx context.Context, protocolID dlc.ProtocolID, channelID dlc.ChannelID, trader dlc.PublicKey) error
	SetChannelOpen(ctx context.Context, protocolID dlc.ProtocolID, channelID dlc.ChannelID, fundingTxid dlc.Txid, coordinatorReserveSats, traderReserveSats, coordinatorFundingSats, traderFundingSats uint64) error
	UpdateChannelBalances(ctx context.Context, channelID dlc.ChannelID, coordinatorReserveSats, traderReserveSats uint64) error
	SetChannelForceClosing(ctx context.Context, channelID dlc.ChannelID, bufferTxid dlc.Txid) error
	SetChannelForceClosingSettled(ctx context.Context, channelID dlc.ChannelID, settleTxid dlc.Txid, claimTxid *dlc.Txid) error
	SetChannelPunished(ctx context.Context, channelID dlc.ChannelID, punishTxid dlc.Txid) error
	SetChannelCollabClosing(ctx context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error
	SetChannelCollabClosed(ctx context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error
	SetChannelFailed(ctx context.Context, protocolID dlc.ProtocolID) error
	SetChannelCancelled(ctx context.Context, protocolID dlc.ProtocolID) error
	GetChannel(ctx context.Context, channelID dlc.ChannelID) (*dlc.Channel, error)
}

// ProtocolStore is the protocol-record surface the reconciler reads and the
// failure transitions it owns.
type ProtocolStore interface {
	GetProtocol(ctx context.Context, id dlc.ProtocolID) (*dlc.Protocol, error)
	MarkProtocolFailed(ctx context.Context, id dlc.ProtocolID) error
	MarkProtocolCancelled(ctx context.Context, id dlc.ProtocolID) error
}

// PositionStore is the position surface of the closure-check path.
type PositionStore interface {
	SetOpenPositionToClosing(ctx context.Context, trader dlc.PublicKey, closingPrice *decimal.Decimal) (int64, error)
	GetClosingPositionByTrader(ctx context.Context, trader dlc.PublicKey) (*position.Position, error)
	SetPositionClosedWithPnl(ctx context.Context, positionID int64, realizedPnlSat int64, closingPrice decimal.Decimal) (int64, error)
}

// ProtocolFinisher finalizes a protocol execution on collaborative close.
type ProtocolFinisher interface {
	Finish(ctx context.Context, protocolID dlc.ProtocolID, trader dlc.PublicKey, contractID *dlc.ContractID, channelID dlc.ChannelID) error
}

// Reconciler consumes the engine's channel event stream.
type Reconciler struct {
	engine    engine.Engine
	channels  ChannelStore
	protocols ProtocolStore
	positions PositionStore
	executor  ProtocolFinisher

	// priceRadix is the digit encoding of the oracle's attestation
	// outcomes.
	priceRadix int

	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(
	eng engine.Engine,
	channels ChannelStore,
	protocols ProtocolStore,
	positions PositionStore,
	executor ProtocolFinisher,
	priceRadix int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Reconciler {
	if priceRadix == 0 {
		priceRadix = settlement.DefaultPriceRadix
	}
	return &Reconciler{
		engine:     eng,
		channels:   channels,
		protocols:  protocols,
		positions:  positions,
		executor:   executor,
		priceRadix: priceRadix,
		metrics:    metrics,
		log:        log,
	}
}

// Run consumes channel events until the subscription closes or ctx is done.
// Per-event errors are logged with the full event and never stop the loop;
// the shadow self-heals on the next snapshot lookup. A lagged subscription
// is survivable, a closed one is not.
func (r *Reconciler) Run(ctx context.Context) error {
	sub := r.engine.SubscribeChannelEvents()

	for {
		ev, err := sub.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrLagged):
			var lag *engine.LagError
			if errors.As(err, &lag) {
				r.metrics.AddEventsLagged(float64(lag.Skipped))
				r.log.Warn().Uint64("skipped", lag.Skipped).Msg("Skipped channel events")
			}
			continue
		case errors.Is(err, engine.ErrSubscriptionClosed):
			r.log.Error().Msg("Lost connection to the engine event stream")
			return err
		default:
			// ctx cancelled
			return err
		}

		r.metrics.IncEventProcessed(ev.Type.String())

		if err := r.OnChannelEvent(ctx, ev); err != nil {
			r.metrics.IncEventError(ev.Type.String(), "shadow")
			r.log.Error().Err(err).
				Str("event_type", ev.Type.String()).
				Hex("reference_id", ev.ReferenceID).
				Msg("Failed to process DLC channel event")
		}

		if err := r.CheckChannelClosure(ctx, ev); err != nil {
			r.metrics.IncEventError(ev.Type.String(), "closure_check")
			r.log.Error().Err(err).
				Str("event_type", ev.Type.String()).
				Hex("reference_id", ev.ReferenceID).
				Msg("Failed to run check for DLC channel closures")
		}
	}
}

// OnChannelEvent shadows one engine event into the store. Dispatch is
// exhaustive over the closed event set; an unknown tag is an error so new
// engine variants never get silently ignored.
func (r *Reconciler) OnChannelEvent(ctx context.Context, ev event.ChannelEvent) error {
	protocolID, err := ev.ProtocolID()
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Type, err)
	}

	if ev.Type == event.ChannelEventDeleted {
		// The channel does not exist upstream anymore, so only the protocol
		// record can be touched.
		return r.failProtocol(ctx, protocolID)
	}

	switch ev.Type {
	case event.ChannelEventFailedAccept, event.ChannelEventFailedSign:
		return r.failProtocol(ctx, protocolID)

	case event.ChannelEventCancelled:
		if err := r.markProtocolOnce(ctx, protocolID, r.protocols.MarkProtocolCancelled, dlc.ProtocolStateCancelled); err != nil {
			return err
		}
		return r.channels.SetChannelCancelled(ctx, protocolID)

	case event.ChannelEventAccepted,
		event.ChannelEventSettledOffered,
		event.ChannelEventSettledReceived,
		event.ChannelEventSettledAccepted,
		event.ChannelEventSettledConfirmed,
		event.ChannelEventRenewOffered,
		event.ChannelEventRenewAccepted,
		event.ChannelEventRenewConfirmed,
		event.ChannelEventRenewFinalized:
		// Intermediate negotiation steps with no durable shadow-state
		// effect.
		return nil
	}

	channel, err := r.engine.GetChannelByReferenceID(ev.ReferenceID)
	if err != nil {
		return fmt.Errorf("resolve channel for event %s: %w", ev.Type, err)
	}

	switch ev.Type {
	case event.ChannelEventOffered:
		return r.channels.InsertPendingChannel(ctx, protocolID, channel.ID, channel.CounterParty)

	case event.ChannelEventEstablished, event.ChannelEventSettled:
		return r.onChannelSigned(ctx, protocolID, channel)

	case event.ChannelEventSettledClosing:
		settleTxid, claimTxid, err := settledClosingTxids(channel)
		if err != nil {
			return err
		}
		return r.channels.SetChannelForceClosingSettled(ctx, channel.ID, settleTxid, claimTxid)

	case event.ChannelEventClosing:
		bufferTxid, err := closingBufferTxid(channel)
		if err != nil {
			return err
		}
		return r.channels.SetChannelForceClosing(ctx, channel.ID, bufferTxid)

	case event.ChannelEventClosedPunished:
		if channel.Punished == nil {
			return unexpectedState(channel)
		}
		return r.channels.SetChannelPunished(ctx, channel.ID, channel.Punished.PunishTxid)

	case event.ChannelEventCollaborativeCloseOffered:
		if channel.Signed == nil ||
			channel.Signed.SubState != engine.SubStateCollaborativeCloseOffered ||
			channel.Signed.CloseTxid == nil {
			return unexpectedState(channel)
		}
		return r.channels.SetChannelCollabClosing(ctx, channel.ID, *channel.Signed.CloseTxid)

	case event.ChannelEventClosed,
		event.ChannelEventCounterClosed,
		event.ChannelEventCollaborativelyClosed:
		if channel.Closed == nil {
			return unexpectedState(channel)
		}
		return r.channels.SetChannelCollabClosed(ctx, channel.ID, channel.Closed.ClosingTxid)

	default:
		return fmt.Errorf("unhandled channel event type %s", ev.Type)
	}
}

// onChannelSigned handles Established and Settled: the channel is fully
// signed, so current reserve balances are queryable on both sides. What gets
// persisted depends on the owning protocol's type.
func (r *Reconciler) onChannelSigned(ctx context.Context, protocolID dlc.ProtocolID, channel *engine.Channel) error {
	if channel.Status != engine.StatusSigned || channel.Signed == nil {
		return unexpectedState(channel)
	}

	traderReserve, err := r.engine.GetUsableBalanceCounterparty(channel.ID)
	if err != nil {
		return fmt.Errorf("trader reserve for %s: %w", channel.ID, err)
	}
	coordinatorReserve, err := r.engine.GetUsableBalance(channel.ID)
	if err != nil {
		return fmt.Errorf("coordinator reserve for %s: %w", channel.ID, err)
	}

	coordinatorFunding := channel.Signed.OwnCollateralSats
	traderFunding := channel.Signed.CounterCollateralSats

	proto, err := r.protocols.GetProtocol(ctx, protocolID)
	if err != nil {
		return err
	}

	switch proto.ProtocolType {
	case dlc.ProtocolTypeOpenChannel:
		return r.channels.SetChannelOpen(ctx, protocolID, channel.ID,
			channel.Signed.FundingTxid,
			coordinatorReserve, traderReserve,
			coordinatorFunding, traderFunding)

	case dlc.ProtocolTypeOpenPosition,
		dlc.ProtocolTypeSettle,
		dlc.ProtocolTypeRollover,
		dlc.ProtocolTypeResizePosition:
		// Funding amounts are immutable after open; only the reserves move.
		return r.channels.UpdateChannelBalances(ctx, channel.ID, coordinatorReserve, traderReserve)

	case dlc.ProtocolTypeClose, dlc.ProtocolTypeForceClose:
		// Closure supersedes balance bookkeeping.
		return nil

	default:
		return fmt.Errorf("protocol %s has unknown type %d", protocolID, proto.ProtocolType)
	}
}

// CheckChannelClosure drives the trader's position on channel closures.
//
// Closing means the buffer transaction was broadcast, which only happens on
// a force close while a position was open: the position moves to Closing
// with an unknown price. Closed/CounterClosed mean the CET was broadcast:
// the closing price comes from the attestation and the realized pnl from the
// CET payout against the last trader reserve. CollaborativelyClosed is
// finalized purely through the protocol executor, because a collaborative
// close is negotiated off-chain with known settlement terms.
func (r *Reconciler) CheckChannelClosure(ctx context.Context, ev event.ChannelEvent) error {
	protocolID, err := ev.ProtocolID()
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Type, err)
	}

	switch ev.Type {
	case event.ChannelEventClosing:
		channel, err := r.engine.GetChannelByReferenceID(ev.ReferenceID)
		if err != nil {
			return err
		}
		trader := channel.CounterParty

		// The closing price is unknown until the oracle attests.
		rows, err := r.positions.SetOpenPositionToClosing(ctx, trader, nil)
		if err != nil {
			return err
		}
		if rows > 0 {
			r.metrics.IncPositionsMarkedClosing()
			r.log.Info().Str("trader", string(trader)).
				Msg("Set open position to closing after the dlc channel got force closed")
		} else {
			// No open position existed; tolerated, but worth watching since
			// it can indicate a missed prior event.
			r.metrics.IncPositionNoRows("closing")
		}
		return nil

	case event.ChannelEventClosed, event.ChannelEventCounterClosed:
		return r.settleForceClosure(ctx, protocolID)

	case event.ChannelEventCollaborativelyClosed:
		channel, err := r.engine.GetChannelByReferenceID(ev.ReferenceID)
		if err != nil {
			return err
		}
		return r.executor.Finish(ctx, protocolID, channel.CounterParty, nil, channel.ID)

	default:
		return nil
	}
}

// settleForceClosure finalizes the trader's closing position from the
// broadcast CET. The underlying contract is PreClosed or Closed depending on
// CET confirmations; anything else is an upstream invariant violation.
func (r *Reconciler) settleForceClosure(ctx context.Context, protocolID dlc.ProtocolID) error {
	proto, err := r.protocols.GetProtocol(ctx, protocolID)
	if err != nil {
		return err
	}
	if proto.ContractID == nil {
		return fmt.Errorf("protocol %s has no contract id: %w", protocolID, dlc.ErrNotFound)
	}
	trader := proto.Trader

	contract, err := r.engine.GetContractByID(*proto.ContractID)
	if err != nil {
		return err
	}

	switch contract.State {
	case engine.ContractPreClosed, engine.ContractClosed:
	default:
		return fmt.Errorf("contract %s is %s, expected PreClosed or Closed: %w",
			contract.ID, contract.State, dlc.ErrUnexpectedContractState)
	}
	// A closed contract always has an attestation and a signed CET.
	if len(contract.Attestations) == 0 || contract.SignedCET == nil {
		return fmt.Errorf("contract %s is missing attestation or signed cet: %w",
			contract.ID, dlc.ErrUnexpectedContractState)
	}

	closingPrice, err := settlement.ParseClosingPrice(contract.Attestations[0].Outcomes, r.priceRadix)
	if err != nil {
		return err
	}

	channel, err := r.channels.GetChannel(ctx, proto.ChannelID)
	if err != nil {
		return err
	}
	pnl, err := settlement.TraderRealizedPnl(*contract.SignedCET, channel.TraderReserveSats, r.engine.IsMine)
	if err != nil {
		return err
	}

	pos, err := r.positions.GetClosingPositionByTrader(ctx, trader)
	if err != nil {
		return err
	}

	r.log.Debug().
		Int64("position_id", pos.ID).
		Str("trader", string(trader)).
		Int64("realized_pnl_sat", pnl).
		Str("closing_price", closingPrice.String()).
		Msg("Finalize closing position after force closure")

	rows, err := r.positions.SetPositionClosedWithPnl(ctx, pos.ID, pnl, closingPrice)
	if err != nil {
		return err
	}
	if rows > 0 {
		r.metrics.IncPositionsClosed()
		r.log.Info().Str("trader", string(trader)).
			Msg("Set closing position to closed after the dlc channel got force closed")
	} else {
		// Concurrent manual intervention can win this race; tolerated.
		r.metrics.IncPositionNoRows("closed")
		r.log.Warn().Str("trader", string(trader)).
			Msg("Failed to set closing position to closed after the dlc channel got force closed")
	}
	return nil
}

func (r *Reconciler) failProtocol(ctx context.Context, protocolID dlc.ProtocolID) error {
	if err := r.markProtocolOnce(ctx, protocolID, r.protocols.MarkProtocolFailed, dlc.ProtocolStateFailed); err != nil {
		return err
	}
	return r.channels.SetChannelFailed(ctx, protocolID)
}

// markProtocolOnce applies a terminal protocol transition. Events can be
// redelivered, so a record already finalized in the same terminal state is a
// no-op; a conflicting terminal state still surfaces ErrAlreadyFinalized.
func (r *Reconciler) markProtocolOnce(
	ctx context.Context,
	protocolID dlc.ProtocolID,
	mark func(context.Context, dlc.ProtocolID) error,
	want dlc.ProtocolState,
) error {
	err := mark(ctx, protocolID)
	if err == nil || !errors.Is(err, dlc.ErrAlreadyFinalized) {
		return err
	}
	p, getErr := r.protocols.GetProtocol(ctx, protocolID)
	if getErr != nil {
		return getErr
	}
	if p.ProtocolState != want {
		return err
	}
	return nil
}

func settledClosingTxids(channel *engine.Channel) (dlc.Txid, *dlc.Txid, error) {
	switch {
	case channel.Signed != nil && channel.Signed.SubState == engine.SubStateSettledClosing:
		if channel.Signed.SettleTxid == nil {
			return dlc.Txid{}, nil, unexpectedState(channel)
		}
		// The claim transaction is not known yet in this sub-state.
		return *channel.Signed.SettleTxid, nil, nil
	case channel.SettledClosing != nil:
		claim := channel.SettledClosing.ClaimTxid
		return channel.SettledClosing.SettleTxid, &claim, nil
	default:
		return dlc.Txid{}, nil, unexpectedState(channel)
	}
}

func closingBufferTxid(channel *engine.Channel) (dlc.Txid, error) {
	switch {
	case channel.Signed != nil && channel.Signed.SubState == engine.SubStateClosing:
		if channel.Signed.BufferTxid == nil {
			return dlc.Txid{}, unexpectedState(channel)
		}
		return *channel.Signed.BufferTxid, nil
	case channel.Closing != nil:
		return channel.Closing.BufferTxid, nil
	default:
		return dlc.Txid{}, unexpectedState(channel)
	}
}

func unexpectedState(channel *engine.Channel) error {
	return fmt.Errorf("channel %s is %s: %w",
		channel.ID, channel.Status, dlc.ErrUnexpectedChannelState)
}
