package engine

import (
	"context"

	"DlcCoordinator/internal/dlc"
)

// Engine is the coordinator's view of the external DLC channel/contract
// engine. The engine owns the authoritative protocol state; the coordinator
// only consumes its event stream, queries snapshots, and issues close
// commands. Lookups are expected to be fast, locally-indexed operations.
type Engine interface {
	// SubscribeChannelEvents returns a new subscription on the engine's
	// channel lifecycle event stream. Each subscriber reads independently
	// from a bounded buffer; see Subscription for lag semantics.
	SubscribeChannelEvents() *Subscription

	GetChannelByID(id dlc.ChannelID) (*Channel, error)

	// GetChannelByReferenceID resolves a channel via the correlation id
	// carried by an event.
	GetChannelByReferenceID(ref []byte) (*Channel, error)

	// GetContractByID returns dlc.ErrNotFound if the engine does not know
	// the contract.
	GetContractByID(id dlc.ContractID) (*Contract, error)

	// GetUsableBalance returns the coordinator's current usable balance in
	// the channel, in satoshis.
	GetUsableBalance(id dlc.ChannelID) (uint64, error)

	// GetUsableBalanceCounterparty returns the trader's current usable
	// balance in the channel, in satoshis.
	GetUsableBalanceCounterparty(id dlc.ChannelID) (uint64, error)

	// CloseChannel asks the engine to close the channel, collaboratively or
	// by force, and returns the reference id of the resulting protocol.
	CloseChannel(ctx context.Context, id dlc.ChannelID, force bool) ([]byte, error)

	// IsMine reports whether a spending script belongs to the coordinator's
	// wallet. A script that cannot be classified is an error, never a guess.
	IsMine(script []byte) (bool, error)
}
