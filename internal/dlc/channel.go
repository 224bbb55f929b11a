package dlc

import "time"

// ChannelState is the lifecycle state of the coordinator's durable shadow of
// a DLC channel. The authoritative state lives in the contract engine; this
// enum only tracks the coarse transitions the coordinator cares about.
type ChannelState int32

const (
	ChannelStateUnknown ChannelState = iota
	ChannelStatePending
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
	ChannelStateFailed
	ChannelStateCancelled
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStatePending:
		return "Pending"
	case ChannelStateOpen:
		return "Open"
	case ChannelStateClosing:
		return "Closing"
	case ChannelStateClosed:
		return "Closed"
	case ChannelStateFailed:
		return "Failed"
	case ChannelStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ChannelStateFromString parses the stored representation of a channel state.
func ChannelStateFromString(s string) ChannelState {
	switch s {
	case "Pending":
		return ChannelStatePending
	case "Open":
		return ChannelStateOpen
	case "Closing":
		return ChannelStateClosing
	case "Closed":
		return ChannelStateClosed
	case "Failed":
		return ChannelStateFailed
	case "Cancelled":
		return ChannelStateCancelled
	default:
		return ChannelStateUnknown
	}
}

// Channel is the durable shadow of a DLC channel known to the contract
// engine. Created on the first Offered event and owned exclusively by the
// reconciler; the settlement updater and the protocol executor only read it.
//
// Transaction id fields are populated monotonically: once set, a field is
// never overwritten with a different value.
type Channel struct {
	// OpenProtocolID is the protocol execution that created the channel.
	// Failed/Cancelled transitions are keyed by it because the engine may no
	// longer know the channel at that point.
	OpenProtocolID ProtocolID

	ChannelID    ChannelID
	Trader       PublicKey
	ChannelState ChannelState

	// Current usable balances.
	TraderReserveSats      uint64
	CoordinatorReserveSats uint64

	// Original collateral, immutable after the channel is Open.
	CoordinatorFundingSats uint64
	TraderFundingSats      uint64

	FundingTxid *Txid
	CloseTxid   *Txid
	SettleTxid  *Txid
	BufferTxid  *Txid
	ClaimTxid   *Txid
	PunishTxid  *Txid

	CreatedAt time.Time
	UpdatedAt time.Time
}
