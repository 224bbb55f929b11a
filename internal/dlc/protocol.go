package dlc

import "time"

// ProtocolType tags the kind of negotiation a protocol execution performs.
type ProtocolType int32

const (
	ProtocolTypeUnknown ProtocolType = iota
	ProtocolTypeOpenChannel
	ProtocolTypeOpenPosition
	ProtocolTypeSettle
	ProtocolTypeRollover
	ProtocolTypeResizePosition
	ProtocolTypeClose
	ProtocolTypeForceClose
)

func (t ProtocolType) String() string {
	switch t {
	case ProtocolTypeOpenChannel:
		return "OpenChannel"
	case ProtocolTypeOpenPosition:
		return "OpenPosition"
	case ProtocolTypeSettle:
		return "Settle"
	case ProtocolTypeRollover:
		return "Rollover"
	case ProtocolTypeResizePosition:
		return "ResizePosition"
	case ProtocolTypeClose:
		return "Close"
	case ProtocolTypeForceClose:
		return "ForceClose"
	default:
		return "Unknown"
	}
}

// ProtocolTypeFromString parses the stored representation of a protocol type.
func ProtocolTypeFromString(s string) ProtocolType {
	switch s {
	case "OpenChannel":
		return ProtocolTypeOpenChannel
	case "OpenPosition":
		return ProtocolTypeOpenPosition
	case "Settle":
		return ProtocolTypeSettle
	case "Rollover":
		return ProtocolTypeRollover
	case "ResizePosition":
		return ProtocolTypeResizePosition
	case "Close":
		return ProtocolTypeClose
	case "ForceClose":
		return ProtocolTypeForceClose
	default:
		return ProtocolTypeUnknown
	}
}

// AffectsPosition reports whether completing a protocol of this type changes
// the trader's position, i.e. whether the position feed must be notified on
// finalization.
func (t ProtocolType) AffectsPosition() bool {
	switch t {
	case ProtocolTypeOpenPosition,
		ProtocolTypeSettle,
		ProtocolTypeRollover,
		ProtocolTypeResizePosition,
		ProtocolTypeClose,
		ProtocolTypeForceClose:
		return true
	default:
		return false
	}
}

// ProtocolState is the terminal status of a protocol execution. It is set
// exactly once; Pending records are never deleted.
type ProtocolState int32

const (
	ProtocolStatePending ProtocolState = iota
	ProtocolStateSuccess
	ProtocolStateFailed
	ProtocolStateCancelled
)

func (s ProtocolState) String() string {
	switch s {
	case ProtocolStatePending:
		return "Pending"
	case ProtocolStateSuccess:
		return "Success"
	case ProtocolStateFailed:
		return "Failed"
	case ProtocolStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func ProtocolStateFromString(s string) ProtocolState {
	switch s {
	case "Success":
		return ProtocolStateSuccess
	case "Failed":
		return ProtocolStateFailed
	case "Cancelled":
		return ProtocolStateCancelled
	default:
		return ProtocolStatePending
	}
}

// Protocol is one row per attempted channel state transition or negotiation.
// PreviousProtocolID chains successive executions over the same channel into
// a causal history (open -> settle -> rollover -> ...).
type Protocol struct {
	ProtocolID         ProtocolID
	PreviousProtocolID *ProtocolID
	ChannelID          ChannelID
	// ContractID is only populated for protocols that negotiate a contract.
	ContractID    *ContractID
	Trader        PublicKey
	ProtocolType  ProtocolType
	ProtocolState ProtocolState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
