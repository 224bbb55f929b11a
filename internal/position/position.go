package position

import (
	"time"

	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/dlc"
)

// State is the lifecycle state of a trader's trading position. The
// coordinator core only drives Open -> Closing (price unknown) and
// Closing -> Closed (price and pnl known); creation and the rest of the
// lifecycle belong to the wider trading system.
type State int32

const (
	StateUnknown State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func StateFromString(s string) State {
	switch s {
	case "Open":
		return StateOpen
	case "Closing":
		return StateClosing
	case "Closed":
		return StateClosed
	default:
		return StateUnknown
	}
}

// Position is a trader's open trading position. At most one position per
// trader is in Closing state at any time.
type Position struct {
	ID     int64
	Trader dlc.PublicKey
	State  State

	Quantity decimal.Decimal

	// ClosingPrice is unknown while Closing (the oracle has not attested
	// yet) and set when Closed.
	ClosingPrice *decimal.Decimal

	// RealizedPnlSat is set when the position closes.
	RealizedPnlSat *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
