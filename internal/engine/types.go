package engine

import (
	"DlcCoordinator/internal/dlc"
)

// ChannelStatus tags the contract engine's channel snapshot. The engine
// models channels as a closed hierarchy of structurally distinct states;
// this mirrors that hierarchy as a tag plus per-state payloads.
type ChannelStatus int32

const (
	StatusUnknown ChannelStatus = iota
	StatusOffered
	StatusAccepted
	// StatusSigned covers every fully signed channel; the sub-state lives in
	// Channel.Signed.
	StatusSigned
	StatusClosing
	StatusSettledClosing
	StatusClosed
	StatusCounterClosed
	StatusCollaborativelyClosed
	StatusClosedPunished
	StatusFailedAccept
	StatusFailedSign
	StatusCancelled
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusOffered:
		return "Offered"
	case StatusAccepted:
		return "Accepted"
	case StatusSigned:
		return "Signed"
	case StatusClosing:
		return "Closing"
	case StatusSettledClosing:
		return "SettledClosing"
	case StatusClosed:
		return "Closed"
	case StatusCounterClosed:
		return "CounterClosed"
	case StatusCollaborativelyClosed:
		return "CollaborativelyClosed"
	case StatusClosedPunished:
		return "ClosedPunished"
	case StatusFailedAccept:
		return "FailedAccept"
	case StatusFailedSign:
		return "FailedSign"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// SignedSubState is the sub-state of a fully signed channel.
type SignedSubState int32

const (
	SubStateUnknown SignedSubState = iota
	SubStateEstablished
	SubStateSettled
	SubStateSettledClosing
	SubStateClosing
	SubStateCollaborativeCloseOffered
)

func (s SignedSubState) String() string {
	switch s {
	case SubStateEstablished:
		return "Established"
	case SubStateSettled:
		return "Settled"
	case SubStateSettledClosing:
		return "SettledClosing"
	case SubStateClosing:
		return "Closing"
	case SubStateCollaborativeCloseOffered:
		return "CollaborativeCloseOffered"
	default:
		return "Unknown"
	}
}

// Channel is the engine's snapshot of a DLC channel. Exactly one of the
// payload pointers matching Status is populated.
type Channel struct {
	ID           dlc.ChannelID `json:"id"`
	CounterParty dlc.PublicKey `json:"counter_party"`
	ReferenceID  []byte        `json:"reference_id,omitempty"`
	Status       ChannelStatus `json:"status"`

	Signed         *SignedChannel         `json:"signed,omitempty"`
	Closing        *ClosingChannel        `json:"closing,omitempty"`
	SettledClosing *SettledClosingChannel `json:"settled_closing,omitempty"`
	Closed         *ClosedChannel         `json:"closed,omitempty"`
	Punished       *PunishedChannel       `json:"punished,omitempty"`
}

// SignedChannel carries the payload of a fully signed channel: the funding
// transaction, both parties' collateral, and sub-state specific transactions.
type SignedChannel struct {
	SubState              SignedSubState `json:"sub_state"`
	FundingTxid           dlc.Txid       `json:"funding_txid"`
	OwnCollateralSats     uint64         `json:"own_collateral_sats"`
	CounterCollateralSats uint64         `json:"counter_collateral_sats"`

	// BufferTxid is set in SubStateClosing.
	BufferTxid *dlc.Txid `json:"buffer_txid,omitempty"`
	// SettleTxid is set in SubStateSettledClosing.
	SettleTxid *dlc.Txid `json:"settle_txid,omitempty"`
	// CloseTxid is set in SubStateCollaborativeCloseOffered.
	CloseTxid *dlc.Txid `json:"close_txid,omitempty"`
}

// ClosingChannel is a channel whose buffer transaction has been broadcast.
type ClosingChannel struct {
	BufferTxid dlc.Txid `json:"buffer_txid"`
}

// SettledClosingChannel is a channel force-closed from a settled state, with
// the settle transaction broadcast and a claim transaction spending from it.
type SettledClosingChannel struct {
	SettleTxid dlc.Txid `json:"settle_txid"`
	ClaimTxid  dlc.Txid `json:"claim_txid"`
}

// ClosedChannel carries the definitive closing transaction.
type ClosedChannel struct {
	ClosingTxid dlc.Txid `json:"closing_txid"`
}

// PunishedChannel is a channel closed by punishing a cheating counterparty.
type PunishedChannel struct {
	PunishTxid dlc.Txid `json:"punish_txid"`
}

// ContractState tags the engine's contract snapshot.
type ContractState int32

const (
	ContractUnknown ContractState = iota
	ContractOffered
	ContractAccepted
	ContractSigned
	ContractConfirmed
	// ContractPreClosed means the CET has been broadcast but is not yet
	// confirmed deeply enough.
	ContractPreClosed
	ContractClosed
	ContractRefunded
	ContractRejected
	ContractFailed
)

func (s ContractState) String() string {
	switch s {
	case ContractOffered:
		return "Offered"
	case ContractAccepted:
		return "Accepted"
	case ContractSigned:
		return "Signed"
	case ContractConfirmed:
		return "Confirmed"
	case ContractPreClosed:
		return "PreClosed"
	case ContractClosed:
		return "Closed"
	case ContractRefunded:
		return "Refunded"
	case ContractRejected:
		return "Rejected"
	case ContractFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Attestation is the oracle-signed outcome used to settle a contract. The
// outcome is decomposed into digits, one string per digit.
type Attestation struct {
	Outcomes []string `json:"outcomes"`
}

// TxOut is one output of a transaction.
type TxOut struct {
	ValueSats    uint64 `json:"value_sats"`
	ScriptPubKey []byte `json:"script_pubkey"`
}

// Transaction is the engine's view of a signed transaction, reduced to what
// settlement needs.
type Transaction struct {
	Txid    dlc.Txid `json:"txid"`
	Outputs []TxOut  `json:"outputs"`
}

// Contract is the engine's snapshot of a DLC contract.
type Contract struct {
	ID    dlc.ContractID `json:"id"`
	State ContractState  `json:"state"`
	// Attestations is populated once the oracle has attested.
	Attestations []Attestation `json:"attestations,omitempty"`
	// SignedCET is the signed contract execution transaction, present for
	// PreClosed contracts and for Closed contracts that settled via CET.
	SignedCET *Transaction `json:"signed_cet,omitempty"`
}
