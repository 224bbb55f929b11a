package event

import (
	"encoding/json"
	"fmt"

	"DlcCoordinator/internal/dlc"
)

// ChannelEventType discriminates the channel lifecycle events emitted by the
// contract engine. The set is closed: the reconciler matches exhaustively and
// rejects unknown tags instead of silently ignoring them.
type ChannelEventType int32

const (
	ChannelEventUnknown ChannelEventType = iota
	ChannelEventOffered
	ChannelEventAccepted
	ChannelEventEstablished
	ChannelEventSettledOffered
	ChannelEventSettledReceived
	ChannelEventSettledAccepted
	ChannelEventSettledConfirmed
	ChannelEventSettled
	ChannelEventSettledClosing
	ChannelEventRenewOffered
	ChannelEventRenewAccepted
	ChannelEventRenewConfirmed
	ChannelEventRenewFinalized
	ChannelEventClosing
	ChannelEventClosedPunished
	ChannelEventCollaborativeCloseOffered
	ChannelEventClosed
	ChannelEventCounterClosed
	ChannelEventCollaborativelyClosed
	ChannelEventFailedAccept
	ChannelEventFailedSign
	ChannelEventCancelled
	ChannelEventDeleted
)

var channelEventNames = map[ChannelEventType]string{
	ChannelEventOffered:                   "Offered",
	ChannelEventAccepted:                  "Accepted",
	ChannelEventEstablished:               "Established",
	ChannelEventSettledOffered:            "SettledOffered",
	ChannelEventSettledReceived:           "SettledReceived",
	ChannelEventSettledAccepted:           "SettledAccepted",
	ChannelEventSettledConfirmed:          "SettledConfirmed",
	ChannelEventSettled:                   "Settled",
	ChannelEventSettledClosing:            "SettledClosing",
	ChannelEventRenewOffered:              "RenewOffered",
	ChannelEventRenewAccepted:             "RenewAccepted",
	ChannelEventRenewConfirmed:            "RenewConfirmed",
	ChannelEventRenewFinalized:            "RenewFinalized",
	ChannelEventClosing:                   "Closing",
	ChannelEventClosedPunished:            "ClosedPunished",
	ChannelEventCollaborativeCloseOffered: "CollaborativeCloseOffered",
	ChannelEventClosed:                    "Closed",
	ChannelEventCounterClosed:             "CounterClosed",
	ChannelEventCollaborativelyClosed:     "CollaborativelyClosed",
	ChannelEventFailedAccept:              "FailedAccept",
	ChannelEventFailedSign:                "FailedSign",
	ChannelEventCancelled:                 "Cancelled",
	ChannelEventDeleted:                   "Deleted",
}

func (t ChannelEventType) String() string {
	if name, ok := channelEventNames[t]; ok {
		return name
	}
	return "Unknown"
}

func (t ChannelEventType) MarshalText() ([]byte, error) {
	name, ok := channelEventNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown channel event type %d", int32(t))
	}
	return []byte(name), nil
}

func (t *ChannelEventType) UnmarshalText(text []byte) error {
	for typ, name := range channelEventNames {
		if name == string(text) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown channel event type %q", text)
}

// ChannelEvent is one channel lifecycle transition reported by the contract
// engine. ReferenceID is the correlation key linking the event back to the
// protocol execution that caused it; not every event carries one.
type ChannelEvent struct {
	Type        ChannelEventType `json:"type"`
	ReferenceID []byte           `json:"reference_id,omitempty"`
}

// ProtocolID decodes the event's reference id into a protocol execution id.
// Returns dlc.ErrMissingReferenceID when the event carries none.
func (e ChannelEvent) ProtocolID() (dlc.ProtocolID, error) {
	if len(e.ReferenceID) == 0 {
		return dlc.ProtocolID{}, dlc.ErrMissingReferenceID
	}
	return dlc.ProtocolIDFromReferenceID(e.ReferenceID)
}

// ParseChannelEvent decodes the engine's wire representation of an event.
func ParseChannelEvent(data []byte) (ChannelEvent, error) {
	var ev ChannelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChannelEvent{}, fmt.Errorf("decode channel event: %w", err)
	}
	return ev, nil
}
