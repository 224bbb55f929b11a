package dlc

import "errors"

// Error taxonomy of the reconciliation core. Per-event errors are logged at
// the dispatch boundary and never stop the consumption loop; Conflict and
// AlreadyFinalized surface to the command path.
var (
	// ErrNotFound is returned when a protocol, channel, contract or position
	// lookup fails where one was required.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a protocol execution is started with an id
	// that already exists.
	ErrConflict = errors.New("protocol id already exists")

	// ErrAlreadyFinalized is returned on a second finalization attempt of the
	// same protocol execution.
	ErrAlreadyFinalized = errors.New("protocol already finalized")

	// ErrMissingReferenceID is returned when a channel event that requires a
	// correlation id arrived without one. The event is dropped after logging;
	// redelivery would carry the same missing id.
	ErrMissingReferenceID = errors.New("channel event carries no reference id")

	// ErrUnexpectedChannelState is returned when the engine reports a channel
	// snapshot inconsistent with the event tag.
	ErrUnexpectedChannelState = errors.New("dlc channel in unexpected state")

	// ErrUnexpectedContractState is returned when a contract is not in a
	// closable state at settlement time.
	ErrUnexpectedContractState = errors.New("contract in unexpected state")
)
