package peers

import "errors"

var (
	// ErrPeerNotFound is returned when no directory entry matches.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrInvalidAddress is returned for unparseable multiaddresses.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrNodeIDMismatch is returned when a record's NodeID does not match
	// the derivation from its public key.
	ErrNodeIDMismatch = errors.New("node id does not match public key")
)
