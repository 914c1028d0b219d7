package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NodeIDLen is the length of a NodeID in bytes.
const NodeIDLen = 32

// NodeID is a SHA-256 hash of an Ed25519 public key. It is the stable
// routing identity of a node: all closeness comparisons on the overlay
// are computed over NodeIDs, never over raw public keys or addresses.
type NodeID [NodeIDLen]byte

// NodeIDFromPublicKey derives the NodeID for a public key. The derivation
// is deterministic; a peer record whose NodeID does not match its public
// key is invalid.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(sha256.Sum256(pub))
}

// NodeIDFromHex parses a hex-encoded NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id hex: %w", err)
	}
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("invalid node id length: got %d, want %d", len(b), NodeIDLen)
	}
	copy(id[:], b)
	return id, nil
}

// String returns the NodeID as a hex string.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns a truncated hex form suitable for log fields.
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:8])
}

// MarshalText encodes the NodeID as hex, so JSON and YAML carry the
// same representation as logs and the CLI.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := NodeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// IsZero returns true if the NodeID is all zero bytes.
func (n NodeID) IsZero() bool {
	var zero NodeID
	return n == zero
}

// Distance returns the XOR distance between two NodeIDs. Smaller distance
// means closer on the overlay.
func (n NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range n {
		d[i] = n[i] ^ other[i]
	}
	return d
}

// Cmp compares two NodeIDs as big-endian byte strings and returns
// -1, 0 or 1. Used both for distance ordering and for the deterministic
// tie-break between simultaneous connections.
func (n NodeID) Cmp(other NodeID) int {
	return bytes.Compare(n[:], other[:])
}

// CloserTo reports whether n is strictly closer to target than other is.
func (n NodeID) CloserTo(target, other NodeID) bool {
	return n.Distance(target).Cmp(other.Distance(target)) < 0
}
