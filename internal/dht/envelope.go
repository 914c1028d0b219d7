package dht

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/karstnetwork/karst/pkg/types"
)

const (
	// MaxHeaderSize bounds the serialized envelope header on the wire.
	MaxHeaderSize = 8 * 1024

	// MaxBodySize bounds the envelope body on the wire.
	MaxBodySize = 4 * 1024 * 1024

	// PropagationNonce is the reserved zero nonce. Original sends always
	// carry a non-zero random nonce, so zero can never collide with one.
	PropagationNonce uint64 = 0

	// DefaultHopCount is the initial hop budget for propagated messages.
	DefaultHopCount uint32 = 8
)

// Flags carries envelope characteristics.
type Flags uint32

const (
	// FlagEncrypted marks a confidential envelope: the body and the
	// origin MAC are AEAD-encrypted under an ECDH shared secret.
	FlagEncrypted Flags = 1 << iota
)

// IsEncrypted reports whether the encrypted flag is set.
func (f Flags) IsEncrypted() bool {
	return f&FlagEncrypted != 0
}

// DestinationKind discriminates the three destination forms.
type DestinationKind string

const (
	// DestinationUnknown is an undirected broadcast to the neighbourhood.
	DestinationUnknown DestinationKind = "unknown"
	// DestinationPublicKey routes to the holder of a public key.
	DestinationPublicKey DestinationKind = "public_key"
	// DestinationNodeID routes to a NodeID.
	DestinationNodeID DestinationKind = "node_id"
)

// Destination is the logical target of an envelope.
type Destination struct {
	Kind      DestinationKind `json:"kind"`
	PublicKey []byte          `json:"public_key,omitempty"`
	NodeID    types.NodeID    `json:"node_id,omitempty"`
}

// Unknown returns the broadcast destination.
func Unknown() Destination {
	return Destination{Kind: DestinationUnknown}
}

// ToPublicKey returns a destination routed to a public key holder.
func ToPublicKey(pub []byte) Destination {
	return Destination{Kind: DestinationPublicKey, PublicKey: pub}
}

// ToNodeID returns a destination routed to a NodeID.
func ToNodeID(id types.NodeID) Destination {
	return Destination{Kind: DestinationNodeID, NodeID: id}
}

// TargetNodeID resolves the routing target for closeness comparisons.
// Public-key destinations route toward the derived NodeID.
func (d Destination) TargetNodeID() (types.NodeID, bool) {
	switch d.Kind {
	case DestinationNodeID:
		return d.NodeID, true
	case DestinationPublicKey:
		return types.NodeIDFromPublicKey(d.PublicKey), true
	default:
		return types.NodeID{}, false
	}
}

// Header is the routing metadata attached to every DHT message.
type Header struct {
	Version     uint32            `json:"version"`
	MessageType types.MessageType `json:"message_type"`
	Network     types.Network     `json:"network"`
	Flags       Flags             `json:"flags"`
	Destination Destination       `json:"destination"`

	// OriginMAC is the serialized, possibly encrypted, origin signature
	// block proving which identity produced the body.
	OriginMAC []byte `json:"origin_mac"`

	// EphemeralPublicKey carries the sender's one-shot X25519 key when
	// the envelope is encrypted.
	EphemeralPublicKey []byte `json:"ephemeral_public_key,omitempty"`

	// Nonce is set once by the origin and preserved across hops. It
	// feeds the dedup digest so two sends of identical bytes stay
	// distinguishable.
	Nonce uint64 `json:"nonce"`

	// HopCount is the remaining propagation budget. The only header
	// field forwarders may change.
	HopCount uint32 `json:"hop_count"`

	Expires time.Time `json:"expires,omitempty"`
}

// Envelope is a routed message: header plus opaque body.
type Envelope struct {
	Header Header
	Body   []byte
}

// Envelope validation errors.
var (
	ErrHeaderTooLarge  = errors.New("envelope header exceeds maximum size")
	ErrBodyTooLarge    = errors.New("envelope body exceeds maximum size")
	ErrMalformedHeader = errors.New("malformed envelope header")
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrExpiredEnvelope = errors.New("envelope expired")
)

// Validate checks structural invariants independent of crypto.
func (e *Envelope) Validate() error {
	h := &e.Header
	if h.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidEnvelope)
	}
	if h.MessageType == "" {
		return fmt.Errorf("%w: missing message type", ErrInvalidEnvelope)
	}
	switch h.Destination.Kind {
	case DestinationUnknown, DestinationPublicKey, DestinationNodeID:
	default:
		return fmt.Errorf("%w: unknown destination kind %q", ErrInvalidEnvelope, h.Destination.Kind)
	}
	if h.Flags.IsEncrypted() {
		if len(h.EphemeralPublicKey) != 32 {
			return fmt.Errorf("%w: encrypted envelope missing ephemeral key", ErrInvalidEnvelope)
		}
		if len(h.OriginMAC) == 0 {
			return fmt.Errorf("%w: encrypted envelope missing origin mac", ErrInvalidEnvelope)
		}
	}
	return nil
}

// IsExpired reports whether the envelope's expiry has passed.
func (e *Envelope) IsExpired(now time.Time) bool {
	return !e.Header.Expires.IsZero() && now.After(e.Header.Expires)
}

// WriteTo serializes the envelope as a length-prefixed JSON header
// followed by the length-prefixed body. Both prefixes are 4-byte big
// endian, matching the rest of the wire protocol.
func (e *Envelope) WriteTo(w io.Writer) error {
	headerBytes, err := json.Marshal(&e.Header)
	if err != nil {
		return fmt.Errorf("marshal envelope header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	if len(e.Body) > MaxBodySize {
		return ErrBodyTooLarge
	}

	if err := writeLengthPrefixed(w, headerBytes); err != nil {
		return fmt.Errorf("write envelope header: %w", err)
	}
	if err := writeLengthPrefixed(w, e.Body); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one envelope off the wire, enforcing size bounds
// before allocating.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	headerBytes, err := readLengthPrefixed(r, MaxHeaderSize)
	if err != nil {
		if errors.Is(err, errFrameTooLarge) {
			return nil, ErrHeaderTooLarge
		}
		return nil, fmt.Errorf("read envelope header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	body, err := readLengthPrefixed(r, MaxBodySize)
	if err != nil {
		if errors.Is(err, errFrameTooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, fmt.Errorf("read envelope body: %w", err)
	}

	env := &Envelope{Header: header, Body: body}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

var errFrameTooLarge = errors.New("frame exceeds maximum size")

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader, max int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if int(length) > max {
		return nil, errFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
