package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"os"
	"path/filepath"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/curve25519"

	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// NodeIdentity holds this node's long-lived keypair, the NodeID derived
// from it, and the addresses it advertises to peers.
//
// Two keys are carried: the Ed25519 signing key that the NodeID is
// derived from, and an X25519 key used for Diffie-Hellman shared-secret
// derivation on confidential envelopes. The X25519 key is derived
// deterministically from the Ed25519 seed, so a single key file covers
// both.
type NodeIdentity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	nodeID     types.NodeID

	dhPrivate [32]byte
	dhPublic  [32]byte

	addrs []ma.Multiaddr
}

// Load loads an identity from the given key file, generating and saving
// a fresh one if the file does not exist. Any other failure is fatal to
// node startup.
func Load(keyPath string) (*NodeIdentity, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Generate(keyPath)
		}
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key file: expected %d bytes, got %d",
			ed25519.PrivateKeySize, len(data))
	}

	return fromPrivateKey(ed25519.PrivateKey(data))
}

// Generate creates a new identity and writes the private key to keyPath
// with restricted permissions.
func Generate(keyPath string) (*NodeIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	id, err := fromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}

	logging.Info("generated new node identity",
		logging.NodeID(id.nodeID.Short()),
		"path", keyPath,
		logging.Component("identity"))

	return id, nil
}

// FromSeed builds an identity from a 32-byte Ed25519 seed. Used by tests
// and ephemeral in-memory nodes.
func FromSeed(seed []byte) (*NodeIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	return fromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

func fromPrivateKey(priv ed25519.PrivateKey) (*NodeIdentity, error) {
	pub := priv.Public().(ed25519.PublicKey)

	id := &NodeIdentity{
		privateKey: priv,
		publicKey:  pub,
		nodeID:     types.NodeIDFromPublicKey(pub),
	}

	// RFC 8032 scalar derivation: the X25519 private scalar is the
	// clamped first half of SHA-512(seed).
	h := sha512.Sum512(priv.Seed())
	copy(id.dhPrivate[:], h[:32])
	id.dhPrivate[0] &= 248
	id.dhPrivate[31] &= 127
	id.dhPrivate[31] |= 64

	pubBytes, err := curve25519.X25519(id.dhPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive dh public key: %w", err)
	}
	copy(id.dhPublic[:], pubBytes)

	return id, nil
}

// NodeID returns the routing identity derived from the public key.
func (n *NodeIdentity) NodeID() types.NodeID {
	return n.nodeID
}

// PublicKey returns the Ed25519 public key.
func (n *NodeIdentity) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// DhPublicKey returns the X25519 public key advertised for confidential
// messaging.
func (n *NodeIdentity) DhPublicKey() [32]byte {
	return n.dhPublic
}

// PrivateKey returns a copy of the Ed25519 private key, for handing to
// transport stacks that need the node identity.
func (n *NodeIdentity) PrivateKey() ed25519.PrivateKey {
	return append(ed25519.PrivateKey(nil), n.privateKey...)
}

// Sign signs a message with the identity key.
func (n *NodeIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(n.privateKey, message)
}

// SharedSecret computes the X25519 shared secret between this identity
// and a remote public key. The remote key may be a peer's static DH key
// or the ephemeral key from an envelope header.
func (n *NodeIdentity) SharedSecret(remotePublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(n.dhPrivate[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return secret, nil
}

// SetAddresses replaces the advertised addresses.
func (n *NodeIdentity) SetAddresses(addrs []ma.Multiaddr) {
	n.addrs = addrs
}

// Addresses returns the advertised addresses.
func (n *NodeIdentity) Addresses() []ma.Multiaddr {
	return n.addrs
}
