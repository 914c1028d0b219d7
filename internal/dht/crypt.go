package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/karstnetwork/karst/pkg/types"
)

// Confidential envelopes use ChaCha20-Poly1305 keyed from an X25519
// shared secret: the sender generates an ephemeral keypair, computes the
// secret against the recipient's static DH key, and attaches the
// ephemeral public key in the header. The body and the origin MAC are
// both sealed; forwarders see only opaque ciphertext.

var (
	ErrDecryptionFailed = errors.New("envelope decryption failed")
	ErrBadOriginMAC     = errors.New("origin mac verification failed")
)

// originMAC proves which identity authored an envelope body. The
// signature covers a challenge binding the header's immutable fields to
// the body, so a forwarder cannot splice a signed body under a different
// header.
type originMAC struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// originChallenge hashes the header fields that must not change in
// transit together with the body. HopCount is excluded: it decrements
// at every hop.
func originChallenge(h *Header, body []byte) []byte {
	d := sha256.New()

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], h.Version)
	d.Write(scratch[:4])
	d.Write([]byte(h.MessageType))
	d.Write([]byte(h.Network))
	binary.BigEndian.PutUint32(scratch[:4], uint32(h.Flags))
	d.Write(scratch[:4])

	d.Write([]byte(h.Destination.Kind))
	d.Write(h.Destination.PublicKey)
	d.Write(h.Destination.NodeID[:])

	d.Write(h.EphemeralPublicKey)
	binary.BigEndian.PutUint64(scratch[:], h.Nonce)
	d.Write(scratch[:])
	if !h.Expires.IsZero() {
		binary.BigEndian.PutUint64(scratch[:], uint64(h.Expires.Unix()))
		d.Write(scratch[:])
	}

	d.Write(body)
	return d.Sum(nil)
}

// signOrigin produces the serialized origin MAC for a header and body.
// The header's EphemeralPublicKey and flags must be final before
// signing.
func signOrigin(sign func([]byte) []byte, pub ed25519.PublicKey, h *Header, body []byte) ([]byte, error) {
	mac := originMAC{
		PublicKey: pub,
		Signature: sign(originChallenge(h, body)),
	}
	data, err := json.Marshal(&mac)
	if err != nil {
		return nil, fmt.Errorf("marshal origin mac: %w", err)
	}
	return data, nil
}

// verifyOrigin checks a plaintext origin MAC against the header and body
// and returns the authenticated origin public key.
func verifyOrigin(macBytes []byte, h *Header, body []byte) (ed25519.PublicKey, error) {
	var mac originMAC
	if err := json.Unmarshal(macBytes, &mac); err != nil {
		return nil, fmt.Errorf("%w: malformed mac block", ErrBadOriginMAC)
	}
	if len(mac.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key length", ErrBadOriginMAC)
	}
	if !ed25519.Verify(ed25519.PublicKey(mac.PublicKey), originChallenge(h, body), mac.Signature) {
		return nil, ErrBadOriginMAC
	}
	return ed25519.PublicKey(mac.PublicKey), nil
}

// aeadKey derives the symmetric key from an X25519 shared secret.
func aeadKey(secret []byte) []byte {
	key := sha256.Sum256(secret)
	return key[:]
}

// aeadSeal encrypts plaintext under the shared secret. The random nonce
// is prepended to the ciphertext.
func aeadSeal(secret, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(aeadKey(secret))
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// aeadOpen reverses aeadSeal. Failure means the ciphertext was not
// produced for this secret, which for inbound envelopes usually means
// the message is not addressed to us.
func aeadOpen(secret, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(aeadKey(secret))
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EnvelopeDigest keys the dedup cache. Forwarders only touch the hop
// count, which is excluded here, so identical copies arriving on
// different propagation paths collide on the same digest.
func EnvelopeDigest(e *Envelope) [32]byte {
	d := sha256.New()
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], e.Header.Nonce)
	d.Write(scratch[:])
	d.Write([]byte(e.Header.MessageType))
	d.Write(e.Header.OriginMAC)
	d.Write(e.Body)

	var digest [32]byte
	copy(digest[:], d.Sum(nil))
	return digest
}

// newNonce draws a random non-zero nonce for an original send.
func newNonce() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate nonce: %w", err)
		}
		n := binary.BigEndian.Uint64(buf[:])
		if n != PropagationNonce {
			return n, nil
		}
	}
}

// originNodeID derives the NodeID of an authenticated origin key.
func originNodeID(pub ed25519.PublicKey) types.NodeID {
	return types.NodeIDFromPublicKey(pub)
}
