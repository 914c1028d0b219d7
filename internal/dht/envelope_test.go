package dht

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/karstnetwork/karst/pkg/types"
)

func TestEnvelope_WireRoundTrip(t *testing.T) {
	env := &Envelope{
		Header: Header{
			Version:     1,
			MessageType: types.MessageTypeBlock,
			Network:     types.NetworkLocalnet,
			Destination: ToNodeID(types.NodeID{1, 2, 3}),
			OriginMAC:   []byte("mac"),
			Nonce:       42,
			HopCount:    8,
			Expires:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		},
		Body: []byte("block bytes"),
	}

	var buf bytes.Buffer
	if err := env.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Header.MessageType != env.Header.MessageType {
		t.Errorf("message type: got %s, want %s", got.Header.MessageType, env.Header.MessageType)
	}
	if got.Header.Nonce != env.Header.Nonce {
		t.Errorf("nonce: got %d, want %d", got.Header.Nonce, env.Header.Nonce)
	}
	if got.Header.Destination.NodeID != env.Header.Destination.NodeID {
		t.Error("destination lost in round trip")
	}
	if !bytes.Equal(got.Body, env.Body) {
		t.Error("body lost in round trip")
	}
	if !got.Header.Expires.Equal(env.Header.Expires) {
		t.Errorf("expires: got %v, want %v", got.Header.Expires, env.Header.Expires)
	}
}

func TestEnvelope_RejectsOversizeBody(t *testing.T) {
	env := &Envelope{
		Header: Header{
			Version:     1,
			MessageType: types.MessageTypeBlock,
			Network:     types.NetworkLocalnet,
			Destination: Unknown(),
			OriginMAC:   []byte("mac"),
			Nonce:       1,
		},
		Body: make([]byte, MaxBodySize+1),
	}

	var buf bytes.Buffer
	if err := env.WriteTo(&buf); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestReadEnvelope_RejectsOversizeFrame(t *testing.T) {
	// Hand-craft a header frame claiming a length past the cap.
	frame := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadEnvelope(bytes.NewReader(frame)); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestEnvelope_ValidateEncryptedRequiresEphemeralKey(t *testing.T) {
	env := &Envelope{
		Header: Header{
			Version:     1,
			MessageType: types.MessageTypeTransaction,
			Network:     types.NetworkLocalnet,
			Destination: Unknown(),
			Flags:       FlagEncrypted,
			OriginMAC:   []byte("mac"),
			Nonce:       1,
		},
	}
	if err := env.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestDestination_TargetNodeID(t *testing.T) {
	id := types.NodeID{9, 9, 9}
	if target, ok := ToNodeID(id).TargetNodeID(); !ok || target != id {
		t.Error("node id destination must resolve to itself")
	}

	pub := bytes.Repeat([]byte{7}, 32)
	target, ok := ToPublicKey(pub).TargetNodeID()
	if !ok || target != types.NodeIDFromPublicKey(pub) {
		t.Error("public key destination must resolve to the derived node id")
	}

	if _, ok := Unknown().TargetNodeID(); ok {
		t.Error("broadcast destination has no routing target")
	}
}

func TestDedupCache_EvictsOldestAtCapacity(t *testing.T) {
	c := newDedupCache(3)

	digests := make([][32]byte, 5)
	for i := range digests {
		digests[i][0] = byte(i)
		if c.Observe(digests[i]) {
			t.Fatalf("fresh digest %d reported as duplicate", i)
		}
	}

	if c.Len() != 3 {
		t.Errorf("expected capacity-bounded cache, got %d entries", c.Len())
	}
	// The two oldest were evicted and read as fresh again.
	if c.Observe(digests[0]) {
		t.Error("evicted digest still reported as duplicate")
	}
	if !c.Observe(digests[4]) {
		t.Error("recent digest lost from cache")
	}
}
