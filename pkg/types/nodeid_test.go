package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestNodeIDFromPublicKey_Deterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	a := NodeIDFromPublicKey(pub)
	b := NodeIDFromPublicKey(pub)

	if a != b {
		t.Error("expected identical NodeIDs for the same public key")
	}
	if a.IsZero() {
		t.Error("derived NodeID should not be zero")
	}
}

func TestNodeIDFromHex_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id := NodeIDFromPublicKey(pub)

	parsed, err := NodeIDFromHex(id.String())
	if err != nil {
		t.Fatalf("NodeIDFromHex: %v", err)
	}
	if parsed != id {
		t.Error("hex round trip changed the NodeID")
	}
}

func TestNodeIDFromHex_Invalid(t *testing.T) {
	if _, err := NodeIDFromHex("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := NodeIDFromHex("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestNodeID_Distance(t *testing.T) {
	var a, b NodeID
	a[0] = 0xF0
	b[0] = 0x0F

	d := a.Distance(b)
	if d[0] != 0xFF {
		t.Errorf("expected distance byte 0xFF, got %#x", d[0])
	}

	// Distance to self is zero.
	if !a.Distance(a).IsZero() {
		t.Error("distance to self should be zero")
	}

	// Symmetric.
	if a.Distance(b) != b.Distance(a) {
		t.Error("XOR distance should be symmetric")
	}
}

func TestNodeID_CloserTo(t *testing.T) {
	var target, near, far NodeID
	target[0] = 0x10
	near[0] = 0x11 // distance 0x01
	far[0] = 0x80  // distance 0x90

	if !near.CloserTo(target, far) {
		t.Error("expected near to be closer to target than far")
	}
	if far.CloserTo(target, near) {
		t.Error("expected far not to be closer to target than near")
	}
	if near.CloserTo(target, near) {
		t.Error("a NodeID is not strictly closer than itself")
	}
}

func TestNodeID_Cmp(t *testing.T) {
	var a, b NodeID
	b[NodeIDLen-1] = 1

	if a.Cmp(b) >= 0 {
		t.Error("expected a < b")
	}
	if b.Cmp(a) <= 0 {
		t.Error("expected b > a")
	}
	if a.Cmp(a) != 0 {
		t.Error("expected a == a")
	}
}

func TestMessageType_Classification(t *testing.T) {
	if !MessageTypeJoin.IsDht() {
		t.Error("join should be a DHT message type")
	}
	if MessageTypeBlock.IsDht() {
		t.Error("block should not be a DHT message type")
	}
	if !MessageTypeSafRequest.IsSaf() {
		t.Error("saf_request should be a SAF message type")
	}
	if MessageTypePing.IsSaf() {
		t.Error("ping should not be a SAF message type")
	}
}

func TestNetwork_IsValid(t *testing.T) {
	for _, n := range []Network{NetworkMainnet, NetworkTestnet, NetworkLocalnet} {
		if !n.IsValid() {
			t.Errorf("expected %q to be valid", n)
		}
	}
	if Network("devnet").IsValid() {
		t.Error("unknown network should be invalid")
	}
}
