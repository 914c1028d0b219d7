package peers

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/karstnetwork/karst/pkg/types"
)

// testPeer builds a peer from a deterministic seed byte.
func testPeer(t *testing.T, seed byte, addrs ...string) *Peer {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed
	}
	pub := ed25519.NewKeyFromSeed(seedBytes).Public().(ed25519.PublicKey)

	peerAddrs := make([]PeerAddress, 0, len(addrs))
	for _, a := range addrs {
		pa, err := Addr(a, AddressSourceConfig)
		if err != nil {
			t.Fatalf("Addr(%q): %v", a, err)
		}
		peerAddrs = append(peerAddrs, pa)
	}

	p, err := NewPeer(pub, peerAddrs, FeatureNode)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	return p
}

func TestAddPeer_DerivesNodeID(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	p := testPeer(t, 1, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	got, err := m.FindByNodeID(types.NodeIDFromPublicKey(p.PublicKey))
	if err != nil {
		t.Fatalf("FindByNodeID: %v", err)
	}
	if got.NodeID != types.NodeIDFromPublicKey(got.PublicKey) {
		t.Error("NodeID must always match the public key derivation")
	}
	if len(got.Addresses) != 1 || got.Addresses[0].Raw != "/ip4/127.0.0.1/tcp/9000" {
		t.Errorf("expected the added address, got %+v", got.Addresses)
	}
}

func TestAddPeer_RejectsNodeIDMismatch(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	p := testPeer(t, 2, "/ip4/127.0.0.1/tcp/9000")
	p.NodeID[0] ^= 0xFF

	if err := m.AddPeer(p); !errors.Is(err, ErrNodeIDMismatch) {
		t.Errorf("expected ErrNodeIDMismatch, got %v", err)
	}
}

func TestAddPeer_MergesAddressUnion(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	first := testPeer(t, 3, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(first); err != nil {
		t.Fatal(err)
	}

	// Ban the peer, then re-add with a second address.
	if err := m.BanPeer(first.NodeID, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}

	second := testPeer(t, 3, "/ip4/10.0.0.1/tcp/9001")
	second.Features = FeatureClient
	if err := m.AddPeer(second); err != nil {
		t.Fatal(err)
	}

	got, err := m.FindByNodeID(first.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Addresses) != 2 {
		t.Errorf("expected 2 addresses after merge, got %d", len(got.Addresses))
	}
	if !got.Features.Has(FeatureNode) || !got.Features.Has(FeatureClient) {
		t.Error("expected feature union after merge")
	}
	if !got.IsBanned(time.Now()) {
		t.Error("merge must not regress ban state")
	}
	if m.Count() != 1 {
		t.Errorf("duplicate peers must merge, not duplicate: count=%d", m.Count())
	}
}

func TestFindByPublicKey(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	p := testPeer(t, 4, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}

	got, err := m.FindByPublicKey(p.PublicKey)
	if err != nil {
		t.Fatalf("FindByPublicKey: %v", err)
	}
	if got.NodeID != p.NodeID {
		t.Error("wrong peer returned")
	}

	other := testPeer(t, 5)
	if _, err := m.FindByPublicKey(other.PublicKey); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestFindAllStartsWith(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	var want []*Peer
	for seed := byte(10); seed < 20; seed++ {
		p := testPeer(t, seed, "/ip4/127.0.0.1/tcp/9000")
		if err := m.AddPeer(p); err != nil {
			t.Fatal(err)
		}
		want = append(want, p)
	}

	target := want[3]
	got := m.FindAllStartsWith(target.NodeID[:4])
	if len(got) != 1 || got[0].NodeID != target.NodeID {
		t.Errorf("expected exactly the matching peer, got %d results", len(got))
	}

	all := m.FindAllStartsWith(nil)
	if len(all) != 10 {
		t.Errorf("empty prefix should match all peers, got %d", len(all))
	}
}

func TestBanPeer_TierAndIdempotence(t *testing.T) {
	m := NewManager(Options{ShortBanDuration: time.Hour, LongBanDuration: 10 * time.Hour})
	defer m.Close()

	p := testPeer(t, 6, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}

	if err := m.BanPeer(p.NodeID, 10*time.Hour, "first"); err != nil {
		t.Fatal(err)
	}
	if !m.IsBanned(p.NodeID) {
		t.Fatal("expected active ban")
	}

	got, _ := m.FindByNodeID(p.NodeID)
	if got.BanTier != BanTierLong {
		t.Errorf("expected long tier for long duration, got %s", got.BanTier)
	}
	longExpiry := got.BanExpiry

	// A shorter re-ban must not shorten the expiry.
	if err := m.BanPeer(p.NodeID, time.Minute, "second"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.FindByNodeID(p.NodeID)
	if got.BanExpiry.Before(longExpiry) {
		t.Error("re-ban shortened the existing ban expiry")
	}
}

func TestBanPeer_AllowListExempt(t *testing.T) {
	p := testPeer(t, 7, "/ip4/127.0.0.1/tcp/9000")

	m := NewManager(Options{AllowList: []types.NodeID{p.NodeID}})
	defer m.Close()

	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}
	if err := m.BanPeer(p.NodeID, time.Hour, "should not stick"); err != nil {
		t.Fatal(err)
	}
	if m.IsBanned(p.NodeID) {
		t.Error("allow-listed peer must never be banned")
	}
}

func TestRecordViolation_EscalatesToTieredBan(t *testing.T) {
	m := NewManager(Options{
		ShortBanDuration:       time.Hour,
		LongBanDuration:        10 * time.Hour,
		BanEscalationThreshold: 3,
	})
	defer m.Close()

	p := testPeer(t, 8, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}

	m.RecordViolation(p.NodeID, "bad signature")
	m.RecordViolation(p.NodeID, "bad signature")
	if m.IsBanned(p.NodeID) {
		t.Fatal("banned before threshold")
	}

	m.RecordViolation(p.NodeID, "bad signature")
	if !m.IsBanned(p.NodeID) {
		t.Fatal("expected ban at violation threshold")
	}

	got, _ := m.FindByNodeID(p.NodeID)
	if got.BanTier != BanTierShort {
		t.Errorf("first ban should be short tier, got %s", got.BanTier)
	}

	// Clear the ban; the next escalation goes to the long tier.
	if err := m.Unban(p.NodeID); err != nil {
		t.Fatal(err)
	}
	m.RecordViolation(p.NodeID, "oversize frame")
	m.RecordViolation(p.NodeID, "oversize frame")
	m.RecordViolation(p.NodeID, "oversize frame")

	got, _ = m.FindByNodeID(p.NodeID)
	if got.BanTier != BanTierLong {
		t.Errorf("repeat offender should get long tier, got %s", got.BanTier)
	}
}

func TestDialFailures_MarkOffline(t *testing.T) {
	m := NewManager(Options{OfflineThreshold: 3})
	defer m.Close()

	p := testPeer(t, 9, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		m.RecordDialFailure(p.NodeID)
	}

	got, _ := m.FindByNodeID(p.NodeID)
	if !got.Offline {
		t.Error("expected peer marked offline after threshold failures")
	}
	if m.Count() != 1 {
		t.Error("offline peers must stay in the directory")
	}

	m.MarkConnected(p.NodeID)
	got, _ = m.FindByNodeID(p.NodeID)
	if got.Offline || got.DialFailures != 0 {
		t.Error("successful connection should clear offline state")
	}
}

func TestClosestPeers_OrderingAndExclusion(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	var added []*Peer
	for seed := byte(20); seed < 30; seed++ {
		p := testPeer(t, seed, "/ip4/127.0.0.1/tcp/9000")
		if err := m.AddPeer(p); err != nil {
			t.Fatal(err)
		}
		added = append(added, p)
	}

	target := added[0].NodeID

	got := m.ClosestPeers(target, 5, nil)
	if len(got) != 5 {
		t.Fatalf("expected 5 peers, got %d", len(got))
	}
	// Verify the ordering is by increasing XOR distance.
	for i := 1; i < len(got); i++ {
		if got[i].NodeID.CloserTo(target, got[i-1].NodeID) {
			t.Fatal("closest peers not ordered by distance")
		}
	}

	// Banned peers are excluded.
	if err := m.BanPeer(got[0].NodeID, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}
	after := m.ClosestPeers(target, 10, nil)
	for _, p := range after {
		if p.NodeID == got[0].NodeID {
			t.Error("banned peer selected by ClosestPeers")
		}
	}

	// Explicit exclusions are honoured.
	exclude := map[types.NodeID]struct{}{added[1].NodeID: {}}
	for _, p := range m.ClosestPeers(target, 10, exclude) {
		if p.NodeID == added[1].NodeID {
			t.Error("excluded peer selected by ClosestPeers")
		}
	}
}

func TestSubscribe_ReceivesDirectoryEvents(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	events := m.Subscribe()

	p := testPeer(t, 31, "/ip4/127.0.0.1/tcp/9000")
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventPeerAdded || ev.NodeID != p.NodeID {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received for AddPeer")
	}

	if err := m.BanPeer(p.NodeID, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.Kind != EventPeerBanned {
			t.Errorf("expected ban event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received for BanPeer")
	}
}
