package connectivity

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/pkg/types"
)

type fakeCounter struct{ n int }

func (f *fakeCounter) ActiveConnections() int { return f.n }

func addPeer(t *testing.T, pm *peers.Manager, seed byte) types.NodeID {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed
	}
	pub := ed25519.NewKeyFromSeed(seedBytes).Public().(ed25519.PublicKey)
	p, err := peers.NewPeer(pub, nil, peers.FeatureNode)
	if err != nil {
		t.Fatal(err)
	}
	if err := pm.AddPeer(p); err != nil {
		t.Fatal(err)
	}
	return p.NodeID
}

func newMonitor(t *testing.T) (*Monitor, *fakeCounter, *peers.Manager) {
	t.Helper()
	pm := peers.NewManager(peers.Options{})
	t.Cleanup(pm.Close)
	counter := &fakeCounter{}
	m := NewMonitor(config.DefaultConnectivityConfig(), counter, pm)
	t.Cleanup(m.Close)
	return m, counter, pm
}

func TestMonitor_InitializingUntilPeersKnown(t *testing.T) {
	m, _, _ := newMonitor(t)

	if got := m.Evaluate(); got != StateInitializing {
		t.Errorf("empty directory should stay initializing, got %s", got)
	}
}

func TestMonitor_TransitionsThroughStates(t *testing.T) {
	m, counter, pm := newMonitor(t)
	for seed := byte(1); seed <= 10; seed++ {
		addPeer(t, pm, seed)
	}

	// No connections at all: offline.
	if got := m.Evaluate(); got != StateOffline {
		t.Fatalf("expected offline, got %s", got)
	}

	// 4/10 connected beats the 0.3 minimum: online.
	counter.n = 4
	if got := m.Evaluate(); got != StateOnline {
		t.Fatalf("expected online, got %s", got)
	}

	// 1/10 is below the minimum but non-zero: degraded, after the
	// hysteresis window.
	counter.n = 1
	if got := m.Evaluate(); got != StateOnline {
		t.Fatalf("one bad reading must not leave online, got %s", got)
	}
	if got := m.Evaluate(); got != StateDegraded {
		t.Fatalf("expected degraded after second bad reading, got %s", got)
	}
}

func TestMonitor_RecoveryIsImmediate(t *testing.T) {
	m, counter, pm := newMonitor(t)
	for seed := byte(1); seed <= 10; seed++ {
		addPeer(t, pm, seed)
	}

	counter.n = 0
	if got := m.Evaluate(); got != StateOffline {
		t.Fatal("expected offline")
	}
	counter.n = 5
	if got := m.Evaluate(); got != StateOnline {
		t.Errorf("recovery should not wait for hysteresis, got %s", got)
	}
}

func TestMonitor_BannedAndOfflinePeersDoNotCount(t *testing.T) {
	m, counter, pm := newMonitor(t)
	var ids []types.NodeID
	for seed := byte(1); seed <= 4; seed++ {
		ids = append(ids, addPeer(t, pm, seed))
	}

	// 1 connected out of 4 known: degraded territory.
	counter.n = 1
	m.Evaluate()
	m.Evaluate()
	if got := m.State(); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	// Ban three; now 1 connected out of 1 reachable known: online.
	for _, id := range ids[1:] {
		if err := pm.BanPeer(id, time.Hour, "test"); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Evaluate(); got != StateOnline {
		t.Errorf("banned peers must not count as reachable, got %s", got)
	}
}

func TestMonitor_PublishesTransitions(t *testing.T) {
	m, counter, pm := newMonitor(t)
	for seed := byte(1); seed <= 5; seed++ {
		addPeer(t, pm, seed)
	}
	events := m.Subscribe()

	counter.n = 3
	m.Evaluate()

	select {
	case ev := <-events:
		if ev.State != StateOnline || ev.Connected != 3 || ev.Known != 5 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition event published")
	}
}
