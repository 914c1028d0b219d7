package peers

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")

	m := NewManager(Options{})
	defer m.Close()

	p := testPeer(t, 40, "/ip4/127.0.0.1/tcp/9000", "/ip4/10.0.0.1/tcp/9001")
	p.UserAgent = "karst/1.0"
	p.Protocols = []string{"/karst/rpc/chainmeta/1"}
	if err := m.AddPeer(p); err != nil {
		t.Fatal(err)
	}
	if err := m.BanPeer(p.NodeID, time.Hour, "flaky"); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewManager(Options{})
	defer fresh.Close()
	if err := fresh.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := fresh.FindByNodeID(p.NodeID)
	if err != nil {
		t.Fatalf("FindByNodeID after load: %v", err)
	}
	if len(got.Addresses) != 2 {
		t.Errorf("expected 2 addresses, got %d", len(got.Addresses))
	}
	if got.UserAgent != "karst/1.0" {
		t.Errorf("user agent lost: %q", got.UserAgent)
	}
	if !got.IsBanned(time.Now()) {
		t.Error("ban state lost in round trip")
	}
	if got.BanReason != "flaky" {
		t.Errorf("ban reason lost: %q", got.BanReason)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	if err := m.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("missing file should load as empty: %v", err)
	}
	if m.Count() != 0 {
		t.Error("expected empty directory")
	}
}

func TestLoad_MigratesV1Schema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")

	// Build a v1-format file: address entries without source tags.
	p := testPeer(t, 41, "/ip4/127.0.0.1/tcp/9000")
	v1 := directoryFile{
		SchemaVersion: 1,
		Peers: []peerRecord{{
			NodeID:    p.NodeID.String(),
			PublicKey: hex.EncodeToString(p.PublicKey),
			Addresses: []addressRecord{{Address: "/ip4/127.0.0.1/tcp/9000"}},
			LastSeen:  time.Now(),
		}},
	}
	data, err := json.Marshal(v1)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Options{})
	defer m.Close()
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := m.FindByNodeID(p.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Addresses[0].Source != AddressSourceConfig {
		t.Errorf("migration should tag legacy addresses as config, got %s", got.Addresses[0].Source)
	}

	// The file must have been rewritten at the current schema version.
	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var file directoryFile
	if err := json.Unmarshal(rewritten, &file); err != nil {
		t.Fatal(err)
	}
	if file.SchemaVersion != SchemaVersion {
		t.Errorf("expected rewritten schema v%d, got v%d", SchemaVersion, file.SchemaVersion)
	}
}

func TestLoad_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	data, err := json.Marshal(directoryFile{SchemaVersion: SchemaVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Options{})
	defer m.Close()
	if err := m.Load(path); err == nil {
		t.Error("expected error for newer schema version")
	}
}

func TestLoad_SkipsTamperedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")

	good := testPeer(t, 42, "/ip4/127.0.0.1/tcp/9000")
	bad := testPeer(t, 43, "/ip4/127.0.0.1/tcp/9001")
	badID := bad.NodeID
	badID[0] ^= 0xFF // tamper: stored NodeID no longer matches the key

	file := directoryFile{
		SchemaVersion: SchemaVersion,
		Peers: []peerRecord{
			toRecord(good),
			{
				NodeID:    badID.String(),
				PublicKey: hex.EncodeToString(bad.PublicKey),
				Addresses: []addressRecord{{Address: "/ip4/127.0.0.1/tcp/9001", Source: "config"}},
			},
		},
	}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Options{})
	defer m.Close()
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("expected only the valid record to load, got %d", m.Count())
	}
	if _, err := m.FindByNodeID(good.NodeID); err != nil {
		t.Error("valid record missing after load")
	}
}
