package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/karstnetwork/karst/pkg/types"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dht.NumNeighbours != 8 {
		t.Errorf("expected default num_neighbours 8, got %d", cfg.Dht.NumNeighbours)
	}
	if cfg.P2P.Network != types.NetworkMainnet {
		t.Errorf("expected default network mainnet, got %s", cfg.P2P.Network)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
p2p:
  network: testnet
  listen_addrs: ["/ip4/127.0.0.1/tcp/0"]
  dial_timeout: 5s
dht:
  num_neighbours: 4
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.P2P.Network != types.NetworkTestnet {
		t.Errorf("expected testnet, got %s", cfg.P2P.Network)
	}
	if cfg.P2P.DialTimeout != 5*time.Second {
		t.Errorf("expected 5s dial timeout, got %s", cfg.P2P.DialTimeout)
	}
	if cfg.Dht.NumNeighbours != 4 {
		t.Errorf("expected 4 neighbours, got %d", cfg.Dht.NumNeighbours)
	}
	// Untouched sections keep defaults.
	if cfg.Saf.MaxWantListLen != 256 {
		t.Errorf("expected default max_want_list_len, got %d", cfg.Saf.MaxWantListLen)
	}
}

func TestLoad_InvalidNetworkRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
p2p:
  network: devnet
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unknown network")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Dht.PropagationFactor = 6
	cfg.Saf.MaxWantListLen = 64

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Dht.PropagationFactor != 6 {
		t.Errorf("expected propagation factor 6, got %d", loaded.Dht.PropagationFactor)
	}
	if loaded.Saf.MaxWantListLen != 64 {
		t.Errorf("expected want list cap 64, got %d", loaded.Saf.MaxWantListLen)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addrs", func(c *Config) { c.P2P.ListenAddrs = nil }},
		{"zero neighbours", func(c *Config) { c.Dht.NumNeighbours = 0 }},
		{"zero want list", func(c *Config) { c.Saf.MaxWantListLen = 0 }},
		{"zero frame size", func(c *Config) { c.Rpc.MaxFrameSize = 0 }},
		{"connectivity above one", func(c *Config) { c.Connectivity.MinConnectivity = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := ExpandPath("~/x/y")
	if got != filepath.Join(home, "x/y") {
		t.Errorf("expected home expansion, got %s", got)
	}
	if ExpandPath("/abs/path") != "/abs/path" {
		t.Error("absolute paths should pass through")
	}
}
