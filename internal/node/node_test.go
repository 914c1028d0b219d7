package node

import (
	"strings"
	"testing"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/karstnetwork/karst/pkg/types"
)

func TestParseAllowList(t *testing.T) {
	id := types.NodeID{0xab, 0xcd}
	got, err := parseAllowList([]string{id.String()})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != id {
		t.Errorf("parsed %v, want %v", got, id)
	}
}

func TestParseAllowList_RejectsGarbage(t *testing.T) {
	if _, err := parseAllowList([]string{"not-hex"}); err == nil {
		t.Error("expected error for invalid entry")
	}
	if _, err := parseAllowList([]string{strings.Repeat("ab", 31)}); err == nil {
		t.Error("expected error for short entry")
	}
}

func TestAdvertisedAddrs_PrefersBound(t *testing.T) {
	bound, err := ma.NewMultiaddr("/ip4/10.0.0.1/tcp/18189")
	if err != nil {
		t.Fatal(err)
	}
	got := advertisedAddrs([]ma.Multiaddr{bound}, []string{"/ip4/0.0.0.0/tcp/18189"})
	if len(got) != 1 || !got[0].Equal(bound) {
		t.Errorf("unexpected addrs %v", got)
	}
}

func TestAdvertisedAddrs_FallsBackToConfig(t *testing.T) {
	got := advertisedAddrs(nil, []string{"/ip4/0.0.0.0/tcp/18189", "bogus"})
	if len(got) != 1 {
		t.Fatalf("expected 1 parseable addr, got %d", len(got))
	}
	if got[0].String() != "/ip4/0.0.0.0/tcp/18189" {
		t.Errorf("addr = %s", got[0])
	}
}
