package peers

import (
	"crypto/ed25519"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/karstnetwork/karst/pkg/types"
)

// AddressSource records how an address entered the directory. Sources are
// ranked: an identity claim from the peer itself outranks discovery
// gossip, which outranks static config.
type AddressSource string

const (
	AddressSourceConfig        AddressSource = "config"
	AddressSourceDiscovery     AddressSource = "discovery"
	AddressSourceIdentityClaim AddressSource = "identity_claim"
)

// PeerAddress is one advertised multiaddress with provenance and a
// liveness score updated on connection outcomes.
type PeerAddress struct {
	Address  ma.Multiaddr
	Source   AddressSource
	Quality  int
	LastSeen time.Time

	// Raw holds the serialized multiaddress for persistence.
	Raw string
}

// Features flags what role a peer plays on the network.
type Features uint32

const (
	// FeatureNode is a full node that participates in routing and SAF.
	FeatureNode Features = 1 << iota
	// FeatureClient is a light client that sends and receives only.
	FeatureClient
)

// Has returns true if all the given feature bits are set.
func (f Features) Has(other Features) bool {
	return f&other == other
}

// BanTier distinguishes short first-offence bans from long escalated ones.
type BanTier string

const (
	BanTierShort BanTier = "short"
	BanTierLong  BanTier = "long"
)

// Peer is one entry in the directory. The NodeID is always re-derivable
// from the public key; AddPeer enforces the match.
type Peer struct {
	PublicKey ed25519.PublicKey
	NodeID    types.NodeID

	// DhPublicKey is the peer's X25519 key for confidential envelopes,
	// learned from its identity claim. Zero until the peer announces it.
	DhPublicKey [32]byte

	Addresses []PeerAddress
	Features  Features
	Protocols []string
	UserAgent string

	LastSeen      time.Time
	LastConnected time.Time

	Banned    bool
	BanTier   BanTier
	BanReason string
	BanExpiry time.Time
	BanCount  int

	Violations   int
	DialFailures int

	// Offline marks peers past the dial failure threshold. They stay in
	// the directory but do not count as reachable for connectivity.
	Offline bool
}

// NewPeer builds a peer record from a public key, deriving the NodeID.
func NewPeer(pub ed25519.PublicKey, addrs []PeerAddress, features Features) (*Peer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
	for i := range addrs {
		if addrs[i].Address == nil {
			parsed, err := ma.NewMultiaddr(addrs[i].Raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addrs[i].Raw)
			}
			addrs[i].Address = parsed
		} else {
			addrs[i].Raw = addrs[i].Address.String()
		}
	}
	return &Peer{
		PublicKey: pub,
		NodeID:    types.NodeIDFromPublicKey(pub),
		Addresses: addrs,
		Features:  features,
		LastSeen:  time.Now(),
	}, nil
}

// Addr builds a PeerAddress from a multiaddress string.
func Addr(s string, source AddressSource) (PeerAddress, error) {
	parsed, err := ma.NewMultiaddr(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return PeerAddress{Address: parsed, Raw: s, Source: source, LastSeen: time.Now()}, nil
}

// IsBanned reports whether the peer has a currently active ban.
func (p *Peer) IsBanned(now time.Time) bool {
	return p.Banned && now.Before(p.BanExpiry)
}

// HasAddress reports whether the peer already lists the given address.
func (p *Peer) HasAddress(raw string) bool {
	for _, a := range p.Addresses {
		if a.Raw == raw {
			return true
		}
	}
	return false
}

// merge folds another record for the same public key into this one.
// Addresses and features are unioned; ban state never regresses: a
// banned peer stays banned even if the incoming record is clean.
func (p *Peer) merge(other *Peer) {
	for _, addr := range other.Addresses {
		if !p.HasAddress(addr.Raw) {
			p.Addresses = append(p.Addresses, addr)
		}
	}
	p.Features |= other.Features

	for _, proto := range other.Protocols {
		if !contains(p.Protocols, proto) {
			p.Protocols = append(p.Protocols, proto)
		}
	}
	if other.UserAgent != "" {
		p.UserAgent = other.UserAgent
	}
	var zeroKey [32]byte
	if other.DhPublicKey != zeroKey {
		p.DhPublicKey = other.DhPublicKey
	}
	if other.LastSeen.After(p.LastSeen) {
		p.LastSeen = other.LastSeen
	}
	if other.LastConnected.After(p.LastConnected) {
		p.LastConnected = other.LastConnected
	}
}

// clone returns a copy safe to hand out across the manager's lock.
func (p *Peer) clone() *Peer {
	cp := *p
	cp.PublicKey = append(ed25519.PublicKey(nil), p.PublicKey...)
	cp.Addresses = append([]PeerAddress(nil), p.Addresses...)
	cp.Protocols = append([]string(nil), p.Protocols...)
	return &cp
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
