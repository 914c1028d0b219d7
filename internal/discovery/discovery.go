package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/dht"
	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/internal/util"
	"github.com/karstnetwork/karst/pkg/types"
)

const mdnsServiceTag = "karst"

// Messenger is the slice of the routing service discovery needs.
type Messenger interface {
	Send(ctx context.Context, dest dht.Destination, mt types.MessageType, body []byte, opts dht.SendOptions) error
	Subscribe(mt types.MessageType) <-chan dht.InboundMessage
}

// IdentityClaim is the signed self-description a node broadcasts when
// joining. The origin MAC on the carrying envelope authenticates it;
// the claim's public key must match that origin.
type IdentityClaim struct {
	PublicKey   []byte         `json:"public_key"`
	DhPublicKey []byte         `json:"dh_public_key"`
	Addresses   []string       `json:"addresses"`
	Features    peers.Features `json:"features"`
	Protocols   []string       `json:"protocols"`
}

// Service finds peers three ways: static bootstrap peers from config,
// mDNS on the local network, and the Kademlia DHT. Found transport
// peers become directory entries once their identity claim arrives.
type Service struct {
	cfg       config.P2PConfig
	host      host.Host
	id        *identity.NodeIdentity
	pm        *peers.Manager
	messenger Messenger
	protocols []string

	kdht *kaddht.IpfsDHT
	mdns mdns.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the discovery service. protocols lists the RPC protocol
// ids announced in our identity claim.
func New(cfg config.P2PConfig, h host.Host, id *identity.NodeIdentity, pm *peers.Manager, messenger Messenger, protocols []string) *Service {
	return &Service{
		cfg:       cfg,
		host:      h,
		id:        id,
		pm:        pm,
		messenger: messenger,
		protocols: protocols,
	}
}

// Start bootstraps the DHT, begins mDNS, and runs the claim handlers.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	kdht, err := kaddht.New(ctx, s.host,
		kaddht.Mode(kaddht.ModeServer),
		kaddht.ProtocolPrefix("/karst"),
	)
	if err != nil {
		return fmt.Errorf("create kademlia dht: %w", err)
	}
	s.kdht = kdht

	s.mdns = mdns.NewMdnsService(s.host, mdnsServiceTag, &mdnsNotifee{service: s, ctx: ctx})
	if err := s.mdns.Start(); err != nil {
		logging.Warn("mdns unavailable", logging.Err(err), logging.Component("discovery"))
	}

	s.connectBootstrapPeers(ctx)
	if err := s.kdht.Bootstrap(ctx); err != nil {
		logging.Warn("dht bootstrap failed", logging.Err(err), logging.Component("discovery"))
	}

	joins := s.messenger.Subscribe(types.MessageTypeJoin)
	discoveries := s.messenger.Subscribe(types.MessageTypeDiscovery)

	util.SafeGoWithName("discovery-loop", func() {
		defer close(s.done)
		s.run(ctx, joins, discoveries)
	})
	return nil
}

// Close stops discovery and waits for the handler loop.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.mdns != nil {
		_ = s.mdns.Close()
	}
	if s.kdht != nil {
		return s.kdht.Close()
	}
	return nil
}

// connectBootstrapPeers dials the configured bootstrap addresses and
// records them in the directory.
func (s *Service) connectBootstrapPeers(ctx context.Context) {
	for _, addr := range s.cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logging.Warn("invalid bootstrap peer",
				"addr", addr,
				logging.Err(err),
				logging.Component("discovery"))
			continue
		}
		if err := s.host.Connect(ctx, *info); err != nil {
			logging.Debug("bootstrap connect failed",
				"addr", addr,
				logging.Err(err),
				logging.Component("discovery"))
			continue
		}
		s.recordTransportPeer(info.ID, peers.AddressSourceConfig)
	}
}

// run serves identity claims and discovery requests, re-announcing
// ourselves periodically through the routing discovery namespace.
func (s *Service) run(ctx context.Context, joins, discoveries <-chan dht.InboundMessage) {
	disc := routingdisc.NewRoutingDiscovery(s.kdht)
	ns := namespaceFor(s.cfg.Network)

	announce := time.NewTicker(5 * time.Minute)
	defer announce.Stop()

	// Initial join broadcast and namespace advertisement.
	s.advertise(ctx, disc, ns)
	if err := s.AnnounceJoin(ctx); err != nil {
		logging.Debug("initial join broadcast failed",
			logging.Err(err),
			logging.Component("discovery"))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-joins:
			if !ok {
				return
			}
			s.handleClaim(msg, peers.AddressSourceIdentityClaim)
		case msg, ok := <-discoveries:
			if !ok {
				return
			}
			// A discovery request asks us to introduce ourselves back.
			s.handleClaim(msg, peers.AddressSourceIdentityClaim)
			s.replyWithClaim(ctx, msg)
		case <-announce.C:
			s.advertise(ctx, disc, ns)
			s.findPeers(ctx, disc, ns)
		}
	}
}

func namespaceFor(network types.Network) string {
	return "karst/" + string(network)
}

func (s *Service) advertise(ctx context.Context, disc *routingdisc.RoutingDiscovery, ns string) {
	if _, err := disc.Advertise(ctx, ns); err != nil {
		logging.Debug("namespace advertise failed",
			logging.Err(err),
			logging.Component("discovery"))
	}
}

// findPeers walks the routing discovery namespace and connects to
// anyone new.
func (s *Service) findPeers(ctx context.Context, disc *routingdisc.RoutingDiscovery, ns string) {
	found, err := disc.FindPeers(ctx, ns)
	if err != nil {
		logging.Debug("namespace find failed",
			logging.Err(err),
			logging.Component("discovery"))
		return
	}
	for info := range found {
		if info.ID == s.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		err := s.host.Connect(connectCtx, info)
		cancel()
		if err != nil {
			continue
		}
		s.recordTransportPeer(info.ID, peers.AddressSourceDiscovery)
	}
}

// recordTransportPeer adds a connected transport peer to the directory
// using the key material libp2p already verified.
func (s *Service) recordTransportPeer(pid peer.ID, source peers.AddressSource) {
	lpPub := s.host.Peerstore().PubKey(pid)
	if lpPub == nil {
		return
	}
	raw, err := lpPub.Raw()
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return
	}

	var addrs []peers.PeerAddress
	for _, a := range s.host.Peerstore().Addrs(pid) {
		addrs = append(addrs, peers.PeerAddress{
			Address:  a,
			Raw:      a.String(),
			Source:   source,
			LastSeen: time.Now(),
		})
	}

	p, err := peers.NewPeer(ed25519.PublicKey(raw), addrs, peers.FeatureNode)
	if err != nil {
		return
	}
	if err := s.pm.AddPeer(p); err != nil {
		logging.Debug("discovered peer rejected",
			logging.Err(err),
			logging.Component("discovery"))
		return
	}
	logging.Debug("discovered peer",
		logging.Peer(p.NodeID.Short()),
		"source", string(source),
		logging.Component("discovery"))
}

// AnnounceJoin broadcasts our identity claim to the neighbourhood.
func (s *Service) AnnounceJoin(ctx context.Context) error {
	body, err := s.claimBody()
	if err != nil {
		return err
	}
	return s.messenger.Send(ctx, dht.Unknown(), types.MessageTypeJoin, body, dht.SendOptions{})
}

// RequestDiscovery asks a specific node to introduce itself.
func (s *Service) RequestDiscovery(ctx context.Context, target types.NodeID) error {
	body, err := s.claimBody()
	if err != nil {
		return err
	}
	return s.messenger.Send(ctx, dht.ToNodeID(target), types.MessageTypeDiscovery, body, dht.SendOptions{})
}

func (s *Service) claimBody() ([]byte, error) {
	dhPub := s.id.DhPublicKey()
	claim := IdentityClaim{
		PublicKey:   s.id.PublicKey(),
		DhPublicKey: dhPub[:],
		Features:    peers.FeatureNode,
		Protocols:   s.protocols,
	}
	for _, a := range s.id.Addresses() {
		claim.Addresses = append(claim.Addresses, a.String())
	}
	body, err := json.Marshal(&claim)
	if err != nil {
		return nil, fmt.Errorf("marshal identity claim: %w", err)
	}
	return body, nil
}

// handleClaim validates and applies one inbound identity claim. The
// claimed key must be the authenticated envelope origin; anything else
// is a spoof attempt and a violation.
func (s *Service) handleClaim(msg dht.InboundMessage, source peers.AddressSource) {
	var claim IdentityClaim
	if err := json.Unmarshal(msg.Body, &claim); err != nil {
		logging.Debug("malformed identity claim",
			logging.Peer(msg.From.Short()),
			logging.Err(err),
			logging.Component("discovery"))
		return
	}
	if !msg.Origin.Equal(ed25519.PublicKey(claim.PublicKey)) {
		s.pm.RecordViolation(msg.From, "identity claim key mismatch")
		return
	}

	var addrs []peers.PeerAddress
	for _, raw := range claim.Addresses {
		pa, err := peers.Addr(raw, source)
		if err != nil {
			continue
		}
		addrs = append(addrs, pa)
	}

	p, err := peers.NewPeer(ed25519.PublicKey(claim.PublicKey), addrs, claim.Features)
	if err != nil {
		return
	}
	if len(claim.DhPublicKey) == 32 {
		copy(p.DhPublicKey[:], claim.DhPublicKey)
	}
	p.Protocols = claim.Protocols

	if err := s.pm.AddPeer(p); err != nil {
		logging.Debug("identity claim rejected",
			logging.Peer(msg.From.Short()),
			logging.Err(err),
			logging.Component("discovery"))
	}
}

// replyWithClaim answers a discovery request with our own claim,
// directed straight back at the requester.
func (s *Service) replyWithClaim(ctx context.Context, msg dht.InboundMessage) {
	body, err := s.claimBody()
	if err != nil {
		return
	}
	requester := types.NodeIDFromPublicKey(msg.Origin)
	if err := s.messenger.Send(ctx, dht.ToNodeID(requester), types.MessageTypeJoin, body, dht.SendOptions{}); err != nil {
		logging.Debug("discovery reply failed",
			logging.Peer(requester.Short()),
			logging.Err(err),
			logging.Component("discovery"))
	}
}

// mdnsNotifee feeds locally discovered peers into the service.
type mdnsNotifee struct {
	service *Service
	ctx     context.Context
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.service.host.ID() {
		return
	}
	connectCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.service.host.Connect(connectCtx, info); err != nil {
		return
	}
	n.service.recordTransportPeer(info.ID, peers.AddressSourceDiscovery)
}
