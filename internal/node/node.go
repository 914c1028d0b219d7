package node

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/conn"
	"github.com/karstnetwork/karst/internal/connectivity"
	"github.com/karstnetwork/karst/internal/dht"
	"github.com/karstnetwork/karst/internal/discovery"
	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/internal/rpc"
	"github.com/karstnetwork/karst/internal/saf"
	"github.com/karstnetwork/karst/internal/util"
	"github.com/karstnetwork/karst/pkg/types"
)

// peersFileName is the peer directory file inside the data directory.
const peersFileName = "peers.json"

// Node assembles the comms stack: identity, transport, peer directory,
// envelope routing, store-and-forward, RPC and the connectivity
// monitor. It is the only type embedding applications need to touch.
type Node struct {
	cfg     *config.Config
	id      *identity.NodeIdentity
	metrics *metrics.Metrics

	pm        *peers.Manager
	connMgr   *conn.Manager
	dht       *dht.Service
	saf       *saf.Service
	rpcServer *rpc.Server
	monitor   *connectivity.Monitor
	discovery *discovery.Service

	peersPath string

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a node from configuration. The identity key is loaded
// from the configured path, generated fresh on first run. Nothing
// touches the network until Start.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := identity.Load(config.ExpandPath(cfg.Daemon.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}

	m := metrics.New()

	allowList, err := parseAllowList(cfg.P2P.AllowList)
	if err != nil {
		return nil, err
	}
	pm := peers.NewManager(peers.Options{
		ShortBanDuration:       cfg.P2P.ShortBanDuration,
		LongBanDuration:        cfg.P2P.LongBanDuration,
		BanEscalationThreshold: cfg.P2P.BanEscalationThreshold,
		OfflineThreshold:       cfg.P2P.OfflineThreshold,
		AllowList:              allowList,
	})

	peersPath := filepath.Join(config.ExpandPath(cfg.Daemon.DataDir), peersFileName)
	if err := pm.Load(peersPath); err != nil {
		pm.Close()
		return nil, fmt.Errorf("load peer directory: %w", err)
	}

	host, err := conn.BuildHost(cfg.P2P, id)
	if err != nil {
		pm.Close()
		return nil, err
	}
	id.SetAddresses(advertisedAddrs(host.Addrs(), cfg.P2P.ListenAddrs))

	connMgr := conn.NewManager(cfg.P2P, host, id, pm, m)
	dhtSvc := dht.New(cfg.Dht, cfg.P2P.Network, id, pm, connMgr, nil, m)
	safSvc := saf.NewService(cfg.Saf, saf.NewMemoryStore(cfg.Saf.MaxStoredMessages, cfg.Saf.MaxMessagesPerPeer), dhtSvc, m)
	dhtSvc.SetStorer(safSvc)
	safSvc.SetViolationRecorder(pm)
	connMgr.SetEnvelopeHandler(dhtSvc)

	rpcServer := rpc.NewServer(cfg.Rpc, m)
	connMgr.SetBanHook(func(id types.NodeID) {
		if n := rpcServer.CloseSessionsForPeer(id); n > 0 {
			logging.Info("closed rpc sessions for banned peer",
				logging.Peer(id.Short()),
				"sessions", n,
				logging.Component("node"))
		}
	})

	n := &Node{
		cfg:       cfg,
		id:        id,
		metrics:   m,
		pm:        pm,
		connMgr:   connMgr,
		dht:       dhtSvc,
		saf:       safSvc,
		rpcServer: rpcServer,
		monitor:   connectivity.NewMonitor(cfg.Connectivity, connMgr, pm),
		peersPath: peersPath,
	}
	n.discovery = discovery.New(cfg.P2P, host, id, pm, dhtSvc, rpcServer.Protocols())
	return n, nil
}

// Start brings the whole stack online. Services start inner-first so
// every inbound path has its handler before the transport accepts
// traffic.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return fmt.Errorf("node already started")
	}
	n.started = true
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	n.saf.Start(ctx)
	n.connMgr.Start(ctx)
	n.monitor.Start(ctx)
	if err := n.discovery.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	transitions := n.monitor.Subscribe()
	util.SafeGoWithName("node-housekeeping", func() {
		defer close(n.done)
		n.housekeeping(ctx, transitions)
	})

	logging.Info("node started",
		logging.NodeID(n.id.NodeID().Short()),
		"network", string(n.cfg.P2P.Network),
		logging.Component("node"))
	return nil
}

// Close shuts the stack down outer-first and persists the peer
// directory.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}

	n.discovery.Close()
	n.monitor.Close()
	n.saf.Close()
	n.rpcServer.Close()
	err := n.connMgr.Close()
	n.dht.Close()

	if saveErr := n.pm.Save(n.peersPath); saveErr != nil {
		logging.Warn("failed to persist peer directory",
			logging.Err(saveErr),
			logging.Component("node"))
	}
	n.pm.Close()

	logging.Info("node stopped",
		logging.NodeID(n.id.NodeID().Short()),
		logging.Component("node"))
	return err
}

// housekeeping reacts to connectivity transitions and keeps the
// directory gauges and the on-disk peer file fresh.
func (n *Node) housekeeping(ctx context.Context, transitions <-chan connectivity.Event) {
	save := time.NewTicker(5 * time.Minute)
	defer save.Stop()
	gauges := time.NewTicker(30 * time.Second)
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transitions:
			if !ok {
				return
			}
			if ev.State == connectivity.StateOnline {
				// Back online: fetch anything stored for us while we were
				// unreachable.
				if err := n.saf.RequestStored(ctx, time.Time{}, []types.NodeID{n.id.NodeID()}); err != nil {
					logging.Debug("stored-message request failed",
						logging.Err(err),
						logging.Component("node"))
				}
			}
		case <-save.C:
			if err := n.pm.Save(n.peersPath); err != nil {
				logging.Warn("periodic peer directory save failed",
					logging.Err(err),
					logging.Component("node"))
			}
		case <-gauges.C:
			n.updateGauges()
		}
	}
}

func (n *Node) updateGauges() {
	all := n.pm.AllPeers()
	banned := 0
	now := time.Now()
	for _, p := range all {
		if p.IsBanned(now) {
			banned++
		}
	}
	n.metrics.KnownPeers.Set(float64(len(all)))
	n.metrics.BannedPeers.Set(float64(banned))
}

// NodeID returns this node's routing identity.
func (n *Node) NodeID() types.NodeID {
	return n.id.NodeID()
}

// Identity returns the node identity for callers that need to sign or
// advertise.
func (n *Node) Identity() *identity.NodeIdentity {
	return n.id
}

// Peers exposes the peer directory.
func (n *Node) Peers() *peers.Manager {
	return n.pm
}

// Metrics exposes the metric set for HTTP exposition.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// ConnectivityState returns the monitor's current state.
func (n *Node) ConnectivityState() connectivity.State {
	return n.monitor.State()
}

// SubscribeConnectivity returns a channel of connectivity transitions.
func (n *Node) SubscribeConnectivity() <-chan connectivity.Event {
	return n.monitor.Subscribe()
}

// SubscribePeerEvents returns a channel of directory events: peers
// added, updated or banned.
func (n *Node) SubscribePeerEvents() <-chan peers.Event {
	return n.pm.Subscribe()
}

// Send routes a cleartext message to the destination, falling back to
// store-and-forward when no route exists.
func (n *Node) Send(ctx context.Context, to types.NodeID, mt types.MessageType, body []byte) error {
	return n.dht.Send(ctx, dht.ToNodeID(to), mt, body, dht.SendOptions{FallbackToSaf: true})
}

// SendConfidential routes a message encrypted for the recipient. The
// recipient's DH key must already be in the directory, learned from
// its identity claim.
func (n *Node) SendConfidential(ctx context.Context, to types.NodeID, mt types.MessageType, body []byte) error {
	return n.dht.Send(ctx, dht.ToNodeID(to), mt, body, dht.SendOptions{
		Confidential:  true,
		FallbackToSaf: true,
	})
}

// Broadcast sends a message to the closest neighbourhood without a
// fixed destination.
func (n *Node) Broadcast(ctx context.Context, mt types.MessageType, body []byte) error {
	return n.dht.Send(ctx, dht.Unknown(), mt, body, dht.SendOptions{})
}

// Subscribe returns validated inbound messages of one type.
func (n *Node) Subscribe(mt types.MessageType) <-chan dht.InboundMessage {
	return n.dht.Subscribe(mt)
}

// RegisterRpcService installs an RPC handler and exposes its protocol
// on the transport. Call before Start so the protocol is announced in
// the identity claim.
func (n *Node) RegisterRpcService(protocolID string, versions []uint32, h rpc.Handler) {
	n.rpcServer.Register(protocolID, versions, h)
	n.connMgr.RegisterProtocol(protocolID, func(from types.NodeID, rw io.ReadWriteCloser) {
		if err := n.rpcServer.ServeSession(context.Background(), from, rw); err != nil {
			logging.Debug("rpc session ended with error",
				logging.Peer(from.Short()),
				logging.Protocol(protocolID),
				logging.Err(err),
				logging.Component("node"))
		}
	})
}

// DialRpc opens an RPC session to a peer for the given protocol.
func (n *Node) DialRpc(ctx context.Context, to types.NodeID, protocolID string, versions []uint32) (*rpc.Client, error) {
	rw, err := n.connMgr.OpenSubstream(ctx, to, protocolID)
	if err != nil {
		return nil, err
	}
	client, err := rpc.Dial(rw, protocolID, versions, n.cfg.Rpc)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Connect dials a known peer directly.
func (n *Node) Connect(ctx context.Context, to types.NodeID) error {
	return n.connMgr.Connect(ctx, to)
}

// parseAllowList decodes hex NodeIDs from config.
func parseAllowList(entries []string) ([]types.NodeID, error) {
	out := make([]types.NodeID, 0, len(entries))
	for _, s := range entries {
		id, err := types.NodeIDFromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow list entry %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// advertisedAddrs prefers the host's bound addresses but falls back to
// the configured listen addresses when the host reports none yet.
func advertisedAddrs(bound []ma.Multiaddr, configured []string) []ma.Multiaddr {
	if len(bound) > 0 {
		return bound
	}
	var out []ma.Multiaddr
	for _, s := range configured {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
