package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/dht"
	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/internal/util"
	"github.com/karstnetwork/karst/pkg/types"
)

// EnvelopeProtocolID is the substream protocol carrying DHT envelopes.
const EnvelopeProtocolID = "/karst/envelope/1"

var (
	ErrNotConnected  = errors.New("peer not connected")
	ErrPeerBanned    = errors.New("peer is banned")
	ErrManagerClosed = errors.New("connection manager closed")
)

// EnvelopeHandler consumes envelopes read off the wire. The routing
// service implements it.
type EnvelopeHandler interface {
	HandleInbound(ctx context.Context, from types.NodeID, env *dht.Envelope)
}

// ProtocolHandler serves one inbound substream for a registered
// protocol. Closing the stream is the handler's responsibility.
type ProtocolHandler func(from types.NodeID, rw io.ReadWriteCloser)

type dialAttempt struct {
	done chan struct{}
	err  error
}

// lingerEntry is a tie-break loser waiting out its drain grace.
type lingerEntry struct {
	timer *time.Timer
	loser *PeerConnection
}

// Manager owns live connections: dialing with coalescing and retry,
// simultaneous-dial tie-breaking, idle reaping, ban enforcement, and
// the envelope substream. It implements dht.Sender.
type Manager struct {
	cfg     config.P2PConfig
	host    host.Host
	id      *identity.NodeIdentity
	pm      *peers.Manager
	metrics *metrics.Metrics

	handler EnvelopeHandler
	onBan   func(types.NodeID)

	mu      sync.Mutex
	conns   map[types.NodeID]*PeerConnection
	lingers map[types.NodeID]*lingerEntry
	dials   map[types.NodeID]*dialAttempt
	closed  bool

	// dialFn is swapped out in tests.
	dialFn func(ctx context.Context, nodeID types.NodeID) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wraps a host. The envelope handler must be set with
// SetEnvelopeHandler before Start.
func NewManager(cfg config.P2PConfig, h host.Host, id *identity.NodeIdentity, pm *peers.Manager, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		cfg:     cfg,
		host:    h,
		id:      id,
		pm:      pm,
		metrics: m,
		conns:   make(map[types.NodeID]*PeerConnection),
		lingers: make(map[types.NodeID]*lingerEntry),
		dials:   make(map[types.NodeID]*dialAttempt),
	}
	mgr.dialFn = mgr.dial
	return mgr
}

// SetEnvelopeHandler wires the routing service in. Must be called
// before Start.
func (m *Manager) SetEnvelopeHandler(h EnvelopeHandler) {
	m.handler = h
}

// SetBanHook registers extra teardown to run when a banned peer's
// connection is closed, such as killing its RPC sessions.
func (m *Manager) SetBanHook(hook func(types.NodeID)) {
	m.onBan = hook
}

// Start installs stream handlers and begins the reaper and the peer
// event loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.host.SetStreamHandler(protocol.ID(EnvelopeProtocolID), m.handleEnvelopeStream)
	m.host.Network().Notify(&network.NotifyBundle{
		ConnectedF:    m.onConnected,
		DisconnectedF: m.onDisconnected,
	})

	events := m.pm.Subscribe()
	m.wg.Add(2)
	util.SafeGoWithName("conn-reaper", func() {
		defer m.wg.Done()
		m.reapLoop()
	})
	util.SafeGoWithName("conn-events", func() {
		defer m.wg.Done()
		m.eventLoop(events)
	})
}

// Close tears down all connections and stops background loops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, entry := range m.lingers {
		entry.timer.Stop()
		_ = entry.loser.conn.Close()
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	err := m.host.Close()
	m.wg.Wait()
	return err
}

// Connect ensures a live connection to the peer, dialing if needed.
// Concurrent calls for the same peer share one dial attempt and all
// receive its result.
func (m *Manager) Connect(ctx context.Context, nodeID types.NodeID) error {
	if m.pm.IsBanned(nodeID) {
		return ErrPeerBanned
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, up := m.conns[nodeID]; up {
		m.mu.Unlock()
		return nil
	}
	if att, inFlight := m.dials[nodeID]; inFlight {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &dialAttempt{done: make(chan struct{})}
	m.dials[nodeID] = att
	m.mu.Unlock()

	att.err = m.dialFn(ctx, nodeID)

	m.mu.Lock()
	delete(m.dials, nodeID)
	m.mu.Unlock()
	close(att.done)

	if att.err != nil {
		m.pm.RecordDialFailure(nodeID)
	} else {
		m.pm.MarkConnected(nodeID)
	}
	return att.err
}

// dial resolves the peer's addresses and connects with bounded retry.
func (m *Manager) dial(ctx context.Context, nodeID types.NodeID) error {
	p, err := m.pm.FindByNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("resolve peer: %w", err)
	}

	pid, err := libp2pPeerID(p.PublicKey)
	if err != nil {
		return err
	}
	info := peer.AddrInfo{ID: pid}
	for _, a := range p.Addresses {
		info.Addrs = append(info.Addrs, a.Address)
	}
	if len(info.Addrs) == 0 {
		return fmt.Errorf("peer %s has no dialable addresses", nodeID.Short())
	}

	retryCfg := util.RetryConfig{
		MaxAttempts: m.cfg.MaxDialAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    m.cfg.DialTimeout,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
	return util.Retry(ctx, retryCfg, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
		return m.host.Connect(dialCtx, info)
	})
}

// IsConnected implements dht.Sender.
func (m *Manager) IsConnected(nodeID types.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, up := m.conns[nodeID]
	return up
}

// ConnectionTo returns the tracked connection, if any.
func (m *Manager) ConnectionTo(nodeID types.NodeID) (*PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.conns[nodeID]
	return pc, ok
}

// ActiveConnections returns the number of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SendEnvelope implements dht.Sender: it dials if needed, opens an
// envelope substream, writes one envelope and closes.
func (m *Manager) SendEnvelope(ctx context.Context, to types.NodeID, env *dht.Envelope) error {
	if err := m.Connect(ctx, to); err != nil {
		return err
	}
	s, err := m.openStream(ctx, to, EnvelopeProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := env.WriteTo(s); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// OpenSubstream opens a substream for a registered protocol, for RPC
// clients.
func (m *Manager) OpenSubstream(ctx context.Context, to types.NodeID, protocolID string) (io.ReadWriteCloser, error) {
	if err := m.Connect(ctx, to); err != nil {
		return nil, err
	}
	return m.openStream(ctx, to, protocolID)
}

func (m *Manager) openStream(ctx context.Context, to types.NodeID, protocolID string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	pc, up := m.conns[to]
	m.mu.Unlock()
	if !up {
		return nil, ErrNotConnected
	}

	s, err := m.host.NewStream(ctx, pc.PeerID, protocol.ID(protocolID))
	if err != nil {
		return nil, fmt.Errorf("open substream %s: %w", protocolID, err)
	}
	pc.addSubstream()
	return &countedStream{Stream: s, pc: pc}, nil
}

// RegisterProtocol installs a handler for inbound substreams of the
// given protocol, for RPC servers.
func (m *Manager) RegisterProtocol(protocolID string, h ProtocolHandler) {
	m.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		from, _, err := nodeIDFromRemote(s.Conn().RemotePublicKey())
		if err != nil {
			_ = s.Reset()
			return
		}
		if m.pm.IsBanned(from) {
			_ = s.Reset()
			return
		}

		m.mu.Lock()
		pc := m.conns[from]
		m.mu.Unlock()
		if pc != nil {
			pc.addSubstream()
		}

		util.SafeGoWithName("proto-"+protocolID, func() {
			defer func() {
				if pc != nil {
					pc.removeSubstream()
				}
			}()
			h(from, s)
		})
	})
}

// handleEnvelopeStream reads envelopes off one inbound substream until
// the peer closes it.
func (m *Manager) handleEnvelopeStream(s network.Stream) {
	defer s.Close()

	from, _, err := nodeIDFromRemote(s.Conn().RemotePublicKey())
	if err != nil {
		logging.Debug("envelope stream from unidentifiable peer",
			logging.Err(err),
			logging.Component("conn"))
		_ = s.Reset()
		return
	}
	if m.pm.IsBanned(from) {
		_ = s.Reset()
		return
	}

	m.mu.Lock()
	pc := m.conns[from]
	m.mu.Unlock()
	if pc != nil {
		pc.addSubstream()
		defer pc.removeSubstream()
	}

	for {
		env, err := dht.ReadEnvelope(s)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug("envelope read failed",
					logging.Peer(from.Short()),
					logging.Err(err),
					logging.Component("conn"))
				// Oversized or malformed frames are protocol breaches.
				if errors.Is(err, dht.ErrBodyTooLarge) || errors.Is(err, dht.ErrHeaderTooLarge) {
					m.pm.RecordViolation(from, "oversized envelope frame")
				}
			}
			return
		}
		m.handler.HandleInbound(m.ctx, from, env)
	}
}

// onConnected tracks a new connection and resolves simultaneous dials:
// when both sides dialed at once, the connection initiated by the node
// with the smaller NodeID wins, and the loser lingers briefly to drain
// before closing.
func (m *Manager) onConnected(_ network.Network, c network.Conn) {
	nodeID, _, err := nodeIDFromRemote(c.RemotePublicKey())
	if err != nil {
		_ = c.Close()
		return
	}
	if m.pm.IsBanned(nodeID) {
		_ = c.Close()
		return
	}

	pc := newPeerConnection(nodeID, c)

	m.mu.Lock()
	existing, dup := m.conns[nodeID]
	if !dup {
		m.conns[nodeID] = pc
		m.mu.Unlock()
		m.metrics.ActiveConnections.Inc()
		m.pm.MarkConnected(nodeID)
		logging.Debug("connection established",
			logging.Peer(nodeID.Short()),
			"direction", string(pc.Direction),
			logging.Component("conn"))
		return
	}

	// Simultaneous dial. The lower NodeID's outbound connection is the
	// keeper on both sides, which makes the choice agree without any
	// extra round trip.
	newWins := newConnWins(m.id.NodeID(), nodeID, pc.Direction)

	var loser *PeerConnection
	if newWins {
		m.conns[nodeID] = pc
		loser = existing
	} else {
		loser = pc
	}

	// Only one loser lingers per peer: a still-pending earlier loser is
	// closed now rather than leaking until host shutdown.
	var stale *PeerConnection
	if prev, pending := m.lingers[nodeID]; pending {
		prev.timer.Stop()
		stale = prev.loser
	}

	entry := &lingerEntry{loser: loser}
	entry.timer = time.AfterFunc(m.cfg.LingerGrace, func() {
		_ = loser.conn.Close()
		m.mu.Lock()
		if m.lingers[nodeID] == entry {
			delete(m.lingers, nodeID)
		}
		m.mu.Unlock()
	})
	m.lingers[nodeID] = entry
	m.mu.Unlock()

	if stale != nil {
		_ = stale.conn.Close()
	}

	logging.Debug("simultaneous dial resolved",
		logging.Peer(nodeID.Short()),
		"kept", string(m.keptDirection(nodeID)),
		logging.Component("conn"))
}

// newConnWins decides the simultaneous-dial tie-break: the connection
// dialed by the lower NodeID is kept. Both sides evaluate the same rule
// from opposite directions and agree.
func newConnWins(local, remote types.NodeID, newDir Direction) bool {
	if local.Cmp(remote) < 0 {
		return newDir == DirectionOutbound
	}
	return newDir == DirectionInbound
}

func (m *Manager) keptDirection(nodeID types.NodeID) Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.conns[nodeID]; ok {
		return pc.Direction
	}
	return ""
}

// onDisconnected drops tracking for a closed connection, unless the
// closed one was a linger loser already replaced.
func (m *Manager) onDisconnected(_ network.Network, c network.Conn) {
	nodeID, _, err := nodeIDFromRemote(c.RemotePublicKey())
	if err != nil {
		return
	}

	m.mu.Lock()
	pc, ok := m.conns[nodeID]
	if ok && pc.conn == c {
		delete(m.conns, nodeID)
		ok = true
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.metrics.ActiveConnections.Dec()
		logging.Debug("connection closed",
			logging.Peer(nodeID.Short()),
			logging.Component("conn"))
	}
}

// reapLoop closes connections that have been idle past the minimum age.
func (m *Manager) reapLoop() {
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var doomed []*PeerConnection
	for _, pc := range m.conns {
		if pc.SubstreamCount() == 0 &&
			pc.Age() > m.cfg.MinConnectionAge &&
			pc.idleSince() > m.cfg.MinConnectionAge {
			doomed = append(doomed, pc)
		}
	}
	m.mu.Unlock()

	for _, pc := range doomed {
		logging.Debug("reaping idle connection",
			logging.Peer(pc.NodeID.Short()),
			"age", pc.Age().String(),
			logging.Component("conn"))
		_ = pc.conn.Close()
	}
}

// eventLoop enforces bans as they happen: the banned peer's connection
// is torn down immediately.
func (m *Manager) eventLoop(events <-chan peers.Event) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != peers.EventPeerBanned {
				continue
			}
			m.mu.Lock()
			pc := m.conns[ev.NodeID]
			m.mu.Unlock()
			if pc != nil {
				logging.Info("closing connection to banned peer",
					logging.Peer(ev.NodeID.Short()),
					logging.Component("conn"))
				_ = pc.conn.Close()
			}
			if m.onBan != nil {
				m.onBan(ev.NodeID)
			}
		}
	}
}
