package peers

import (
	"bytes"
	"crypto/ed25519"
	"sort"
	"sync"
	"time"

	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// EventKind classifies peer directory change events.
type EventKind string

const (
	EventPeerAdded   EventKind = "peer_added"
	EventPeerUpdated EventKind = "peer_updated"
	EventPeerBanned  EventKind = "peer_banned"
	EventPeerUnbanned EventKind = "peer_unbanned"
	EventPeerOffline EventKind = "peer_offline"
)

// Event is one observable peer directory mutation.
type Event struct {
	Kind   EventKind
	NodeID types.NodeID
}

// Options configures a Manager.
type Options struct {
	ShortBanDuration       time.Duration
	LongBanDuration        time.Duration
	BanEscalationThreshold int
	OfflineThreshold       int
	// AllowList holds NodeIDs exempt from banning (forced-sync peers).
	AllowList []types.NodeID
	// EventBuffer bounds each subscriber channel.
	EventBuffer int
}

// Manager is the single owner of the peer directory. All mutation goes
// through its API so the NodeID derivation and merge-not-overwrite
// invariants are enforced in one place. Reads take a shared lock and
// return copies.
type Manager struct {
	mu    sync.RWMutex
	peers map[types.NodeID]*Peer

	allowList map[types.NodeID]struct{}

	shortBan    time.Duration
	longBan     time.Duration
	escalation  int
	offlineMax  int
	eventBuffer int

	subsMu sync.Mutex
	subs   []chan Event

	nowFunc func() time.Time
}

// NewManager creates an empty directory.
func NewManager(opts Options) *Manager {
	if opts.ShortBanDuration == 0 {
		opts.ShortBanDuration = 30 * time.Minute
	}
	if opts.LongBanDuration == 0 {
		opts.LongBanDuration = 6 * time.Hour
	}
	if opts.BanEscalationThreshold == 0 {
		opts.BanEscalationThreshold = 3
	}
	if opts.OfflineThreshold == 0 {
		opts.OfflineThreshold = 5
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 64
	}

	allow := make(map[types.NodeID]struct{}, len(opts.AllowList))
	for _, id := range opts.AllowList {
		allow[id] = struct{}{}
	}

	return &Manager{
		peers:       make(map[types.NodeID]*Peer),
		allowList:   allow,
		shortBan:    opts.ShortBanDuration,
		longBan:     opts.LongBanDuration,
		escalation:  opts.BanEscalationThreshold,
		offlineMax:  opts.OfflineThreshold,
		eventBuffer: opts.EventBuffer,
		nowFunc:     time.Now,
	}
}

// AddPeer inserts or merges a peer record. Records for an already-known
// public key are merged by address and feature union; ban state never
// regresses. The record's NodeID must match its public key.
func (m *Manager) AddPeer(p *Peer) error {
	if p.NodeID.IsZero() {
		p.NodeID = types.NodeIDFromPublicKey(p.PublicKey)
	} else if p.NodeID != types.NodeIDFromPublicKey(p.PublicKey) {
		return ErrNodeIDMismatch
	}

	m.mu.Lock()
	existing, known := m.peers[p.NodeID]
	if known {
		existing.merge(p)
	} else {
		m.peers[p.NodeID] = p.clone()
	}
	m.mu.Unlock()

	if known {
		m.publish(Event{Kind: EventPeerUpdated, NodeID: p.NodeID})
	} else {
		logging.Debug("peer added to directory",
			logging.Peer(p.NodeID.Short()),
			"addresses", len(p.Addresses),
			logging.Component("peers"))
		m.publish(Event{Kind: EventPeerAdded, NodeID: p.NodeID})
	}
	return nil
}

// FindByNodeID returns a copy of the peer with the given NodeID.
func (m *Manager) FindByNodeID(id types.NodeID) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p.clone(), nil
}

// FindByPublicKey returns a copy of the peer with the given public key.
func (m *Manager) FindByPublicKey(pub ed25519.PublicKey) (*Peer, error) {
	return m.FindByNodeID(types.NodeIDFromPublicKey(pub))
}

// FindAllStartsWith returns peers whose NodeID begins with the given
// byte prefix, ordered by NodeID.
func (m *Manager) FindAllStartsWith(prefix []byte) []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Peer
	for _, p := range m.peers {
		if bytes.HasPrefix(p.NodeID[:], prefix) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID.Cmp(out[j].NodeID) < 0
	})
	return out
}

// AllPeers returns a copy of every directory entry.
func (m *Manager) AllPeers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.clone())
	}
	return out
}

// Count returns the number of known peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RemovePeer deletes a peer. Only explicit administrative action calls
// this; routine failures merely mark peers offline.
func (m *Manager) RemovePeer(id types.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; !ok {
		return ErrPeerNotFound
	}
	delete(m.peers, id)
	return nil
}

// IsAllowed reports whether a peer is on the never-ban allow list.
func (m *Manager) IsAllowed(id types.NodeID) bool {
	_, ok := m.allowList[id]
	return ok
}

// BanPeer sets ban state for the given duration. Banning an allow-listed
// peer is a no-op. Re-banning an already banned peer only ever extends
// the expiry, never shortens it.
func (m *Manager) BanPeer(id types.NodeID, duration time.Duration, reason string) error {
	if m.IsAllowed(id) {
		logging.Debug("ban skipped for allow-listed peer",
			logging.Peer(id.Short()),
			"reason", reason,
			logging.Component("peers"))
		return nil
	}

	now := m.nowFunc()

	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return ErrPeerNotFound
	}

	expiry := now.Add(duration)
	if p.IsBanned(now) && p.BanExpiry.After(expiry) {
		// Already banned for longer; idempotent.
		m.mu.Unlock()
		return nil
	}

	p.Banned = true
	p.BanReason = reason
	p.BanExpiry = expiry
	p.BanCount++
	if duration >= m.longBan {
		p.BanTier = BanTierLong
	} else {
		p.BanTier = BanTierShort
	}
	m.mu.Unlock()

	logging.Info("peer banned",
		logging.Peer(id.Short()),
		"reason", reason,
		"duration", duration.String(),
		logging.Component("peers"))

	m.publish(Event{Kind: EventPeerBanned, NodeID: id})
	return nil
}

// Unban clears ban state.
func (m *Manager) Unban(id types.NodeID) error {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return ErrPeerNotFound
	}
	p.Banned = false
	p.BanReason = ""
	p.BanExpiry = time.Time{}
	m.mu.Unlock()

	m.publish(Event{Kind: EventPeerUnbanned, NodeID: id})
	return nil
}

// IsBanned reports whether the peer has an active, unexpired ban.
func (m *Manager) IsBanned(id types.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return ok && p.IsBanned(m.nowFunc())
}

// BannedCount returns the number of peers with an active ban.
func (m *Manager) BannedCount() int {
	now := m.nowFunc()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.peers {
		if p.IsBanned(now) {
			n++
		}
	}
	return n
}

// RecordViolation increments the peer's protocol violation counter.
// Crossing the escalation threshold triggers a tiered ban: short for a
// first offence, long once the peer has been banned before.
func (m *Manager) RecordViolation(id types.NodeID, kind string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.Violations++
	violations := p.Violations
	banCount := p.BanCount
	m.mu.Unlock()

	logging.Debug("protocol violation recorded",
		logging.Peer(id.Short()),
		"kind", kind,
		"violations", violations,
		logging.Component("peers"))

	if violations%m.escalation == 0 {
		duration := m.shortBan
		if banCount > 0 {
			duration = m.longBan
		}
		// BanPeer handles the allow list.
		_ = m.BanPeer(id, duration, "repeated protocol violations: "+kind)
	}
}

// MarkConnected records a successful connection, clearing the dial
// failure counter and the offline flag.
func (m *Manager) MarkConnected(id types.NodeID) {
	now := m.nowFunc()
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		p.DialFailures = 0
		p.Offline = false
		p.LastConnected = now
		p.LastSeen = now
	}
	m.mu.Unlock()
	if ok {
		m.publish(Event{Kind: EventPeerUpdated, NodeID: id})
	}
}

// RecordDialFailure increments the dial failure counter; past the
// threshold the peer is marked offline for connectivity accounting
// without leaving the directory.
func (m *Manager) RecordDialFailure(id types.NodeID) {
	m.mu.Lock()
	p, ok := m.peers[id]
	var wentOffline bool
	if ok {
		p.DialFailures++
		if !p.Offline && p.DialFailures >= m.offlineMax {
			p.Offline = true
			wentOffline = true
		}
	}
	m.mu.Unlock()

	if wentOffline {
		logging.Debug("peer marked offline after repeated dial failures",
			logging.Peer(id.Short()),
			logging.Component("peers"))
		m.publish(Event{Kind: EventPeerOffline, NodeID: id})
	}
}

// ClosestPeers returns up to n peers ordered by XOR distance to target,
// excluding banned, offline and client-only peers, plus any NodeIDs in
// the exclude set. This is the routing primitive behind propagation.
func (m *Manager) ClosestPeers(target types.NodeID, n int, exclude map[types.NodeID]struct{}) []*Peer {
	now := m.nowFunc()

	m.mu.RLock()
	candidates := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if _, skip := exclude[p.NodeID]; skip {
			continue
		}
		if p.IsBanned(now) || p.Offline {
			continue
		}
		if p.Features.Has(FeatureClient) && !p.Features.Has(FeatureNode) {
			continue
		}
		candidates = append(candidates, p.clone())
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NodeID.CloserTo(target, candidates[j].NodeID)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Subscribe returns a channel of directory change events. The channel is
// bounded; events are dropped for slow subscribers rather than blocking
// directory mutation.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, m.eventBuffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Close closes all subscriber channels.
func (m *Manager) Close() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; peer events are best-effort.
		}
	}
}
