package conn

import (
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/karstnetwork/karst/pkg/types"
)

// Direction records which side initiated a connection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PeerConnection tracks one live connection to a peer. Substream
// accounting drives the idle reaper: a connection that has carried no
// substreams for long enough is closed to free resources.
type PeerConnection struct {
	NodeID    types.NodeID
	PeerID    peer.ID
	Direction Direction
	OpenedAt  time.Time

	conn       network.Conn
	substreams atomic.Int32
	lastActive atomic.Int64 // unix nanos
}

func newPeerConnection(nodeID types.NodeID, c network.Conn) *PeerConnection {
	dir := DirectionInbound
	if c.Stat().Direction == network.DirOutbound {
		dir = DirectionOutbound
	}
	pc := &PeerConnection{
		NodeID:    nodeID,
		PeerID:    c.RemotePeer(),
		Direction: dir,
		OpenedAt:  time.Now(),
		conn:      c,
	}
	pc.touch()
	return pc
}

func (pc *PeerConnection) touch() {
	pc.lastActive.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) addSubstream() {
	pc.substreams.Add(1)
	pc.touch()
}

func (pc *PeerConnection) removeSubstream() {
	pc.substreams.Add(-1)
	pc.touch()
}

// SubstreamCount returns the number of open substreams.
func (pc *PeerConnection) SubstreamCount() int {
	return int(pc.substreams.Load())
}

// Age returns how long the connection has been open.
func (pc *PeerConnection) Age() time.Duration {
	return time.Since(pc.OpenedAt)
}

// idleSince returns how long the connection has carried no substreams.
func (pc *PeerConnection) idleSince() time.Duration {
	return time.Since(time.Unix(0, pc.lastActive.Load()))
}

// countedStream decrements the substream counter exactly once on close.
type countedStream struct {
	network.Stream
	pc     *PeerConnection
	closed atomic.Bool
}

func (s *countedStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pc.removeSubstream()
	}
	return s.Stream.Close()
}
