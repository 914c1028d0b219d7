package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/internal/util"
	"github.com/karstnetwork/karst/pkg/types"
)

// Handler serves calls for one registered protocol. Unary handlers call
// stream.Send once; streaming handlers call it per item. Returning a
// *Status propagates that code to the caller; any other error maps to
// StatusInternal.
type Handler interface {
	Handle(ctx context.Context, method string, body []byte, stream *Stream) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, method string, body []byte, stream *Stream) error

func (f HandlerFunc) Handle(ctx context.Context, method string, body []byte, stream *Stream) error {
	return f(ctx, method, body, stream)
}

// Stream sends response payloads for one in-flight call.
type Stream struct {
	framer    *framer
	requestID uint32
}

// Send writes one response payload. The final frame with the status is
// written by the session when the handler returns.
func (s *Stream) Send(body []byte) error {
	return s.framer.write(&frame{
		Kind:      frameResponse,
		RequestID: s.requestID,
		Status:    StatusOk,
		Body:      body,
	})
}

type registration struct {
	handler  Handler
	versions []uint32
}

// Server owns protocol registrations and active inbound sessions.
type Server struct {
	cfg     config.RpcConfig
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]registration
	sessions map[*session]struct{}
	closed   bool
}

type session struct {
	peer     types.NodeID
	protocol string
	framer   *framer
	closer   io.Closer

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.closer.Close()
	})
}

// NewServer builds an RPC server with no registered protocols.
func NewServer(cfg config.RpcConfig, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[string]registration),
		sessions: make(map[*session]struct{}),
	}
}

// Register installs a handler for a protocol id, advertising the given
// supported versions. Registering twice replaces the handler.
func (s *Server) Register(protocolID string, versions []uint32, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[protocolID] = registration{handler: h, versions: versions}
}

// Protocols lists the registered protocol ids, for identity announcements.
func (s *Server) Protocols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for id := range s.handlers {
		out = append(out, id)
	}
	return out
}

// ServeSession runs the server side of one substream: handshake, then
// the request loop until the peer hangs up or the context is cancelled.
func (s *Server) ServeSession(ctx context.Context, peer types.NodeID, rw io.ReadWriteCloser) error {
	fr := newFramer(rw, s.cfg.MaxFrameSize)

	hs, err := readWithTimeout(fr, s.cfg.HandshakeTimeout)
	if err != nil {
		_ = rw.Close()
		return ErrHandshakeFailed
	}
	if hs.Kind != frameHandshake {
		_ = rw.Close()
		return ErrHandshakeFailed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = rw.Close()
		return ErrSessionClosed
	}
	reg, ok := s.handlers[hs.ProtocolID]
	if !ok {
		s.mu.Unlock()
		_ = fr.write(&frame{
			Kind:    frameHandshakeAck,
			Status:  StatusNotFound,
			Message: "unknown protocol " + hs.ProtocolID,
		})
		_ = rw.Close()
		return Statusf(StatusNotFound, "unknown protocol %s", hs.ProtocolID)
	}
	if s.cfg.MaxSessionsPerPeer > 0 && s.sessionsForPeerLocked(peer) >= s.cfg.MaxSessionsPerPeer {
		s.mu.Unlock()
		_ = fr.write(&frame{
			Kind:    frameHandshakeAck,
			Status:  StatusUnavailable,
			Message: "session limit reached",
		})
		_ = rw.Close()
		return Statusf(StatusUnavailable, "session limit reached for %s", peer.Short())
	}

	version, ok := negotiateVersion(reg.versions, hs.Versions)
	if !ok {
		s.mu.Unlock()
		_ = fr.write(&frame{
			Kind:    frameHandshakeAck,
			Status:  StatusProtocolError,
			Message: "no common protocol version",
		})
		_ = rw.Close()
		return Statusf(StatusProtocolError, "no common version for %s", hs.ProtocolID)
	}

	sess := &session{peer: peer, protocol: hs.ProtocolID, framer: fr, closer: rw}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	if err := fr.write(&frame{Kind: frameHandshakeAck, Status: StatusOk, Version: version}); err != nil {
		s.removeSession(sess)
		sess.close()
		return err
	}

	s.metrics.RpcSessions.Inc()
	logging.Debug("rpc session open",
		logging.Peer(peer.Short()),
		logging.Protocol(hs.ProtocolID),
		logging.Component("rpc"))

	err = s.serveLoop(ctx, sess, reg.handler)

	s.removeSession(sess)
	sess.close()
	s.metrics.RpcSessions.Dec()
	return err
}

func (s *Server) serveLoop(ctx context.Context, sess *session, h Handler) error {
	// Cancel in-flight handlers when the session dies.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		req, err := sess.framer.read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if req.Kind != frameRequest {
			return Statusf(StatusProtocolError, "unexpected %s frame", req.Kind)
		}

		inflight.Add(1)
		r := req
		util.SafeGoWithName("rpc-handler", func() {
			defer inflight.Done()
			s.dispatch(ctx, sess, h, r)
		})
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, h Handler, req *frame) {
	start := time.Now()

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	stream := &Stream{framer: sess.framer, requestID: req.RequestID}
	err := h.Handle(ctx, req.Method, req.Body, stream)

	final := frame{Kind: frameResponse, RequestID: req.RequestID, Fin: true}
	if st := StatusOf(err); st != nil {
		final.Status = st.Code
		final.Message = st.Message
	}
	if werr := sess.framer.write(&final); werr != nil {
		logging.Debug("rpc response write failed",
			logging.Peer(sess.peer.Short()),
			logging.Err(werr),
			logging.Component("rpc"))
	}

	s.metrics.RpcCalls.WithLabelValues(sess.protocol, final.Status.String()).Inc()
	s.metrics.RpcCallDuration.WithLabelValues(sess.protocol).Observe(time.Since(start).Seconds())
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) sessionsForPeerLocked(peer types.NodeID) int {
	n := 0
	for sess := range s.sessions {
		if sess.peer == peer {
			n++
		}
	}
	return n
}

// ActiveSessionCount returns the number of open inbound sessions.
func (s *Server) ActiveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionsForPeer counts open sessions with one peer.
func (s *Server) SessionsForPeer(peer types.NodeID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionsForPeerLocked(peer)
}

// CloseSessionsForPeer tears down every session with a peer. Called when
// a peer is banned.
func (s *Server) CloseSessionsForPeer(peer types.NodeID) int {
	s.mu.Lock()
	var doomed []*session
	for sess := range s.sessions {
		if sess.peer == peer {
			doomed = append(doomed, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range doomed {
		sess.close()
	}
	return len(doomed)
}

// Close tears down all sessions and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*session
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
}

// negotiateVersion picks the highest version both sides support.
func negotiateVersion(ours, theirs []uint32) (uint32, bool) {
	best := uint32(0)
	found := false
	for _, v := range theirs {
		for _, o := range ours {
			if v == o && (!found || v > best) {
				best = v
				found = true
			}
		}
	}
	return best, found
}

// readWithTimeout reads one frame, failing if it does not arrive in
// time. Substreams have no portable read deadline, so the read runs in
// its own goroutine; on timeout the session is closed right after,
// which unblocks it.
func readWithTimeout(fr *framer, timeout time.Duration) (*frame, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	type result struct {
		fr  *frame
		err error
	}
	ch := make(chan result, 1)
	util.SafeGoWithName("rpc-handshake-read", func() {
		f, err := fr.read()
		ch <- result{fr: f, err: err}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.fr, r.err
	case <-timer.C:
		return nil, ErrHandshakeFailed
	}
}
