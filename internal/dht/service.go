package dht

import (
	"context"
	"crypto/ed25519"
	"sync"

	"golang.org/x/time/rate"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/pkg/types"
)

// Sender delivers an envelope to a directly connected peer. The
// connection layer implements it; the routing layer never touches
// sockets itself.
type Sender interface {
	SendEnvelope(ctx context.Context, to types.NodeID, env *Envelope) error
	IsConnected(to types.NodeID) bool
}

// Storer accepts envelopes for recipients that cannot be reached right
// now. The store-and-forward layer implements it.
type Storer interface {
	StoreForRecipient(env *Envelope, recipient types.NodeID) error
}

// InboundMessage is a fully validated message handed to subscribers.
type InboundMessage struct {
	// From is the directly connected peer that forwarded the envelope.
	From types.NodeID
	// Origin is the authenticated author of the body. Nil when the
	// envelope carried no verifiable origin (cleartext propagation
	// without a MAC is rejected earlier, so this is set for all
	// dispatched messages).
	Origin ed25519.PublicKey

	MessageType types.MessageType
	Body        []byte

	// Confidential is true when the body arrived encrypted for us.
	Confidential bool
}

// Service is the envelope routing pipeline: outbound construction,
// encryption and signing, inbound validation, deduplication and
// re-propagation.
type Service struct {
	cfg      config.DhtConfig
	network  types.Network
	identity *identity.NodeIdentity
	peers    *peers.Manager
	sender   Sender
	metrics  *metrics.Metrics

	dedup *dedupCache

	// saf is optional; without it undeliverable envelopes are dropped.
	saf Storer

	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan InboundMessage
	limiters    map[types.NodeID]*rate.Limiter
	closed      bool
}

// New builds the routing service. The SAF storer may be nil.
func New(cfg config.DhtConfig, network types.Network, id *identity.NodeIdentity, pm *peers.Manager, sender Sender, saf Storer, m *metrics.Metrics) *Service {
	return &Service{
		cfg:         cfg,
		network:     network,
		identity:    id,
		peers:       pm,
		sender:      sender,
		saf:         saf,
		metrics:     m,
		dedup:       newDedupCache(cfg.DedupCacheCapacity),
		subscribers: make(map[types.MessageType][]chan InboundMessage),
		limiters:    make(map[types.NodeID]*rate.Limiter),
	}
}

// SetStorer wires the store-and-forward fallback after construction.
// The SAF service needs this service as its messenger, so one of the
// two is always wired late.
func (s *Service) SetStorer(storer Storer) {
	s.mu.Lock()
	s.saf = storer
	s.mu.Unlock()
}

// storer returns the wired SAF fallback, if any. Reads go through the
// lock so late wiring is safe against concurrent routing.
func (s *Service) storer() Storer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saf
}

// Subscribe returns a channel receiving validated inbound messages of
// the given type. Delivery is best-effort: a full channel drops.
func (s *Service) Subscribe(mt types.MessageType) <-chan InboundMessage {
	ch := make(chan InboundMessage, 64)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.subscribers[mt] = append(s.subscribers[mt], ch)
	s.mu.Unlock()
	return ch
}

// Close releases subscriber channels. Pending sends are not awaited.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, chans := range s.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subscribers = nil
}

func (s *Service) dispatch(msg InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ch := range s.subscribers[msg.MessageType] {
		select {
		case ch <- msg:
		default:
			s.metrics.MessagesDropped.WithLabelValues("subscriber_full").Inc()
		}
	}
}

// limiterFor returns the per-peer inbound rate limiter, creating it on
// first use.
func (s *Service) limiterFor(peer types.NodeID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[peer]
	if !ok {
		r := s.cfg.InboundRate
		if r <= 0 {
			r = 50
		}
		burst := s.cfg.InboundBurst
		if burst <= 0 {
			burst = 100
		}
		lim = rate.NewLimiter(rate.Limit(r), burst)
		s.limiters[peer] = lim
	}
	return lim
}
