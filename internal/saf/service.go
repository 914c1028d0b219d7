package saf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/dht"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/internal/util"
	"github.com/karstnetwork/karst/pkg/types"
)

// Messenger is the slice of the routing service the SAF layer needs:
// sending its own protocol messages and re-injecting unwrapped stored
// envelopes into the inbound pipeline.
type Messenger interface {
	Send(ctx context.Context, dest dht.Destination, mt types.MessageType, body []byte, opts dht.SendOptions) error
	Subscribe(mt types.MessageType) <-chan dht.InboundMessage
	HandleInbound(ctx context.Context, from types.NodeID, env *dht.Envelope)
}

// Request asks a storing node for messages held on behalf of the listed
// recipients since the given time.
type Request struct {
	Since time.Time      `json:"since"`
	Want  []types.NodeID `json:"want"`
	Limit int            `json:"limit,omitempty"`
}

// reply wraps one stored envelope for the response stream.
type reply struct {
	StoredAt time.Time `json:"stored_at"`
	Envelope []byte    `json:"envelope"`
}

// ErrWantListTooLong is wrapped into the sized error returned for
// oversized requests. The check runs before any store lookup.
var ErrWantListTooLong = errors.New("want list too long")

// ViolationRecorder records protocol violations against peers. The
// peer directory implements it.
type ViolationRecorder interface {
	RecordViolation(id types.NodeID, kind string)
}

// Service implements store-and-forward: it holds envelopes for
// unreachable recipients and replays them when asked. It satisfies
// dht.Storer.
type Service struct {
	cfg       config.SafConfig
	store     Store
	messenger Messenger
	metrics   *metrics.Metrics

	// violations is optional; without it abusive requests are only
	// logged.
	violations ViolationRecorder

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the SAF service around a store.
func NewService(cfg config.SafConfig, store Store, messenger Messenger, m *metrics.Metrics) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		messenger: messenger,
		metrics:   m,
	}
}

// SetViolationRecorder wires the peer directory in so abusive requests
// count against the requester.
func (s *Service) SetViolationRecorder(vr ViolationRecorder) {
	s.violations = vr
}

// StoreForRecipient accepts an envelope the routing layer could not
// deliver. Implements dht.Storer.
func (s *Service) StoreForRecipient(env *dht.Envelope, recipient types.NodeID) error {
	evicted := s.store.Insert(&StoredMessage{Recipient: recipient, Envelope: env})
	if evicted > 0 {
		s.metrics.SafEvicted.Add(float64(evicted))
	}
	s.metrics.SafStoreSize.Set(float64(s.store.Len()))
	logging.Debug("stored envelope for offline recipient",
		logging.Peer(recipient.Short()),
		logging.MessageType(string(env.Header.MessageType)),
		logging.Component("saf"))
	return nil
}

// RequestStored asks the network for messages held for the given
// recipients, typically this node itself plus close neighbours. Sent as
// a broadcast so any storing neighbour can answer.
func (s *Service) RequestStored(ctx context.Context, since time.Time, want []types.NodeID) error {
	if len(want) > s.cfg.MaxWantListLen {
		return fmt.Errorf("%w: %d entries, limit %d", ErrWantListTooLong, len(want), s.cfg.MaxWantListLen)
	}
	body, err := json.Marshal(&Request{Since: since, Want: want})
	if err != nil {
		return fmt.Errorf("marshal stored-message request: %w", err)
	}
	return s.messenger.Send(ctx, dht.Unknown(), types.MessageTypeSafRequest, body, dht.SendOptions{})
}

// Start runs the request and response handlers until the context is
// cancelled, plus a periodic retention sweep.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	requests := s.messenger.Subscribe(types.MessageTypeSafRequest)
	responses := s.messenger.Subscribe(types.MessageTypeSafResponse)

	util.SafeGoWithName("saf-loop", func() {
		defer close(s.done)

		retention := s.cfg.MessageRetention
		if retention <= 0 {
			retention = 72 * time.Hour
		}
		sweep := time.NewTicker(retention / 10)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-requests:
				if !ok {
					return
				}
				s.handleRequest(ctx, msg)
			case msg, ok := <-responses:
				if !ok {
					return
				}
				s.handleResponse(ctx, msg)
			case <-sweep.C:
				if pruned := s.store.Prune(time.Now().Add(-retention)); pruned > 0 {
					s.metrics.SafEvicted.Add(float64(pruned))
					s.metrics.SafStoreSize.Set(float64(s.store.Len()))
				}
			}
		}
	})
}

// Close stops the handler loop.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// handleRequest serves one stored-message request. Replies go directly
// to the requester, one envelope per response message, produced through
// a bounded channel so a huge backlog cannot balloon memory.
func (s *Service) handleRequest(ctx context.Context, msg dht.InboundMessage) {
	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		logging.Debug("malformed stored-message request",
			logging.Peer(msg.From.Short()),
			logging.Err(err),
			logging.Component("saf"))
		return
	}
	if len(req.Want) > s.cfg.MaxWantListLen {
		// Reject before touching the store; no error response is sent.
		// The limit is a protocol constant, so exceeding it counts
		// against the authenticated requester, not the forwarder.
		logging.Warn("rejected oversized want list",
			logging.Peer(msg.From.Short()),
			"size", len(req.Want),
			"limit", s.cfg.MaxWantListLen,
			logging.Component("saf"))
		s.metrics.Violations.WithLabelValues("oversized_want_list").Inc()
		if s.violations != nil {
			s.violations.RecordViolation(types.NodeIDFromPublicKey(msg.Origin), "oversized saf want list")
		}
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxMessagesPerPeer {
		limit = s.cfg.MaxMessagesPerPeer
	}
	taken := s.store.TakeForRecipients(req.Want, req.Since, limit)
	if len(taken) == 0 {
		return
	}
	s.metrics.SafStoreSize.Set(float64(s.store.Len()))

	buffer := s.cfg.ResponseStreamBuffer
	if buffer <= 0 {
		buffer = 16
	}
	stream := make(chan *StoredMessage, buffer)
	util.SafeGoWithName("saf-stream", func() {
		defer close(stream)
		for _, m := range taken {
			select {
			case stream <- m:
			case <-ctx.Done():
				return
			}
		}
	})

	requester := types.NodeIDFromPublicKey(msg.Origin)
	delivered := 0
	for m := range stream {
		var raw bytes.Buffer
		if err := m.Envelope.WriteTo(&raw); err != nil {
			continue
		}
		body, err := json.Marshal(&reply{StoredAt: m.StoredAt, Envelope: raw.Bytes()})
		if err != nil {
			continue
		}
		err = s.messenger.Send(ctx, dht.ToNodeID(requester), types.MessageTypeSafResponse, body, dht.SendOptions{})
		if err != nil {
			logging.Debug("stored-message delivery failed",
				logging.Peer(requester.Short()),
				logging.Err(err),
				logging.Component("saf"))
			// Put it back so a later request can still fetch it.
			s.store.Insert(m)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		s.metrics.SafDelivered.Add(float64(delivered))
		logging.Info("delivered stored messages",
			logging.Peer(requester.Short()),
			"count", delivered,
			logging.Component("saf"))
	}
	s.metrics.SafStoreSize.Set(float64(s.store.Len()))
}

// handleResponse unwraps a stored envelope and replays it through the
// inbound pipeline, where the usual dedup and origin checks apply.
func (s *Service) handleResponse(ctx context.Context, msg dht.InboundMessage) {
	var r reply
	if err := json.Unmarshal(msg.Body, &r); err != nil {
		logging.Debug("malformed stored-message response",
			logging.Peer(msg.From.Short()),
			logging.Err(err),
			logging.Component("saf"))
		return
	}
	env, err := dht.ReadEnvelope(bytes.NewReader(r.Envelope))
	if err != nil {
		logging.Debug("invalid stored envelope in response",
			logging.Peer(msg.From.Short()),
			logging.Err(err),
			logging.Component("saf"))
		return
	}
	s.messenger.HandleInbound(ctx, msg.From, env)
}

// Pending returns the number of envelopes currently held.
func (s *Service) Pending() int {
	return s.store.Len()
}
