package dht

import (
	"bytes"
	"context"
	"time"

	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// HandleInbound runs the validation pipeline on one envelope received
// from a directly connected peer. Invalid envelopes are dropped; a
// forged origin MAC additionally counts as a protocol violation against
// the forwarder. Valid envelopes are dispatched locally, forwarded
// onward, or both.
func (s *Service) HandleInbound(ctx context.Context, from types.NodeID, env *Envelope) {
	if !s.limiterFor(from).Allow() {
		s.drop(env, "rate_limited")
		return
	}

	if env.Header.Network != s.network {
		// Wrong-network traffic is dropped without response so the node
		// leaks nothing about its configuration.
		s.drop(env, "wrong_network")
		return
	}

	if env.IsExpired(time.Now()) {
		s.drop(env, "expired")
		return
	}

	if s.dedup.Observe(EnvelopeDigest(env)) {
		s.metrics.DedupDrops.Inc()
		return
	}

	s.metrics.MessagesReceived.WithLabelValues(string(env.Header.MessageType)).Inc()

	if s.isForUs(&env.Header.Destination) {
		s.deliverLocal(from, env)
		return
	}

	if env.Header.Destination.Kind == DestinationUnknown {
		// Broadcasts deliver locally and keep propagating.
		if s.deliverLocal(from, env) {
			s.forward(ctx, from, env)
		}
		return
	}

	// Directed at someone else: pass it along.
	s.forward(ctx, from, env)
}

// isForUs reports whether the destination names this node.
func (s *Service) isForUs(d *Destination) bool {
	switch d.Kind {
	case DestinationNodeID:
		return d.NodeID == s.identity.NodeID()
	case DestinationPublicKey:
		return bytes.Equal(d.PublicKey, s.identity.PublicKey())
	default:
		return false
	}
}

// deliverLocal decrypts if needed, authenticates the origin, and hands
// the message to subscribers. Returns false when the envelope failed
// authentication and must not be forwarded further.
func (s *Service) deliverLocal(from types.NodeID, env *Envelope) bool {
	body := env.Body
	macBytes := env.Header.OriginMAC
	confidential := env.Header.Flags.IsEncrypted()

	if confidential {
		var ephPub [32]byte
		copy(ephPub[:], env.Header.EphemeralPublicKey)

		secret, err := s.identity.SharedSecret(ephPub)
		if err != nil {
			s.drop(env, "bad_ephemeral_key")
			return false
		}
		body, err = aeadOpen(secret, env.Body)
		if err != nil {
			// Encrypted broadcasts not meant for us fail here; that is
			// normal and not a violation.
			if env.Header.Destination.Kind == DestinationUnknown {
				s.drop(env, "not_for_us")
				return true
			}
			s.drop(env, "decrypt_failed")
			return false
		}
		macBytes, err = aeadOpen(secret, env.Header.OriginMAC)
		if err != nil {
			s.drop(env, "decrypt_failed")
			return false
		}
	}

	origin, err := verifyOrigin(macBytes, &env.Header, body)
	if err != nil {
		s.violation(from, "invalid_origin_mac")
		s.drop(env, "invalid_origin_mac")
		return false
	}

	s.dispatch(InboundMessage{
		From:         from,
		Origin:       origin,
		MessageType:  env.Header.MessageType,
		Body:         body,
		Confidential: confidential,
	})
	return true
}

// forward re-propagates an envelope after decrementing its hop budget.
// Only the hop count changes; everything the origin signed stays intact,
// so every hop computes the same dedup digest.
func (s *Service) forward(ctx context.Context, from types.NodeID, env *Envelope) {
	if env.Header.HopCount == 0 {
		s.drop(env, "hop_budget_exhausted")
		return
	}

	next := *env
	next.Header.HopCount--

	target, directed := next.Header.Destination.TargetNodeID()
	fanout := s.cfg.PropagationFactor
	if !directed {
		target = s.identity.NodeID()
		fanout = s.cfg.NumNeighbours
	}

	exclude := map[types.NodeID]struct{}{
		from:                {},
		s.identity.NodeID(): {},
	}
	candidates := s.peers.ClosestPeers(target, fanout, exclude)
	if len(candidates) == 0 {
		if saf := s.storer(); directed && saf != nil {
			if err := saf.StoreForRecipient(&next, target); err == nil {
				s.metrics.SafStored.Inc()
				return
			}
		}
		s.drop(env, "no_route")
		return
	}

	for _, p := range candidates {
		if err := s.sender.SendEnvelope(ctx, p.NodeID, &next); err != nil {
			logging.Debug("forward failed",
				logging.Peer(p.NodeID.Short()),
				logging.Err(err),
				logging.Component("dht"))
		}
	}
}

func (s *Service) drop(env *Envelope, reason string) {
	s.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	logging.Debug("dropped envelope",
		logging.MessageType(string(env.Header.MessageType)),
		"reason", reason,
		logging.Component("dht"))
}

func (s *Service) violation(peer types.NodeID, kind string) {
	s.metrics.Violations.WithLabelValues(kind).Inc()
	s.peers.RecordViolation(peer, kind)
}
