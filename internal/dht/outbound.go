package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// Outbound errors.
var (
	ErrNoRoute        = errors.New("no route to destination")
	ErrUnknownDhKey   = errors.New("recipient dh public key unknown")
	ErrEmptyDirectory = errors.New("peer directory is empty")
)

// SendOptions tunes a single outbound send.
type SendOptions struct {
	// Confidential encrypts the body for the destination. Requires a
	// public-key destination whose DH key is known.
	Confidential bool

	// FallbackToSaf hands the envelope to store-and-forward when the
	// destination cannot be reached directly.
	FallbackToSaf bool

	// TTL overrides the configured message TTL when positive.
	TTL time.Duration
}

// Send routes a message to a destination. Directly connected
// destinations get the envelope over their connection; otherwise it is
// propagated through the PropagationFactor closest peers. Undirected
// destinations broadcast to the BroadcastFactor closest neighbours.
func (s *Service) Send(ctx context.Context, dest Destination, mt types.MessageType, body []byte, opts SendOptions) error {
	env, err := s.buildEnvelope(dest, mt, body, opts)
	if err != nil {
		return err
	}
	return s.route(ctx, env, opts)
}

// buildEnvelope assembles, optionally encrypts, and signs an envelope.
func (s *Service) buildEnvelope(dest Destination, mt types.MessageType, body []byte, opts SendOptions) (*Envelope, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	ttl := s.cfg.MessageTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	header := Header{
		Version:     uint32(types.ProtocolVersion),
		MessageType: mt,
		Network:     s.network,
		Destination: dest,
		Nonce:       nonce,
		HopCount:    DefaultHopCount,
	}
	if ttl > 0 {
		header.Expires = time.Now().Add(ttl)
	}

	if !opts.Confidential {
		mac, err := signOrigin(s.identity.Sign, s.identity.PublicKey(), &header, body)
		if err != nil {
			return nil, err
		}
		header.OriginMAC = mac
		return &Envelope{Header: header, Body: body}, nil
	}

	// Confidential path: resolve the recipient's static DH key, derive a
	// one-shot secret, then seal body and MAC.
	if dest.Kind != DestinationPublicKey {
		return nil, fmt.Errorf("confidential send requires a public-key destination")
	}
	recipient, err := s.peers.FindByPublicKey(dest.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDhKey, err)
	}
	var zeroKey [32]byte
	if recipient.DhPublicKey == zeroKey {
		return nil, ErrUnknownDhKey
	}

	ephPriv, ephPub, err := identity.GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	secret, err := identity.EphemeralSharedSecret(ephPriv, recipient.DhPublicKey)
	if err != nil {
		return nil, err
	}

	header.Flags |= FlagEncrypted
	header.EphemeralPublicKey = ephPub[:]

	// Sign over the plaintext so the recipient authenticates what it
	// actually reads, then seal both body and MAC.
	mac, err := signOrigin(s.identity.Sign, s.identity.PublicKey(), &header, body)
	if err != nil {
		return nil, err
	}
	sealedBody, err := aeadSeal(secret, body)
	if err != nil {
		return nil, err
	}
	sealedMAC, err := aeadSeal(secret, mac)
	if err != nil {
		return nil, err
	}
	header.OriginMAC = sealedMAC

	return &Envelope{Header: header, Body: sealedBody}, nil
}

// route picks direct delivery, directed propagation, or broadcast.
func (s *Service) route(ctx context.Context, env *Envelope, opts SendOptions) error {
	// Outbound copies enter the dedup cache so our own propagation echo
	// does not dispatch locally.
	s.dedup.Observe(EnvelopeDigest(env))

	target, directed := env.Header.Destination.TargetNodeID()
	if directed {
		if s.sender.IsConnected(target) {
			if err := s.sender.SendEnvelope(ctx, target, env); err == nil {
				s.metrics.MessagesSent.WithLabelValues(string(env.Header.MessageType)).Inc()
				return nil
			}
			// Fall through to propagation on direct-send failure.
		}
		return s.propagate(ctx, env, target, s.cfg.PropagationFactor, opts)
	}
	return s.broadcast(ctx, env)
}

// propagate forwards an envelope through the n closest known peers to
// the target, excluding where it came from.
func (s *Service) propagate(ctx context.Context, env *Envelope, target types.NodeID, n int, opts SendOptions) error {
	exclude := map[types.NodeID]struct{}{s.identity.NodeID(): {}}
	candidates := s.peers.ClosestPeers(target, n, exclude)
	if len(candidates) == 0 {
		if saf := s.storer(); opts.FallbackToSaf && saf != nil {
			if err := saf.StoreForRecipient(env, target); err != nil {
				return fmt.Errorf("store for offline recipient: %w", err)
			}
			s.metrics.SafStored.Inc()
			return nil
		}
		return ErrNoRoute
	}

	sent := 0
	for _, p := range candidates {
		if err := s.sender.SendEnvelope(ctx, p.NodeID, env); err != nil {
			logging.Debug("propagation send failed",
				logging.Peer(p.NodeID.Short()),
				logging.Err(err),
				logging.Component("dht"))
			continue
		}
		sent++
	}
	if sent == 0 {
		if saf := s.storer(); opts.FallbackToSaf && saf != nil {
			if err := saf.StoreForRecipient(env, target); err != nil {
				return fmt.Errorf("store for offline recipient: %w", err)
			}
			s.metrics.SafStored.Inc()
			return nil
		}
		return ErrNoRoute
	}
	s.metrics.MessagesSent.WithLabelValues(string(env.Header.MessageType)).Inc()
	return nil
}

// broadcast fans an undirected envelope out to the closest neighbours
// of this node.
func (s *Service) broadcast(ctx context.Context, env *Envelope) error {
	exclude := map[types.NodeID]struct{}{s.identity.NodeID(): {}}
	neighbours := s.peers.ClosestPeers(s.identity.NodeID(), s.cfg.BroadcastFactor, exclude)
	if len(neighbours) == 0 {
		return ErrEmptyDirectory
	}

	sent := 0
	for _, p := range neighbours {
		if err := s.sender.SendEnvelope(ctx, p.NodeID, env); err != nil {
			logging.Debug("broadcast send failed",
				logging.Peer(p.NodeID.Short()),
				logging.Err(err),
				logging.Component("dht"))
			continue
		}
		sent++
	}
	if sent == 0 {
		return ErrNoRoute
	}
	s.metrics.MessagesSent.WithLabelValues(string(env.Header.MessageType)).Inc()
	return nil
}

// SendDirect hands a prebuilt envelope to one connected peer, bypassing
// routing. Used by SAF delivery and join handshakes.
func (s *Service) SendDirect(ctx context.Context, to types.NodeID, env *Envelope) error {
	s.dedup.Observe(EnvelopeDigest(env))
	if err := s.sender.SendEnvelope(ctx, to, env); err != nil {
		return err
	}
	s.metrics.MessagesSent.WithLabelValues(string(env.Header.MessageType)).Inc()
	return nil
}
