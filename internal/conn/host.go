package conn

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	lpcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pconnmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/identity"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// connMgrGracePeriod protects new connections from watermark pruning
// long enough for the envelope handshake to finish.
const connMgrGracePeriod = 20 * time.Second

// BuildHost constructs the libp2p host carrying our node identity. The
// libp2p peer id is derived from the same Ed25519 key as the NodeID, so
// either can be recomputed from the other end's handshake.
func BuildHost(cfg config.P2PConfig, id *identity.NodeIdentity) (host.Host, error) {
	privKey, err := lpcrypto.UnmarshalEd25519PrivateKey(id.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("wrap identity key: %w", err)
	}

	cm, err := libp2pconnmgr.NewConnManager(
		cfg.LowWatermark,
		cfg.HighWatermark,
		libp2pconnmgr.WithGracePeriod(connMgrGracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.UserAgent(cfg.UserAgent),
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	logging.Info("transport listening",
		logging.NodeID(id.NodeID().Short()),
		"addrs", fmt.Sprintf("%v", h.Addrs()),
		logging.Component("conn"))

	return h, nil
}

// libp2pPeerID computes the libp2p peer id for a node's Ed25519 key.
func libp2pPeerID(pub ed25519.PublicKey) (peer.ID, error) {
	lpPub, err := lpcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("wrap public key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(lpPub)
	if err != nil {
		return "", fmt.Errorf("derive peer id: %w", err)
	}
	return pid, nil
}

// nodeIDFromRemote recovers the NodeID from a connection's remote key.
func nodeIDFromRemote(remote lpcrypto.PubKey) (types.NodeID, ed25519.PublicKey, error) {
	raw, err := remote.Raw()
	if err != nil {
		return types.NodeID{}, nil, fmt.Errorf("extract remote key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return types.NodeID{}, nil, fmt.Errorf("remote key is not ed25519 (%d bytes)", len(raw))
	}
	pub := ed25519.PublicKey(raw)
	return types.NodeIDFromPublicKey(pub), pub, nil
}
