package types

// MessageType tags the payload of a routed message so the inbound
// pipeline can dispatch it to the right local handler. Domain types
// belong to the services built on top of the comms layer; the dht-*
// types are consumed internally and never surfaced to handlers.
type MessageType string

const (
	// Domain message types. The comms layer routes these opaquely.
	MessageTypeBlock       MessageType = "block"
	MessageTypeTransaction MessageType = "transaction"
	MessageTypeChainMeta   MessageType = "chain_meta"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"

	// Internal DHT message types.
	MessageTypeJoin        MessageType = "dht_join"
	MessageTypeDiscovery   MessageType = "dht_discovery"
	MessageTypeSafRequest  MessageType = "saf_request"
	MessageTypeSafResponse MessageType = "saf_response"
)

// IsDht returns true for message types handled inside the DHT layer.
func (m MessageType) IsDht() bool {
	switch m {
	case MessageTypeJoin, MessageTypeDiscovery:
		return true
	default:
		return false
	}
}

// IsSaf returns true for store-and-forward protocol messages.
func (m MessageType) IsSaf() bool {
	return m == MessageTypeSafRequest || m == MessageTypeSafResponse
}

// Network identifies which chain network a message belongs to. Envelopes
// carrying a different network id than the local node are dropped without
// penalty, since they may be benign cross-network relays.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkTestnet  Network = "testnet"
	NetworkLocalnet Network = "localnet"
)

// IsValid checks if the network identifier is recognised.
func (n Network) IsValid() bool {
	switch n {
	case NetworkMainnet, NetworkTestnet, NetworkLocalnet:
		return true
	default:
		return false
	}
}

// ProtocolVersion is the current wire version for DHT envelopes.
const ProtocolVersion uint32 = 1
