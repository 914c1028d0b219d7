package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/karstnetwork/karst/pkg/types"
)

// Config is the complete node configuration.
type Config struct {
	Daemon       DaemonConfig       `yaml:"daemon"`
	P2P          P2PConfig          `yaml:"p2p"`
	Dht          DhtConfig          `yaml:"dht"`
	Saf          SafConfig          `yaml:"saf"`
	Rpc          RpcConfig          `yaml:"rpc"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// DaemonConfig contains process-level settings.
type DaemonConfig struct {
	DataDir   string `yaml:"data_dir"`
	KeyPath   string `yaml:"key_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"
}

// P2PConfig contains transport and peer directory settings.
type P2PConfig struct {
	Network        types.Network `yaml:"network"`
	ListenAddrs    []string      `yaml:"listen_addrs"`
	BootstrapPeers []string      `yaml:"bootstrap_peers"`
	UserAgent      string        `yaml:"user_agent"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	MaxDialAttempts int           `yaml:"max_dial_attempts"`
	// OfflineThreshold is the consecutive dial failure count after which
	// a peer counts as offline for connectivity accounting.
	OfflineThreshold int `yaml:"offline_threshold"`

	// LingerGrace is how long the losing side of a simultaneous-dial
	// tie-break keeps its connection open to drain in-flight data.
	LingerGrace time.Duration `yaml:"linger_grace"`

	// Idle connection reaping.
	MinConnectionAge time.Duration `yaml:"min_connection_age"`
	ReapInterval     time.Duration `yaml:"reap_interval"`

	// Connection manager watermarks.
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`

	// AllowList lists NodeIDs (hex) that are never banned, used for
	// forced sync peers.
	AllowList []string `yaml:"allow_list"`

	ShortBanDuration time.Duration `yaml:"short_ban_duration"`
	LongBanDuration  time.Duration `yaml:"long_ban_duration"`
	// BanEscalationThreshold is the violation count at which a short ban
	// escalates to a long one.
	BanEscalationThreshold int `yaml:"ban_escalation_threshold"`
}

// DhtConfig contains envelope routing settings.
type DhtConfig struct {
	// NumNeighbours is the closest-N fan-out for undirected propagation.
	NumNeighbours int `yaml:"num_neighbours"`
	// PropagationFactor is the fan-out when re-propagating a directed
	// message towards its destination.
	PropagationFactor int `yaml:"propagation_factor"`
	// BroadcastFactor is the fan-out for join/discovery broadcasts.
	BroadcastFactor int `yaml:"broadcast_factor"`

	DedupCacheCapacity int           `yaml:"dedup_cache_capacity"`
	MessageTTL         time.Duration `yaml:"message_ttl"`

	// Per-peer inbound rate limiting.
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`
}

// SafConfig contains store-and-forward settings.
type SafConfig struct {
	MaxStoredMessages    int           `yaml:"max_stored_messages"`
	MaxMessagesPerPeer   int           `yaml:"max_messages_per_peer"`
	MaxWantListLen       int           `yaml:"max_want_list_len"`
	MessageRetention     time.Duration `yaml:"message_retention"`
	ResponseStreamBuffer int           `yaml:"response_stream_buffer"`
}

// RpcConfig contains RPC framework settings.
type RpcConfig struct {
	MaxFrameSize       int           `yaml:"max_frame_size"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	MaxSessionsPerPeer int           `yaml:"max_sessions_per_peer"`
}

// ConnectivityConfig contains monitor settings.
type ConnectivityConfig struct {
	// MinConnectivity is the connected/known fraction below which the
	// node is Degraded, and Offline when no peers are connected.
	MinConnectivity float64       `yaml:"min_connectivity"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Daemon:       DefaultDaemonConfig(),
		P2P:          DefaultP2PConfig(),
		Dht:          DefaultDhtConfig(),
		Saf:          DefaultSafConfig(),
		Rpc:          DefaultRpcConfig(),
		Connectivity: DefaultConnectivityConfig(),
	}
}

// DefaultDaemonConfig returns default daemon settings.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		DataDir:   "~/.karst/data",
		KeyPath:   "~/.karst/keys/node.key",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// DefaultP2PConfig returns default transport settings.
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		Network:                types.NetworkMainnet,
		ListenAddrs:            []string{"/ip4/0.0.0.0/tcp/18189"},
		UserAgent:              "karst/1.0",
		DialTimeout:            30 * time.Second,
		MaxDialAttempts:        3,
		OfflineThreshold:       5,
		LingerGrace:            2 * time.Second,
		MinConnectionAge:       20 * time.Minute,
		ReapInterval:           1 * time.Minute,
		LowWatermark:           100,
		HighWatermark:          400,
		ShortBanDuration:       30 * time.Minute,
		LongBanDuration:        6 * time.Hour,
		BanEscalationThreshold: 3,
	}
}

// DefaultDhtConfig returns default routing settings.
func DefaultDhtConfig() DhtConfig {
	return DhtConfig{
		NumNeighbours:      8,
		PropagationFactor:  4,
		BroadcastFactor:    8,
		DedupCacheCapacity: 10_000,
		MessageTTL:         3 * time.Hour,
		InboundRate:        50,
		InboundBurst:       100,
	}
}

// DefaultSafConfig returns default store-and-forward settings.
func DefaultSafConfig() SafConfig {
	return SafConfig{
		MaxStoredMessages:    10_000,
		MaxMessagesPerPeer:   256,
		MaxWantListLen:       256,
		MessageRetention:     72 * time.Hour,
		ResponseStreamBuffer: 16,
	}
}

// DefaultRpcConfig returns default RPC settings.
func DefaultRpcConfig() RpcConfig {
	return RpcConfig{
		MaxFrameSize:       4 * 1024 * 1024,
		CallTimeout:        90 * time.Second,
		HandshakeTimeout:   15 * time.Second,
		MaxSessionsPerPeer: 10,
	}
}

// DefaultConnectivityConfig returns default monitor settings.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		MinConnectivity: 0.3,
		RefreshInterval: 30 * time.Second,
		EventBuffer:     64,
	}
}

// Load reads a config file, applying defaults for any missing section.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a file, creating parent directories.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values that would break the node
// at runtime rather than merely degrade it.
func (c *Config) Validate() error {
	if !c.P2P.Network.IsValid() {
		return fmt.Errorf("invalid network %q", c.P2P.Network)
	}
	if len(c.P2P.ListenAddrs) == 0 {
		return fmt.Errorf("at least one listen address is required")
	}
	if c.Dht.NumNeighbours <= 0 {
		return fmt.Errorf("num_neighbours must be positive")
	}
	if c.Saf.MaxWantListLen <= 0 {
		return fmt.Errorf("max_want_list_len must be positive")
	}
	if c.Rpc.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}
	if c.Connectivity.MinConnectivity <= 0 || c.Connectivity.MinConnectivity > 1 {
		return fmt.Errorf("min_connectivity must be in (0, 1]")
	}
	return nil
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
