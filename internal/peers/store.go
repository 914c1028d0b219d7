package peers

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/pkg/types"
)

// SchemaVersion is the current on-disk directory format. Version 1
// stored addresses as bare strings; version 2 tags each address with its
// source and quality.
const SchemaVersion = 2

// addressRecord is the serializable form of PeerAddress.
type addressRecord struct {
	Address  string    `json:"address"`
	Source   string    `json:"source"`
	Quality  int       `json:"quality"`
	LastSeen time.Time `json:"last_seen"`
}

// peerRecord is the serializable form of a Peer, keyed by NodeID.
type peerRecord struct {
	NodeID      string          `json:"node_id"`
	PublicKey   string          `json:"public_key"`
	DhPublicKey string          `json:"dh_public_key,omitempty"`
	Addresses   []addressRecord `json:"addresses"`
	Features    uint32          `json:"features"`
	Protocols   []string        `json:"protocols,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`

	LastSeen      time.Time `json:"last_seen"`
	LastConnected time.Time `json:"last_connected,omitempty"`

	Banned    bool      `json:"banned,omitempty"`
	BanTier   string    `json:"ban_tier,omitempty"`
	BanReason string    `json:"ban_reason,omitempty"`
	BanExpiry time.Time `json:"ban_expiry,omitempty"`
	BanCount  int       `json:"ban_count,omitempty"`
}

// directoryFile is the top-level persisted structure.
type directoryFile struct {
	SchemaVersion int          `json:"schema_version"`
	Peers         []peerRecord `json:"peers"`
}

// Save persists the directory to path using an atomic write (write to
// .tmp then rename).
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	records := make([]peerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		records = append(records, toRecord(p))
	}
	m.mu.RUnlock()

	file := directoryFile{SchemaVersion: SchemaVersion, Peers: records}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peer directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory for peer store: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write peer store temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename peer store file: %w", err)
	}

	logging.Debug("saved peer directory",
		"peers", len(records),
		"path", path,
		logging.Component("peers"))
	return nil
}

// Load reads a persisted directory, applying schema migrations exactly
// once: a file older than the current version is migrated in memory and
// immediately rewritten at the new version. A missing file is not an
// error.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("no peer directory file, starting fresh",
				"path", path,
				logging.Component("peers"))
			return nil
		}
		return fmt.Errorf("read peer store: %w", err)
	}

	var file directoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal peer store: %w", err)
	}

	migrated := false
	for file.SchemaVersion < SchemaVersion {
		if err := migrateDirectory(&file); err != nil {
			return fmt.Errorf("migrate peer store from v%d: %w", file.SchemaVersion, err)
		}
		migrated = true
	}
	if file.SchemaVersion > SchemaVersion {
		return fmt.Errorf("peer store schema v%d is newer than supported v%d",
			file.SchemaVersion, SchemaVersion)
	}

	loaded := 0
	for _, rec := range file.Peers {
		p, err := fromRecord(rec)
		if err != nil {
			logging.Warn("skipping invalid peer record",
				"node_id", rec.NodeID,
				logging.Err(err),
				logging.Component("peers"))
			continue
		}
		if err := m.AddPeer(p); err != nil {
			logging.Warn("skipping unloadable peer record",
				"node_id", rec.NodeID,
				logging.Err(err),
				logging.Component("peers"))
			continue
		}
		loaded++
	}

	logging.Info("loaded peer directory",
		"peers", loaded,
		"path", path,
		logging.Component("peers"))

	if migrated {
		if err := m.Save(path); err != nil {
			return fmt.Errorf("rewrite migrated peer store: %w", err)
		}
	}
	return nil
}

// migrateDirectory upgrades the file one schema version.
func migrateDirectory(file *directoryFile) error {
	switch file.SchemaVersion {
	case 0, 1:
		// v1 address entries had no source tag. Re-tag as config, the
		// least trusted source, so identity claims can overwrite them.
		for i := range file.Peers {
			for j := range file.Peers[i].Addresses {
				if file.Peers[i].Addresses[j].Source == "" {
					file.Peers[i].Addresses[j].Source = string(AddressSourceConfig)
				}
			}
		}
		file.SchemaVersion = 2
		return nil
	default:
		return fmt.Errorf("no migration defined")
	}
}

func toRecord(p *Peer) peerRecord {
	addrs := make([]addressRecord, 0, len(p.Addresses))
	for _, a := range p.Addresses {
		addrs = append(addrs, addressRecord{
			Address:  a.Raw,
			Source:   string(a.Source),
			Quality:  a.Quality,
			LastSeen: a.LastSeen,
		})
	}

	rec := peerRecord{
		NodeID:        p.NodeID.String(),
		PublicKey:     hex.EncodeToString(p.PublicKey),
		Addresses:     addrs,
		Features:      uint32(p.Features),
		Protocols:     p.Protocols,
		UserAgent:     p.UserAgent,
		LastSeen:      p.LastSeen,
		LastConnected: p.LastConnected,
		Banned:        p.Banned,
		BanTier:       string(p.BanTier),
		BanReason:     p.BanReason,
		BanExpiry:     p.BanExpiry,
		BanCount:      p.BanCount,
	}

	var zeroKey [32]byte
	if p.DhPublicKey != zeroKey {
		rec.DhPublicKey = hex.EncodeToString(p.DhPublicKey[:])
	}
	return rec
}

func fromRecord(rec peerRecord) (*Peer, error) {
	pubBytes, err := hex.DecodeString(rec.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key in record")
	}

	addrs := make([]PeerAddress, 0, len(rec.Addresses))
	for _, a := range rec.Addresses {
		pa, err := Addr(a.Address, AddressSource(a.Source))
		if err != nil {
			// Skip unparseable addresses rather than dropping the peer.
			continue
		}
		pa.Quality = a.Quality
		pa.LastSeen = a.LastSeen
		addrs = append(addrs, pa)
	}

	p, err := NewPeer(ed25519.PublicKey(pubBytes), addrs, Features(rec.Features))
	if err != nil {
		return nil, err
	}

	// The stored NodeID must match the derivation; a mismatch means a
	// corrupted or tampered record.
	storedID, err := types.NodeIDFromHex(rec.NodeID)
	if err != nil || storedID != p.NodeID {
		return nil, ErrNodeIDMismatch
	}

	if rec.DhPublicKey != "" {
		dh, err := hex.DecodeString(rec.DhPublicKey)
		if err == nil && len(dh) == 32 {
			copy(p.DhPublicKey[:], dh)
		}
	}

	p.Protocols = rec.Protocols
	p.UserAgent = rec.UserAgent
	p.LastSeen = rec.LastSeen
	p.LastConnected = rec.LastConnected
	p.Banned = rec.Banned
	p.BanTier = BanTier(rec.BanTier)
	p.BanReason = rec.BanReason
	p.BanExpiry = rec.BanExpiry
	p.BanCount = rec.BanCount
	return p, nil
}
