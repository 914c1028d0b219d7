package saf

import (
	"sync"
	"time"

	"github.com/karstnetwork/karst/internal/dht"
	"github.com/karstnetwork/karst/pkg/types"
)

// StoredMessage is one envelope held for an unreachable recipient.
type StoredMessage struct {
	Recipient types.NodeID
	Envelope  *dht.Envelope
	StoredAt  time.Time
	digest    [32]byte
}

// Store holds envelopes awaiting delivery. Implementations must be safe
// for concurrent use.
type Store interface {
	// Insert stores an envelope, evicting the oldest entries when the
	// global or per-recipient quota is hit. Re-inserting an envelope
	// already held is a no-op.
	Insert(msg *StoredMessage) (evicted int)

	// TakeForRecipients removes and returns messages for the given
	// recipients stored at or after since, oldest first, at most limit.
	// Removal on read gives exactly-once delivery per store.
	TakeForRecipients(want []types.NodeID, since time.Time, limit int) []*StoredMessage

	// Prune drops messages stored before the cutoff.
	Prune(cutoff time.Time) int

	Len() int
}

// MemoryStore is the in-process Store. Entries are kept in insertion
// order, which doubles as age order since StoredAt is assigned at
// insert.
type MemoryStore struct {
	mu           sync.Mutex
	maxTotal     int
	maxPerPeer   int
	entries      []*StoredMessage
	perRecipient map[types.NodeID]int
	byDigest     map[[32]byte]struct{}
	nowFunc      func() time.Time
}

// NewMemoryStore builds a store with the given quotas.
func NewMemoryStore(maxTotal, maxPerPeer int) *MemoryStore {
	if maxTotal <= 0 {
		maxTotal = 10_000
	}
	if maxPerPeer <= 0 {
		maxPerPeer = 256
	}
	return &MemoryStore{
		maxTotal:     maxTotal,
		maxPerPeer:   maxPerPeer,
		perRecipient: make(map[types.NodeID]int),
		byDigest:     make(map[[32]byte]struct{}),
		nowFunc:      time.Now,
	}
}

func (s *MemoryStore) Insert(msg *StoredMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.digest = dht.EnvelopeDigest(msg.Envelope)
	if _, dup := s.byDigest[msg.digest]; dup {
		return 0
	}
	if msg.StoredAt.IsZero() {
		msg.StoredAt = s.nowFunc()
	}

	evicted := 0
	if s.perRecipient[msg.Recipient] >= s.maxPerPeer {
		evicted += s.evictOldestLocked(func(e *StoredMessage) bool {
			return e.Recipient == msg.Recipient
		})
	}
	if len(s.entries) >= s.maxTotal {
		evicted += s.evictOldestLocked(func(*StoredMessage) bool { return true })
	}

	s.entries = append(s.entries, msg)
	s.perRecipient[msg.Recipient]++
	s.byDigest[msg.digest] = struct{}{}
	return evicted
}

// evictOldestLocked removes the first entry matching the predicate.
func (s *MemoryStore) evictOldestLocked(match func(*StoredMessage) bool) int {
	for i, e := range s.entries {
		if match(e) {
			s.removeAtLocked(i)
			return 1
		}
	}
	return 0
}

func (s *MemoryStore) removeAtLocked(i int) {
	e := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.byDigest, e.digest)
	if s.perRecipient[e.Recipient]--; s.perRecipient[e.Recipient] == 0 {
		delete(s.perRecipient, e.Recipient)
	}
}

func (s *MemoryStore) TakeForRecipients(want []types.NodeID, since time.Time, limit int) []*StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[types.NodeID]struct{}, len(want))
	for _, id := range want {
		wanted[id] = struct{}{}
	}

	var taken []*StoredMessage
	for i := 0; i < len(s.entries); {
		e := s.entries[i]
		if _, ok := wanted[e.Recipient]; ok && !e.StoredAt.Before(since) {
			taken = append(taken, e)
			s.removeAtLocked(i)
			if limit > 0 && len(taken) >= limit {
				break
			}
			continue
		}
		i++
	}
	return taken
}

func (s *MemoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for i := 0; i < len(s.entries); {
		if s.entries[i].StoredAt.Before(cutoff) {
			s.removeAtLocked(i)
			pruned++
			continue
		}
		i++
	}
	return pruned
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
