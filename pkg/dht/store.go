package dht

import (
	"fmt"
	"sync"
	"time"
)

// AnnouncementStore holds accepted PeerAnnouncements keyed by DHT key,
// with periodic expiry per spec §4.10 ("Periodic refresh evicts expired
// announcements"). Expiry is computed from each announcement's own
// Timestamp+TTL, not local receipt time, so the announcer controls its
// own freshness window.
type AnnouncementStore struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	byKey      map[Key]PeerAnnouncement
}

// NewAnnouncementStore creates a store. defaultTTL is applied to
// announcements that arrive without their own TTL set.
func NewAnnouncementStore(defaultTTL time.Duration) *AnnouncementStore {
	return &AnnouncementStore{defaultTTL: defaultTTL, byKey: make(map[Key]PeerAnnouncement)}
}

// Store accepts ann if and only if its signature verifies, per spec §4.10.
func (s *AnnouncementStore) Store(ann PeerAnnouncement) error {
	if err := ann.Verify(); err != nil {
		return fmt.Errorf("dht: rejecting announcement: %w", err)
	}
	if ann.TTL <= 0 {
		ann.TTL = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[ann.DHTKey()] = ann
	return nil
}

// FindValue looks up the announcement stored under key, if any and not
// expired.
func (s *AnnouncementStore) FindValue(key Key) (PeerAnnouncement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ann, ok := s.byKey[key]
	if !ok {
		return PeerAnnouncement{}, false
	}
	if ann.TTL > 0 && time.Now().After(ann.ExpiresAt()) {
		return PeerAnnouncement{}, false
	}
	return ann, true
}

// ExpireStale removes every entry past its own Timestamp+TTL, returning
// the count removed. Intended to be called from a periodic refresh task.
func (s *AnnouncementStore) ExpireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := time.Now()
	for k, ann := range s.byKey {
		if ann.TTL > 0 && now.After(ann.ExpiresAt()) {
			delete(s.byKey, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of announcements currently stored (including any
// not-yet-swept expired entries).
func (s *AnnouncementStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
