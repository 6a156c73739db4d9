package replay

import (
	"context"
	"sync"
	"time"
)

type nonceEntry struct {
	owner  string
	expiry time.Time
}

// MemoryStore keeps nonces in process memory. Entries do not survive a
// restart, so it suits tests and single-node deployments where the SQL or
// Redis store is unavailable.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]map[string]nonceEntry // device -> nonce
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]map[string]nonceEntry)}
}

// Remember implements NonceStore.
func (s *MemoryStore) Remember(_ context.Context, deviceID, nonce, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nonces := s.entries[deviceID]
	if nonces == nil {
		nonces = make(map[string]nonceEntry)
		s.entries[deviceID] = nonces
	}

	// Evict by age
	for n, e := range nonces {
		if !e.expiry.After(now) {
			delete(nonces, n)
		}
	}

	if e, seen := nonces[nonce]; seen {
		return e.owner == owner, nil
	}
	nonces[nonce] = nonceEntry{owner: owner, expiry: now.Add(ttl)}
	return true, nil
}

// Len returns the number of live nonces for a device.
func (s *MemoryStore) Len(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[deviceID])
}
