package store

import (
	"context"
	"sync"
	"time"
)

// Store is the command ledger: which command ids have been claimed for
// execution and the terminal result recorded for each.
type Store interface {
	// Claim reports true the first time commandID is seen within ttl.
	Claim(ctx context.Context, commandID string, ttl time.Duration) (bool, error)
	// SaveResult records the terminal result and holds the claim for ttl.
	SaveResult(ctx context.Context, commandID string, result []byte, ttl time.Duration) error
	Result(ctx context.Context, commandID string) ([]byte, bool, error)
}

type record struct {
	value    []byte
	expireAt time.Time
}

// sweepInterval bounds how often expired entries are purged.
const sweepInterval = time.Minute

type MemoryStore struct {
	mu        sync.Mutex
	claims    map[string]time.Time
	results   map[string]record
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:  make(map[string]time.Time),
		results: make(map[string]record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Claim(_ context.Context, commandID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	if expireAt, ok := m.claims[commandID]; ok && now.Before(expireAt) {
		return false, nil
	}
	m.claims[commandID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) SaveResult(_ context.Context, commandID string, result []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expireAt := m.now().Add(ttl)
	m.results[commandID] = record{value: append([]byte(nil), result...), expireAt: expireAt}
	m.claims[commandID] = expireAt
	return nil
}

func (m *MemoryStore) Result(_ context.Context, commandID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.results[commandID]
	if !ok || !m.now().Before(rec.expireAt) {
		return nil, false, nil
	}
	return append([]byte(nil), rec.value...), true, nil
}

// sweep drops expired entries so the ledger stays bounded by the ttl window.
// It runs at most once per sweepInterval.
func (m *MemoryStore) sweep(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(sweepInterval)
	for id, expireAt := range m.claims {
		if !now.Before(expireAt) {
			delete(m.claims, id)
		}
	}
	for id, rec := range m.results {
		if !now.Before(rec.expireAt) {
			delete(m.results, id)
		}
	}
}
