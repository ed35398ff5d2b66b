package store

import (
	"context"
	"sync"
	"time"
)

// Store keeps the agent's small amount of shared bookkeeping: where each
// entry's server lives, and which service requests were already handled.
// Alert state itself is never stored.
type Store interface {
	SetEndpoint(ctx context.Context, entryID, url string) error
	GetEndpoint(ctx context.Context, entryID string) (string, error)
	DeleteEndpoint(ctx context.Context, entryID string) error
	IsProcessed(ctx context.Context, requestID string) (bool, error)
	MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) error
	SetRequestStatus(ctx context.Context, requestID, status string, ttl time.Duration) error
	GetRequestStatus(ctx context.Context, requestID string) (string, error)
}

type expiring struct {
	value    string
	expireAt time.Time
}

func (e expiring) live(now time.Time) bool {
	return e.expireAt.IsZero() || now.Before(e.expireAt)
}

type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]string
	processed map[string]time.Time
	statuses  map[string]expiring
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[string]string),
		processed: make(map[string]time.Time),
		statuses:  make(map[string]expiring),
		now:       time.Now,
	}
}

func (m *MemoryStore) SetEndpoint(_ context.Context, entryID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[entryID] = url
	return nil
}

func (m *MemoryStore) GetEndpoint(_ context.Context, entryID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[entryID], nil
}

func (m *MemoryStore) DeleteEndpoint(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, entryID)
	return nil
}

func (m *MemoryStore) IsProcessed(_ context.Context, requestID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expireAt, ok := m.processed[requestID]
	if !ok {
		return false, nil
	}
	return m.now().Before(expireAt), nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, requestID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.processed[requestID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) SetRequestStatus(_ context.Context, requestID, status string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := expiring{value: status}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.statuses[requestID] = e
	return nil
}

func (m *MemoryStore) GetRequestStatus(_ context.Context, requestID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.statuses[requestID]
	if !ok || !e.live(m.now()) {
		return "", nil
	}
	return e.value, nil
}

// sweep drops expired request bookkeeping. Callers hold mu.
func (m *MemoryStore) sweep() {
	now := m.now()
	for id, expireAt := range m.processed {
		if !now.Before(expireAt) {
			delete(m.processed, id)
		}
	}
	for id, e := range m.statuses {
		if !e.live(now) {
			delete(m.statuses, id)
		}
	}
}
