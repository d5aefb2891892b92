package idempotency

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	payload []byte
	pending bool
	expires time.Time
}

// MemoryStore keeps responses in process. Used when Redis is not configured.
type MemoryStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
	responses  map[string]entry
}

// NewMemoryStore constructs a MemoryStore. A non-positive ttl keeps responses
// forever; pendingTTL defaults to one minute.
func NewMemoryStore(ttl, pendingTTL time.Duration) *MemoryStore {
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	return &MemoryStore{ttl: ttl, pendingTTL: pendingTTL, now: time.Now, responses: make(map[string]entry)}
}

// Reserve claims key unless a live reservation or response already holds it.
func (m *MemoryStore) Reserve(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.responses[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		if e.pending {
			return nil, false, nil
		}
		return append([]byte(nil), e.payload...), false, nil
	}
	m.responses[key] = entry{pending: true, expires: now.Add(m.pendingTTL)}
	return nil, true, nil
}

// PutResponse caches payload under key.
func (m *MemoryStore) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.responses[key] = e
	return nil
}

// Release forgets key.
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, key)
	return nil
}
