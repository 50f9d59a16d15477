package store

import (
	"context"
	"sync"
)

// MemoryStore keeps orders in process memory. It is the default backend when
// no database is configured, and the one tests use.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string][]Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string][]Order)}
}

func (s *MemoryStore) SaveOrder(ctx context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.SessionID] = append(s.orders[o.SessionID], o)
	return nil
}

func (s *MemoryStore) LastOrder(ctx context.Context, sessionID string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.orders[sessionID]
	if len(list) == 0 {
		return Order{}, ErrNotFound
	}
	return list[len(list)-1], nil
}

// OrderCount reports how many orders a session has persisted.
func (s *MemoryStore) OrderCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders[sessionID])
}

func (s *MemoryStore) Close() {}
