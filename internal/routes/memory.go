package routes

import (
	"context"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/types"
)

// MemoryStore is an in-process Store, used for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	routes map[string]types.Route
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes: make(map[string]types.Route),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, channelID string) (*types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*types.Route, 0, len(s.routes))
	for _, r := range s.routes {
		r := r
		list = append(list, &r)
	}
	sortByChannel(list)
	return list, nil
}

func (s *MemoryStore) Upsert(_ context.Context, route *types.Route) error {
	if err := validate(route); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created time.Time
	if existing, ok := s.routes[route.ChannelID]; ok {
		created = existing.CreatedAt
	}
	stamp(route, s.now(), created)
	s.routes[route.ChannelID] = *route
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[channelID]; !ok {
		return ErrNotFound
	}
	delete(s.routes, channelID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
