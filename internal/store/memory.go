package store

import (
	"context"
	"sync"

	"github.com/AnuragDani/chainsub-platform/internal/scheduler"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
)

// MemoryStore is a non-persistent fallback used when no database is
// configured. State is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	subs  map[string]scheduler.Subscription
	dists []treasury.FeeDistribution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]scheduler.Subscription)}
}

func (m *MemoryStore) Save(ctx context.Context, sub *scheduler.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) LoadAll(ctx context.Context) ([]*scheduler.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*scheduler.Subscription, 0, len(m.subs))
	for id := range m.subs {
		sub := m.subs[id]
		out = append(out, &sub)
	}
	return out, nil
}

func (m *MemoryStore) RecordFeeDistribution(dist treasury.FeeDistribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dists = append(m.dists, dist)
	return nil
}

func (m *MemoryStore) ListFeeDistributions(ctx context.Context, limit int) ([]treasury.FeeDistribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dists := m.dists
	if limit > 0 && len(dists) > limit {
		dists = dists[len(dists)-limit:]
	}
	return append([]treasury.FeeDistribution(nil), dists...), nil
}
