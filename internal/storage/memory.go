package storage

import (
	"sort"
	"sync"
	"time"

	"pubsub-demo/internal/model"
)

// MemoryStore is a threadsafe in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]model.Sample // key -> ordered by time asc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]model.Sample)}
}

func (m *MemoryStore) SaveSample(s model.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.data[s.KeyExpr]
	// samples mostly arrive in order; insert after the last one not later
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(s.Timestamp) })
	list = append(list, model.Sample{})
	copy(list[i+1:], list[i:])
	list[i] = s
	m.data[s.KeyExpr] = list
	return nil
}

func (m *MemoryStore) ListKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) QuerySamples(key string, start, end *time.Time) ([]model.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.data[key]
	if start == nil && end == nil {
		out := make([]model.Sample, len(list))
		copy(out, list)
		return out, nil
	}
	var out []model.Sample
	for _, it := range list {
		if start != nil && it.Timestamp.Before(*start) {
			continue
		}
		if end != nil && it.Timestamp.After(*end) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
