package overrides

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory override store for demo/development mode.
type MemoryStore struct {
	entries map[string]map[Action]*Entry // number → action → entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory override store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[Action]*Entry),
	}
}

func (m *MemoryStore) Set(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAction, ok := m.entries[entry.Number]
	if !ok {
		byAction = make(map[Action]*Entry, 2)
		m.entries[entry.Number] = byAction
	}
	cp := *entry
	byAction[entry.Action] = &cp
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, number string, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAction, ok := m.entries[number]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byAction[action]; !ok {
		return ErrNotFound
	}
	delete(byAction, action)
	if len(byAction) == 0 {
		delete(m.entries, number)
	}
	return nil
}

func (m *MemoryStore) RemoveByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for number, byAction := range m.entries {
		for action, e := range byAction {
			if e.ID != id {
				continue
			}
			delete(byAction, action)
			if len(byAction) == 0 {
				delete(m.entries, number)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Get(_ context.Context, number string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries[number] {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Action < result[j].Action
	})
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, byAction := range m.entries {
		for _, e := range byAction {
			cp := *e
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
