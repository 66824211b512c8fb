package history

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/callshield/internal/classify"
)

// MemoryStore is an in-memory history store for demo/development mode.
type MemoryStore struct {
	records   map[string]*Record
	bySession map[string]string // sessionID → record ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneRecord(rec)
	m.records[rec.ID] = cp
	m.bySession[rec.SessionID] = rec.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(m.records[id]), nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if q.Number != "" && rec.Number != q.Number {
			continue
		}
		if q.RiskLevel != "" && rec.RiskLevel != q.RiskLevel {
			continue
		}
		result = append(result, cloneRecord(rec))
	}

	// Newest first, ID as tiebreaker to keep pagination stable.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if q.Cursor != nil {
		cut := 0
		for cut < len(result) {
			r := result[cut]
			if r.CreatedAt.Before(q.Cursor.CreatedAt) ||
				(r.CreatedAt.Equal(q.Cursor.CreatedAt) && r.ID < q.Cursor.ID) {
				break
			}
			cut++
		}
		result = result[cut:]
	}

	// One extra row so the caller can tell whether more pages exist.
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(result) > limit+1 {
		result = result[:limit+1]
	}
	return result, nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.Warnings != nil {
		cp.Warnings = make([]classify.Warning, len(rec.Warnings))
		copy(cp.Warnings, rec.Warnings)
	}
	return &cp
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
