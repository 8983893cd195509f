package decisions

import (
	"context"
	"strings"
	"sync"
)

// maxMemoryDecisions caps the in-memory history to bound memory use.
const maxMemoryDecisions = 10000

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Decision
	order []string // IDs, oldest first
}

// NewMemoryStore creates an empty in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Decision),
	}
}

// Record stores a decision, evicting the oldest when over capacity.
func (m *MemoryStore) Record(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.byID[d.ID] = &cp
	m.order = append(m.order, d.ID)

	for len(m.order) > maxMemoryDecisions {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.byID, oldest)
	}
	return nil
}

// Get returns a decision by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// List returns decisions newest first, optionally filtered by principal.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Decision, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	principal := strings.ToLower(opts.Principal)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Decision
	skipped := 0
	for i := len(m.order) - 1; i >= 0; i-- {
		d, ok := m.byID[m.order[i]]
		if !ok {
			continue
		}
		if principal != "" && strings.ToLower(d.Principal) != principal {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		cp := *d
		out = append(out, &cp)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
