package local

import (
	"sync"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// IndexManager answers index-accelerated lookups for the query engine. The
// engine degrades to a bounded scan when no index exists, so implementations
// are free to index lazily.
type IndexManager interface {
	// DocumentsMatchingTarget returns the keys an index holds for the query.
	// ok is false when no usable index exists.
	DocumentsMatchingTarget(tx persistence.Tx, q model.Query) (keys model.DocumentKeySet, ok bool, err error)
	// CreateTargetIndex asks for an index on the query, backfilled from the
	// given result set. Implementations may ignore the request.
	CreateTargetIndex(tx persistence.Tx, q model.Query, seed model.DocumentKeySet) error
	// UpdateIndexEntries reconciles existing indexes with changed documents.
	UpdateIndexEntries(tx persistence.Tx, docs map[model.DocumentKey]model.Document) error
}

// MemoryIndexManager keeps per-query membership indexes in memory. Indexes
// are created on demand by the query engine's scan policy and rebuilt from
// scratch on restart.
type MemoryIndexManager struct {
	mu      sync.Mutex
	indexes map[string]indexEntry
}

type indexEntry struct {
	query model.Query
	keys  model.DocumentKeySet
}

// NewMemoryIndexManager creates an empty index manager.
func NewMemoryIndexManager() *MemoryIndexManager {
	return &MemoryIndexManager{indexes: make(map[string]indexEntry)}
}

// DocumentsMatchingTarget implements IndexManager.
func (m *MemoryIndexManager) DocumentsMatchingTarget(tx persistence.Tx, q model.Query) (model.DocumentKeySet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.indexes[q.CanonicalID()]
	if !ok {
		return nil, false, nil
	}
	return entry.keys.Clone(), true, nil
}

// CreateTargetIndex implements IndexManager.
func (m *MemoryIndexManager) CreateTargetIndex(tx persistence.Tx, q model.Query, seed model.DocumentKeySet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.indexes[q.CanonicalID()] = indexEntry{query: q, keys: seed.Clone()}
	return nil
}

// UpdateIndexEntries implements IndexManager.
func (m *MemoryIndexManager) UpdateIndexEntries(tx persistence.Tx, docs map[model.DocumentKey]model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entry := range m.indexes {
		for key, doc := range docs {
			if entry.query.Matches(doc) {
				entry.keys.Add(key)
			} else {
				entry.keys.Remove(key)
			}
		}
		m.indexes[id] = entry
	}
	return nil
}
