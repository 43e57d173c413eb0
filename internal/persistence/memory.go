package persistence

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore is the in-memory Store used for cache-only clients and tests.
// A mutex serializes transactions; writes are staged per transaction and
// applied atomically on commit.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[Table]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	tables := make(map[Table]map[string][]byte, len(AllTables))
	for _, t := range AllTables {
		tables[t] = make(map[string][]byte)
	}
	return &MemoryStore{tables: tables}
}

// Run implements Store.
func (s *MemoryStore) Run(name string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, pending: make(map[Table]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements Store.
func (s *MemoryStore) View(name string, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{store: s, readOnly: true})
}

// TableSize implements Store.
func (s *MemoryStore) TableSize(table Table) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int64
	for k, v := range s.tables[table] {
		size += int64(len(k) + len(v))
	}
	return size, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// memoryTx stages writes in pending; a nil pending value marks a delete.
type memoryTx struct {
	store    *MemoryStore
	pending  map[Table]map[string][]byte
	readOnly bool
}

func (tx *memoryTx) Get(table Table, key string) ([]byte, bool, error) {
	if p, ok := tx.pending[table]; ok {
		if v, staged := p[key]; staged {
			if v == nil {
				return nil, false, nil
			}
			return append([]byte(nil), v...), true, nil
		}
	}
	v, ok := tx.store.tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (tx *memoryTx) Put(table Table, key string, value []byte) error {
	if tx.readOnly {
		panic("put inside a read-only transaction")
	}
	tx.staged(table)[key] = append([]byte(nil), value...)
	return nil
}

func (tx *memoryTx) Delete(table Table, key string) error {
	if tx.readOnly {
		panic("delete inside a read-only transaction")
	}
	tx.staged(table)[key] = nil
	return nil
}

func (tx *memoryTx) Scan(table Table, prefix string, fn func(key string, value []byte) bool) error {
	pending := tx.pending[table]
	keys := make([]string, 0, len(tx.store.tables[table]))
	for k := range tx.store.tables[table] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, staged := pending[k]; staged {
			continue // staged version wins below
		}
		keys = append(keys, k)
	}
	for k, v := range pending {
		if v != nil && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := tx.store.tables[table][k]
		if staged, ok := pending[k]; ok {
			v = staged
		}
		if !fn(k, append([]byte(nil), v...)) {
			break
		}
	}
	return nil
}

func (tx *memoryTx) staged(table Table) map[string][]byte {
	p, ok := tx.pending[table]
	if !ok {
		p = make(map[string][]byte)
		tx.pending[table] = p
	}
	return p
}

func (tx *memoryTx) commit() {
	for table, p := range tx.pending {
		live := tx.store.tables[table]
		for k, v := range p {
			if v == nil {
				delete(live, k)
			} else {
				live[k] = v
			}
		}
	}
}
