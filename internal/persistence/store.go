// Package persistence provides the transactional key-space underneath every
// cache and queue: a durable bbolt-backed store and an in-memory twin with
// identical semantics. All engine state changes run inside one named
// transaction, so no component ever observes a partial update.
package persistence

import "errors"

// ErrStoreInUse means another live client holds the primary lease on the
// durable store. Callers recover by running cache-only ("offline"), never by
// crashing.
var ErrStoreInUse = errors.New("persistence: store is in use by another client")

// Table names one keyspace inside the store.
type Table string

const (
	TableRemoteDocuments  Table = "remote_documents"
	TableDocumentReadTime Table = "document_read_times"
	TableMutationBatches  Table = "mutation_batches"
	TableMutationKeys     Table = "mutation_keys"
	TableOverlays         Table = "overlays"
	TableOverlayBatches   Table = "overlay_batches"
	TableTargets          Table = "targets"
	TableTargetQueries    Table = "target_queries"
	TableTargetKeys       Table = "target_keys"
	TableKeyTargets       Table = "key_targets"
	TableOrphaned         Table = "orphaned"
	TableGlobals          Table = "globals"
)

// AllTables lists every keyspace, in no particular order.
var AllTables = []Table{
	TableRemoteDocuments,
	TableDocumentReadTime,
	TableMutationBatches,
	TableMutationKeys,
	TableOverlays,
	TableOverlayBatches,
	TableTargets,
	TableTargetQueries,
	TableTargetKeys,
	TableKeyTargets,
	TableOrphaned,
	TableGlobals,
}

// Tx is one transaction over the key-space. Values returned by Get and Scan
// are copies and stay valid after the transaction ends.
type Tx interface {
	// Get returns the value for key, reporting whether it exists.
	Get(table Table, key string) ([]byte, bool, error)
	// Put writes a key-value pair.
	Put(table Table, key string, value []byte) error
	// Delete removes a key; deleting a missing key is a no-op.
	Delete(table Table, key string) error
	// Scan visits keys with the given prefix in ascending key order. The
	// callback returns false to stop early.
	Scan(table Table, prefix string, fn func(key string, value []byte) bool) error
}

// Store is a transactional key-space. Run and View serialize against each
// other: a transaction never sees another's uncommitted writes.
type Store interface {
	// Run executes fn in a read-write transaction named for logging. If fn
	// returns an error the transaction rolls back.
	Run(name string, fn func(Tx) error) error
	// View executes fn in a read-only transaction.
	View(name string, fn func(Tx) error) error
	// TableSize returns the approximate byte size of one table's contents.
	TableSize(table Table) (int64, error)
	// Close releases the store and, for durable stores, the primary lease.
	Close() error
}
