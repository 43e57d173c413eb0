package local

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// MutationQueue is the ordered log of pending local writes. Batches carry
// monotonically increasing IDs and are only ever removed from the front:
// removal of any other batch is a programmer error and panics.
type MutationQueue struct{}

// NewMutationQueue creates the queue accessor.
func NewMutationQueue() *MutationQueue {
	return &MutationQueue{}
}

// batchKeyIndexKey is a (document key, batch ID) row enabling "which batches
// touch this document" lookups without scanning the whole queue.
func batchKeyIndexKey(key model.DocumentKey, batchID int64) string {
	return key.String() + "\x00" + orderedID(batchID)
}

// AddBatch appends a new batch with a freshly allocated ID.
func (q *MutationQueue) AddBatch(tx persistence.Tx, writeTime time.Time, baseMutations, mutations []model.Mutation) (model.MutationBatch, error) {
	if len(mutations) == 0 {
		return model.MutationBatch{}, fmt.Errorf("cannot enqueue an empty mutation batch")
	}

	highest, err := getGlobalInt(tx, globalHighestBatchID)
	if err != nil {
		return model.MutationBatch{}, err
	}
	batch := model.MutationBatch{
		ID:             highest + 1,
		LocalWriteTime: writeTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	if err := setGlobalInt(tx, globalHighestBatchID, batch.ID); err != nil {
		return model.MutationBatch{}, err
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		return model.MutationBatch{}, err
	}
	if err := tx.Put(persistence.TableMutationBatches, orderedID(batch.ID), raw); err != nil {
		return model.MutationBatch{}, err
	}
	for key := range batch.Keys() {
		if err := tx.Put(persistence.TableMutationKeys, batchKeyIndexKey(key, batch.ID), nil); err != nil {
			return model.MutationBatch{}, err
		}
	}
	return batch, nil
}

// Batch returns the batch with the given ID, or nil.
func (q *MutationQueue) Batch(tx persistence.Tx, batchID int64) (*model.MutationBatch, error) {
	raw, ok, err := tx.Get(persistence.TableMutationBatches, orderedID(batchID))
	if err != nil || !ok {
		return nil, err
	}
	var batch model.MutationBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("corrupt mutation batch %d: %w", batchID, err)
	}
	return &batch, nil
}

// NextBatchAfter returns the first batch with an ID greater than batchID, or
// nil when the queue holds none.
func (q *MutationQueue) NextBatchAfter(tx persistence.Tx, batchID int64) (*model.MutationBatch, error) {
	var found *model.MutationBatch
	var decodeErr error
	err := tx.Scan(persistence.TableMutationBatches, "", func(k string, v []byte) bool {
		id, err := parseOrderedID(k)
		if err != nil || id <= batchID {
			return true
		}
		var batch model.MutationBatch
		if err := json.Unmarshal(v, &batch); err != nil {
			decodeErr = fmt.Errorf("corrupt mutation batch %s: %w", k, err)
			return false
		}
		found = &batch
		return false
	})
	if err != nil {
		return nil, err
	}
	return found, decodeErr
}

// AllBatches returns every pending batch in ID order.
func (q *MutationQueue) AllBatches(tx persistence.Tx) ([]model.MutationBatch, error) {
	var batches []model.MutationBatch
	var decodeErr error
	err := tx.Scan(persistence.TableMutationBatches, "", func(k string, v []byte) bool {
		var batch model.MutationBatch
		if err := json.Unmarshal(v, &batch); err != nil {
			decodeErr = fmt.Errorf("corrupt mutation batch %s: %w", k, err)
			return false
		}
		batches = append(batches, batch)
		return true
	})
	if err != nil {
		return nil, err
	}
	return batches, decodeErr
}

// IsEmpty reports whether any batch is pending.
func (q *MutationQueue) IsEmpty(tx persistence.Tx) (bool, error) {
	empty := true
	err := tx.Scan(persistence.TableMutationBatches, "", func(string, []byte) bool {
		empty = false
		return false
	})
	return empty, err
}

// HighestBatchID returns the largest batch ID ever allocated, surviving
// batch removal.
func (q *MutationQueue) HighestBatchID(tx persistence.Tx) (int64, error) {
	return getGlobalInt(tx, globalHighestBatchID)
}

// BatchesAffectingKey returns, in ID order, the pending batches writing key.
func (q *MutationQueue) BatchesAffectingKey(tx persistence.Tx, key model.DocumentKey) ([]model.MutationBatch, error) {
	return q.BatchesAffectingKeys(tx, model.NewDocumentKeySet(key))
}

// BatchesAffectingKeys returns, in ID order, the pending batches writing any
// of the keys.
func (q *MutationQueue) BatchesAffectingKeys(tx persistence.Tx, keys model.DocumentKeySet) ([]model.MutationBatch, error) {
	ids := make(map[int64]struct{})
	for key := range keys {
		prefix := key.String() + "\x00"
		err := tx.Scan(persistence.TableMutationKeys, prefix, func(k string, v []byte) bool {
			id, err := parseOrderedID(strings.TrimPrefix(k, prefix))
			if err == nil {
				ids[id] = struct{}{}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	var batches []model.MutationBatch
	var innerErr error
	err := tx.Scan(persistence.TableMutationBatches, "", func(k string, v []byte) bool {
		id, err := parseOrderedID(k)
		if err != nil {
			return true
		}
		if _, want := ids[id]; !want {
			return true
		}
		var batch model.MutationBatch
		if err := json.Unmarshal(v, &batch); err != nil {
			innerErr = fmt.Errorf("corrupt mutation batch %s: %w", k, err)
			return false
		}
		batches = append(batches, batch)
		return true
	})
	if err != nil {
		return nil, err
	}
	return batches, innerErr
}

// RemoveBatch deletes an acknowledged or rejected batch. The queue applies
// in strict creation order, so only the oldest batch may leave; anything
// else is an internal invariant violation.
func (q *MutationQueue) RemoveBatch(tx persistence.Tx, batch model.MutationBatch) error {
	oldestID := int64(-1)
	err := tx.Scan(persistence.TableMutationBatches, "", func(k string, v []byte) bool {
		if id, err := parseOrderedID(k); err == nil {
			oldestID = id
		}
		return false
	})
	if err != nil {
		return err
	}
	if oldestID != batch.ID {
		panic(fmt.Sprintf("can only remove the oldest mutation batch: removing %d, oldest is %d", batch.ID, oldestID))
	}

	if err := tx.Delete(persistence.TableMutationBatches, orderedID(batch.ID)); err != nil {
		return err
	}
	for key := range batch.Keys() {
		if err := tx.Delete(persistence.TableMutationKeys, batchKeyIndexKey(key, batch.ID)); err != nil {
			return err
		}
	}
	return nil
}

// ContainsKey reports whether any pending batch writes the key.
func (q *MutationQueue) ContainsKey(tx persistence.Tx, key model.DocumentKey) (bool, error) {
	found := false
	err := tx.Scan(persistence.TableMutationKeys, key.String()+"\x00", func(string, []byte) bool {
		found = true
		return false
	})
	return found, err
}
