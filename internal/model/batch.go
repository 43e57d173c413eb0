package model

import (
	"fmt"
	"time"
)

// MutationBatch is an ordered, immutable group of mutations issued by one
// local write. Batch IDs increase monotonically per client and double as the
// application order of pending writes.
type MutationBatch struct {
	ID             int64      `json:"id"`
	LocalWriteTime time.Time  `json:"localWriteTime"`
	BaseMutations  []Mutation `json:"baseMutations,omitempty"`
	Mutations      []Mutation `json:"mutations"`
}

// Keys returns the set of documents the batch writes (base mutations
// excluded: they only pin pre-images).
func (b MutationBatch) Keys() DocumentKeySet {
	keys := make(DocumentKeySet, len(b.Mutations))
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}
	return keys
}

// ApplyToLocalView replays the batch over a document's local view and
// returns the updated mutated-field mask. Base mutations run first so field
// transforms stay idempotent across replays.
func (b MutationBatch) ApplyToLocalView(doc *Document, mutatedFields FieldMask) FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key {
			mutatedFields = m.ApplyToLocalView(doc, mutatedFields, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key {
			mutatedFields = m.ApplyToLocalView(doc, mutatedFields, b.LocalWriteTime)
		}
	}
	return mutatedFields
}

// ApplyToRemoteDocument applies the batch's acknowledged effect on one
// document using the server results.
func (b MutationBatch) ApplyToRemoteDocument(doc *Document, result MutationBatchResult) {
	if len(result.MutationResults) != len(b.Mutations) {
		panic(fmt.Sprintf("batch %d has %d mutations but %d results", b.ID, len(b.Mutations), len(result.MutationResults)))
	}
	for i, m := range b.Mutations {
		if m.Key == doc.Key {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// MutationBatchResult pairs a batch with the server's acknowledgement.
type MutationBatchResult struct {
	Batch           MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
}

// DocVersions returns the per-document commit version from the results,
// falling back to the batch commit version.
func (r MutationBatchResult) DocVersions() map[DocumentKey]SnapshotVersion {
	versions := make(map[DocumentKey]SnapshotVersion, len(r.Batch.Mutations))
	for i, m := range r.Batch.Mutations {
		v := r.MutationResults[i].Version
		if v.IsZero() {
			v = r.CommitVersion
		}
		versions[m.Key] = v
	}
	return versions
}

// Overlay is the net effect of all still-pending mutations on one document:
// the reduced mutation plus the largest batch ID contributing to it.
type Overlay struct {
	LargestBatchID int64    `json:"largestBatchId"`
	Mutation       Mutation `json:"mutation"`
}

// Key returns the document the overlay affects.
func (o Overlay) Key() DocumentKey {
	return o.Mutation.Key
}
