package local

import (
	"time"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// LocalDocumentsView merges the remote document cache with pending overlays
// to answer "what does this document look like to the application right
// now".
type LocalDocumentsView struct {
	remote   *RemoteDocumentCache
	queue    *MutationQueue
	overlays *OverlayCache
}

// NewLocalDocumentsView wires the view over its three sources.
func NewLocalDocumentsView(remote *RemoteDocumentCache, queue *MutationQueue, overlays *OverlayCache) *LocalDocumentsView {
	return &LocalDocumentsView{remote: remote, queue: queue, overlays: overlays}
}

// Document returns the local view of one document: the confirmed remote
// state with the key's overlay applied on top.
func (v *LocalDocumentsView) Document(tx persistence.Tx, key model.DocumentKey) (model.Document, error) {
	docs, err := v.Documents(tx, model.NewDocumentKeySet(key))
	if err != nil {
		return model.Document{}, err
	}
	return docs[key], nil
}

// Documents returns the local view for each key, Invalid included.
func (v *LocalDocumentsView) Documents(tx persistence.Tx, keys model.DocumentKeySet) (map[model.DocumentKey]model.Document, error) {
	docs, err := v.remote.Entries(tx, keys)
	if err != nil {
		return nil, err
	}
	return v.applyOverlays(tx, docs)
}

func (v *LocalDocumentsView) applyOverlays(tx persistence.Tx, docs map[model.DocumentKey]model.Document) (map[model.DocumentKey]model.Document, error) {
	overlays, err := v.overlays.Overlays(tx, keySetOf(docs))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for key, doc := range docs {
		if o, ok := overlays[key]; ok {
			o.Mutation.ApplyToLocalView(&doc, nil, now)
		}
		docs[key] = doc
	}
	return docs, nil
}

// OverlayMasks returns each key's pending mutated-field mask: the patch mask
// for a patch overlay, nil for a whole-document overlay (set or delete), an
// empty mask when nothing is pending. Seeding a batch replay with these masks
// keeps the reduced overlay covering fields from earlier batches.
func (v *LocalDocumentsView) OverlayMasks(tx persistence.Tx, keys model.DocumentKeySet) (map[model.DocumentKey]model.FieldMask, error) {
	overlays, err := v.overlays.Overlays(tx, keys)
	if err != nil {
		return nil, err
	}
	masks := make(map[model.DocumentKey]model.FieldMask, len(keys))
	for key := range keys {
		o, ok := overlays[key]
		switch {
		case !ok:
			masks[key] = model.FieldMask{}
		case o.Mutation.Kind == model.PatchMutation:
			masks[key] = o.Mutation.Mask
		default:
			masks[key] = nil
		}
	}
	return masks, nil
}

// DocumentsMatchingQuery returns the overlay-adjusted documents matching the
// query, scanning the remote cache from the read-time offset. Documents
// whose only evidence is an overlay (created offline, never confirmed) are
// included via the overlay table.
func (v *LocalDocumentsView) DocumentsMatchingQuery(tx persistence.Tx, q model.Query, offset model.SnapshotVersion) (map[model.DocumentKey]model.Document, int, error) {
	remoteDocs, scanned, err := v.remote.DocumentsMatchingQuery(tx, q, offset)
	if err != nil {
		return nil, 0, err
	}

	// Pull in documents that exist only as overlays, e.g. local creates the
	// server has never confirmed.
	if q.CollectionGroup == "" {
		pendingOverlays, err := v.overlays.OverlaysForCollection(tx, q.Path, -1)
		if err != nil {
			return nil, 0, err
		}
		for key := range pendingOverlays {
			if _, ok := remoteDocs[key]; !ok {
				doc, err := v.remote.Entry(tx, key)
				if err != nil {
					return nil, 0, err
				}
				remoteDocs[key] = doc
			}
		}
	}

	docs, err := v.applyOverlays(tx, remoteDocs)
	if err != nil {
		return nil, 0, err
	}
	// Re-filter: an overlay may have pushed a document out of the result set
	// or pulled one in.
	for key, doc := range docs {
		if !q.Matches(doc) {
			delete(docs, key)
		}
	}
	return docs, scanned, nil
}

// RecalculateAndSaveOverlays replays every still-pending batch touching the
// keys over the confirmed remote documents and stores the reduced overlays.
// Called after a batch is acknowledged, rejected or removed.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(tx persistence.Tx, keys model.DocumentKeySet) error {
	if len(keys) == 0 {
		return nil
	}
	docs, err := v.remote.Entries(tx, keys)
	if err != nil {
		return err
	}
	batches, err := v.queue.BatchesAffectingKeys(tx, keys)
	if err != nil {
		return err
	}

	masks := make(map[model.DocumentKey]model.FieldMask, len(keys))
	for key := range keys {
		masks[key] = model.FieldMask{}
	}
	largestBatch := make(map[model.DocumentKey]int64)
	for _, batch := range batches {
		for key := range batch.Keys() {
			if !keys.Has(key) {
				continue
			}
			doc := docs[key]
			masks[key] = batch.ApplyToLocalView(&doc, masks[key])
			docs[key] = doc
			largestBatch[key] = batch.ID
		}
	}

	// Group by contributing batch so SaveOverlays records the right
	// largestBatchID per overlay.
	byBatch := make(map[int64]map[model.DocumentKey]*model.Mutation)
	for key := range keys {
		doc := docs[key]
		overlay, ok := model.CalculateOverlayMutation(doc, masks[key])
		batchID := largestBatch[key]
		group, exists := byBatch[batchID]
		if !exists {
			group = make(map[model.DocumentKey]*model.Mutation)
			byBatch[batchID] = group
		}
		if ok {
			m := overlay
			group[key] = &m
		} else {
			group[key] = nil
		}
	}
	for batchID, group := range byBatch {
		if err := v.overlays.SaveOverlays(tx, batchID, group); err != nil {
			return err
		}
	}
	return nil
}

func keySetOf(docs map[model.DocumentKey]model.Document) model.DocumentKeySet {
	keys := make(model.DocumentKeySet, len(docs))
	for k := range docs {
		keys.Add(k)
	}
	return keys
}
