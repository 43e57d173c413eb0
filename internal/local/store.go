package local

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
	"github.com/docdrift/docdrift/internal/remote"
)

// resumeTokenPersistInterval damps how often a resume token that carries no
// document changes is written back to disk.
const resumeTokenPersistInterval = 10 * time.Second

// LocalStore orchestrates every cache under one transaction boundary. It is
// the only component that opens transactions; callers above it (the sync
// engine) see whole operations that either fully happen or don't.
//
// All methods must run on the client's event goroutine.
type LocalStore struct {
	store      persistence.Store
	queue      *MutationQueue
	overlays   *OverlayCache
	remoteDocs *RemoteDocumentCache
	targets    *TargetCache
	docs       *LocalDocumentsView
	engine     *QueryEngine
	index      IndexManager
	delegate   *ReferenceDelegate
	gc         *GarbageCollector

	sequenceNumber    int64
	lastRemoteVersion model.SnapshotVersion
	// activeTargets is the in-memory view of allocated, still-listened
	// targets. Released targets stay persisted for resume but leave this map.
	activeTargets map[int64]model.TargetData
	tokenDamp     map[int64]*rate.Sometimes
}

// NewLocalStore wires the cache stack over one persistence store.
func NewLocalStore(store persistence.Store, gcParams GCParams, readCacheSize int) (*LocalStore, error) {
	remoteDocs, err := NewRemoteDocumentCache(readCacheSize)
	if err != nil {
		return nil, err
	}
	queue := NewMutationQueue()
	overlays := NewOverlayCache()
	targets := NewTargetCache()
	docs := NewLocalDocumentsView(remoteDocs, queue, overlays)
	index := NewMemoryIndexManager()
	delegate := NewReferenceDelegate(targets, queue)

	return &LocalStore{
		store:         store,
		queue:         queue,
		overlays:      overlays,
		remoteDocs:    remoteDocs,
		targets:       targets,
		docs:          docs,
		engine:        NewQueryEngine(docs, index, nil),
		index:         index,
		delegate:      delegate,
		gc:            NewGarbageCollector(gcParams, delegate, targets, remoteDocs),
		activeTargets: make(map[int64]model.TargetData),
		tokenDamp:     make(map[int64]*rate.Sometimes),
	}, nil
}

// Start loads the persisted counters and watermarks.
func (s *LocalStore) Start() error {
	return s.store.View("start", func(tx persistence.Tx) error {
		seq, err := getGlobalInt(tx, globalHighestSequenceNumber)
		if err != nil {
			return err
		}
		s.sequenceNumber = seq
		version, err := LastRemoteSnapshotVersion(tx)
		if err != nil {
			return err
		}
		s.lastRemoteVersion = version
		return nil
	})
}

func (s *LocalStore) nextSequenceNumber(tx persistence.Tx) (int64, error) {
	s.sequenceNumber++
	if err := setGlobalInt(tx, globalHighestSequenceNumber, s.sequenceNumber); err != nil {
		return 0, err
	}
	return s.sequenceNumber, nil
}

// LocalWrite queues a batch of mutations and returns the new batch ID plus
// the post-write local view of every touched document.
func (s *LocalStore) LocalWrite(mutations []model.Mutation) (int64, map[model.DocumentKey]model.Document, error) {
	var batchID int64
	changed := make(map[model.DocumentKey]model.Document)

	err := s.store.Run("local write", func(tx persistence.Tx) error {
		keys := model.NewDocumentKeySet()
		for _, m := range mutations {
			keys.Add(m.Key)
		}
		existing, err := s.docs.Documents(tx, keys)
		if err != nil {
			return err
		}
		masks, err := s.docs.OverlayMasks(tx, keys)
		if err != nil {
			return err
		}

		base := baseMutations(mutations, existing)
		batch, err := s.queue.AddBatch(tx, time.Now(), base, mutations)
		if err != nil {
			return err
		}
		batchID = batch.ID

		// Apply the new batch on top of the already-overlaid view. The mask
		// starts from the existing overlay's mutated fields so the reduced
		// overlay still covers fields pending from earlier batches.
		overlayMap := make(map[model.DocumentKey]*model.Mutation, len(keys))
		for key := range keys {
			doc := existing[key]
			mask := batch.ApplyToLocalView(&doc, masks[key])
			changed[key] = doc
			if overlay, ok := model.CalculateOverlayMutation(doc, mask); ok {
				m := overlay
				overlayMap[key] = &m
			} else {
				overlayMap[key] = nil
			}
		}
		return s.overlays.SaveOverlays(tx, batch.ID, overlayMap)
	})
	if err != nil {
		return 0, nil, err
	}
	return batchID, changed, nil
}

// baseMutations captures the pre-transform value of every transformed field
// so replaying the batch over an unchanged remote document stays idempotent.
func baseMutations(mutations []model.Mutation, docs map[model.DocumentKey]model.Document) []model.Mutation {
	var base []model.Mutation
	for _, m := range mutations {
		if len(m.Transforms) == 0 {
			continue
		}
		doc := docs[m.Key]
		value := model.EmptyObjectValue()
		var mask model.FieldMask
		for _, t := range m.Transforms {
			if mask.Covers(t.Path) {
				continue
			}
			if doc.IsFound() {
				if v, ok := doc.Data.Field(t.Path); ok {
					value.Set(t.Path, v)
				}
			}
			mask = append(mask, t.Path)
		}
		if len(mask) > 0 {
			base = append(base, model.Mutation{
				Kind:  model.PatchMutation,
				Key:   m.Key,
				Value: value,
				Mask:  mask,
			})
		}
	}
	return base
}

// AcknowledgeBatch applies a server acknowledgement: the confirmed document
// states land in the remote cache, the batch leaves the queue, and overlays
// for its keys are recomputed from whatever batches remain.
func (s *LocalStore) AcknowledgeBatch(result model.MutationBatchResult) (model.DocumentKeySet, error) {
	batch := result.Batch
	err := s.store.Run("acknowledge batch", func(tx persistence.Tx) error {
		buffer := s.remoteDocs.NewChangeBuffer()
		versions := result.DocVersions()
		for key := range batch.Keys() {
			doc, err := buffer.Entry(tx, key)
			if err != nil {
				return err
			}
			commitVersion := versions[key]
			if doc.IsValid() && doc.Version.Compare(commitVersion) >= 0 {
				// The watch stream already delivered a newer state.
				continue
			}
			batch.ApplyToRemoteDocument(&doc, result)
			buffer.AddEntry(doc, commitVersion)
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}

		if err := s.queue.RemoveBatch(tx, batch); err != nil {
			return err
		}
		if err := setGlobalInt(tx, globalHighestAckedBatchID, batch.ID); err != nil {
			return err
		}
		if err := SetLastStreamToken(tx, result.StreamToken); err != nil {
			return err
		}
		return s.afterBatchRemoval(tx, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch.Keys(), nil
}

// RejectBatch drops a batch the server permanently refused. The local view
// of its documents reverts to the remaining pending batches.
func (s *LocalStore) RejectBatch(batchID int64) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := s.store.Run("reject batch", func(tx persistence.Tx) error {
		batch, err := s.queue.Batch(tx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("rejected batch %d not found", batchID)
		}
		keys = batch.Keys()
		if err := s.queue.RemoveBatch(tx, *batch); err != nil {
			return err
		}
		return s.afterBatchRemoval(tx, *batch)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// afterBatchRemoval recomputes overlays for the batch's keys and marks
// now-unpinned documents as orphan candidates.
func (s *LocalStore) afterBatchRemoval(tx persistence.Tx, batch model.MutationBatch) error {
	affected, err := s.overlays.RemoveOverlaysForBatchID(tx, batch.ID)
	if err != nil {
		return err
	}
	for key := range batch.Keys() {
		affected.Add(key)
	}
	if err := s.docs.RecalculateAndSaveOverlays(tx, affected); err != nil {
		return err
	}
	seq, err := s.nextSequenceNumber(tx)
	if err != nil {
		return err
	}
	for key := range batch.Keys() {
		pinned, err := s.delegate.IsPinned(tx, key)
		if err != nil {
			return err
		}
		if !pinned {
			if err := s.delegate.MarkPotentiallyOrphaned(tx, key, seq); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyRemoteEvent folds one consistent watch-stream event into the cache
// and returns the updated local view of every changed document. Applying the
// same event twice is harmless: versions only move forward.
func (s *LocalStore) ApplyRemoteEvent(event remote.RemoteEvent) (map[model.DocumentKey]model.Document, error) {
	changed := model.NewDocumentKeySet()
	var out map[model.DocumentKey]model.Document

	err := s.store.Run("apply remote event", func(tx persistence.Tx) error {
		seq, err := s.nextSequenceNumber(tx)
		if err != nil {
			return err
		}

		for targetID, tc := range event.TargetChanges {
			data, active := s.activeTargets[targetID]
			if !active {
				continue
			}
			if err := s.targets.RemoveMatchingKeys(tx, tc.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targets.AddMatchingKeys(tx, tc.AddedDocuments, targetID); err != nil {
				return err
			}
			for key := range tc.RemovedDocuments {
				pinned, err := s.delegate.IsPinned(tx, key)
				if err != nil {
					return err
				}
				if !pinned {
					if err := s.delegate.MarkPotentiallyOrphaned(tx, key, seq); err != nil {
						return err
					}
				}
			}

			data = data.WithSequenceNumber(seq)
			if len(tc.ResumeToken) > 0 {
				data = data.WithResumeToken(tc.ResumeToken, event.SnapshotVersion)
			}
			s.activeTargets[targetID] = data

			// Token-only refreshes are damped; anything carrying document
			// changes or a consistency promise persists immediately.
			if tc.HasPendingChanges() || tc.Current {
				if err := s.targets.UpdateTarget(tx, data); err != nil {
					return err
				}
			} else if len(tc.ResumeToken) > 0 {
				damp, ok := s.tokenDamp[targetID]
				if !ok {
					damp = &rate.Sometimes{Interval: resumeTokenPersistInterval}
					s.tokenDamp[targetID] = damp
				}
				var dampErr error
				damp.Do(func() { dampErr = s.targets.UpdateTarget(tx, data) })
				if dampErr != nil {
					return dampErr
				}
			}
		}

		buffer := s.remoteDocs.NewChangeBuffer()
		for key, doc := range event.DocumentUpdates {
			// Deletions fabricated at the zero version mean the server no
			// longer vouches for the document at all; the cache entry is
			// dropped rather than versioned.
			if doc.IsNoDocument() && doc.Version.IsZero() {
				buffer.RemoveEntry(key)
				changed.Add(key)
				continue
			}
			existing, err := buffer.Entry(tx, key)
			if err != nil {
				return err
			}
			// Older states never overwrite newer ones; acknowledged-write
			// placeholders always yield to authoritative stream state.
			if existing.IsValid() && !existing.IsUnknown() && doc.Version.Compare(existing.Version) < 0 {
				continue
			}
			readTime := event.SnapshotVersion
			if readTime.IsZero() {
				readTime = doc.Version
			}
			buffer.AddEntry(doc, readTime)
			changed.Add(key)
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}
		if err := s.index.UpdateIndexEntries(tx, event.DocumentUpdates); err != nil {
			return err
		}

		if !event.SnapshotVersion.IsZero() && event.SnapshotVersion.Compare(s.lastRemoteVersion) >= 0 {
			if err := setGlobalVersion(tx, globalLastSnapshotVersion, event.SnapshotVersion); err != nil {
				return err
			}
			s.lastRemoteVersion = event.SnapshotVersion
		}

		out, err = s.docs.Documents(tx, changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllocateTarget returns persistent bookkeeping for a query, reusing the
// stored target when the query was listened to before so its resume token
// survives restarts.
func (s *LocalStore) AllocateTarget(q model.Query) (model.TargetData, error) {
	var data model.TargetData
	err := s.store.Run("allocate target", func(tx persistence.Tx) error {
		existing, err := s.targets.TargetForQuery(tx, q)
		if err != nil {
			return err
		}
		seq, err := s.nextSequenceNumber(tx)
		if err != nil {
			return err
		}
		if existing != nil {
			data = existing.WithSequenceNumber(seq)
			return s.targets.UpdateTarget(tx, data)
		}
		targetID, err := s.targets.AllocateTargetID(tx)
		if err != nil {
			return err
		}
		data = model.NewTargetData(q, targetID, model.PurposeListen, seq)
		return s.targets.AddTarget(tx, data)
	})
	if err != nil {
		return model.TargetData{}, err
	}
	s.activeTargets[data.TargetID] = data
	return data, nil
}

// ReleaseTarget ends the live listen. The target's persisted state stays for
// future resumes; garbage collection decides when it truly goes away.
func (s *LocalStore) ReleaseTarget(targetID int64) error {
	data, ok := s.activeTargets[targetID]
	if !ok {
		return fmt.Errorf("released target %d is not active", targetID)
	}
	err := s.store.Run("release target", func(tx persistence.Tx) error {
		seq, err := s.nextSequenceNumber(tx)
		if err != nil {
			return err
		}
		keys, err := s.targets.MatchingKeys(tx, targetID)
		if err != nil {
			return err
		}
		for key := range keys {
			pinned, err := s.delegate.IsPinned(tx, key)
			if err != nil {
				return err
			}
			if !pinned {
				if err := s.delegate.MarkPotentiallyOrphaned(tx, key, seq); err != nil {
					return err
				}
			}
		}
		return s.targets.UpdateTarget(tx, data.WithSequenceNumber(seq))
	})
	if err != nil {
		return err
	}
	delete(s.activeTargets, targetID)
	delete(s.tokenDamp, targetID)
	return nil
}

// ActiveTargetData returns the in-memory bookkeeping for a live target.
func (s *LocalStore) ActiveTargetData(targetID int64) (model.TargetData, bool) {
	data, ok := s.activeTargets[targetID]
	return data, ok
}

// RemoteKeysForTarget returns the keys the cache associates with a target.
func (s *LocalStore) RemoteKeysForTarget(targetID int64) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := s.store.View("remote keys for target", func(tx persistence.Tx) error {
		var err error
		keys, err = s.targets.MatchingKeys(tx, targetID)
		return err
	})
	return keys, err
}

// ExecuteQuery runs a query against the local view. usePreviousResults
// seeds the scan with the target's last known result set and read time.
func (s *LocalStore) ExecuteQuery(q model.Query, usePreviousResults bool) ([]model.Document, error) {
	var docs []model.Document
	err := s.store.View("execute query", func(tx persistence.Tx) error {
		previous := model.NewDocumentKeySet()
		offset := model.MinSnapshotVersion
		if usePreviousResults {
			data, err := s.targets.TargetForQuery(tx, q)
			if err != nil {
				return err
			}
			if data != nil {
				offset = data.SnapshotVersion
				previous, err = s.targets.MatchingKeys(tx, data.TargetID)
				if err != nil {
					return err
				}
			}
		}
		var err error
		docs, err = s.engine.Execute(tx, q, previous, offset)
		return err
	})
	return docs, err
}

// ReadDocument returns the local view of one document.
func (s *LocalStore) ReadDocument(key model.DocumentKey) (model.Document, error) {
	var doc model.Document
	err := s.store.View("read document", func(tx persistence.Tx) error {
		var err error
		doc, err = s.docs.Document(tx, key)
		return err
	})
	return doc, err
}

// ReadDocuments returns the local view of several documents in one
// transaction.
func (s *LocalStore) ReadDocuments(keys model.DocumentKeySet) (map[model.DocumentKey]model.Document, error) {
	var docs map[model.DocumentKey]model.Document
	err := s.store.View("read documents", func(tx persistence.Tx) error {
		var err error
		docs, err = s.docs.Documents(tx, keys)
		return err
	})
	return docs, err
}

// NextMutationBatch implements the write pipeline's batch source.
func (s *LocalStore) NextMutationBatch(afterBatchID int64) (*model.MutationBatch, error) {
	var batch *model.MutationBatch
	err := s.store.View("next mutation batch", func(tx persistence.Tx) error {
		var err error
		batch, err = s.queue.NextBatchAfter(tx, afterBatchID)
		return err
	})
	return batch, err
}

// LastStreamToken implements the write pipeline's batch source.
func (s *LocalStore) LastStreamToken() ([]byte, error) {
	var token []byte
	err := s.store.View("last stream token", func(tx persistence.Tx) error {
		var err error
		token, err = LastStreamToken(tx)
		return err
	})
	return token, err
}

// HighestUnacknowledgedBatchID returns the newest queued batch ID, or -1
// when nothing is pending. WaitForPendingWrites resolves once this batch is
// acknowledged.
func (s *LocalStore) HighestUnacknowledgedBatchID() (int64, error) {
	id := int64(-1)
	err := s.store.View("highest unacknowledged batch", func(tx persistence.Tx) error {
		empty, err := s.queue.IsEmpty(tx)
		if err != nil || empty {
			return err
		}
		id, err = s.queue.HighestBatchID(tx)
		return err
	})
	return id, err
}

// LastRemoteVersion returns the high-water snapshot version.
func (s *LocalStore) LastRemoteVersion() model.SnapshotVersion {
	return s.lastRemoteVersion
}

// CollectGarbage runs one GC pass over inactive targets and orphaned
// documents.
func (s *LocalStore) CollectGarbage() (GCResults, error) {
	cacheBytes, err := s.cacheSize()
	if err != nil {
		return GCResults{}, err
	}
	active := make(map[int64]struct{}, len(s.activeTargets))
	for id := range s.activeTargets {
		active[id] = struct{}{}
	}
	var results GCResults
	err = s.store.Run("garbage collection", func(tx persistence.Tx) error {
		var err error
		results, err = s.gc.Collect(tx, active, cacheBytes)
		return err
	})
	if err != nil {
		return GCResults{}, err
	}
	if results.DidRun {
		slog.Debug("Cache size after collection", "bytes", cacheBytes)
	}
	return results, nil
}

func (s *LocalStore) cacheSize() (int64, error) {
	var total int64
	for _, table := range persistence.AllTables {
		n, err := s.store.TableSize(table)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
