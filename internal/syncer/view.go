package syncer

import (
	"sort"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/remote"
)

// ChangeType classifies one document's movement within a snapshot.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

// DocumentChange is one entry in a snapshot's change list.
type DocumentChange struct {
	Type ChangeType
	Doc  model.Document
}

// ViewSnapshot is what a listener receives: the full ordered result set plus
// what moved since the previous snapshot.
type ViewSnapshot struct {
	Query     model.Query
	Documents []model.Document
	Changes   []DocumentChange
	// FromCache is true until the server has confirmed the result set is
	// complete at some snapshot version.
	FromCache bool
	// HasPendingWrites is true while any result document carries
	// unacknowledged local mutations.
	HasPendingWrites bool
	// SyncStateChanged marks snapshots whose only purpose may be a
	// FromCache flip.
	SyncStateChanged bool
}

// View tracks one listened query's result set between snapshots and detects
// limbo documents: results the server's current view no longer vouches for.
type View struct {
	query model.Query
	docs  map[model.DocumentKey]model.Document
	order []model.DocumentKey

	current bool
	// syncedKeys is the server-confirmed membership of the query's target.
	syncedKeys    model.DocumentKeySet
	limboKeys     model.DocumentKeySet
	emitted       bool
	lastFromCache bool
}

// NewView creates a view seeded with the cache's last known target
// membership, so resumed listens classify changes correctly.
func NewView(q model.Query, syncedKeys model.DocumentKeySet) *View {
	return &View{
		query:      q,
		docs:       make(map[model.DocumentKey]model.Document),
		syncedKeys: syncedKeys.Clone(),
		limboKeys:  model.NewDocumentKeySet(),
	}
}

// LimboKeys returns the documents currently in limbo for this view.
func (v *View) LimboKeys() model.DocumentKeySet {
	return v.limboKeys.Clone()
}

// ViewUpdate is the outcome of folding fresh results into a view.
type ViewUpdate struct {
	// Snapshot is nil when nothing user-visible changed.
	Snapshot *ViewSnapshot
	// NewLimboKeys need resolution targets started for them.
	NewLimboKeys model.DocumentKeySet
	// ResolvedLimboKeys no longer need resolution.
	ResolvedLimboKeys model.DocumentKeySet
}

// Update replaces the view's result set with freshDocs (the query's current
// local results in query order) and folds in the target-level change, if
// any. forceSyncStateChange emits a snapshot even without document changes,
// used when online state flips.
func (v *View) Update(freshDocs []model.Document, tc *remote.TargetChange, forceSyncStateChange bool) ViewUpdate {
	if tc != nil {
		for key := range tc.AddedDocuments {
			v.syncedKeys.Add(key)
		}
		for key := range tc.ModifiedDocuments {
			v.syncedKeys.Add(key)
		}
		for key := range tc.RemovedDocuments {
			v.syncedKeys.Remove(key)
		}
		if tc.Current {
			v.current = true
		}
	}

	changes := v.diff(freshDocs)

	// Limbo: the server claims the view is complete, yet a result document
	// was never confirmed as a member and carries no local mutations that
	// could explain it. Its true state must be resolved explicitly.
	newLimbo := model.NewDocumentKeySet()
	if v.current {
		for _, doc := range freshDocs {
			if !v.syncedKeys.Has(doc.Key) && doc.State != model.HasLocalMutations {
				newLimbo.Add(doc.Key)
			}
		}
	}
	added := model.NewDocumentKeySet()
	resolved := model.NewDocumentKeySet()
	for key := range newLimbo {
		if !v.limboKeys.Has(key) {
			added.Add(key)
		}
	}
	for key := range v.limboKeys {
		if !newLimbo.Has(key) {
			resolved.Add(key)
		}
	}
	v.limboKeys = newLimbo

	fromCache := !v.current || len(v.limboKeys) > 0
	syncStateChanged := !v.emitted || fromCache != v.lastFromCache || forceSyncStateChange

	var snapshot *ViewSnapshot
	if len(changes) > 0 || syncStateChanged {
		hasPending := false
		for _, doc := range freshDocs {
			if doc.HasPendingWrites() {
				hasPending = true
				break
			}
		}
		snapshot = &ViewSnapshot{
			Query:            v.query,
			Documents:        freshDocs,
			Changes:          changes,
			FromCache:        fromCache,
			HasPendingWrites: hasPending,
			SyncStateChanged: syncStateChanged,
		}
		v.emitted = true
		v.lastFromCache = fromCache
	}

	return ViewUpdate{Snapshot: snapshot, NewLimboKeys: added, ResolvedLimboKeys: resolved}
}

// ApplyOnlineStateChange folds a connection state flip into the view. Going
// offline revokes the server's consistency promise, so snapshots report
// FromCache until the stream recovers and re-confirms.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) *ViewSnapshot {
	if state == remote.OnlineStateOffline {
		v.current = false
	}
	fromCache := !v.current || len(v.limboKeys) > 0
	if v.emitted && fromCache == v.lastFromCache {
		return nil
	}

	docs := make([]model.Document, 0, len(v.order))
	hasPending := false
	for _, key := range v.order {
		doc := v.docs[key]
		docs = append(docs, doc)
		if doc.HasPendingWrites() {
			hasPending = true
		}
	}
	v.emitted = true
	v.lastFromCache = fromCache
	return &ViewSnapshot{
		Query:            v.query,
		Documents:        docs,
		FromCache:        fromCache,
		HasPendingWrites: hasPending,
		SyncStateChanged: true,
	}
}

// diff computes the change list against the previous result set and installs
// the new one.
func (v *View) diff(freshDocs []model.Document) []DocumentChange {
	var changes []DocumentChange
	fresh := make(map[model.DocumentKey]model.Document, len(freshDocs))
	for _, doc := range freshDocs {
		fresh[doc.Key] = doc
		prev, ok := v.docs[doc.Key]
		switch {
		case !ok:
			changes = append(changes, DocumentChange{Type: ChangeAdded, Doc: doc})
		case !prev.Equal(doc):
			changes = append(changes, DocumentChange{Type: ChangeModified, Doc: doc})
		}
	}
	for key, prev := range v.docs {
		if _, ok := fresh[key]; !ok {
			changes = append(changes, DocumentChange{Type: ChangeRemoved, Doc: prev})
		}
	}

	// Deterministic change order: removals first, then by key.
	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if (a.Type == ChangeRemoved) != (b.Type == ChangeRemoved) {
			return a.Type == ChangeRemoved
		}
		return a.Doc.Key.Compare(b.Doc.Key) < 0
	})

	v.docs = fresh
	v.order = v.order[:0]
	for _, doc := range freshDocs {
		v.order = append(v.order, doc.Key)
	}
	return changes
}
