package remote

import (
	"log/slog"

	"github.com/docdrift/docdrift/internal/model"
)

// TargetMetadataProvider supplies the aggregator with the listener-side view
// of each target: whether it is still active, which document keys the local
// cache believes it holds, and the database resource prefix used to build
// full document names for bloom filter probes.
type TargetMetadataProvider interface {
	// TargetDataForTarget returns the active target's bookkeeping, or nil
	// when the target is no longer listened to.
	TargetDataForTarget(targetID int64) *model.TargetData
	// RemoteKeysForTarget returns the keys the local cache associates with
	// the target.
	RemoteKeysForTarget(targetID int64) model.DocumentKeySet
	// DatabasePath is the resource prefix ("projects/p/databases/d") that,
	// joined with "/documents/" and a key path, names a document on the wire.
	DatabasePath() string
}

type documentChangeType int

const (
	changeAdded documentChangeType = iota
	changeModified
	changeRemoved
)

// targetState accumulates the stream's view of one target between events.
type targetState struct {
	// pendingResponses counts listen requests the server has not acknowledged
	// yet; accumulated state is provisional until it reaches zero.
	pendingResponses int
	current          bool
	resumeToken      []byte
	hasChanges       bool
	documentChanges  map[model.DocumentKey]documentChangeType
}

func newTargetState() *targetState {
	return &targetState{documentChanges: make(map[model.DocumentKey]documentChangeType)}
}

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.resumeToken = token
		s.hasChanges = true
	}
}

func (s *targetState) addDocumentChange(key model.DocumentKey, change documentChangeType) {
	s.documentChanges[key] = change
	s.hasChanges = true
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	delete(s.documentChanges, key)
	s.hasChanges = true
}

func (s *targetState) markCurrent() {
	s.current = true
	s.hasChanges = true
}

func (s *targetState) reset() {
	s.current = false
	s.documentChanges = make(map[model.DocumentKey]documentChangeType)
	s.hasChanges = true
}

func (s *targetState) isPending() bool {
	return s.pendingResponses > 0
}

// toTargetChange freezes the accumulated state into an event-ready change,
// classifying each document against the cache's previous membership.
func (s *targetState) toTargetChange(previousKeys model.DocumentKeySet) *TargetChange {
	tc := newTargetChange()
	tc.ResumeToken = s.resumeToken
	tc.Current = s.current && !s.isPending()
	for key, change := range s.documentChanges {
		switch change {
		case changeAdded, changeModified:
			if previousKeys.Has(key) {
				tc.ModifiedDocuments.Add(key)
			} else {
				tc.AddedDocuments.Add(key)
			}
		case changeRemoved:
			if previousKeys.Has(key) {
				tc.RemovedDocuments.Add(key)
			}
		}
	}
	return tc
}

// WatchChangeAggregator folds raw watch stream changes into consistent
// RemoteEvents. Single-goroutine use only; the stream worker owns it.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider

	targetStates map[int64]*targetState
	// pendingDocumentUpdates is the newest known state of each changed
	// document, shared across targets.
	pendingDocumentUpdates map[model.DocumentKey]model.Document
	// pendingDocumentTargets tracks which targets saw each changed document.
	pendingDocumentTargets map[model.DocumentKey]map[int64]struct{}
	// pendingTargetResets names targets whose contents must be refetched;
	// the value is the purpose to re-listen with.
	pendingTargetResets map[int64]model.TargetPurpose
}

// NewWatchChangeAggregator builds an empty aggregator.
func NewWatchChangeAggregator(provider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:               provider,
		targetStates:           make(map[int64]*targetState),
		pendingDocumentUpdates: make(map[model.DocumentKey]model.Document),
		pendingDocumentTargets: make(map[model.DocumentKey]map[int64]struct{}),
		pendingTargetResets:    make(map[int64]model.TargetPurpose),
	}
}

func (a *WatchChangeAggregator) state(targetID int64) *targetState {
	s, ok := a.targetStates[targetID]
	if !ok {
		s = newTargetState()
		a.targetStates[targetID] = s
	}
	return s
}

// isActiveTarget reports whether the listener still cares about the target.
// Changes for inactive targets race with an unlisten and are dropped.
func (a *WatchChangeAggregator) isActiveTarget(targetID int64) bool {
	return a.provider.TargetDataForTarget(targetID) != nil
}

// RecordPendingTargetRequest notes that a listen request for the target went
// out; accumulated state stays provisional until the server acknowledges it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int64) {
	a.state(targetID).pendingResponses++
}

// RemoveTarget forgets everything accumulated for an unlistened target.
func (a *WatchChangeAggregator) RemoveTarget(targetID int64) {
	delete(a.targetStates, targetID)
}

// HandleTargetChange folds a target-level stream change.
func (a *WatchChangeAggregator) HandleTargetChange(change WatchTargetChange) {
	for _, targetID := range a.targetIDsFor(change) {
		if !a.isActiveTarget(targetID) {
			continue
		}
		s := a.state(targetID)
		switch change.State {
		case WatchTargetNoChange:
			s.updateResumeToken(change.ResumeToken)
		case WatchTargetAdded:
			// The server acknowledged one outstanding request; state
			// accumulated while pending is discarded as stale.
			s.pendingResponses--
			if !s.isPending() {
				s.reset()
			}
			s.updateResumeToken(change.ResumeToken)
		case WatchTargetRemoved:
			s.pendingResponses--
			if change.Cause != nil {
				slog.Warn("Target removed by server", "targetID", targetID, "cause", change.Cause)
			}
		case WatchTargetCurrent:
			s.markCurrent()
			s.updateResumeToken(change.ResumeToken)
		case WatchTargetReset:
			s.reset()
			a.resetTargetDocuments(targetID)
			s.updateResumeToken(change.ResumeToken)
		}
	}
}

// targetIDsFor expands an empty TargetIDs slice to every active target.
func (a *WatchChangeAggregator) targetIDsFor(change WatchTargetChange) []int64 {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	ids := make([]int64, 0, len(a.targetStates))
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleDocumentChange folds a document-level stream change.
func (a *WatchChangeAggregator) HandleDocumentChange(change DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if !a.isActiveTarget(targetID) {
			continue
		}
		if change.NewDocument.IsNoDocument() {
			a.removeDocumentFromTarget(targetID, change.Key, change.NewDocument)
		} else {
			a.addDocumentToTarget(targetID, change.Key, change.NewDocument)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		if !a.isActiveTarget(targetID) {
			continue
		}
		a.removeDocumentFromTarget(targetID, change.Key, change.NewDocument)
	}
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int64, key model.DocumentKey, doc model.Document) {
	change := changeModified
	if !a.provider.RemoteKeysForTarget(targetID).Has(key) {
		change = changeAdded
	}
	a.state(targetID).addDocumentChange(key, change)
	a.pendingDocumentUpdates[key] = doc
	a.trackDocumentTarget(key, targetID)
}

func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int64, key model.DocumentKey, doc model.Document) {
	a.state(targetID).addDocumentChange(key, changeRemoved)
	if doc.IsNoDocument() {
		a.pendingDocumentUpdates[key] = doc
	}
	a.trackDocumentTarget(key, targetID)
}

func (a *WatchChangeAggregator) trackDocumentTarget(key model.DocumentKey, targetID int64) {
	targets, ok := a.pendingDocumentTargets[key]
	if !ok {
		targets = make(map[int64]struct{})
		a.pendingDocumentTargets[key] = targets
	}
	targets[targetID] = struct{}{}
}

func (a *WatchChangeAggregator) resetTargetDocuments(targetID int64) {
	for key, targets := range a.pendingDocumentTargets {
		if _, ok := targets[targetID]; ok {
			delete(targets, targetID)
			if len(targets) == 0 {
				delete(a.pendingDocumentTargets, key)
				delete(a.pendingDocumentUpdates, key)
			}
		}
	}
}

// HandleExistenceFilter reconciles the server's membership count with the
// local view. A disagreement the bloom filter cannot explain away forces the
// target's contents to be refetched from scratch.
func (a *WatchChangeAggregator) HandleExistenceFilter(change ExistenceFilterWatchChange) {
	targetData := a.provider.TargetDataForTarget(change.TargetID)
	if targetData == nil {
		return
	}
	s := a.state(change.TargetID)

	if targetData.Purpose == model.PurposeLimboResolution {
		// A limbo target tracks exactly one document. Zero means the server
		// deleted it out from under us.
		if change.Count == 0 {
			key := targetData.Query.DocumentKey()
			a.removeDocumentFromTarget(change.TargetID, key, model.DeletedDoc(key, model.MinSnapshotVersion))
		}
		return
	}

	current := a.currentSize(change.TargetID)
	if current == change.Count {
		return
	}

	purpose := model.PurposeExistenceFilterMismatch
	if change.Filter != nil {
		removed, ok := a.applyBloomFilter(change)
		if ok && current-removed == change.Count {
			// The filter identified exactly the documents we missed the
			// deletion of; no refetch needed.
			return
		}
		if !ok {
			slog.Warn("Unusable existence filter payload", "targetID", change.TargetID)
		}
	}

	slog.Info("Existence filter mismatch, scheduling target refetch",
		"targetID", change.TargetID,
		"serverCount", change.Count,
		"localCount", current,
	)
	a.pendingTargetResets[change.TargetID] = purpose
	s.reset()
	a.resetTargetDocuments(change.TargetID)
}

// currentSize is the local membership count adjusted by accumulated changes.
func (a *WatchChangeAggregator) currentSize(targetID int64) int {
	keys := a.provider.RemoteKeysForTarget(targetID)
	size := len(keys)
	for key, change := range a.state(targetID).documentChanges {
		switch change {
		case changeAdded:
			if !keys.Has(key) {
				size++
			}
		case changeRemoved:
			if keys.Has(key) {
				size--
			}
		}
	}
	return size
}

// applyBloomFilter probes every locally known key against the server's
// filter and speculatively removes the misses. Returns the number removed
// and whether the payload was usable.
func (a *WatchChangeAggregator) applyBloomFilter(change ExistenceFilterWatchChange) (int, bool) {
	filter, err := NewBloomFilter(*change.Filter)
	if err != nil {
		return 0, false
	}
	prefix := a.provider.DatabasePath() + "/documents/"
	removed := 0
	for key := range a.provider.RemoteKeysForTarget(change.TargetID) {
		if !filter.MightContain(prefix + key.String()) {
			a.removeDocumentFromTarget(change.TargetID, key, model.Document{})
			removed++
		}
	}
	return removed, true
}

// CreateRemoteEvent freezes everything accumulated since the last event into
// one consistent RemoteEvent and clears the accumulators.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) RemoteEvent {
	targetChanges := make(map[int64]*TargetChange)
	resolvedLimbo := model.NewDocumentKeySet()

	for targetID, s := range a.targetStates {
		if s.isPending() {
			continue
		}
		targetData := a.provider.TargetDataForTarget(targetID)
		if targetData == nil {
			continue
		}

		if targetData.Purpose == model.PurposeLimboResolution && s.current {
			// A current limbo target that never mentioned its document proves
			// the document no longer exists on the server.
			key := targetData.Query.DocumentKey()
			if _, mentioned := a.pendingDocumentUpdates[key]; !mentioned {
				a.removeDocumentFromTarget(targetID, key, model.DeletedDoc(key, snapshotVersion))
			}
			resolvedLimbo.Add(key)
		}

		if s.hasChanges {
			targetChanges[targetID] = s.toTargetChange(a.provider.RemoteKeysForTarget(targetID))
			s.hasChanges = false
			s.documentChanges = make(map[model.DocumentKey]documentChangeType)
		}
	}

	event := RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}
	a.pendingDocumentUpdates = make(map[model.DocumentKey]model.Document)
	a.pendingDocumentTargets = make(map[model.DocumentKey]map[int64]struct{})
	a.pendingTargetResets = make(map[int64]model.TargetPurpose)
	return event
}
