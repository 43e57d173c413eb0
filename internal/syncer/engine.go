package syncer

import (
	"fmt"
	"log/slog"

	"github.com/docdrift/docdrift/internal/local"
	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/remote"
)

// DefaultMaxConcurrentLimbo bounds simultaneous limbo resolution targets;
// further limbo documents wait in FIFO order.
const DefaultMaxConcurrentLimbo = 100

// SnapshotHandler receives a listener's snapshots. A non-nil error means the
// listen itself failed and will produce no further snapshots.
type SnapshotHandler func(snapshot *ViewSnapshot, err error)

// remoteTarget is the slice of the remote store the engine drives.
type remoteTarget interface {
	Listen(data model.TargetData)
	Unlisten(targetID int64)
	FillWritePipeline()
}

type queryView struct {
	data    model.TargetData
	view    *View
	handler SnapshotHandler
}

type writeWaiter struct {
	batchID int64
	fn      func()
}

// SyncEngine glues the local store to the remote store: it owns listens,
// routes stream results into the cache, recomputes views, and resolves limbo
// documents. Every method must run on the event goroutine.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore remoteTarget

	queryViews    map[int64]*queryView
	targetByQuery map[string]int64

	// Limbo resolution. Targets get odd IDs so they can never collide with
	// the even IDs the target cache allocates for queries.
	maxConcurrentLimbo int
	nextLimboTargetID  int64
	limboTargetByKey   map[model.DocumentKey]int64
	limboKeyByTarget   map[int64]model.DocumentKey
	limboQueue         []model.DocumentKey

	writeCallbacks map[int64][]func(error)
	writeWaiters   []writeWaiter

	onlineState remote.OnlineState
}

// NewSyncEngine wires the engine. maxConcurrentLimbo <= 0 selects the
// default bound.
func NewSyncEngine(localStore *local.LocalStore, remoteStore remoteTarget, maxConcurrentLimbo int) *SyncEngine {
	if maxConcurrentLimbo <= 0 {
		maxConcurrentLimbo = DefaultMaxConcurrentLimbo
	}
	return &SyncEngine{
		localStore:         localStore,
		remoteStore:        remoteStore,
		queryViews:         make(map[int64]*queryView),
		targetByQuery:      make(map[string]int64),
		maxConcurrentLimbo: maxConcurrentLimbo,
		nextLimboTargetID:  1,
		limboTargetByKey:   make(map[model.DocumentKey]int64),
		limboKeyByTarget:   make(map[int64]model.DocumentKey),
		writeCallbacks:     make(map[int64][]func(error)),
	}
}

// Listen starts a live query. The handler immediately receives the cached
// result set, then updates as local writes and remote events land.
func (e *SyncEngine) Listen(q model.Query, handler SnapshotHandler) (int64, error) {
	if _, exists := e.targetByQuery[q.CanonicalID()]; exists {
		return 0, fmt.Errorf("query %q is already listened to", q.CanonicalID())
	}
	data, err := e.localStore.AllocateTarget(q)
	if err != nil {
		return 0, err
	}
	syncedKeys, err := e.localStore.RemoteKeysForTarget(data.TargetID)
	if err != nil {
		return 0, err
	}
	docs, err := e.localStore.ExecuteQuery(q, true)
	if err != nil {
		return 0, err
	}

	qv := &queryView{data: data, view: NewView(q, syncedKeys), handler: handler}
	e.queryViews[data.TargetID] = qv
	e.targetByQuery[q.CanonicalID()] = data.TargetID

	update := qv.view.Update(docs, nil, false)
	e.trackLimbo(update)
	if update.Snapshot != nil {
		handler(update.Snapshot, nil)
	}

	e.remoteStore.Listen(data)
	return data.TargetID, nil
}

// Unlisten stops a live query.
func (e *SyncEngine) Unlisten(targetID int64) error {
	qv, ok := e.queryViews[targetID]
	if !ok {
		return fmt.Errorf("target %d is not listened to", targetID)
	}
	delete(e.queryViews, targetID)
	delete(e.targetByQuery, qv.data.Query.CanonicalID())
	e.remoteStore.Unlisten(targetID)
	if err := e.localStore.ReleaseTarget(targetID); err != nil {
		return err
	}
	// Limbo documents only this view cared about stop being resolved.
	for key := range qv.view.LimboKeys() {
		if !e.limboKeyNeeded(key) {
			e.stopLimboResolution(key)
		}
	}
	e.pumpLimboQueue()
	return nil
}

// Write queues mutations locally and schedules them for the write stream.
// onComplete, if non-nil, fires once the server acknowledges or rejects the
// batch.
func (e *SyncEngine) Write(mutations []model.Mutation, onComplete func(error)) (int64, error) {
	batchID, _, err := e.localStore.LocalWrite(mutations)
	if err != nil {
		return 0, err
	}
	if onComplete != nil {
		e.writeCallbacks[batchID] = append(e.writeCallbacks[batchID], onComplete)
	}
	e.emitSnapshots(nil)
	e.remoteStore.FillWritePipeline()
	return batchID, nil
}

// WaitForPendingWrites fires fn once every write pending at the time of the
// call has been acknowledged or rejected.
func (e *SyncEngine) WaitForPendingWrites(fn func()) error {
	highest, err := e.localStore.HighestUnacknowledgedBatchID()
	if err != nil {
		return err
	}
	if highest < 0 {
		fn()
		return nil
	}
	e.writeWaiters = append(e.writeWaiters, writeWaiter{batchID: highest, fn: fn})
	return nil
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(event remote.RemoteEvent) error {
	if _, err := e.localStore.ApplyRemoteEvent(event); err != nil {
		return err
	}
	for key := range event.ResolvedLimboDocuments {
		e.stopLimboResolution(key)
	}
	e.pumpLimboQueue()
	e.emitSnapshots(&event)
	return nil
}

// RejectListen implements remote.RemoteSyncer.
func (e *SyncEngine) RejectListen(targetID int64, cause error) error {
	if key, ok := e.limboKeyByTarget[targetID]; ok {
		// A refused limbo target settles the question: the document is gone.
		e.stopLimboResolution(key)
		e.pumpLimboQueue()
		event := remote.RemoteEvent{
			SnapshotVersion:        model.MinSnapshotVersion,
			DocumentUpdates:        map[model.DocumentKey]model.Document{key: model.DeletedDoc(key, model.MinSnapshotVersion)},
			ResolvedLimboDocuments: model.NewDocumentKeySet(key),
		}
		return e.ApplyRemoteEvent(event)
	}

	qv, ok := e.queryViews[targetID]
	if !ok {
		return nil
	}
	delete(e.queryViews, targetID)
	delete(e.targetByQuery, qv.data.Query.CanonicalID())
	if err := e.localStore.ReleaseTarget(targetID); err != nil {
		slog.Error("Releasing rejected target failed", "targetID", targetID, "err", err)
	}
	qv.handler(nil, cause)
	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(result model.MutationBatchResult) error {
	if _, err := e.localStore.AcknowledgeBatch(result); err != nil {
		return err
	}
	e.completeWrite(result.Batch.ID, nil)
	e.emitSnapshots(nil)
	return nil
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(batchID int64, cause error) error {
	if _, err := e.localStore.RejectBatch(batchID); err != nil {
		return err
	}
	e.completeWrite(batchID, cause)
	e.emitSnapshots(nil)
	return nil
}

func (e *SyncEngine) completeWrite(batchID int64, outcome error) {
	for _, fn := range e.writeCallbacks[batchID] {
		fn(outcome)
	}
	delete(e.writeCallbacks, batchID)

	remaining := e.writeWaiters[:0]
	for _, w := range e.writeWaiters {
		if w.batchID <= batchID {
			w.fn()
		} else {
			remaining = append(remaining, w)
		}
	}
	e.writeWaiters = remaining
}

// RemoteKeysForTarget implements remote.RemoteSyncer.
func (e *SyncEngine) RemoteKeysForTarget(targetID int64) model.DocumentKeySet {
	if key, ok := e.limboKeyByTarget[targetID]; ok {
		return model.NewDocumentKeySet(key)
	}
	keys, err := e.localStore.RemoteKeysForTarget(targetID)
	if err != nil {
		slog.Error("Reading target keys failed", "targetID", targetID, "err", err)
		return model.NewDocumentKeySet()
	}
	return keys
}

// HandleOnlineStateChange implements remote.RemoteSyncer.
func (e *SyncEngine) HandleOnlineStateChange(state remote.OnlineState) {
	e.onlineState = state
	slog.Info("Online state changed", "state", state)
	for _, qv := range e.queryViews {
		if snapshot := qv.view.ApplyOnlineStateChange(state); snapshot != nil {
			qv.handler(snapshot, nil)
		}
	}
}

// emitSnapshots re-runs every listened query against the local view and
// notifies handlers whose results changed. event, when present, carries
// per-target consistency information.
func (e *SyncEngine) emitSnapshots(event *remote.RemoteEvent) {
	for targetID, qv := range e.queryViews {
		docs, err := e.localStore.ExecuteQuery(qv.data.Query, true)
		if err != nil {
			slog.Error("Re-running listened query failed", "targetID", targetID, "err", err)
			continue
		}
		var tc *remote.TargetChange
		if event != nil {
			tc = event.TargetChanges[targetID]
		}
		update := qv.view.Update(docs, tc, false)
		e.trackLimbo(update)
		if update.Snapshot != nil {
			qv.handler(update.Snapshot, nil)
		}
	}
	e.pumpLimboQueue()
}

func (e *SyncEngine) trackLimbo(update ViewUpdate) {
	for key := range update.ResolvedLimboKeys {
		if !e.limboKeyNeeded(key) {
			e.stopLimboResolution(key)
		}
	}
	for key := range update.NewLimboKeys {
		if _, tracked := e.limboTargetByKey[key]; tracked {
			continue
		}
		if e.queuedForLimbo(key) {
			continue
		}
		e.limboQueue = append(e.limboQueue, key)
	}
}

// limboKeyNeeded reports whether any remaining view still holds the key in
// limbo.
func (e *SyncEngine) limboKeyNeeded(key model.DocumentKey) bool {
	for _, qv := range e.queryViews {
		if qv.view.LimboKeys().Has(key) {
			return true
		}
	}
	return false
}

func (e *SyncEngine) queuedForLimbo(key model.DocumentKey) bool {
	for _, queued := range e.limboQueue {
		if queued == key {
			return true
		}
	}
	return false
}

// pumpLimboQueue starts resolution targets up to the concurrency bound.
func (e *SyncEngine) pumpLimboQueue() {
	for len(e.limboTargetByKey) < e.maxConcurrentLimbo && len(e.limboQueue) > 0 {
		key := e.limboQueue[0]
		e.limboQueue = e.limboQueue[1:]
		if _, tracked := e.limboTargetByKey[key]; tracked {
			continue
		}
		targetID := e.nextLimboTargetID
		e.nextLimboTargetID += 2
		e.limboTargetByKey[key] = targetID
		e.limboKeyByTarget[targetID] = key
		slog.Debug("Starting limbo resolution", "key", key, "targetID", targetID)
		q := model.NewCollectionQuery(key.String())
		e.remoteStore.Listen(model.NewTargetData(q, targetID, model.PurposeLimboResolution, 0))
	}
}

// stopLimboResolution tears down the key's resolution target or dequeues it.
func (e *SyncEngine) stopLimboResolution(key model.DocumentKey) {
	if targetID, ok := e.limboTargetByKey[key]; ok {
		e.remoteStore.Unlisten(targetID)
		delete(e.limboTargetByKey, key)
		delete(e.limboKeyByTarget, targetID)
		return
	}
	for i, queued := range e.limboQueue {
		if queued == key {
			e.limboQueue = append(e.limboQueue[:i], e.limboQueue[i+1:]...)
			return
		}
	}
}
