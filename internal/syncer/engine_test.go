package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/docdrift/docdrift/internal/local"
	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
	"github.com/docdrift/docdrift/internal/remote"
)

type fakeRemote struct {
	listens   []model.TargetData
	unlistens []int64
	fills     int
}

func (f *fakeRemote) Listen(data model.TargetData) { f.listens = append(f.listens, data) }
func (f *fakeRemote) Unlisten(targetID int64)      { f.unlistens = append(f.unlistens, targetID) }
func (f *fakeRemote) FillWritePipeline()           { f.fills++ }

type snapshotRecorder struct {
	snaps []*ViewSnapshot
	errs  []error
}

func (r *snapshotRecorder) handler(snap *ViewSnapshot, err error) {
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) latest(t *testing.T) *ViewSnapshot {
	t.Helper()
	if len(r.snaps) == 0 {
		t.Fatal("no snapshots received")
	}
	return r.snaps[len(r.snaps)-1]
}

func newTestEngine(t *testing.T) (*SyncEngine, *fakeRemote) {
	t.Helper()
	store := persistence.NewMemoryStore()
	ls, err := local.NewLocalStore(store, local.DefaultGCParams(), 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := ls.Start(); err != nil {
		t.Fatal(err)
	}
	fr := &fakeRemote{}
	return NewSyncEngine(ls, fr, 0), fr
}

func setMutation(path string, n int64) model.Mutation {
	data := model.NewObjectValue(map[string]model.Value{"n": model.IntegerValue(n)})
	return model.NewSetMutation(model.MustKey(path), data)
}

func ackFor(batch model.MutationBatch, v model.SnapshotVersion) model.MutationBatchResult {
	results := make([]model.MutationResult, len(batch.Mutations))
	for i := range results {
		results[i] = model.MutationResult{Version: v}
	}
	return model.MutationBatchResult{
		Batch: batch, CommitVersion: v, MutationResults: results, StreamToken: []byte("tok"),
	}
}

func TestListenEmitsInitialCachedSnapshot(t *testing.T) {
	e, fr := newTestEngine(t)
	rec := &snapshotRecorder{}

	targetID, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler)
	if err != nil {
		t.Fatal(err)
	}
	if targetID%2 != 0 {
		t.Errorf("query target ID %d is odd", targetID)
	}
	snap := rec.latest(t)
	if !snap.FromCache {
		t.Error("initial snapshot must come from cache")
	}
	if len(snap.Documents) != 0 {
		t.Errorf("Documents = %v, want empty", snap.Documents)
	}
	if len(fr.listens) != 1 || fr.listens[0].TargetID != targetID {
		t.Fatalf("listens = %v, want target %d", fr.listens, targetID)
	}
}

func TestListenRejectsDuplicateQuery(t *testing.T) {
	e, _ := newTestEngine(t)
	q := model.NewCollectionQuery("rooms")
	if _, err := e.Listen(q, func(*ViewSnapshot, error) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Listen(q, func(*ViewSnapshot, error) {}); err == nil {
		t.Fatal("second listen on the same query succeeded")
	}
}

func TestWriteThenAcknowledge(t *testing.T) {
	e, fr := newTestEngine(t)
	rec := &snapshotRecorder{}
	if _, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler); err != nil {
		t.Fatal(err)
	}

	var outcome error
	completed := false
	batchID, err := e.Write([]model.Mutation{setMutation("rooms/a", 1)}, func(err error) {
		completed = true
		outcome = err
	})
	if err != nil {
		t.Fatal(err)
	}
	if fr.fills == 0 {
		t.Error("write did not schedule the write pipeline")
	}
	snap := rec.latest(t)
	if !snap.HasPendingWrites || len(snap.Documents) != 1 {
		t.Fatalf("snapshot = %+v, want one pending document", snap)
	}
	if snap.Documents[0].State != model.HasLocalMutations {
		t.Errorf("State = %v, want HasLocalMutations", snap.Documents[0].State)
	}

	batch, err := e.localStore.NextMutationBatch(batchID - 1)
	if err != nil {
		t.Fatal(err)
	}
	v := model.SnapshotVersionFromTime(time.Unix(10, 0))
	if err := e.ApplySuccessfulWrite(ackFor(*batch, v)); err != nil {
		t.Fatal(err)
	}
	if !completed || outcome != nil {
		t.Fatalf("completed=%v outcome=%v, want clean completion", completed, outcome)
	}
	if got := rec.latest(t).Documents[0].State; got != model.HasCommittedMutations {
		t.Errorf("State after ack = %v, want HasCommittedMutations", got)
	}
}

func TestRejectFailedWriteRevertsView(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &snapshotRecorder{}
	if _, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler); err != nil {
		t.Fatal(err)
	}

	var outcome error
	batchID, err := e.Write([]model.Mutation{setMutation("rooms/a", 1)}, func(err error) {
		outcome = err
	})
	if err != nil {
		t.Fatal(err)
	}

	cause := errors.New("permission denied")
	if err := e.RejectFailedWrite(batchID, cause); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(outcome, cause) {
		t.Fatalf("outcome = %v, want %v", outcome, cause)
	}
	if docs := rec.latest(t).Documents; len(docs) != 0 {
		t.Fatalf("Documents = %v, want the rejected write reverted", docs)
	}
}

func TestRemoteEventConfirmsView(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &snapshotRecorder{}
	targetID, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler)
	if err != nil {
		t.Fatal(err)
	}

	key := model.MustKey("rooms/a")
	v := model.SnapshotVersionFromTime(time.Unix(5, 0))
	doc := model.FoundDoc(key, v, model.EmptyObjectValue())
	event := remote.RemoteEvent{
		SnapshotVersion: v,
		TargetChanges: map[int64]*remote.TargetChange{
			targetID: {
				ResumeToken:       []byte("rt"),
				Current:           true,
				AddedDocuments:    model.NewDocumentKeySet(key),
				ModifiedDocuments: model.NewDocumentKeySet(),
				RemovedDocuments:  model.NewDocumentKeySet(),
			},
		},
		DocumentUpdates: map[model.DocumentKey]model.Document{key: doc},
	}
	if err := e.ApplyRemoteEvent(event); err != nil {
		t.Fatal(err)
	}

	snap := rec.latest(t)
	if snap.FromCache {
		t.Error("FromCache = true after a Current target change")
	}
	if len(snap.Documents) != 1 || snap.Documents[0].State != model.Synced {
		t.Fatalf("Documents = %v, want one synced document", snap.Documents)
	}
}

func TestWaitForPendingWrites(t *testing.T) {
	e, _ := newTestEngine(t)

	immediate := false
	if err := e.WaitForPendingWrites(func() { immediate = true }); err != nil {
		t.Fatal(err)
	}
	if !immediate {
		t.Fatal("no pending writes, waiter should fire immediately")
	}

	batchID, err := e.Write([]model.Mutation{setMutation("rooms/a", 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	fired := false
	if err := e.WaitForPendingWrites(func() { fired = true }); err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Fatal("waiter fired before the batch settled")
	}
	if err := e.RejectFailedWrite(batchID, errors.New("no")); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("waiter did not fire once all writes settled")
	}
}

// limboFixture drives the engine into a limbo state: the confirmed "rooms"
// listen caches a document, then a filtered listen on the same collection is
// declared current without confirming that document.
func limboFixture(t *testing.T, e *SyncEngine, fr *fakeRemote) (model.DocumentKey, int64) {
	t.Helper()
	roomsID, err := e.Listen(model.NewCollectionQuery("rooms"), func(*ViewSnapshot, error) {})
	if err != nil {
		t.Fatal(err)
	}
	key := model.MustKey("rooms/a")
	v := model.SnapshotVersionFromTime(time.Unix(5, 0))
	doc := model.FoundDoc(key, v, model.NewObjectValue(map[string]model.Value{"n": model.IntegerValue(1)}))
	err = e.ApplyRemoteEvent(remote.RemoteEvent{
		SnapshotVersion: v,
		TargetChanges: map[int64]*remote.TargetChange{
			roomsID: {
				Current:           true,
				AddedDocuments:    model.NewDocumentKeySet(key),
				ModifiedDocuments: model.NewDocumentKeySet(),
				RemovedDocuments:  model.NewDocumentKeySet(),
			},
		},
		DocumentUpdates: map[model.DocumentKey]model.Document{key: doc},
	})
	if err != nil {
		t.Fatal(err)
	}

	filtered := model.NewCollectionQuery("rooms").
		WithFilter(model.MustFieldPath("n"), model.OpEqual, model.IntegerValue(1))
	filteredID, err := e.Listen(filtered, func(*ViewSnapshot, error) {})
	if err != nil {
		t.Fatal(err)
	}
	// The filtered target is current but never confirmed rooms/a, which the
	// local query still returns: rooms/a is now in limbo.
	err = e.ApplyRemoteEvent(remote.RemoteEvent{
		SnapshotVersion: v,
		TargetChanges: map[int64]*remote.TargetChange{
			filteredID: {
				Current:           true,
				AddedDocuments:    model.NewDocumentKeySet(),
				ModifiedDocuments: model.NewDocumentKeySet(),
				RemovedDocuments:  model.NewDocumentKeySet(),
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	last := fr.listens[len(fr.listens)-1]
	if last.Purpose != model.PurposeLimboResolution {
		t.Fatalf("last listen purpose = %v, want limbo resolution", last.Purpose)
	}
	if last.TargetID%2 != 1 {
		t.Fatalf("limbo target ID %d is even", last.TargetID)
	}
	if want := model.NewCollectionQuery(key.String()).CanonicalID(); last.Query.CanonicalID() != want {
		t.Fatalf("limbo query = %q, want %q", last.Query.CanonicalID(), want)
	}
	return key, last.TargetID
}

func TestLimboResolutionViaRemoteEvent(t *testing.T) {
	e, fr := newTestEngine(t)
	key, limboID := limboFixture(t, e, fr)

	v := model.SnapshotVersionFromTime(time.Unix(6, 0))
	err := e.ApplyRemoteEvent(remote.RemoteEvent{
		SnapshotVersion:        v,
		DocumentUpdates:        map[model.DocumentKey]model.Document{key: model.DeletedDoc(key, v)},
		ResolvedLimboDocuments: model.NewDocumentKeySet(key),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.unlistens) == 0 || fr.unlistens[len(fr.unlistens)-1] != limboID {
		t.Fatalf("unlistens = %v, want the limbo target %d stopped", fr.unlistens, limboID)
	}
	doc, err := e.localStore.ReadDocument(key)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.IsNoDocument() {
		t.Fatalf("document = %v, want the resolved deletion", doc)
	}
}

func TestRejectedLimboListenSynthesizesDeletion(t *testing.T) {
	e, fr := newTestEngine(t)
	key, limboID := limboFixture(t, e, fr)

	if err := e.RejectListen(limboID, remote.NewStatusError(remote.CodePermissionDenied, "denied")); err != nil {
		t.Fatal(err)
	}
	if len(fr.unlistens) == 0 || fr.unlistens[len(fr.unlistens)-1] != limboID {
		t.Fatalf("unlistens = %v, want limbo target %d stopped", fr.unlistens, limboID)
	}
	doc, err := e.localStore.ReadDocument(key)
	if err != nil {
		t.Fatal(err)
	}
	if doc.IsFound() {
		t.Fatalf("document = %v, want it gone after the rejected resolution", doc)
	}
}

func TestRejectListenFailsQueryView(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &snapshotRecorder{}
	targetID, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler)
	if err != nil {
		t.Fatal(err)
	}

	cause := remote.NewStatusError(remote.CodePermissionDenied, "denied")
	if err := e.RejectListen(targetID, cause); err != nil {
		t.Fatal(err)
	}
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], cause) {
		t.Fatalf("errs = %v, want the listen failure surfaced", rec.errs)
	}
	// The query can be listened to again.
	if _, err := e.Listen(model.NewCollectionQuery("rooms"), rec.handler); err != nil {
		t.Fatal(err)
	}
}

func TestUnlistenStopsOrphanedLimboTargets(t *testing.T) {
	e, fr := newTestEngine(t)
	_, limboID := limboFixture(t, e, fr)

	// The filtered view is the only one holding the key in limbo.
	var filteredID int64
	for _, data := range fr.listens {
		if data.Purpose == model.PurposeListen && data.Query.Limit == 0 && len(data.Query.Filters) > 0 {
			filteredID = data.TargetID
		}
	}
	if filteredID == 0 {
		t.Fatal("filtered listen not found")
	}
	if err := e.Unlisten(filteredID); err != nil {
		t.Fatal(err)
	}

	stopped := false
	for _, id := range fr.unlistens {
		if id == limboID {
			stopped = true
		}
	}
	if !stopped {
		t.Fatalf("unlistens = %v, want limbo target %d stopped with its view", fr.unlistens, limboID)
	}
}
