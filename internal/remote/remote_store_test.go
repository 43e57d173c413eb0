package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docdrift/docdrift/internal/auth"
	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/util"
)

// testScheduler runs tasks on a single goroutine, standing in for the
// client's event loop.
type testScheduler struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

func newTestScheduler(t *testing.T) *testScheduler {
	s := &testScheduler{tasks: make(chan func(), 64), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-s.tasks:
				fn()
			case <-s.quit:
				return
			}
		}
	}()
	t.Cleanup(s.stop)
	return s
}

func (s *testScheduler) Enqueue(name string, fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

// call runs fn on the scheduler goroutine and waits for it.
func (s *testScheduler) call(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	s.Enqueue("test", func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler task timed out")
	}
}

func (s *testScheduler) stop() {
	s.once.Do(func() { close(s.quit) })
}

type watchRecv struct {
	resp WatchResponse
	err  error
}

type fakeWatchConn struct {
	sent   chan WatchRequest
	recv   chan watchRecv
	closed chan struct{}
	once   sync.Once
}

func newFakeWatchConn() *fakeWatchConn {
	return &fakeWatchConn{
		sent:   make(chan WatchRequest, 16),
		recv:   make(chan watchRecv, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeWatchConn) Send(req WatchRequest) error {
	c.sent <- req
	return nil
}

func (c *fakeWatchConn) Recv() (WatchResponse, error) {
	select {
	case m := <-c.recv:
		return m.resp, m.err
	case <-c.closed:
		return WatchResponse{}, NewStatusError(CodeCancelled, "stream closed")
	}
}

func (c *fakeWatchConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type writeRecv struct {
	resp WriteResponse
	err  error
}

type fakeWriteConn struct {
	sent   chan WriteRequest
	recv   chan writeRecv
	closed chan struct{}
	once   sync.Once
}

func newFakeWriteConn() *fakeWriteConn {
	return &fakeWriteConn{
		sent:   make(chan WriteRequest, 16),
		recv:   make(chan writeRecv, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeWriteConn) Send(req WriteRequest) error {
	c.sent <- req
	return nil
}

func (c *fakeWriteConn) Recv() (WriteResponse, error) {
	select {
	case m := <-c.recv:
		return m.resp, m.err
	case <-c.closed:
		return WriteResponse{}, NewStatusError(CodeCancelled, "stream closed")
	}
}

func (c *fakeWriteConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeConnection hands each opened stream to the test through a channel.
type fakeConnection struct {
	watch chan *fakeWatchConn
	write chan *fakeWriteConn
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		watch: make(chan *fakeWatchConn, 4),
		write: make(chan *fakeWriteConn, 4),
	}
}

func (f *fakeConnection) OpenWatch(ctx context.Context, authToken string) (WatchConn, error) {
	c := newFakeWatchConn()
	f.watch <- c
	return c, nil
}

func (f *fakeConnection) OpenWrite(ctx context.Context, authToken string) (WriteConn, error) {
	c := newFakeWriteConn()
	f.write <- c
	return c, nil
}

// fakeEventSyncer reports every callback through buffered channels so tests
// can wait without polling.
type fakeEventSyncer struct {
	events         chan RemoteEvent
	acks           chan model.MutationBatchResult
	writeRejects   chan int64
	listenRejects  chan int64
	states         chan OnlineState
	keysByTargetID map[int64]model.DocumentKeySet
}

func newFakeEventSyncer() *fakeEventSyncer {
	return &fakeEventSyncer{
		events:         make(chan RemoteEvent, 16),
		acks:           make(chan model.MutationBatchResult, 16),
		writeRejects:   make(chan int64, 16),
		listenRejects:  make(chan int64, 16),
		states:         make(chan OnlineState, 16),
		keysByTargetID: make(map[int64]model.DocumentKeySet),
	}
}

func (s *fakeEventSyncer) ApplyRemoteEvent(event RemoteEvent) error {
	s.events <- event
	return nil
}

func (s *fakeEventSyncer) RejectListen(targetID int64, cause error) error {
	s.listenRejects <- targetID
	return nil
}

func (s *fakeEventSyncer) ApplySuccessfulWrite(result model.MutationBatchResult) error {
	s.acks <- result
	return nil
}

func (s *fakeEventSyncer) RejectFailedWrite(batchID int64, cause error) error {
	s.writeRejects <- batchID
	return nil
}

func (s *fakeEventSyncer) RemoteKeysForTarget(targetID int64) model.DocumentKeySet {
	if keys, ok := s.keysByTargetID[targetID]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (s *fakeEventSyncer) HandleOnlineStateChange(state OnlineState) {
	select {
	case s.states <- state:
	default:
	}
}

type fakeBatchSource struct {
	batches []model.MutationBatch
	token   []byte
}

func (f *fakeBatchSource) NextMutationBatch(afterBatchID int64) (*model.MutationBatch, error) {
	for _, b := range f.batches {
		if b.ID > afterBatchID {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeBatchSource) LastStreamToken() ([]byte, error) {
	return f.token, nil
}

func waitWatchConn(t *testing.T, conn *fakeConnection) *fakeWatchConn {
	t.Helper()
	select {
	case c := <-conn.watch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no watch stream opened")
		return nil
	}
}

func waitWriteConn(t *testing.T, conn *fakeConnection) *fakeWriteConn {
	t.Helper()
	select {
	case c := <-conn.write:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no write stream opened")
		return nil
	}
}

func waitWatchRequest(t *testing.T, c *fakeWatchConn) WatchRequest {
	t.Helper()
	select {
	case req := <-c.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no watch request sent")
		return WatchRequest{}
	}
}

func waitWriteRequest(t *testing.T, c *fakeWriteConn) WriteRequest {
	t.Helper()
	select {
	case req := <-c.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no write request sent")
		return WriteRequest{}
	}
}

func newStoreFixture(t *testing.T, batches *fakeBatchSource) (*RemoteStore, *testScheduler, *fakeConnection, *fakeEventSyncer) {
	t.Helper()
	sched := newTestScheduler(t)
	conn := newFakeConnection()
	syncer := newFakeEventSyncer()
	backoff := util.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   1.5,
	}
	store := NewRemoteStore(conn, auth.NewStaticSource("token"), sched, batches,
		"projects/p/databases/d", backoff)
	store.SetSyncer(syncer)
	return store, sched, conn, syncer
}

func TestWatchStreamListenLifecycle(t *testing.T) {
	store, sched, conn, syncer := newStoreFixture(t, &fakeBatchSource{})
	sched.call(t, store.Start)

	data := model.NewTargetData(model.NewCollectionQuery("rooms"), 2, model.PurposeListen, 1)
	sched.call(t, func() { store.Listen(data) })

	wc := waitWatchConn(t, conn)
	req := waitWatchRequest(t, wc)
	if req.AddTarget == nil || req.AddTarget.TargetID != 2 {
		t.Fatalf("request = %+v, want add target 2", req)
	}

	v := model.SnapshotVersionFromTime(time.Unix(5, 0))
	wc.recv <- watchRecv{resp: WatchResponse{TargetChange: &WatchTargetChange{
		State: WatchTargetAdded, TargetIDs: []int64{2},
	}}}
	wc.recv <- watchRecv{resp: WatchResponse{TargetChange: &WatchTargetChange{
		State: WatchTargetCurrent, TargetIDs: []int64{2}, ResumeToken: []byte("rt"),
	}}}
	wc.recv <- watchRecv{resp: WatchResponse{
		TargetChange:    &WatchTargetChange{State: WatchTargetNoChange},
		SnapshotVersion: v,
	}}

	select {
	case event := <-syncer.events:
		tc := event.TargetChanges[2]
		if tc == nil || !tc.Current || string(tc.ResumeToken) != "rt" {
			t.Fatalf("TargetChanges[2] = %+v, want current with token", tc)
		}
		if event.SnapshotVersion.Compare(v) != 0 {
			t.Errorf("SnapshotVersion = %v, want %v", event.SnapshotVersion, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no remote event raised")
	}

	select {
	case state := <-syncer.states:
		if state != OnlineStateOnline {
			t.Errorf("state = %v, want online", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no online state change")
	}
}

func TestWatchStreamRejectedTargetIsDropped(t *testing.T) {
	store, sched, conn, syncer := newStoreFixture(t, &fakeBatchSource{})
	sched.call(t, store.Start)

	data := model.NewTargetData(model.NewCollectionQuery("rooms"), 2, model.PurposeListen, 1)
	sched.call(t, func() { store.Listen(data) })
	wc := waitWatchConn(t, conn)
	waitWatchRequest(t, wc)

	wc.recv <- watchRecv{resp: WatchResponse{TargetChange: &WatchTargetChange{
		State:     WatchTargetRemoved,
		TargetIDs: []int64{2},
		Cause:     NewStatusError(CodePermissionDenied, "denied"),
	}}}

	select {
	case targetID := <-syncer.listenRejects:
		if targetID != 2 {
			t.Fatalf("rejected target %d, want 2", targetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen rejection not surfaced")
	}
	sched.call(t, func() {
		if store.TargetDataForTarget(2) != nil {
			t.Error("rejected target still registered")
		}
	})
}

func TestWriteStreamHandshakeThenPipeline(t *testing.T) {
	key := model.MustKey("rooms/a")
	batch := model.MutationBatch{
		ID:        1,
		Mutations: []model.Mutation{model.NewSetMutation(key, model.EmptyObjectValue())},
	}
	batches := &fakeBatchSource{batches: []model.MutationBatch{batch}, token: []byte("tok0")}
	store, sched, conn, syncer := newStoreFixture(t, batches)
	sched.call(t, store.Start)

	wc := waitWriteConn(t, conn)
	handshake := waitWriteRequest(t, wc)
	if len(handshake.Mutations) != 0 {
		t.Fatalf("handshake = %+v, want no mutations", handshake)
	}
	if string(handshake.StreamToken) != "tok0" {
		t.Fatalf("handshake token = %q, want the persisted token", handshake.StreamToken)
	}

	wc.recv <- writeRecv{resp: WriteResponse{StreamToken: []byte("tok1")}}
	write := waitWriteRequest(t, wc)
	if len(write.Mutations) != 1 || string(write.StreamToken) != "tok1" {
		t.Fatalf("write = %+v, want the queued batch with the fresh token", write)
	}

	v := model.SnapshotVersionFromTime(time.Unix(7, 0))
	wc.recv <- writeRecv{resp: WriteResponse{
		StreamToken:   []byte("tok2"),
		CommitVersion: v,
		Results:       []model.MutationResult{{Version: v}},
	}}
	select {
	case ack := <-syncer.acks:
		if ack.Batch.ID != 1 || string(ack.StreamToken) != "tok2" {
			t.Fatalf("ack = %+v", ack)
		}
		if ack.CommitVersion.Compare(v) != 0 {
			t.Errorf("CommitVersion = %v, want %v", ack.CommitVersion, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write not acknowledged")
	}
}

func TestPermanentWriteErrorRejectsFirstBatch(t *testing.T) {
	key := model.MustKey("rooms/a")
	batch := model.MutationBatch{
		ID:        1,
		Mutations: []model.Mutation{model.NewSetMutation(key, model.EmptyObjectValue())},
	}
	batches := &fakeBatchSource{batches: []model.MutationBatch{batch}}
	store, sched, conn, syncer := newStoreFixture(t, batches)
	sched.call(t, store.Start)

	wc := waitWriteConn(t, conn)
	waitWriteRequest(t, wc)
	wc.recv <- writeRecv{resp: WriteResponse{StreamToken: []byte("tok1")}}
	waitWriteRequest(t, wc)

	wc.recv <- writeRecv{err: NewStatusError(CodePermissionDenied, "denied")}
	select {
	case batchID := <-syncer.writeRejects:
		if batchID != 1 {
			t.Fatalf("rejected batch %d, want 1", batchID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permanent failure did not reject the batch")
	}
}

func TestTransientWriteErrorKeepsPipeline(t *testing.T) {
	key := model.MustKey("rooms/a")
	batch := model.MutationBatch{
		ID:        1,
		Mutations: []model.Mutation{model.NewSetMutation(key, model.EmptyObjectValue())},
	}
	batches := &fakeBatchSource{batches: []model.MutationBatch{batch}}
	store, sched, conn, _ := newStoreFixture(t, batches)
	sched.call(t, store.Start)

	wc := waitWriteConn(t, conn)
	waitWriteRequest(t, wc)
	wc.recv <- writeRecv{err: NewStatusError(CodeUnavailable, "backend restarting")}

	// The retry reopens the stream and replays the handshake with the batch
	// still queued behind it.
	wc2 := waitWriteConn(t, conn)
	handshake := waitWriteRequest(t, wc2)
	if len(handshake.Mutations) != 0 {
		t.Fatalf("handshake = %+v, want no mutations", handshake)
	}
	wc2.recv <- writeRecv{resp: WriteResponse{StreamToken: []byte("tok1")}}
	write := waitWriteRequest(t, wc2)
	if len(write.Mutations) != 1 {
		t.Fatalf("write = %+v, want the retained batch resent", write)
	}
}
