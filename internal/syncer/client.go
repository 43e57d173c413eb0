package syncer

import (
	"fmt"
	"time"

	"github.com/docdrift/docdrift/internal/auth"
	"github.com/docdrift/docdrift/internal/local"
	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
	"github.com/docdrift/docdrift/internal/remote"
	"github.com/docdrift/docdrift/internal/util"
)

// Options configures a Client.
type Options struct {
	Store        persistence.Store
	Connection   remote.Connection
	Credentials  auth.CredentialSource
	DatabasePath string

	Backoff            util.BackoffConfig
	GCParams           local.GCParams
	GCInterval         time.Duration
	ReadCacheSize      int
	MaxConcurrentLimbo int
}

// Client is the public face of the sync stack. Its methods are safe to call
// from any goroutine; each one hops onto the event goroutine internally.
type Client struct {
	queue       *WorkQueue
	store       persistence.Store
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	engine      *SyncEngine

	gcStop chan struct{}
}

// NewClient assembles and starts the full stack: persistence, local store,
// remote store, sync engine, event goroutine and the GC timer.
func NewClient(opts Options) (*Client, error) {
	if opts.ReadCacheSize <= 0 {
		opts.ReadCacheSize = 1024
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = 5 * time.Minute
	}
	if opts.Backoff == (util.BackoffConfig{}) {
		opts.Backoff = util.DefaultBackoffConfig()
	}

	localStore, err := local.NewLocalStore(opts.Store, opts.GCParams, opts.ReadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building local store: %w", err)
	}

	queue := NewWorkQueue()
	remoteStore := remote.NewRemoteStore(opts.Connection, opts.Credentials, queue, localStore, opts.DatabasePath, opts.Backoff)
	engine := NewSyncEngine(localStore, remoteStore, opts.MaxConcurrentLimbo)
	remoteStore.SetSyncer(engine)

	c := &Client{
		queue:       queue,
		store:       opts.Store,
		localStore:  localStore,
		remoteStore: remoteStore,
		engine:      engine,
		gcStop:      make(chan struct{}),
	}

	var startErr error
	if err := queue.EnqueueAndWait("start", func() {
		if startErr = localStore.Start(); startErr != nil {
			return
		}
		remoteStore.Start()
	}); err != nil {
		return nil, err
	}
	if startErr != nil {
		queue.Close()
		return nil, fmt.Errorf("starting local store: %w", startErr)
	}

	go c.runGC(opts.GCInterval)
	return c, nil
}

func (c *Client) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			c.queue.Enqueue("garbage collection", func() {
				c.localStore.CollectGarbage()
			})
		}
	}
}

// GetDocument returns the local view of one document, overlays included.
func (c *Client) GetDocument(key model.DocumentKey) (model.Document, error) {
	var doc model.Document
	var err error
	if qErr := c.queue.EnqueueAndWait("get document", func() {
		doc, err = c.localStore.ReadDocument(key)
	}); qErr != nil {
		return model.Document{}, qErr
	}
	return doc, err
}

// GetDocuments returns the local view of several documents in one consistent
// read.
func (c *Client) GetDocuments(keys model.DocumentKeySet) (map[model.DocumentKey]model.Document, error) {
	var docs map[model.DocumentKey]model.Document
	var err error
	if qErr := c.queue.EnqueueAndWait("get documents", func() {
		docs, err = c.localStore.ReadDocuments(keys)
	}); qErr != nil {
		return nil, qErr
	}
	return docs, err
}

// RunQuery executes a one-shot query against the local view.
func (c *Client) RunQuery(q model.Query) ([]model.Document, error) {
	var docs []model.Document
	var err error
	if qErr := c.queue.EnqueueAndWait("run query", func() {
		docs, err = c.localStore.ExecuteQuery(q, true)
	}); qErr != nil {
		return nil, qErr
	}
	return docs, err
}

// Write queues mutations and returns the batch ID immediately; delivery
// happens in the background.
func (c *Client) Write(mutations []model.Mutation) (int64, error) {
	return c.write(mutations, nil)
}

// WriteAndAwaitAck queues mutations and blocks until the server acknowledges
// or rejects them.
func (c *Client) WriteAndAwaitAck(mutations []model.Mutation) error {
	outcome := make(chan error, 1)
	if _, err := c.write(mutations, func(err error) { outcome <- err }); err != nil {
		return err
	}
	return <-outcome
}

func (c *Client) write(mutations []model.Mutation, onComplete func(error)) (int64, error) {
	var batchID int64
	var err error
	if qErr := c.queue.EnqueueAndWait("write", func() {
		batchID, err = c.engine.Write(mutations, onComplete)
	}); qErr != nil {
		return 0, qErr
	}
	return batchID, err
}

// Listen starts a live query. The handler runs on the event goroutine and
// must not call back into the client synchronously.
func (c *Client) Listen(q model.Query, handler SnapshotHandler) (int64, error) {
	var targetID int64
	var err error
	if qErr := c.queue.EnqueueAndWait("listen", func() {
		targetID, err = c.engine.Listen(q, handler)
	}); qErr != nil {
		return 0, qErr
	}
	return targetID, err
}

// ListenChan starts a live query delivering snapshots on a channel. The
// channel closes when the listen fails or the client shuts down.
func (c *Client) ListenChan(q model.Query, buffer int) (int64, <-chan *ViewSnapshot, error) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *ViewSnapshot, buffer)
	targetID, err := c.Listen(q, func(snapshot *ViewSnapshot, err error) {
		if err != nil {
			close(ch)
			return
		}
		select {
		case ch <- snapshot:
		default:
			// A slow consumer drops intermediate snapshots; the next one
			// carries the full result set anyway.
		}
	})
	if err != nil {
		return 0, nil, err
	}
	return targetID, ch, nil
}

// Unlisten stops a live query.
func (c *Client) Unlisten(targetID int64) error {
	var err error
	if qErr := c.queue.EnqueueAndWait("unlisten", func() {
		err = c.engine.Unlisten(targetID)
	}); qErr != nil {
		return qErr
	}
	return err
}

// WaitForPendingWrites blocks until every write issued before the call has
// been acknowledged or rejected by the server.
func (c *Client) WaitForPendingWrites() error {
	done := make(chan struct{})
	var err error
	if qErr := c.queue.EnqueueAndWait("wait for pending writes", func() {
		err = c.engine.WaitForPendingWrites(func() { close(done) })
	}); qErr != nil {
		return qErr
	}
	if err != nil {
		return err
	}
	<-done
	return nil
}

// CollectGarbageNow runs one GC pass outside the timer.
func (c *Client) CollectGarbageNow() (local.GCResults, error) {
	var results local.GCResults
	var err error
	if qErr := c.queue.EnqueueAndWait("collect garbage", func() {
		results, err = c.localStore.CollectGarbage()
	}); qErr != nil {
		return local.GCResults{}, qErr
	}
	return results, err
}

// Close shuts the network down, drains the event goroutine and releases the
// store. Pending writes stay persisted for the next start.
func (c *Client) Close() error {
	close(c.gcStop)
	c.queue.EnqueueAndWait("shutdown", func() {
		c.remoteStore.Shutdown()
	})
	c.queue.Close()
	return c.store.Close()
}
