package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/docdrift/docdrift/internal/auth"
	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/util"
)

// maxPendingWrites bounds the number of unacknowledged batches in flight on
// the write stream.
const maxPendingWrites = 10

// watchIdleTimeout closes the watch stream after this long with no active
// targets.
const watchIdleTimeout = time.Minute

// Scheduler serializes work onto the client's single event goroutine. All
// RemoteStore state lives on that goroutine; stream goroutines only receive
// from the network and enqueue.
type Scheduler interface {
	Enqueue(name string, fn func())
}

// RemoteSyncer is the event-goroutine consumer of stream results, usually
// the sync engine.
type RemoteSyncer interface {
	ApplyRemoteEvent(event RemoteEvent) error
	// RejectListen handles a target the server refused.
	RejectListen(targetID int64, cause error) error
	ApplySuccessfulWrite(result model.MutationBatchResult) error
	RejectFailedWrite(batchID int64, cause error) error
	// RemoteKeysForTarget returns the keys the cache holds for a target.
	RemoteKeysForTarget(targetID int64) model.DocumentKeySet
	HandleOnlineStateChange(state OnlineState)
}

// BatchSource feeds the write pipeline from the persisted mutation queue.
type BatchSource interface {
	// NextMutationBatch returns the first pending batch with ID greater than
	// afterBatchID, or nil.
	NextMutationBatch(afterBatchID int64) (*model.MutationBatch, error)
	// LastStreamToken returns the persisted write-stream resume token.
	LastStreamToken() ([]byte, error)
}

type streamState int

const (
	streamStopped streamState = iota
	streamStarting
	streamOpen
)

// RemoteStore owns the network half of the client: the watch stream, the
// write stream, their reconnect backoff, and online state. Every method must
// be called from the scheduler goroutine.
type RemoteStore struct {
	conn         Connection
	creds        auth.CredentialSource
	scheduler    Scheduler
	batches      BatchSource
	syncer       RemoteSyncer
	databasePath string

	tracker        *onlineStateTracker
	networkEnabled bool

	// Watch stream.
	watchState    streamState
	watchGen      int
	watchConn     WatchConn
	watchBackoff  *util.Backoff
	aggregator    *WatchChangeAggregator
	listenTargets map[int64]model.TargetData
	idleTimer     *time.Timer

	// Write stream.
	writeState         streamState
	writeGen           int
	writeConn          WriteConn
	writeBackoff       *util.Backoff
	handshakeComplete  bool
	streamToken        []byte
	pipeline           []model.MutationBatch
	lastBatchRetrieved int64
}

// NewRemoteStore wires the store. SetSyncer must be called before Start.
func NewRemoteStore(conn Connection, creds auth.CredentialSource, scheduler Scheduler, batches BatchSource, databasePath string, backoff util.BackoffConfig) *RemoteStore {
	r := &RemoteStore{
		conn:          conn,
		creds:         creds,
		scheduler:     scheduler,
		batches:       batches,
		databasePath:  databasePath,
		watchBackoff:  util.NewBackoff(backoff),
		writeBackoff:  util.NewBackoff(backoff),
		listenTargets: make(map[int64]model.TargetData),
	}
	r.aggregator = NewWatchChangeAggregator(r)
	return r
}

// SetSyncer installs the event consumer; construction order requires the
// sync engine to exist after the store.
func (r *RemoteStore) SetSyncer(syncer RemoteSyncer) {
	r.syncer = syncer
	r.tracker = newOnlineStateTracker(syncer.HandleOnlineStateChange)
}

// TargetDataForTarget implements TargetMetadataProvider.
func (r *RemoteStore) TargetDataForTarget(targetID int64) *model.TargetData {
	if data, ok := r.listenTargets[targetID]; ok {
		return &data
	}
	return nil
}

// RemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) RemoteKeysForTarget(targetID int64) model.DocumentKeySet {
	return r.syncer.RemoteKeysForTarget(targetID)
}

// DatabasePath implements TargetMetadataProvider.
func (r *RemoteStore) DatabasePath() string {
	return r.databasePath
}

// Start enables the network and opens whichever streams have work.
func (r *RemoteStore) Start() {
	r.networkEnabled = true
	if len(r.listenTargets) > 0 {
		r.startWatchStream()
	}
	r.FillWritePipeline()
}

// Shutdown disables the network and tears both streams down. In-flight
// writes stay in the persisted queue and are resent on the next Start.
func (r *RemoteStore) Shutdown() {
	r.networkEnabled = false
	r.stopWatchStream()
	r.stopWriteStream()
	r.pipeline = nil
	r.lastBatchRetrieved = 0
	r.handshakeComplete = false
	r.tracker.reset()
}

// Listen registers a target on the watch stream.
func (r *RemoteStore) Listen(data model.TargetData) {
	r.listenTargets[data.TargetID] = data
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	switch r.watchState {
	case streamOpen:
		r.sendAddTarget(data)
	case streamStopped:
		if r.networkEnabled {
			r.startWatchStream()
		}
	}
}

// Unlisten removes a target from the watch stream.
func (r *RemoteStore) Unlisten(targetID int64) {
	delete(r.listenTargets, targetID)
	r.aggregator.RemoveTarget(targetID)
	if r.watchState == streamOpen {
		if err := r.watchConn.Send(WatchRequest{RemoveTarget: targetID}); err != nil {
			slog.Warn("Unlisten send failed", "targetID", targetID, "err", err)
		}
	}
	if len(r.listenTargets) == 0 && r.watchState != streamStopped {
		r.armIdleTimer()
	}
}

func (r *RemoteStore) armIdleTimer() {
	gen := r.watchGen
	r.idleTimer = time.AfterFunc(watchIdleTimeout, func() {
		r.scheduler.Enqueue("watch-idle", func() {
			if gen == r.watchGen && len(r.listenTargets) == 0 {
				slog.Debug("Closing idle watch stream")
				r.stopWatchStream()
			}
		})
	})
}

func (r *RemoteStore) sendAddTarget(data model.TargetData) {
	r.aggregator.RecordPendingTargetRequest(data.TargetID)
	if err := r.watchConn.Send(WatchRequest{AddTarget: &data}); err != nil {
		slog.Warn("Listen send failed", "targetID", data.TargetID, "err", err)
	}
}

func (r *RemoteStore) startWatchStream() {
	if r.watchState != streamStopped {
		return
	}
	r.watchState = streamStarting
	r.watchGen++
	gen := r.watchGen
	go r.runWatchStream(gen)
}

func (r *RemoteStore) stopWatchStream() {
	r.watchGen++
	if r.watchConn != nil {
		r.watchConn.Close()
		r.watchConn = nil
	}
	r.watchState = streamStopped
	r.aggregator = NewWatchChangeAggregator(r)
}

// runWatchStream is the watch goroutine: it dials, then pumps responses onto
// the scheduler until the stream dies. gen discards its callbacks once the
// store has moved on.
func (r *RemoteStore) runWatchStream(gen int) {
	ctx := context.Background()
	token, err := r.creds.Token(ctx)
	if err == nil {
		var conn WatchConn
		conn, err = r.conn.OpenWatch(ctx, token.Value)
		if err == nil {
			r.scheduler.Enqueue("watch-opened", func() { r.watchOpened(gen, conn) })
			for {
				resp, recvErr := conn.Recv()
				if recvErr != nil {
					err = recvErr
					break
				}
				r.scheduler.Enqueue("watch-response", func() { r.handleWatchResponse(gen, resp) })
			}
		}
	}
	failure := err
	r.scheduler.Enqueue("watch-error", func() { r.handleWatchError(gen, failure) })
}

func (r *RemoteStore) watchOpened(gen int, conn WatchConn) {
	if gen != r.watchGen {
		conn.Close()
		return
	}
	r.watchConn = conn
	r.watchState = streamOpen
	for _, data := range r.listenTargets {
		r.sendAddTarget(data)
	}
}

func (r *RemoteStore) handleWatchResponse(gen int, resp WatchResponse) {
	if gen != r.watchGen {
		return
	}
	r.watchBackoff.Reset()
	r.tracker.handleStreamStart()

	switch {
	case resp.DocumentChange != nil:
		r.aggregator.HandleDocumentChange(*resp.DocumentChange)
	case resp.ExistenceFilter != nil:
		r.aggregator.HandleExistenceFilter(*resp.ExistenceFilter)
	case resp.TargetChange != nil:
		tc := *resp.TargetChange
		if tc.State == WatchTargetRemoved && tc.Cause != nil {
			for _, targetID := range tc.TargetIDs {
				delete(r.listenTargets, targetID)
				r.aggregator.RemoveTarget(targetID)
				if err := r.syncer.RejectListen(targetID, tc.Cause); err != nil {
					slog.Error("Reject listen failed", "targetID", targetID, "err", err)
				}
			}
			return
		}
		r.aggregator.HandleTargetChange(tc)
		// A global no-change with a snapshot version means everything up to
		// that version has been delivered; raise one consistent event.
		if tc.State == WatchTargetNoChange && len(tc.TargetIDs) == 0 && !resp.SnapshotVersion.IsZero() {
			r.raiseRemoteEvent(resp.SnapshotVersion)
		}
	}
}

func (r *RemoteStore) raiseRemoteEvent(version model.SnapshotVersion) {
	event := r.aggregator.CreateRemoteEvent(version)

	// Targets whose existence filter mismatched are torn down and re-listened
	// from scratch with the mismatch purpose and no resume token.
	for targetID, purpose := range event.TargetMismatches {
		data, ok := r.listenTargets[targetID]
		if !ok {
			continue
		}
		data.ResumeToken = nil
		data.Purpose = purpose
		data.ExpectedCount = -1
		r.listenTargets[targetID] = data
		if r.watchState == streamOpen {
			if err := r.watchConn.Send(WatchRequest{RemoveTarget: targetID}); err != nil {
				slog.Warn("Mismatch unlisten send failed", "targetID", targetID, "err", err)
			}
			r.sendAddTarget(data)
		}
	}

	if err := r.syncer.ApplyRemoteEvent(event); err != nil {
		slog.Error("Applying remote event failed", "err", err)
	}
}

func (r *RemoteStore) handleWatchError(gen int, err error) {
	if gen != r.watchGen {
		return
	}
	slog.Debug("Watch stream closed", "err", err)
	if r.watchConn != nil {
		r.watchConn.Close()
		r.watchConn = nil
	}
	r.watchState = streamStopped
	r.aggregator = NewWatchChangeAggregator(r)

	switch CodeOf(err) {
	case CodeResourceExhausted:
		r.watchBackoff.ResetToMax()
	case CodeUnauthenticated:
		r.creds.Invalidate()
	}
	r.tracker.handleStreamFailure(err)

	if !r.networkEnabled || len(r.listenTargets) == 0 {
		return
	}
	delay := r.watchBackoff.Next()
	slog.Debug("Retrying watch stream", "delay", delay)
	time.AfterFunc(delay, func() {
		r.scheduler.Enqueue("watch-retry", func() {
			if r.networkEnabled && len(r.listenTargets) > 0 {
				r.startWatchStream()
			}
		})
	})
}

// FillWritePipeline tops the in-flight window up from the persisted queue
// and opens the write stream if there is work. The sync engine calls this
// after every local write and every acknowledgement.
func (r *RemoteStore) FillWritePipeline() {
	if !r.networkEnabled {
		return
	}
	for len(r.pipeline) < maxPendingWrites {
		batch, err := r.batches.NextMutationBatch(r.lastBatchRetrieved)
		if err != nil {
			slog.Error("Reading mutation queue failed", "err", err)
			return
		}
		if batch == nil {
			break
		}
		r.pipeline = append(r.pipeline, *batch)
		r.lastBatchRetrieved = batch.ID
		if r.writeState == streamOpen && r.handshakeComplete {
			r.sendWriteBatch(*batch)
		}
	}
	if len(r.pipeline) > 0 && r.writeState == streamStopped {
		r.startWriteStream()
	}
}

func (r *RemoteStore) sendWriteBatch(batch model.MutationBatch) {
	if err := r.writeConn.Send(WriteRequest{StreamToken: r.streamToken, Mutations: batch.Mutations}); err != nil {
		slog.Warn("Write send failed", "batchID", batch.ID, "err", err)
	}
}

func (r *RemoteStore) startWriteStream() {
	if r.writeState != streamStopped {
		return
	}
	r.writeState = streamStarting
	r.handshakeComplete = false
	r.writeGen++
	gen := r.writeGen
	go r.runWriteStream(gen)
}

func (r *RemoteStore) stopWriteStream() {
	r.writeGen++
	if r.writeConn != nil {
		r.writeConn.Close()
		r.writeConn = nil
	}
	r.writeState = streamStopped
	r.handshakeComplete = false
}

func (r *RemoteStore) runWriteStream(gen int) {
	ctx := context.Background()
	token, err := r.creds.Token(ctx)
	if err == nil {
		var conn WriteConn
		conn, err = r.conn.OpenWrite(ctx, token.Value)
		if err == nil {
			r.scheduler.Enqueue("write-opened", func() { r.writeOpened(gen, conn) })
			for {
				resp, recvErr := conn.Recv()
				if recvErr != nil {
					err = recvErr
					break
				}
				r.scheduler.Enqueue("write-response", func() { r.handleWriteResponse(gen, resp) })
			}
		}
	}
	failure := err
	r.scheduler.Enqueue("write-error", func() { r.handleWriteError(gen, failure) })
}

func (r *RemoteStore) writeOpened(gen int, conn WriteConn) {
	if gen != r.writeGen {
		conn.Close()
		return
	}
	r.writeConn = conn
	r.writeState = streamOpen

	// The handshake resumes the server-side commit sequence from the last
	// persisted token; its response carries no mutation results.
	persisted, err := r.batches.LastStreamToken()
	if err != nil {
		slog.Error("Reading stream token failed", "err", err)
	}
	r.streamToken = persisted
	if err := conn.Send(WriteRequest{StreamToken: persisted}); err != nil {
		slog.Warn("Write handshake send failed", "err", err)
	}
}

func (r *RemoteStore) handleWriteResponse(gen int, resp WriteResponse) {
	if gen != r.writeGen {
		return
	}
	r.writeBackoff.Reset()
	r.streamToken = resp.StreamToken

	if !r.handshakeComplete {
		r.handshakeComplete = true
		for _, batch := range r.pipeline {
			r.sendWriteBatch(batch)
		}
		return
	}

	if len(r.pipeline) == 0 {
		slog.Error("Write response with empty pipeline")
		return
	}
	batch := r.pipeline[0]
	r.pipeline = r.pipeline[1:]
	result := model.MutationBatchResult{
		Batch:           batch,
		CommitVersion:   resp.CommitVersion,
		MutationResults: resp.Results,
		StreamToken:     resp.StreamToken,
	}
	if err := r.syncer.ApplySuccessfulWrite(result); err != nil {
		slog.Error("Applying write result failed", "batchID", batch.ID, "err", err)
		return
	}
	r.FillWritePipeline()
}

func (r *RemoteStore) handleWriteError(gen int, err error) {
	if gen != r.writeGen {
		return
	}
	slog.Debug("Write stream closed", "err", err)
	handshook := r.handshakeComplete
	if r.writeConn != nil {
		r.writeConn.Close()
		r.writeConn = nil
	}
	r.writeState = streamStopped
	r.handshakeComplete = false

	switch CodeOf(err) {
	case CodeResourceExhausted:
		r.writeBackoff.ResetToMax()
	case CodeUnauthenticated:
		r.creds.Invalidate()
	}

	// A permanent failure after the handshake condemns the first in-flight
	// batch; transient failures keep the pipeline and resend after backoff.
	if handshook && IsPermanentWriteError(err) && len(r.pipeline) > 0 {
		batch := r.pipeline[0]
		r.pipeline = r.pipeline[1:]
		if rejErr := r.syncer.RejectFailedWrite(batch.ID, err); rejErr != nil {
			slog.Error("Rejecting write failed", "batchID", batch.ID, "err", rejErr)
		}
	}

	if !r.networkEnabled || len(r.pipeline) == 0 {
		return
	}
	delay := r.writeBackoff.Next()
	slog.Debug("Retrying write stream", "delay", delay)
	time.AfterFunc(delay, func() {
		r.scheduler.Enqueue("write-retry", func() {
			if r.networkEnabled && len(r.pipeline) > 0 {
				r.startWriteStream()
			}
		})
	})
}
