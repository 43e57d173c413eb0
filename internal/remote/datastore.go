package remote

import (
	"context"

	"github.com/docdrift/docdrift/internal/model"
)

// WatchRequest asks the server to start or stop listening to a target.
// Exactly one field is set.
type WatchRequest struct {
	AddTarget    *model.TargetData
	RemoveTarget int64
}

// WatchResponse is one message off the watch stream. Exactly one of the
// change fields is set; SnapshotVersion accompanies target changes that
// carry a global version.
type WatchResponse struct {
	TargetChange    *WatchTargetChange
	DocumentChange  *DocumentWatchChange
	ExistenceFilter *ExistenceFilterWatchChange
	SnapshotVersion model.SnapshotVersion
}

// WriteRequest sends mutations down the write stream. The first request on
// every stream is a handshake with no mutations that carries the last stream
// token, so the server can resume the commit sequence.
type WriteRequest struct {
	StreamToken []byte
	Mutations   []model.Mutation
}

// WriteResponse acknowledges one WriteRequest. The handshake response has no
// results.
type WriteResponse struct {
	StreamToken   []byte
	CommitVersion model.SnapshotVersion
	Results       []model.MutationResult
}

// WatchConn is an open watch stream.
type WatchConn interface {
	Send(WatchRequest) error
	// Recv blocks for the next response; errors end the stream.
	Recv() (WatchResponse, error)
	Close() error
}

// WriteConn is an open write stream.
type WriteConn interface {
	Send(WriteRequest) error
	Recv() (WriteResponse, error)
	Close() error
}

// Connection dials the backend's two streams. Implementations carry the
// transport and attach the auth token passed per open.
type Connection interface {
	OpenWatch(ctx context.Context, authToken string) (WatchConn, error)
	OpenWrite(ctx context.Context, authToken string) (WriteConn, error)
}
