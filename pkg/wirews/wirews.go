// Package wirews carries the watch and write streams over websockets with
// JSON frames. It adapts the websocket transport to the stream interfaces
// the remote store drives.
package wirews

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/remote"
)

// Dialer opens the two stream endpoints of one backend.
type Dialer struct {
	WatchURL string
	WriteURL string

	ws websocket.Dialer
}

// NewDialer builds a dialer for the given websocket endpoints.
func NewDialer(watchURL, writeURL string) *Dialer {
	return &Dialer{WatchURL: watchURL, WriteURL: writeURL}
}

func (d *Dialer) dial(ctx context.Context, url, token string) (*conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := d.ws.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, remote.NewStatusError(remote.CodeUnauthenticated, "dialing %s: %v", url, err)
		}
		return nil, remote.NewStatusError(remote.CodeUnavailable, "dialing %s: %v", url, err)
	}
	return &conn{ws: ws}, nil
}

// OpenWatch implements remote.Connection.
func (d *Dialer) OpenWatch(ctx context.Context, authToken string) (remote.WatchConn, error) {
	c, err := d.dial(ctx, d.WatchURL, authToken)
	if err != nil {
		return nil, err
	}
	return &watchConn{conn: c}, nil
}

// OpenWrite implements remote.Connection.
func (d *Dialer) OpenWrite(ctx context.Context, authToken string) (remote.WriteConn, error) {
	c, err := d.dial(ctx, d.WriteURL, authToken)
	if err != nil {
		return nil, err
	}
	return &writeConn{conn: c}, nil
}

// conn wraps one websocket. Writes are serialized; the websocket permits one
// concurrent reader and one concurrent writer.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *conn) sendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return remote.NewStatusError(remote.CodeUnavailable, "stream send: %v", err)
	}
	return nil
}

func (c *conn) recvJSON(v any) error {
	if err := c.ws.ReadJSON(v); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return remote.NewStatusError(remote.CodeCancelled, "stream closed: %v", err)
		}
		return remote.NewStatusError(remote.CodeUnavailable, "stream recv: %v", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// statusFrame is the wire form of a backend error.
type statusFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *statusFrame) toError() error {
	return remote.NewStatusError(remote.Code(f.Code), "%s", f.Message)
}

// targetChangeFrame is the wire form of a target-level watch change.
type targetChangeFrame struct {
	State       int          `json:"state"`
	TargetIDs   []int64      `json:"targetIds,omitempty"`
	ResumeToken []byte       `json:"resumeToken,omitempty"`
	Cause       *statusFrame `json:"cause,omitempty"`
}

// watchFrame is one server-to-client message on the watch stream.
type watchFrame struct {
	Error           *statusFrame                       `json:"error,omitempty"`
	TargetChange    *targetChangeFrame                 `json:"targetChange,omitempty"`
	DocumentChange  *remote.DocumentWatchChange        `json:"documentChange,omitempty"`
	ExistenceFilter *remote.ExistenceFilterWatchChange `json:"existenceFilter,omitempty"`
	SnapshotVersion model.SnapshotVersion              `json:"snapshotVersion,omitzero"`
}

// watchRequestFrame is one client-to-server message on the watch stream.
type watchRequestFrame struct {
	AddTarget    *model.TargetData `json:"addTarget,omitempty"`
	RemoveTarget int64             `json:"removeTarget,omitempty"`
}

type watchConn struct {
	*conn
}

// Send implements remote.WatchConn.
func (c *watchConn) Send(req remote.WatchRequest) error {
	return c.sendJSON(watchRequestFrame{AddTarget: req.AddTarget, RemoveTarget: req.RemoveTarget})
}

// Recv implements remote.WatchConn.
func (c *watchConn) Recv() (remote.WatchResponse, error) {
	var frame watchFrame
	if err := c.recvJSON(&frame); err != nil {
		return remote.WatchResponse{}, err
	}
	if frame.Error != nil {
		return remote.WatchResponse{}, frame.Error.toError()
	}
	resp := remote.WatchResponse{
		DocumentChange:  frame.DocumentChange,
		ExistenceFilter: frame.ExistenceFilter,
		SnapshotVersion: frame.SnapshotVersion,
	}
	if frame.TargetChange != nil {
		tc := &remote.WatchTargetChange{
			State:       remote.WatchTargetChangeState(frame.TargetChange.State),
			TargetIDs:   frame.TargetChange.TargetIDs,
			ResumeToken: frame.TargetChange.ResumeToken,
		}
		if frame.TargetChange.Cause != nil {
			tc.Cause = frame.TargetChange.Cause.toError()
		}
		resp.TargetChange = tc
	}
	return resp, nil
}

// writeFrame is one server-to-client message on the write stream.
type writeFrame struct {
	Error         *statusFrame           `json:"error,omitempty"`
	StreamToken   []byte                 `json:"streamToken,omitempty"`
	CommitVersion model.SnapshotVersion  `json:"commitVersion,omitzero"`
	Results       []model.MutationResult `json:"results,omitempty"`
}

// writeRequestFrame is one client-to-server message on the write stream.
type writeRequestFrame struct {
	StreamToken []byte           `json:"streamToken,omitempty"`
	Mutations   []model.Mutation `json:"mutations,omitempty"`
}

type writeConn struct {
	*conn
}

// Send implements remote.WriteConn.
func (c *writeConn) Send(req remote.WriteRequest) error {
	return c.sendJSON(writeRequestFrame{StreamToken: req.StreamToken, Mutations: req.Mutations})
}

// Recv implements remote.WriteConn.
func (c *writeConn) Recv() (remote.WriteResponse, error) {
	var frame writeFrame
	if err := c.recvJSON(&frame); err != nil {
		return remote.WriteResponse{}, err
	}
	if frame.Error != nil {
		return remote.WriteResponse{}, frame.Error.toError()
	}
	return remote.WriteResponse{
		StreamToken:   frame.StreamToken,
		CommitVersion: frame.CommitVersion,
		Results:       frame.Results,
	}, nil
}

// Ensure the adapters satisfy the stream interfaces.
var (
	_ remote.Connection = (*Dialer)(nil)
	_ remote.WatchConn  = (*watchConn)(nil)
	_ remote.WriteConn  = (*writeConn)(nil)
)

// String describes the dialer for logs.
func (d *Dialer) String() string {
	return fmt.Sprintf("wirews(watch=%s write=%s)", d.WatchURL, d.WriteURL)
}
