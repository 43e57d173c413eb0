package remote

import (
	"github.com/docdrift/docdrift/internal/model"
)

// WatchTargetChangeState enumerates the target-level signals on the watch
// stream.
type WatchTargetChangeState int

const (
	// WatchTargetNoChange carries only a resume token and snapshot version.
	WatchTargetNoChange WatchTargetChangeState = iota
	// WatchTargetAdded acknowledges targets the client asked to listen to.
	WatchTargetAdded
	// WatchTargetRemoved drops targets, usually with an error cause.
	WatchTargetRemoved
	// WatchTargetCurrent promises the named targets have seen every change
	// up to the stream's snapshot version.
	WatchTargetCurrent
	// WatchTargetReset invalidates everything known about the named targets.
	WatchTargetReset
)

// WatchTargetChange is a target-level change on the watch stream. An empty
// TargetIDs slice addresses every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []int64
	ResumeToken []byte
	Cause       error
}

// DocumentWatchChange is a document-level change on the watch stream. A nil
// NewDocument with UpdatedTargetIDs only (the document no longer matches)
// keeps the cached entry; Removed state arrives as a NoDocument.
type DocumentWatchChange struct {
	// UpdatedTargetIDs are targets the document now matches.
	UpdatedTargetIDs []int64
	// RemovedTargetIDs are targets the document no longer matches.
	RemovedTargetIDs []int64
	Key              model.DocumentKey
	// NewDocument is the Found or NoDocument state, zero when the change only
	// adjusts target membership.
	NewDocument model.Document
}

// BloomFilterSpec is the compact existence filter payload: a bit array of
// length len(Bits)*8-Padding probed HashCount times per member.
type BloomFilterSpec struct {
	Bits      []byte `json:"bits"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// ExistenceFilterWatchChange tells the client how many documents the server
// believes the target holds, optionally with a bloom filter over their names
// so the client can identify deletions it missed.
type ExistenceFilterWatchChange struct {
	TargetID int64
	Count    int
	Filter   *BloomFilterSpec
}
