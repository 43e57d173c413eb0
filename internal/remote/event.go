package remote

import (
	"fmt"

	"github.com/docdrift/docdrift/internal/model"
)

// TargetChange summarizes what one remote event means for one target.
type TargetChange struct {
	// ResumeToken lets a later stream resume this target where it left off.
	ResumeToken []byte
	// Current is true once the server has promised the target is consistent
	// with the event's snapshot version.
	Current bool
	// AddedDocuments newly match the target.
	AddedDocuments model.DocumentKeySet
	// ModifiedDocuments matched before and changed.
	ModifiedDocuments model.DocumentKeySet
	// RemovedDocuments no longer match the target.
	RemovedDocuments model.DocumentKeySet
}

func newTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// HasPendingChanges reports whether the change carries anything beyond a
// resume-token refresh.
func (tc *TargetChange) HasPendingChanges() bool {
	return len(tc.AddedDocuments) > 0 || len(tc.ModifiedDocuments) > 0 ||
		len(tc.RemovedDocuments) > 0
}

// RemoteEvent is a consistent snapshot of everything the watch stream
// reported up to SnapshotVersion, aggregated per target.
type RemoteEvent struct {
	// SnapshotVersion is the version the event is consistent at;
	// MinSnapshotVersion when the stream has not issued a global version yet.
	SnapshotVersion model.SnapshotVersion
	// TargetChanges maps target ID to its summarized change.
	TargetChanges map[int64]*TargetChange
	// TargetMismatches names targets whose existence filter disagreed with
	// the local view; their contents must be refetched from scratch. The
	// value is the purpose to re-listen with.
	TargetMismatches map[int64]model.TargetPurpose
	// DocumentUpdates carries the latest state of every changed document.
	DocumentUpdates map[model.DocumentKey]model.Document
	// ResolvedLimboDocuments are keys the event proves deleted or changed,
	// settling pending limbo resolutions.
	ResolvedLimboDocuments model.DocumentKeySet
}

func (e *RemoteEvent) String() string {
	return fmt.Sprintf("RemoteEvent{version=%s targets=%d mismatches=%d docs=%d}",
		e.SnapshotVersion, len(e.TargetChanges), len(e.TargetMismatches), len(e.DocumentUpdates))
}
